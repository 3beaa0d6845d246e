// Package media prepares attachments for a specific platform before the
// adapter uploads them.
//
// Real transcoding (resize, re-encode) sits behind the Preparer interface;
// the built-in implementation is a gate that loads file bytes and rejects
// what the target platform cannot accept. Media failures are terminal for
// the segment: the worker never retries them.
package media

import (
	"context"
	"fmt"
	"os"
	"strings"

	"crosspost/internal/platform"
)

// Preparer is the external media collaborator contract.
type Preparer interface {
	PrepareForPlatform(ctx context.Context, f platform.MediaFile, id platform.ID) (platform.MediaFile, error)
}

// Per-platform byte ceilings for a single attachment. These mirror the
// documented upload limits; anything above them would be rejected remotely
// anyway, so fail before spending bandwidth.
var maxBytes = map[platform.ID]int64{
	platform.Bluesky:  1_000_000,
	platform.Mastodon: 16_000_000,
	platform.Telegram: 10_000_000,
}

// Gate is the default Preparer. It does no transcoding; files that need
// conversion fail explicitly instead of being silently dropped.
type Gate struct{}

func NewGate() *Gate { return &Gate{} }

func (g *Gate) PrepareForPlatform(_ context.Context, f platform.MediaFile, id platform.ID) (platform.MediaFile, error) {
	info, ok := platform.Lookup(id)
	if !ok {
		return platform.MediaFile{}, fmt.Errorf("%w: %q", platform.ErrUnknownPlatform, id)
	}
	if !info.Caps.Media {
		return platform.MediaFile{}, platform.Errf(platform.CodeMediaUnsupported, false, "platform %s does not accept media", id)
	}

	if len(f.Bytes) == 0 && f.Path != "" {
		b, err := os.ReadFile(f.Path)
		if err != nil {
			return platform.MediaFile{}, platform.Errf(platform.CodeMediaUnsupported, false, "read media %s: %v", f.Path, err)
		}
		f.Bytes = b
	}
	if len(f.Bytes) == 0 {
		return platform.MediaFile{}, platform.Errf(platform.CodeMediaUnsupported, false, "media file %s is empty", f.Path)
	}

	if !strings.HasPrefix(f.Mime, "image/") && !strings.HasPrefix(f.Mime, "video/") {
		return platform.MediaFile{}, platform.Errf(platform.CodeMediaUnsupported, false, "unsupported media type %q", f.Mime)
	}
	if limit, ok := maxBytes[id]; ok && int64(len(f.Bytes)) > limit {
		return platform.MediaFile{}, platform.Errf(platform.CodeMediaUnsupported, false, "media %s is %d bytes, %s caps attachments at %d", f.Path, len(f.Bytes), id, limit)
	}
	return f, nil
}
