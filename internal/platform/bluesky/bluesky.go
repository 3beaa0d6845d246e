// Package bluesky publishes posts to the AT Protocol network through a
// user's PDS, using the indigo xrpc client.
package bluesky

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	atputil "github.com/bluesky-social/indigo/util"
	"github.com/bluesky-social/indigo/xrpc"
	"golang.org/x/time/rate"

	"crosspost/internal/platform"
	logx "crosspost/pkg/logx"
)

const DefaultPDSHost = "https://bsky.social"

// refSep joins an at-uri and a cid into one opaque external id. Bluesky
// reply refs need both; at-uris and cids never contain '|'.
const refSep = "|"

type Adapter struct {
	xrpc    *xrpc.Client
	handle  string
	limiter *rate.Limiter
	log     logx.Logger
}

// New creates a session against the account's PDS and returns an adapter
// bound to it. Expected credentials: "identifier", "app_password" and an
// optional "service" host.
func New(ctx context.Context, acct platform.Account, opts platform.Options) (platform.Adapter, error) {
	identifier := strings.TrimSpace(acct.Credentials["identifier"])
	password := acct.Credentials["app_password"]
	if identifier == "" || password == "" {
		return nil, platform.Errf(platform.CodeUnauthorized, false, "bluesky account %d is missing identifier or app password", acct.ID)
	}
	host := strings.TrimSpace(acct.Credentials["service"])
	if host == "" {
		host = DefaultPDSHost
	}

	httpc := &http.Client{Timeout: opts.HTTPTimeout}
	session, err := comatproto.ServerCreateSession(ctx, &xrpc.Client{Host: host, Client: httpc}, &comatproto.ServerCreateSession_Input{
		Identifier: identifier,
		Password:   password,
	})
	if err != nil {
		return nil, wrapXRPC(err)
	}

	client := &xrpc.Client{
		Host: host,
		Auth: &xrpc.AuthInfo{
			AccessJwt:  session.AccessJwt,
			RefreshJwt: session.RefreshJwt,
			Handle:     session.Handle,
			Did:        session.Did,
		},
		Client: httpc,
	}
	return &Adapter{xrpc: client, handle: session.Handle, limiter: opts.Limiter, log: opts.Log}, nil
}

func (a *Adapter) ID() platform.ID { return platform.Bluesky }

func (a *Adapter) CreatePost(ctx context.Context, req platform.PostRequest) (platform.PostRef, error) {
	if err := platform.ValidateContent(platform.Bluesky, req.Content); err != nil {
		return platform.PostRef{}, err
	}

	post := &bsky.FeedPost{
		Text:      req.Content,
		CreatedAt: formatTime(time.Now()),
	}

	if req.ReplyToExternalID != "" {
		reply, err := replyRef(req.ReplyToExternalID, req.RootExternalID)
		if err != nil {
			return platform.PostRef{}, err
		}
		post.Reply = reply
	}

	if len(req.Media) > 0 {
		embed, err := a.uploadImages(ctx, req.Media)
		if err != nil {
			return platform.PostRef{}, err
		}
		post.Embed = &bsky.FeedPost_Embed{EmbedImages: embed}
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return platform.PostRef{}, platform.WrapErr(platform.CodeTimeout, true, err)
		}
	}

	out, err := comatproto.RepoCreateRecord(ctx, a.xrpc, &comatproto.RepoCreateRecord_Input{
		Collection: "app.bsky.feed.post",
		Repo:       a.xrpc.Auth.Did,
		Record:     &lexutil.LexiconTypeDecoder{Val: post},
	})
	if err != nil {
		return platform.PostRef{}, wrapXRPC(err)
	}

	ref := platform.PostRef{
		ExternalID:  out.Uri + refSep + out.Cid,
		ExternalURL: a.postURL(out.Uri),
	}
	a.log.Debug("bluesky post created", logx.String("uri", out.Uri))
	return ref, nil
}

func (a *Adapter) uploadImages(ctx context.Context, files []platform.MediaFile) (*bsky.EmbedImages, error) {
	info, _ := platform.Lookup(platform.Bluesky)
	if len(files) > info.Caps.MaxMediaPerPost {
		return nil, platform.Errf(platform.CodeMediaUnsupported, false, "bluesky allows %d images per post, got %d", info.Caps.MaxMediaPerPost, len(files))
	}
	images := make([]*bsky.EmbedImages_Image, 0, len(files))
	for _, f := range files {
		if !strings.HasPrefix(f.Mime, "image/") {
			return nil, platform.Errf(platform.CodeMediaUnsupported, false, "bluesky feed posts only embed images, got %q", f.Mime)
		}
		blob, err := comatproto.RepoUploadBlob(ctx, a.xrpc, bytes.NewReader(f.Bytes))
		if err != nil {
			return nil, wrapXRPC(err)
		}
		images = append(images, &bsky.EmbedImages_Image{
			Alt:   f.AltText,
			Image: blob.Blob,
		})
	}
	return &bsky.EmbedImages{Images: images}, nil
}

func (a *Adapter) postURL(uri string) string {
	parsed, err := atputil.ParseAtUri(uri)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", a.handle, parsed.Rkey)
}

// replyRef rebuilds the strong refs a Bluesky reply needs. The parent ref
// comes from the previous segment; the root ref from the first segment.
// When only a parent is known (single reply to an external post), the
// parent doubles as root.
func replyRef(parentExt, rootExt string) (*bsky.FeedPost_ReplyRef, error) {
	parent, err := splitRef(parentExt)
	if err != nil {
		return nil, err
	}
	root := parent
	if rootExt != "" {
		root, err = splitRef(rootExt)
		if err != nil {
			return nil, err
		}
	}
	return &bsky.FeedPost_ReplyRef{Parent: parent, Root: root}, nil
}

func splitRef(ext string) (*comatproto.RepoStrongRef, error) {
	uri, cid, ok := strings.Cut(ext, refSep)
	if !ok || uri == "" || cid == "" {
		return nil, platform.Errf(platform.CodeReplyRefMissing, false, "malformed bluesky external id %q", ext)
	}
	return &comatproto.RepoStrongRef{Uri: uri, Cid: cid}, nil
}

func wrapXRPC(err error) *platform.PublishError {
	var xe *xrpc.Error
	if errors.As(err, &xe) {
		switch {
		case xe.StatusCode == http.StatusTooManyRequests:
			pe := platform.WrapErr(platform.CodeRateLimited, true, err)
			if xe.Ratelimit != nil {
				pe.RetryAfter = time.Until(xe.Ratelimit.Reset)
			}
			return pe
		case xe.StatusCode == http.StatusUnauthorized || xe.StatusCode == http.StatusForbidden:
			return platform.WrapErr(platform.CodeUnauthorized, false, err)
		case xe.StatusCode >= 500:
			return platform.WrapErr(platform.CodeUnavailable, true, err)
		default:
			return platform.WrapErr(platform.CodeRejected, false, err)
		}
	}
	// Transport-level failure (DNS, timeout, connection reset).
	return platform.WrapErr(platform.CodeUnavailable, true, err)
}

// formatTime renders the timestamp format AT Protocol expects.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
