package platform

import (
	"errors"
	"fmt"
	"sort"
)

// ID identifies a target social network.
type ID string

const (
	Bluesky  ID = "bluesky"
	Mastodon ID = "mastodon"
	Telegram ID = "telegram"
)

var ErrUnknownPlatform = errors.New("unknown platform")

// Capabilities are static per-platform feature flags.
type Capabilities struct {
	Media          bool
	ReplyThreading bool

	// MaxMediaPerPost is 0 when Media is false.
	MaxMediaPerPost int
}

// Info is one row of the static platform table.
type Info struct {
	ID        ID
	CharLimit int
	Caps      Capabilities
}

// The table is intentionally static. Adding a platform means adding a row
// here plus an adapter subpackage; nothing else in the pipeline changes.
var registry = map[ID]Info{
	Bluesky: {
		ID:        Bluesky,
		CharLimit: 300,
		Caps:      Capabilities{Media: true, ReplyThreading: true, MaxMediaPerPost: 4},
	},
	Mastodon: {
		ID:        Mastodon,
		CharLimit: 500,
		Caps:      Capabilities{Media: true, ReplyThreading: true, MaxMediaPerPost: 4},
	},
	Telegram: {
		ID:        Telegram,
		CharLimit: 4096,
		Caps:      Capabilities{Media: true, ReplyThreading: true, MaxMediaPerPost: 10},
	},
}

// Lookup returns the registry row for id.
func Lookup(id ID) (Info, bool) {
	info, ok := registry[id]
	return info, ok
}

// LimitFor returns the character budget for id.
func LimitFor(id ID) (int, error) {
	info, ok := registry[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPlatform, id)
	}
	return info.CharLimit, nil
}

// Known reports whether id is a supported platform.
func Known(id ID) bool {
	_, ok := registry[id]
	return ok
}

// All returns the registry rows in stable ID order.
func All() []Info {
	out := make([]Info, 0, len(registry))
	for _, info := range registry {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
