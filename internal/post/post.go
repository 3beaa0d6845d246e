// Package post holds the publishable content model: posts, threads, the
// per-platform selection entries, and the pure status aggregation rules.
//
// Nothing here touches storage or the network; the package is a leaf so
// both the store and the publish pipeline can share one vocabulary.
package post

import (
	"sort"
	"time"

	"crosspost/internal/platform"
)

// Status is the post-level lifecycle state. draft and scheduled are the
// only states set directly (pre-dispatch, by the orchestrator); the rest
// are derived from platform entries by Aggregate and never stored-and-
// mutated independently.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

// EntryStatus is the per-platform publish state within a post.
type EntryStatus string

const (
	EntryUnset      EntryStatus = "unset"
	EntryProcessing EntryStatus = "processing"
	EntryPublished  EntryStatus = "published"
	EntryFailed     EntryStatus = "failed"
)

// Post is one publishable item. A non-nil ThreadParentID marks a thread
// member; a nil ThreadParentID with children marks the thread root. Only
// the root's selections are authoritative for orchestration — children
// inherit the root's targets.
type Post struct {
	ID             int64
	AuthorID       int64
	Content        string
	Status         Status
	ThreadParentID *int64
	ThreadIndex    int
	Selections     []PlatformSelection
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PlatformSelection is one platform entry of a post. Entries are unique
// per platform; unselected entries are inert and never dispatched.
// When several accounts target one platform, Status is the worst case
// across those accounts.
type PlatformSelection struct {
	PlatformID  platform.ID
	Position    int
	IsSelected  bool
	AccountIDs  []int64
	Status      EntryStatus
	ExternalID  string
	ExternalURL string
	ScheduledAt *time.Time
	Error       string
}

// AccountResult is the outcome of one account's publish attempt on one
// platform, the granularity ApplyEntryResult works at.
type AccountResult struct {
	AccountID   int64
	Status      EntryStatus
	ExternalID  string
	ExternalURL string
	Error       string
}

// IsThreadMember reports whether p belongs to a thread as a child.
func (p *Post) IsThreadMember() bool { return p.ThreadParentID != nil }

// SelectedEntries returns the selections that actually dispatch, in
// selection order. Stagger offsets are counted against this slice, so an
// unselected platform never consumes an offset slot.
func SelectedEntries(selections []PlatformSelection) []PlatformSelection {
	out := make([]PlatformSelection, 0, len(selections))
	for _, sel := range selections {
		if sel.IsSelected {
			out = append(out, sel)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// ThreadSegments orders a root and its children into the publication
// sequence: [root] + children by ThreadIndex.
func ThreadSegments(root *Post, children []*Post) []*Post {
	segs := make([]*Post, 0, len(children)+1)
	segs = append(segs, root)
	ordered := append([]*Post(nil), children...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ThreadIndex < ordered[j].ThreadIndex })
	return append(segs, ordered...)
}
