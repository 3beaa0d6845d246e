package platform

import (
	"context"
	"strings"
	"unicode/utf8"
)

// OwnerKind tags the entity a media file belongs to.
type OwnerKind string

const (
	OwnerDraft OwnerKind = "draft"
	OwnerPost  OwnerKind = "post"
)

// MediaOwner is a tagged reference to the uploadable's owner. Keeping it a
// closed variant (draft | post) avoids open-ended type dispatch downstream.
type MediaOwner struct {
	Kind OwnerKind
	ID   int64
}

// MediaFile is one attachment, already fetched into memory or addressable
// on local disk. The media preparer may rewrite Bytes/Mime per platform.
type MediaFile struct {
	Owner   MediaOwner
	Path    string
	Mime    string
	Bytes   []byte
	AltText string
}

// PostRequest is one segment publication.
//
// ReplyToExternalID is required for every non-first thread segment; the
// adapter must address the created item as a reply to it.
// IdempotencyKey is a hint for platforms that support idempotent creates;
// adapters without such support may ignore it.
type PostRequest struct {
	Content           string
	Media             []MediaFile
	ReplyToExternalID string

	// RootExternalID is the first segment's id, needed by platforms whose
	// reply model references both root and parent (Bluesky).
	RootExternalID string

	IdempotencyKey string
}

// PostRef identifies the created item on the remote platform.
type PostRef struct {
	ExternalID  string
	ExternalURL string
}

// Adapter publishes single posts to one platform on behalf of one account.
//
// Implementations validate locally before any network call and return
// *PublishError for all failure paths.
type Adapter interface {
	ID() ID
	CreatePost(ctx context.Context, req PostRequest) (PostRef, error)
}

// ValidateContent applies the pre-call checks shared by every adapter:
// non-blank content and the platform character budget. Violations are
// non-retryable by definition.
func ValidateContent(id ID, content string) error {
	if strings.TrimSpace(content) == "" {
		return Errf(CodeContentBlank, false, "content is blank")
	}
	limit, err := LimitFor(id)
	if err != nil {
		return err
	}
	if n := utf8.RuneCountInString(content); n > limit {
		return Errf(CodeContentTooLong, false, "content is %d chars, %s allows %d", n, id, limit)
	}
	return nil
}
