package domain

import (
	"context"
)

// Fetcher resolves content identifiers into content. Implementations talk to
// the network; callers are expected to retry transient errors.
type Fetcher interface {
	// GetPage fetches the page identified by cid.
	GetPage(ctx context.Context, cid string) (*Page, error)

	// GetComment fetches a single comment, including its latest update
	// (votes, replies pages) when the transport provides one.
	GetComment(ctx context.Context, cid string) (*Comment, error)

	// GetSubplebbit fetches the latest snapshot of a community.
	GetSubplebbit(ctx context.Context, address string) (*Subplebbit, error)
}

// CommentValidator decides whether a comment may be shown. A comment that
// fails validation is skipped for now and may pass on a later attempt.
type CommentValidator interface {
	ValidateComment(ctx context.Context, c *Comment) bool
}

// AccountCommentReconciler lets the account layer match comments seen in
// listings against its own pending publications.
type AccountCommentReconciler interface {
	AddCidToAccountComment(ctx context.Context, c *Comment) error
}

// ValidatorFunc adapts a function to CommentValidator.
type ValidatorFunc func(ctx context.Context, c *Comment) bool

// ValidateComment calls f.
func (f ValidatorFunc) ValidateComment(ctx context.Context, c *Comment) bool {
	return f(ctx, c)
}
