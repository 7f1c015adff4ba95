package domain

// Comment is a post or reply as published by its author and updated by the
// community that hosts it. Posts are comments without a ParentCid.
type Comment struct {
	// Cid is the content identifier of the comment.
	Cid string `json:"cid"`

	// Timestamp is when the author published the comment (unix seconds).
	Timestamp int64 `json:"timestamp"`

	// UpdatedAt is when the hosting community last updated the comment's
	// mutable fields (votes, reply counts, flags). Zero means never updated.
	UpdatedAt int64 `json:"updatedAt,omitempty"`

	// SubplebbitAddress is the address of the community the comment lives in.
	SubplebbitAddress string `json:"subplebbitAddress"`

	ParentCid string `json:"parentCid,omitempty"`
	PostCid   string `json:"postCid,omitempty"`
	Depth     int    `json:"depth,omitempty"`

	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	Link    string `json:"link,omitempty"`

	UpvoteCount        int   `json:"upvoteCount,omitempty"`
	DownvoteCount      int   `json:"downvoteCount,omitempty"`
	ReplyCount         int   `json:"replyCount,omitempty"`
	LastReplyTimestamp int64 `json:"lastReplyTimestamp,omitempty"`

	Pinned  bool `json:"pinned,omitempty"`
	Deleted bool `json:"deleted,omitempty"`
	Removed bool `json:"removed,omitempty"`

	Author Author `json:"author"`

	// Replies holds the reply tree pages the community embeds in the comment.
	Replies *Pages `json:"replies,omitempty"`
}

// Author identifies who published a comment and links to their history.
type Author struct {
	Address     string `json:"address"`
	DisplayName string `json:"displayName,omitempty"`

	// PreviousCommentCid points at the author's comment published right
	// before this one, forming a reverse linked list of their history.
	PreviousCommentCid string `json:"previousCommentCid,omitempty"`

	// Subplebbit is set by the hosting community and may carry a pointer to
	// the author's most recent comment in it.
	Subplebbit *AuthorSubplebbit `json:"subplebbit,omitempty"`
}

// AuthorSubplebbit is community-provided information about an author.
type AuthorSubplebbit struct {
	LastCommentCid string `json:"lastCommentCid,omitempty"`
	PostScore      int    `json:"postScore,omitempty"`
	ReplyScore     int    `json:"replyScore,omitempty"`
}

// NewerThan reports whether c should replace other in a store that never
// regresses to staler data.
func (c *Comment) NewerThan(other *Comment) bool {
	if other == nil {
		return true
	}
	return c.UpdatedAt > other.UpdatedAt
}

// LastCommentHint returns the author's most recent comment cid as reported by
// the hosting community, or "" when none is known.
func (c *Comment) LastCommentHint() string {
	if c.Author.Subplebbit == nil {
		return ""
	}
	return c.Author.Subplebbit.LastCommentCid
}

// Account is the local identity a feed is built for. Only its id matters to
// the engine.
type Account struct {
	ID string `json:"id"`
}
