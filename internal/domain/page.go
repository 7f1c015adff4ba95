package domain

// Page is one link of a paginated listing. Pages of the same listing form a
// singly linked list through NextCid; an empty NextCid ends the chain.
type Page struct {
	Comments []*Comment `json:"comments"`
	NextCid  string     `json:"nextCid,omitempty"`
}

// Pages is the listing of a community's posts or a comment's replies.
type Pages struct {
	// Pages holds first pages embedded directly in the snapshot, by sort type.
	Pages map[string]*Page `json:"pages,omitempty"`

	// PageCids holds the cursor of the first page, by sort type.
	PageCids map[string]string `json:"pageCids,omitempty"`
}

// Subplebbit is a community snapshot.
type Subplebbit struct {
	Address   string `json:"address"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
	Title     string `json:"title,omitempty"`
	Posts     *Pages `json:"posts,omitempty"`
}

// PageSource is the common shape of anything that owns paginated listings:
// a community (its posts) or a comment (its replies).
type PageSource struct {
	ID        string `json:"id"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
	Pages     Pages  `json:"pages"`
}

// SubplebbitSource returns the posts listing of s as a PageSource.
func SubplebbitSource(s *Subplebbit) PageSource {
	src := PageSource{ID: s.Address, UpdatedAt: s.UpdatedAt}
	if s.Posts != nil {
		src.Pages = *s.Posts
	}
	return src
}

// CommentSource returns the replies listing of c as a PageSource.
func CommentSource(c *Comment) PageSource {
	src := PageSource{ID: c.Cid, UpdatedAt: c.UpdatedAt}
	if c.Replies != nil {
		src.Pages = *c.Replies
	}
	return src
}

// Preloaded returns the page embedded in the snapshot for sortType, if any.
func (s PageSource) Preloaded(sortType string) *Page {
	if s.Pages.Pages == nil {
		return nil
	}
	return s.Pages.Pages[sortType]
}

// FirstCursor returns the cursor of the first page that has to be fetched for
// sortType. When a preloaded page exists the chain continues from its
// NextCid; otherwise it starts at PageCids. "" means nothing to fetch.
func (s PageSource) FirstCursor(sortType string) string {
	if p := s.Preloaded(sortType); p != nil {
		return p.NextCid
	}
	if s.Pages.PageCids == nil {
		return ""
	}
	return s.Pages.PageCids[sortType]
}

// FlattenPage returns every comment in p, including comments nested in the
// preloaded reply pages of each comment, depth first.
func FlattenPage(p *Page) []*Comment {
	if p == nil {
		return nil
	}
	var out []*Comment
	for _, c := range p.Comments {
		out = appendFlattened(out, c)
	}
	return out
}

func appendFlattened(out []*Comment, c *Comment) []*Comment {
	if c == nil {
		return out
	}
	out = append(out, c)
	if c.Replies == nil {
		return out
	}
	for _, sortType := range sortedKeys(c.Replies.Pages) {
		p := c.Replies.Pages[sortType]
		if p == nil {
			continue
		}
		for _, r := range p.Comments {
			out = appendFlattened(out, r)
		}
	}
	return out
}
