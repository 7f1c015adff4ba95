package pages

import (
	"sync"

	"github.com/blackmichael/plebbit-feeds/internal/domain"
	"github.com/blackmichael/plebbit-feeds/internal/state"
)

// CommentMap holds the freshest known version of every comment seen in any
// fetched page. It may be shared by several stores.
type CommentMap struct {
	mu       sync.RWMutex
	comments map[string]*domain.Comment

	// version counts merges that changed something
	version *state.Container[uint64]
}

// NewCommentMap creates an empty map.
func NewCommentMap() *CommentMap {
	return &CommentMap{
		comments: make(map[string]*domain.Comment),
		version:  state.New(func() uint64 { return 0 }),
	}
}

// Get returns the stored version of cid.
func (m *CommentMap) Get(cid string) (*domain.Comment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.comments[cid]
	return c, ok
}

// Len returns the number of comments held.
func (m *CommentMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.comments)
}

// Merge stores every comment that is unknown or strictly newer than the
// stored version, and reports how many were stored. Subscribers are notified
// once per call that stored anything.
func (m *CommentMap) Merge(comments []*domain.Comment) int {
	m.mu.Lock()
	changed := 0
	for _, c := range comments {
		if c == nil || c.Cid == "" {
			continue
		}
		if c.NewerThan(m.comments[c.Cid]) {
			m.comments[c.Cid] = c
			changed++
		}
	}
	m.mu.Unlock()

	if changed > 0 {
		m.version.Update(func(v uint64) uint64 { return v + 1 })
	}
	return changed
}

// Subscribe calls fn after every merge that changed the map.
func (m *CommentMap) Subscribe(fn func()) (unsubscribe func()) {
	return m.version.Subscribe(func(uint64) { fn() })
}

// Reset empties the map and drops subscribers.
func (m *CommentMap) Reset() {
	m.mu.Lock()
	m.comments = make(map[string]*domain.Comment)
	m.mu.Unlock()
	m.version.Reset()
}
