package pages

import (
	"testing"

	"github.com/blackmichael/plebbit-feeds/internal/domain"
	"github.com/go-playground/assert/v2"
)

func TestMergeKeepsNewestVersion(t *testing.T) {
	m := NewCommentMap()
	notified := 0
	m.Subscribe(func() { notified++ })

	assert.Equal(t, 1, m.Merge([]*domain.Comment{{Cid: "c", UpdatedAt: 10, UpvoteCount: 1}}))
	// older and equal versions are ignored
	assert.Equal(t, 0, m.Merge([]*domain.Comment{
		{Cid: "c", UpdatedAt: 9, UpvoteCount: 9},
		{Cid: "c", UpdatedAt: 10, UpvoteCount: 10},
	}))
	assert.Equal(t, 1, notified)

	c, _ := m.Get("c")
	assert.Equal(t, 1, c.UpvoteCount)

	assert.Equal(t, 1, m.Merge([]*domain.Comment{{Cid: "c", UpdatedAt: 11, UpvoteCount: 11}, nil, {}}))
	c, _ = m.Get("c")
	assert.Equal(t, 11, c.UpvoteCount)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 2, notified)

	m.Reset()
	assert.Equal(t, 0, m.Len())
	m.Merge([]*domain.Comment{{Cid: "d"}})
	assert.Equal(t, 2, notified)
}
