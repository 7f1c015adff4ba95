package badgerstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/blackmichael/plebbit-feeds/internal/pagecache"
	"github.com/go-playground/assert/v2"
)

func openInMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGenerationsArePrefixIsolated(t *testing.T) {
	s := openInMemory(t)
	ctx := context.Background()

	a, _ := s.Generation(ctx, "pages/a")
	// "pages/a" must not see keys of "pages/ab"
	ab, _ := s.Generation(ctx, "pages/ab")

	assert.Equal(t, nil, a.Put(ctx, "p1", []byte("one")))
	assert.Equal(t, nil, ab.Put(ctx, "p2", []byte("two")))

	keys, err := a.Keys(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"p1"}, keys)

	v, ok, err := a.Get(ctx, "p1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, "one", string(v))

	_, ok, err = a.Get(ctx, "p2")
	assert.Equal(t, nil, err)
	assert.Equal(t, false, ok)

	assert.Equal(t, nil, a.Clear(ctx))
	n, err := a.Len(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, n)
	n, err = ab.Len(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, n)
}

func TestPageCacheOverBadger(t *testing.T) {
	s := openInMemory(t)
	ctx := context.Background()

	c, err := pagecache.NewRegistry(s, nil).CreateInstance(pagecache.Options{Name: "replies-pages", Size: 4})
	assert.Equal(t, nil, err)

	for i := 0; i < 10; i++ {
		assert.Equal(t, nil, c.Put(ctx, fmt.Sprintf("page-%d", i), i))
	}

	keys, err := c.Keys(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"page-4", "page-5", "page-6", "page-7", "page-8", "page-9"}, keys)

	var v int
	ok, err := c.Get(ctx, "page-9", &v)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, 9, v)

	assert.Equal(t, nil, c.Delete(ctx, "page-9"))
	ok, err = c.Get(ctx, "page-9", &v)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, ok)
}
