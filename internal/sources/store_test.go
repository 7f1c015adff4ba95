package sources

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blackmichael/plebbit-feeds/internal/domain"
	"github.com/blackmichael/plebbit-feeds/internal/domain/domaintest"
	"github.com/blackmichael/plebbit-feeds/internal/fetch"
	"github.com/blackmichael/plebbit-feeds/internal/pagecache"
	"github.com/go-playground/assert/v2"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fastPolicy = fetch.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

func TestAddFetchesOnceAndRetries(t *testing.T) {
	f := domaintest.NewFetcher()
	f.AddSubplebbit(&domain.Subplebbit{
		Address:   "memes.eth",
		UpdatedAt: 10,
		Posts:     &domain.Pages{PageCids: map[string]string{"hot": "page-1"}},
	})
	f.FailNext("memes.eth", 2)

	s := New(Config{Kind: Subplebbits, Fetcher: f, Policy: fastPolicy})
	ctx := context.Background()

	assert.Equal(t, nil, s.Add(ctx, "memes.eth"))
	assert.Equal(t, 3, f.Calls("memes.eth"))
	assert.Equal(t, true, s.Fetched("memes.eth"))

	src, ok := s.Get("memes.eth")
	assert.Equal(t, true, ok)
	assert.Equal(t, "page-1", src.FirstCursor("hot"))

	// already loaded
	assert.Equal(t, nil, s.Add(ctx, "memes.eth"))
	assert.Equal(t, 3, f.Calls("memes.eth"))
}

func TestConcurrentAddIsDeduplicated(t *testing.T) {
	f := domaintest.NewFetcher()
	f.AddComment(&domain.Comment{Cid: "c1", UpdatedAt: 5})
	f.Hold()

	s := New(Config{Kind: Comments, Fetcher: f, Policy: fastPolicy})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Add(ctx, "c1")
	}()
	for f.Calls("c1") == 0 {
		time.Sleep(time.Millisecond)
	}

	// returns immediately while the first one is in flight
	assert.Equal(t, nil, s.Add(ctx, "c1"))
	f.Release()
	wg.Wait()

	assert.Equal(t, 1, f.Calls("c1"))
	assert.Equal(t, true, s.Fetched("c1"))
}

func TestPutIsMonotonic(t *testing.T) {
	s := New(Config{Kind: Subplebbits, Fetcher: domaintest.NewFetcher()})

	var notified int
	s.Subscribe(func(Snapshot) { notified++ })

	s.Put(domain.PageSource{ID: "a.eth", UpdatedAt: 10})
	s.Put(domain.PageSource{ID: "a.eth", UpdatedAt: 5})
	s.Put(domain.PageSource{ID: "a.eth", UpdatedAt: 10})

	src, _ := s.Get("a.eth")
	assert.Equal(t, int64(10), src.UpdatedAt)
	assert.Equal(t, 1, notified)

	s.Put(domain.PageSource{ID: "a.eth", UpdatedAt: 11})
	src, _ = s.Get("a.eth")
	assert.Equal(t, int64(11), src.UpdatedAt)
	assert.Equal(t, 2, notified)
}

func TestCachedSnapshotIsServedBeforeNetwork(t *testing.T) {
	ctx := context.Background()
	registry := pagecache.NewRegistry(pagecache.NewMemoryBackend(), nil)
	cache, err := registry.CreateInstance(pagecache.Options{Name: "sources-subplebbits", Size: 10})
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, cache.Put(ctx, "a.eth", domain.PageSource{ID: "a.eth", UpdatedAt: 1}))

	f := domaintest.NewFetcher()
	f.AddSubplebbit(&domain.Subplebbit{Address: "a.eth", UpdatedAt: 2})
	f.Hold()

	s := New(Config{Kind: Subplebbits, Fetcher: f, Cache: cache, Policy: fastPolicy})
	done := make(chan error, 1)
	go func() { done <- s.Add(ctx, "a.eth") }()

	for {
		if src, ok := s.Get("a.eth"); ok {
			assert.Equal(t, int64(1), src.UpdatedAt)
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, false, s.Fetched("a.eth"))

	f.Release()
	assert.Equal(t, nil, <-done)
	src, _ := s.Get("a.eth")
	assert.Equal(t, int64(2), src.UpdatedAt)
	assert.Equal(t, true, s.Fetched("a.eth"))

	var stored domain.PageSource
	ok, err := cache.Get(ctx, "a.eth", &stored)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(2), stored.UpdatedAt)
}

func TestResetDiscardsInFlightFetch(t *testing.T) {
	f := domaintest.NewFetcher()
	f.AddSubplebbit(&domain.Subplebbit{Address: "a.eth", UpdatedAt: 2})
	f.Hold()

	s := New(Config{Kind: Subplebbits, Fetcher: f, Policy: fastPolicy})
	done := make(chan error, 1)
	go func() { done <- s.Add(context.Background(), "a.eth") }()
	for f.Calls("a.eth") == 0 {
		time.Sleep(time.Millisecond)
	}

	s.Reset()
	f.Release()
	assert.Equal(t, nil, <-done)

	_, ok := s.Get("a.eth")
	assert.Equal(t, false, ok)
}

func TestAddStopsWithContext(t *testing.T) {
	f := domaintest.NewFetcher()
	s := New(Config{Kind: Subplebbits, Fetcher: f, Policy: fastPolicy})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Add(ctx, "missing.eth")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
