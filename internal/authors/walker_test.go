package authors

import (
	"context"
	"errors"
	"fmt"
	"sort"
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

const address = "12D3KooWAuthor"

var (
	fastPolicy = fetch.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	alice      = domain.Account{ID: "alice"}
)

func comment(cid, prev string, ts int64) *domain.Comment {
	return &domain.Comment{
		Cid:       cid,
		Timestamp: ts,
		Author:    domain.Author{Address: address, PreviousCommentCid: prev},
	}
}

// addHistory serves c1 <- c2 <- ... <- cn, cn being the newest.
func addHistory(f *domaintest.Fetcher, n int) {
	for i := 1; i <= n; i++ {
		prev := ""
		if i > 1 {
			prev = fmt.Sprintf("c%d", i-1)
		}
		f.AddComment(comment(fmt.Sprintf("c%d", i), prev, int64(i*100)))
	}
}

func newWalker(t *testing.T, f domain.Fetcher) *Walker {
	t.Helper()
	w := New(Config{Fetcher: f, Policy: fastPolicy})
	t.Cleanup(w.Close)
	return w
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func cids(comments []*domain.Comment) []string {
	out := make([]string, len(comments))
	for i, c := range comments {
		out[i] = c.Cid
	}
	return out
}

func TestWalkEndsAtFirstComment(t *testing.T) {
	f := domaintest.NewFetcher()
	addHistory(f, 3)
	w := newWalker(t, f)

	assert.Equal(t, nil, w.AddAuthor(alice, address, "c3", nil))
	eventually(t, "history", func() bool { return len(w.Loaded(address)) == 3 })
	eventually(t, "end of history", func() bool { return !w.HasMore(address) })

	assert.Equal(t, []string{"c3", "c2", "c1"}, cids(w.Loaded(address)))
	assert.Equal(t, "c3", w.LastCommentCid(address))
	assert.Equal(t, nil, w.Err(address))

	// adding again is a no-op
	assert.Equal(t, nil, w.AddAuthor(alice, address, "c1", nil))
	assert.Equal(t, 1, f.Calls("c1"))
}

func TestWindowingFollowsPages(t *testing.T) {
	f := domaintest.NewFetcher()
	addHistory(f, 100)
	w := newWalker(t, f)

	assert.Equal(t, nil, w.AddAuthor(alice, address, "c100", nil))
	eventually(t, "first page", func() bool {
		return len(w.Loaded(address)) == 25 && len(w.Buffered(address)) == 51
	})
	assert.Equal(t, true, w.HasMore(address))
	assert.Equal(t, "c100", w.Loaded(address)[0].Cid)
	assert.Equal(t, 0, f.Calls("c24"))

	err := w.IncrementPageNumber(address)
	assert.Equal(t, nil, err)
	eventually(t, "second page", func() bool {
		return len(w.Loaded(address)) == 50 && len(w.Buffered(address)) == 50
	})
	assert.Equal(t, "c51", w.Loaded(address)[49].Cid)
	assert.Equal(t, true, w.HasMore(address))
	assert.Equal(t, 1, f.Calls("c1"))
}

func TestIncrementRequiresLoadedPage(t *testing.T) {
	f := domaintest.NewFetcher()
	addHistory(f, 3)
	w := newWalker(t, f)

	err := w.IncrementPageNumber(address)
	if !errors.Is(err, ErrUnknownAuthor) {
		t.Fatalf("err = %v, want ErrUnknownAuthor", err)
	}

	assert.Equal(t, nil, w.AddAuthor(alice, address, "c3", nil))
	eventually(t, "history", func() bool { return !w.HasMore(address) })
	err = w.IncrementPageNumber(address)
	if !errors.Is(err, ErrPageNotLoaded) {
		t.Fatalf("err = %v, want ErrPageNotLoaded", err)
	}
}

func TestAddAuthorRequiresStart(t *testing.T) {
	w := newWalker(t, domaintest.NewFetcher())
	err := w.AddAuthor(alice, address, "", nil)
	if !errors.Is(err, ErrInvalidAuthor) {
		t.Fatalf("err = %v, want ErrInvalidAuthor", err)
	}
}

func hinting(hint string) *domain.Comment {
	return &domain.Comment{
		Cid: "elsewhere",
		Author: domain.Author{
			Address:    address,
			Subplebbit: &domain.AuthorSubplebbit{LastCommentCid: hint},
		},
	}
}

func TestNewerHeadIsSpliced(t *testing.T) {
	f := domaintest.NewFetcher()
	addHistory(f, 3)
	f.AddComment(comment("c4", "c3", 400))
	f.AddComment(comment("c5", "c4", 500))
	w := newWalker(t, f)

	assert.Equal(t, nil, w.AddAuthor(alice, address, "c3", nil))
	eventually(t, "history", func() bool { return !w.HasMore(address) && len(w.Loaded(address)) == 3 })

	w.ObserveComment(context.Background(), hinting("c5"))
	eventually(t, "new head", func() bool {
		return w.LastCommentCid(address) == "c5" && len(w.Loaded(address)) == 5 && !w.HasMore(address)
	})

	got := cids(w.Loaded(address))
	sort.Strings(got)
	assert.Equal(t, []string{"c1", "c2", "c3", "c4", "c5"}, got)
	// the splice stopped at known history
	assert.Equal(t, 1, f.Calls("c3"))
	assert.Equal(t, 1, f.Calls("c4"))
}

func TestOlderHeadIsRejected(t *testing.T) {
	f := domaintest.NewFetcher()
	addHistory(f, 3)
	f.AddComment(comment("stale", "", 150))
	w := newWalker(t, f)

	assert.Equal(t, nil, w.AddAuthor(alice, address, "c3", nil))
	eventually(t, "history", func() bool { return !w.HasMore(address) && len(w.Loaded(address)) == 3 })

	w.ObserveComment(context.Background(), hinting("stale"))
	eventually(t, "hint rejected", func() bool { return isRejected(w, "stale") })
	assert.Equal(t, "c3", w.LastCommentCid(address))
	assert.Equal(t, 3, len(w.Loaded(address)))

	// later listings carrying the same stale hint do not fetch it again
	w.ObserveComment(context.Background(), hinting("stale"))
	assert.Equal(t, 1, f.Calls("stale"))

	// hints for unknown authors and known cids are ignored
	other := hinting("c9")
	other.Author.Address = "someone-else"
	w.ObserveComment(context.Background(), other)
	w.ObserveComment(context.Background(), hinting("c2"))
	assert.Equal(t, 0, f.Calls("c9"))
	assert.Equal(t, 1, f.Calls("c2"))
}

func isRejected(w *Walker, hint string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.authors[address]
	if !ok {
		return false
	}
	_, rejected := a.rejected[hint]
	return rejected
}

func TestOlderHeadIsRejectedBeforeStartResolves(t *testing.T) {
	f := domaintest.NewFetcher()
	addHistory(f, 3)
	f.AddComment(comment("stale", "", 150))
	f.FailNext("c3", 30)
	w := newWalker(t, f)

	assert.Equal(t, nil, w.AddAuthor(alice, address, "c3", nil))
	w.ObserveComment(context.Background(), hinting("stale"))

	eventually(t, "hint rejected", func() bool { return isRejected(w, "stale") })
	eventually(t, "history", func() bool { return !w.HasMore(address) && len(w.Loaded(address)) == 3 })
	assert.Equal(t, "c3", w.LastCommentCid(address))
	assert.Equal(t, []string{"c3", "c2", "c1"}, cids(w.Loaded(address)))
}

func TestLoopingChainFailsFast(t *testing.T) {
	f := domaintest.NewFetcher()
	f.AddComment(comment("a", "b", 200))
	f.AddComment(comment("b", "a", 100))
	w := newWalker(t, f)

	assert.Equal(t, nil, w.AddAuthor(alice, address, "a", nil))
	eventually(t, "chain error", func() bool { return w.Err(address) != nil })
	if !errors.Is(w.Err(address), ErrChainTooLong) {
		t.Fatalf("err = %v, want ErrChainTooLong", w.Err(address))
	}
	eventually(t, "walk stopped", func() bool { return !w.HasMore(address) })
	assert.Equal(t, 1, f.Calls("a"))
}

func TestFilterAndCache(t *testing.T) {
	ctx := context.Background()
	cache, err := pagecache.NewRegistry(pagecache.NewMemoryBackend(), nil).
		CreateInstance(pagecache.Options{Name: "author-comments", Size: 50})
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, cache.Put(ctx, "c2", comment("c2", "c1", 200)))

	f := domaintest.NewFetcher()
	addHistory(f, 3)
	w := New(Config{Fetcher: f, Cache: cache, Policy: fastPolicy})
	t.Cleanup(w.Close)

	odd := &domain.Filter{Key: "odd", Func: func(c *domain.Comment) bool { return c.Cid != "c2" }}
	assert.Equal(t, nil, w.AddAuthor(alice, address, "c3", odd))
	eventually(t, "history", func() bool { return !w.HasMore(address) && len(w.Loaded(address)) == 2 })

	assert.Equal(t, []string{"c3", "c1"}, cids(w.Loaded(address)))
	assert.Equal(t, 0, f.Calls("c2"))

	var cached domain.Comment
	ok, err := cache.Get(ctx, "c3", &cached)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, "c2", cached.Author.PreviousCommentCid)
}
