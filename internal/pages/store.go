// Package pages stores the page chains of paginated listings. The same store
// serves community post listings and comment reply listings; a chain is
// identified by its source and sort type and grows one page at a time in
// cursor order.
package pages

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackmichael/plebbit-feeds/internal/domain"
	"github.com/blackmichael/plebbit-feeds/internal/fetch"
	"github.com/blackmichael/plebbit-feeds/internal/metrics"
	"github.com/blackmichael/plebbit-feeds/internal/pagecache"
	"github.com/blackmichael/plebbit-feeds/internal/state"
)

// Store kinds.
const (
	KindSubplebbit = "subplebbit-pages"
	KindReplies    = "replies-pages"
)

// Observer is told about every comment found in a newly added page. It is
// called synchronously and must not block.
type Observer func(ctx context.Context, c *domain.Comment)

// Config holds the collaborators of a Store.
type Config struct {
	Kind    string
	Fetcher domain.Fetcher

	// Cache holds fetched pages by cursor. Optional.
	Cache *pagecache.Cache

	// Comments receives every comment of every added page. A new map is
	// created when nil.
	Comments *CommentMap

	// Reconciler is told about every discovered comment. Optional.
	Reconciler domain.AccountCommentReconciler

	Policy fetch.Policy
	Logger *slog.Logger
}

// Snapshot is the state published to subscribers: every added page by the
// cursor it was fetched from.
type Snapshot struct {
	Pages map[string]*domain.Page
}

// Store fetches and holds pages. Pages are never removed once added, even
// when the cache evicts them.
type Store struct {
	kind       string
	fetcher    domain.Fetcher
	cache      *pagecache.Cache
	comments   *CommentMap
	reconciler domain.AccountCommentReconciler
	policy     fetch.Policy
	logger     *slog.Logger

	generation atomic.Int64

	mu        sync.Mutex
	inflight  map[string]struct{}
	observers []Observer

	state *state.Container[Snapshot]
}

// New creates an empty store.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Policy
	if policy == (fetch.Policy{}) {
		policy = fetch.DefaultPolicy
	}
	comments := cfg.Comments
	if comments == nil {
		comments = NewCommentMap()
	}
	return &Store{
		kind:       cfg.Kind,
		fetcher:    cfg.Fetcher,
		cache:      cfg.Cache,
		comments:   comments,
		reconciler: cfg.Reconciler,
		policy:     policy,
		logger:     logger.With("store", cfg.Kind),
		inflight:   make(map[string]struct{}),
		state: state.New(func() Snapshot {
			return Snapshot{Pages: map[string]*domain.Page{}}
		}),
	}
}

// Kind returns the store kind.
func (s *Store) Kind() string {
	return s.kind
}

// Comments returns the map every discovered comment is merged into.
func (s *Store) Comments() *CommentMap {
	return s.comments
}

// AddObserver registers fn to be told about discovered comments.
func (s *Store) AddObserver(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// AddNextPage fetches the next page of the chain of src for sortType. It is
// a no-op when the chain is exhausted, when the page is already stored, or
// when account is already fetching it; callers that need the page should
// watch the store rather than rely on this call.
func (s *Store) AddNextPage(ctx context.Context, src domain.PageSource, sortType string, account domain.Account) error {
	cursor := s.nextCursor(src, sortType)
	if cursor == "" {
		return nil
	}

	key := account.ID + "\x00" + cursor
	s.mu.Lock()
	if _, ok := s.state.Get().Pages[cursor]; ok {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		return nil
	}
	s.inflight[key] = struct{}{}
	generation := s.generation.Load()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.generation.Load() == generation {
			delete(s.inflight, key)
		}
		s.mu.Unlock()
	}()

	page, err := s.load(ctx, cursor)
	if err != nil {
		return fmt.Errorf("add next %s page of %s (%s): %w", s.kind, src.ID, sortType, err)
	}

	discovered := domain.FlattenPage(page)

	if s.generation.Load() != generation {
		s.logger.Debug("discarding page fetched before reset", "cursor", cursor)
		return nil
	}
	s.comments.Merge(discovered)
	s.state.Update(func(snap Snapshot) Snapshot {
		// a reset between the check above and here already replaced snap
		if s.generation.Load() != generation {
			return snap
		}
		next := maps.Clone(snap.Pages)
		next[cursor] = page
		return Snapshot{Pages: next}
	})

	s.mu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	s.logger.Debug("page added", "source", src.ID, "sort_type", sortType, "cursor", cursor, "comments", len(discovered))
	s.discover(ctx, discovered, observers)
	return nil
}

// load reads cursor from the cache, or fetches and caches it.
func (s *Store) load(ctx context.Context, cursor string) (*domain.Page, error) {
	if s.cache != nil {
		var cached domain.Page
		ok, err := s.cache.Get(ctx, cursor, &cached)
		if err != nil {
			s.logger.Warn("read cached page", "cursor", cursor, "error", err)
		} else if ok {
			metrics.PageFetches.WithLabelValues(s.kind, "cache").Inc()
			return &cached, nil
		}
	}

	page, err := fetch.Retry(ctx, s.policy, func(ctx context.Context) (*domain.Page, error) {
		return s.fetcher.GetPage(ctx, cursor)
	}, func(err error, wait time.Duration) {
		metrics.FetchRetries.WithLabelValues(s.kind).Inc()
		s.logger.Warn("fetch page failed, retrying", "cursor", cursor, "retry_in", wait, "error", err)
	})
	if err != nil {
		return nil, err
	}
	metrics.PageFetches.WithLabelValues(s.kind, "network").Inc()

	if s.cache != nil {
		if err := s.cache.Put(ctx, cursor, page); err != nil {
			s.logger.Warn("cache page", "cursor", cursor, "error", err)
		}
	}
	return page, nil
}

func (s *Store) discover(ctx context.Context, comments []*domain.Comment, observers []Observer) {
	for _, c := range comments {
		if s.reconciler != nil {
			if err := s.reconciler.AddCidToAccountComment(ctx, c); err != nil {
				s.logger.Warn("reconcile account comment", "cid", c.Cid, "error", err)
			}
		}
		for _, observe := range observers {
			observe(ctx, c)
		}
	}
}

// nextCursor returns the cursor to fetch next for the chain, or "".
func (s *Store) nextCursor(src domain.PageSource, sortType string) string {
	chain := s.Pages(src, sortType)
	if len(chain) == 0 {
		return src.FirstCursor(sortType)
	}
	return chain[len(chain)-1].NextCid
}

// Pages returns the fetched pages of the chain of src for sortType, in link
// order, stopping at the first link not fetched yet. A page preloaded in
// the snapshot is not part of the chain.
func (s *Store) Pages(src domain.PageSource, sortType string) []*domain.Page {
	stored := s.state.Get().Pages
	var chain []*domain.Page
	seen := make(map[string]struct{})
	for cursor := src.FirstCursor(sortType); cursor != ""; {
		if _, ok := seen[cursor]; ok {
			s.logger.Warn("page chain loops", "source", src.ID, "cursor", cursor)
			break
		}
		seen[cursor] = struct{}{}
		p, ok := stored[cursor]
		if !ok {
			break
		}
		chain = append(chain, p)
		cursor = p.NextCid
	}
	return chain
}

// HasMore reports whether the chain of src for sortType has pages left to
// fetch.
func (s *Store) HasMore(src domain.PageSource, sortType string) bool {
	return s.nextCursor(src, sortType) != ""
}

// Subscribe calls fn after every added page.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	return s.state.Subscribe(fn)
}

// Reset forgets every page and subscriber. Fetches still running from before
// the reset are discarded when they complete. The comment map is not reset,
// since it may be shared.
func (s *Store) Reset() {
	s.mu.Lock()
	s.generation.Add(1)
	s.inflight = make(map[string]struct{})
	s.mu.Unlock()
	s.state.Reset()
}
