// Package sources keeps the latest known snapshot of every listing owner a
// feed reads from: communities for post feeds, comments for reply feeds.
package sources

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

// Kind tells a Store how to resolve an id into a snapshot.
type Kind struct {
	Name    string
	Resolve func(ctx context.Context, f domain.Fetcher, id string) (domain.PageSource, error)
}

// Subplebbits resolves community addresses into their posts listing.
var Subplebbits = Kind{
	Name: "subplebbits",
	Resolve: func(ctx context.Context, f domain.Fetcher, address string) (domain.PageSource, error) {
		s, err := f.GetSubplebbit(ctx, address)
		if err != nil {
			return domain.PageSource{}, err
		}
		return domain.SubplebbitSource(s), nil
	},
}

// Comments resolves comment cids into their replies listing.
var Comments = Kind{
	Name: "comments",
	Resolve: func(ctx context.Context, f domain.Fetcher, cid string) (domain.PageSource, error) {
		c, err := f.GetComment(ctx, cid)
		if err != nil {
			return domain.PageSource{}, err
		}
		return domain.CommentSource(c), nil
	},
}

// Snapshot is the state published to subscribers.
type Snapshot struct {
	Sources map[string]domain.PageSource

	// Fetched holds the ids whose snapshot came from the network or a
	// caller, as opposed to the cache of a previous run.
	Fetched map[string]struct{}
}

// Config holds the collaborators of a Store.
type Config struct {
	Kind    Kind
	Fetcher domain.Fetcher

	// Cache, when set, serves snapshots from a previous run while the
	// network fetch is pending.
	Cache  *pagecache.Cache
	Policy fetch.Policy
	Logger *slog.Logger
}

// Store fetches and holds snapshots. A stored snapshot is only replaced by
// one with a strictly newer UpdatedAt.
type Store struct {
	kind    Kind
	fetcher domain.Fetcher
	cache   *pagecache.Cache
	policy  fetch.Policy
	logger  *slog.Logger

	generation atomic.Int64

	mu       sync.Mutex
	inflight map[string]struct{}

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
	return &Store{
		kind:     cfg.Kind,
		fetcher:  cfg.Fetcher,
		cache:    cfg.Cache,
		policy:   policy,
		logger:   logger.With("store", "sources-"+cfg.Kind.Name),
		inflight: make(map[string]struct{}),
		state: state.New(func() Snapshot {
			return Snapshot{
				Sources: map[string]domain.PageSource{},
				Fetched: map[string]struct{}{},
			}
		}),
	}
}

// Add loads the snapshot of id: from the cache first when available, then
// from the network with infinite retry. It returns immediately when id is
// already loaded or being loaded.
func (s *Store) Add(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("add %s source: empty id", s.kind.Name)
	}

	s.mu.Lock()
	if _, ok := s.state.Get().Fetched[id]; ok {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.inflight[id]; ok {
		s.mu.Unlock()
		return nil
	}
	s.inflight[id] = struct{}{}
	generation := s.generation.Load()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.generation.Load() == generation {
			delete(s.inflight, id)
		}
		s.mu.Unlock()
	}()

	if s.cache != nil {
		var cached domain.PageSource
		ok, err := s.cache.Get(ctx, id, &cached)
		if err != nil {
			s.logger.Warn("read cached source", "id", id, "error", err)
		} else if ok {
			s.put(generation, cached, false)
		}
	}

	src, err := fetch.Retry(ctx, s.policy, func(ctx context.Context) (domain.PageSource, error) {
		return s.kind.Resolve(ctx, s.fetcher, id)
	}, func(err error, wait time.Duration) {
		metrics.FetchRetries.WithLabelValues(s.kind.Name).Inc()
		s.logger.Warn("fetch source failed, retrying", "id", id, "retry_in", wait, "error", err)
	})
	if err != nil {
		return fmt.Errorf("fetch %s source %s: %w", s.kind.Name, id, err)
	}
	if src.ID == "" {
		src.ID = id
	}
	metrics.SourceFetches.WithLabelValues(s.kind.Name).Inc()

	if s.cache != nil {
		if err := s.cache.Put(ctx, id, src); err != nil {
			return fmt.Errorf("cache %s source %s: %w", s.kind.Name, id, err)
		}
	}
	s.put(generation, src, true)
	return nil
}

// Put merges a snapshot pushed by the caller, e.g. from a live update. It
// counts as a completed fetch of src.ID.
func (s *Store) Put(src domain.PageSource) {
	s.put(s.generation.Load(), src, true)
}

func (s *Store) put(generation int64, src domain.PageSource, fetched bool) {
	if replace, markFetched := merge(s.state.Get(), src, fetched); !replace && !markFetched {
		return
	}

	s.state.Update(func(snap Snapshot) Snapshot {
		// a reset since the fetch started already replaced snap
		if s.generation.Load() != generation {
			return snap
		}
		replace, markFetched := merge(snap, src, fetched)
		next := Snapshot{Sources: snap.Sources, Fetched: snap.Fetched}
		if replace {
			next.Sources = maps.Clone(snap.Sources)
			next.Sources[src.ID] = src
		}
		if markFetched {
			next.Fetched = maps.Clone(snap.Fetched)
			next.Fetched[src.ID] = struct{}{}
		}
		return next
	})
}

// merge reports what storing src would change in snap.
func merge(snap Snapshot, src domain.PageSource, fetched bool) (replace, markFetched bool) {
	current, ok := snap.Sources[src.ID]
	_, wasFetched := snap.Fetched[src.ID]
	return !ok || src.UpdatedAt > current.UpdatedAt, fetched && !wasFetched
}

// Get returns the latest snapshot of id.
func (s *Store) Get(id string) (domain.PageSource, bool) {
	src, ok := s.state.Get().Sources[id]
	return src, ok
}

// Fetched reports whether the first network fetch of id has completed.
func (s *Store) Fetched(id string) bool {
	_, ok := s.state.Get().Fetched[id]
	return ok
}

// Subscribe calls fn after every snapshot change.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	return s.state.Subscribe(fn)
}

// Reset forgets every snapshot and subscriber. Fetches still running from
// before the reset are discarded when they complete.
func (s *Store) Reset() {
	s.mu.Lock()
	s.generation.Add(1)
	s.inflight = make(map[string]struct{})
	s.mu.Unlock()
	s.state.Reset()
}
