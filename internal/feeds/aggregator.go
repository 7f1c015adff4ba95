// Package feeds merges the page chains of several sources into sorted,
// page-gated feeds.
//
// A feed is split in two: Loaded is the visible prefix, validated and grown
// one page at a time; Buffered holds everything fetched and sorted that is
// not loaded yet. Loaded never shrinks. When a feed's buffer runs low the
// aggregator fetches the next page of every source that has one.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackmichael/plebbit-feeds/internal/domain"
	"github.com/blackmichael/plebbit-feeds/internal/metrics"
	"github.com/blackmichael/plebbit-feeds/internal/pages"
	"github.com/blackmichael/plebbit-feeds/internal/sorter"
	"github.com/blackmichael/plebbit-feeds/internal/sources"
	"github.com/blackmichael/plebbit-feeds/internal/state"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidFeed     = errors.New("invalid feed")
	ErrConflictingFeed = errors.New("feed already registered with different options")
	ErrUnknownFeed     = errors.New("unknown feed")
	ErrPageNotLoaded   = errors.New("current page is not fully loaded")
)

// Defaults applied to zero Config fields.
const (
	DefaultPageSize        = 25
	DefaultRefillThreshold = 50
	DefaultDebounce        = 100 * time.Millisecond
)

// Config holds the collaborators and tuning of an Aggregator.
type Config struct {
	// Name labels logs and metrics, e.g. "feeds" or "replies".
	Name string

	Sources   *sources.Store
	Pages     *pages.Store
	Validator domain.CommentValidator

	PageSize        int
	RefillThreshold int
	Debounce        time.Duration

	Logger *slog.Logger
}

// Feed is the published state of one feed.
type Feed struct {
	Options  domain.FeedOptions
	Loaded   []*domain.Comment
	Buffered []*domain.Comment
	HasMore  bool
}

// Snapshot is the state published to subscribers.
type Snapshot struct {
	Feeds map[string]Feed
}

// Aggregator owns a set of feeds over one sources store and one pages store.
type Aggregator struct {
	name            string
	sources         *sources.Store
	pages           *pages.Store
	validator       domain.CommentValidator
	pageSize        int
	refillThreshold int
	debounce        time.Duration
	logger          *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	group   errgroup.Group
	trigger chan struct{}
	done    chan struct{}

	generation atomic.Int64

	// updateMu serializes recomputation passes
	updateMu sync.Mutex

	mu           sync.Mutex
	options      map[string]domain.FeedOptions
	refilling    map[string]bool
	unsubscribes []func()
	closed       bool

	state *state.Container[Snapshot]
}

// New creates an aggregator and starts its update loop. Close stops it.
func New(cfg Config) *Aggregator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.RefillThreshold <= 0 {
		cfg.RefillThreshold = DefaultRefillThreshold
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Aggregator{
		name:            cfg.Name,
		sources:         cfg.Sources,
		pages:           cfg.Pages,
		validator:       cfg.Validator,
		pageSize:        cfg.PageSize,
		refillThreshold: cfg.RefillThreshold,
		debounce:        cfg.Debounce,
		logger:          logger.With("aggregator", cfg.Name),
		ctx:             ctx,
		cancel:          cancel,
		trigger:         make(chan struct{}, 1),
		done:            make(chan struct{}),
		options:         make(map[string]domain.FeedOptions),
		refilling:       make(map[string]bool),
		state: state.New(func() Snapshot {
			return Snapshot{Feeds: map[string]Feed{}}
		}),
	}

	a.unsubscribes = []func(){
		a.sources.Subscribe(func(sources.Snapshot) { a.schedule() }),
		a.pages.Subscribe(func(pages.Snapshot) { a.schedule() }),
		a.pages.Comments().Subscribe(a.schedule),
	}
	a.state.Subscribe(a.watchBuffers)

	go a.run()
	return a
}

// PageSize returns the number of comments per feed page.
func (a *Aggregator) PageSize() int {
	return a.pageSize
}

// AddFeed registers a feed and returns its name. Registering a feed that
// exists is a no-op, except that a buffered-only feed is upgraded to its
// first page when registered again without BufferedOnly.
func (a *Aggregator) AddFeed(opts domain.FeedOptions) (string, error) {
	opts.SourceIDs = domain.NormalizeSourceIDs(opts.SourceIDs)
	if len(opts.SourceIDs) == 0 {
		return "", fmt.Errorf("%w: no sources", ErrInvalidFeed)
	}
	if !domain.ValidSortType(opts.SortType) {
		return "", fmt.Errorf("%w: sort type %q", ErrInvalidFeed, opts.SortType)
	}
	if opts.Name == "" {
		opts.Name = domain.FeedName(opts.Account.ID, opts.SortType, opts.SourceIDs, opts.Filter)
	}
	opts.PageNumber = 1
	if opts.BufferedOnly {
		opts.PageNumber = 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return "", fmt.Errorf("add feed %s: aggregator closed", opts.Name)
	}

	if existing, ok := a.options[opts.Name]; ok {
		if existing.SortType != opts.SortType || !slices.Equal(existing.SourceIDs, opts.SourceIDs) || existing.Account != opts.Account {
			return "", fmt.Errorf("feed %s: %w", opts.Name, ErrConflictingFeed)
		}
		if existing.PageNumber == 0 && !opts.BufferedOnly {
			existing.PageNumber = 1
			existing.BufferedOnly = false
			a.options[opts.Name] = existing
			a.schedule()
		}
		return opts.Name, nil
	}

	a.options[opts.Name] = opts
	metrics.FeedsRegistered.WithLabelValues(a.name).Set(float64(len(a.options)))
	a.logger.Debug("feed added", "feed", opts.Name, "sources", len(opts.SourceIDs), "sort_type", opts.SortType)

	for _, id := range opts.SourceIDs {
		a.goLocked(func(ctx context.Context) error {
			return a.sources.Add(ctx, id)
		})
	}
	a.schedule()
	return opts.Name, nil
}

// IncrementPageNumber grows the loaded window of a feed by one page. The
// current page must be fully loaded.
func (a *Aggregator) IncrementPageNumber(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	opts, ok := a.options[name]
	if !ok {
		return fmt.Errorf("feed %s: %w", name, ErrUnknownFeed)
	}
	loaded := len(a.state.Get().Feeds[name].Loaded)
	if opts.PageNumber*a.pageSize > loaded {
		return fmt.Errorf("feed %s page %d has %d of %d comments: %w",
			name, opts.PageNumber, loaded, opts.PageNumber*a.pageSize, ErrPageNotLoaded)
	}
	opts.PageNumber++
	a.options[name] = opts
	a.schedule()
	return nil
}

// Update recomputes every feed from the current sources and pages.
func (a *Aggregator) Update(ctx context.Context) error {
	a.updateMu.Lock()
	defer a.updateMu.Unlock()

	start := time.Now()
	generation := a.generation.Load()

	a.mu.Lock()
	options := maps.Clone(a.options)
	a.mu.Unlock()

	previous := a.state.Get().Feeds
	next := make(map[string]Feed, len(options))
	for name, opts := range options {
		feed, err := a.compute(ctx, opts, previous[name].Loaded)
		if err != nil {
			return fmt.Errorf("update feed %s: %w", name, err)
		}
		next[name] = feed
	}

	a.state.Update(func(snap Snapshot) Snapshot {
		if a.generation.Load() != generation {
			return snap
		}
		return Snapshot{Feeds: next}
	})

	metrics.FeedUpdates.WithLabelValues(a.name).Inc()
	metrics.FeedUpdateDuration.WithLabelValues(a.name).Observe(time.Since(start).Seconds())
	return nil
}

func (a *Aggregator) compute(ctx context.Context, opts domain.FeedOptions, previous []*domain.Comment) (Feed, error) {
	sorted, err := sorter.Sort(opts.SortType, a.gather(opts))
	if err != nil {
		return Feed{}, err
	}

	comments := a.pages.Comments()
	loaded := make([]*domain.Comment, len(previous), max(len(previous), opts.PageNumber*a.pageSize))
	isLoaded := make(map[string]struct{}, len(previous))
	for i, c := range previous {
		loaded[i] = freshest(comments, c)
		isLoaded[c.Cid] = struct{}{}
	}

	var buffered []*domain.Comment
	want := opts.PageNumber * a.pageSize
	for _, c := range sorted {
		if !opts.Filter.Keep(c) {
			continue
		}
		if _, ok := isLoaded[c.Cid]; ok {
			continue
		}
		if len(loaded) < want && a.validate(ctx, c) {
			loaded = append(loaded, c)
			continue
		}
		buffered = append(buffered, c)
	}
	if err := ctx.Err(); err != nil {
		return Feed{}, err
	}

	return Feed{
		Options:  opts,
		Loaded:   loaded,
		Buffered: buffered,
		HasMore:  len(buffered) > 0 || a.constituentsHaveMore(opts),
	}, nil
}

// gather collects every comment reachable from the feed's sources: the
// preloaded page of each source and its fetched chain.
func (a *Aggregator) gather(opts domain.FeedOptions) []*domain.Comment {
	comments := a.pages.Comments()
	seen := make(map[string]struct{})
	var out []*domain.Comment
	for _, id := range opts.SourceIDs {
		src, ok := a.sources.Get(id)
		if !ok {
			continue
		}
		chain := a.pages.Pages(src, opts.SortType)
		if pre := src.Preloaded(opts.SortType); pre != nil {
			chain = append([]*domain.Page{pre}, chain...)
		}
		for _, p := range chain {
			page := p.Comments
			if opts.Flat {
				page = domain.FlattenPage(p)
			}
			for _, c := range page {
				if c == nil {
					continue
				}
				if _, ok := seen[c.Cid]; ok {
					continue
				}
				seen[c.Cid] = struct{}{}
				out = append(out, freshest(comments, c))
			}
		}
	}
	return out
}

func (a *Aggregator) constituentsHaveMore(opts domain.FeedOptions) bool {
	for _, id := range opts.SourceIDs {
		if !a.sources.Fetched(id) {
			return true
		}
		src, _ := a.sources.Get(id)
		if a.pages.HasMore(src, opts.SortType) {
			return true
		}
	}
	return false
}

func (a *Aggregator) validate(ctx context.Context, c *domain.Comment) bool {
	if a.validator == nil {
		return true
	}
	return a.validator.ValidateComment(ctx, c)
}

func freshest(comments *pages.CommentMap, c *domain.Comment) *domain.Comment {
	if stored, ok := comments.Get(c.Cid); ok && stored.NewerThan(c) {
		return stored
	}
	return c
}

// watchBuffers runs after every update and refills feeds whose buffer is
// at or below the refill threshold.
func (a *Aggregator) watchBuffers(snap Snapshot) {
	for name, feed := range snap.Feeds {
		if !feed.HasMore || len(feed.Buffered) > a.refillThreshold {
			continue
		}
		a.refill(name, feed.Options)
	}
}

// refill fetches the next page of every source of a feed, concurrently.
func (a *Aggregator) refill(name string, opts domain.FeedOptions) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refilling[name] {
		return
	}
	a.refilling[name] = true

	a.goLocked(func(ctx context.Context) error {
		defer func() {
			a.mu.Lock()
			delete(a.refilling, name)
			a.mu.Unlock()
		}()

		var progressed atomic.Bool
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range opts.SourceIDs {
			src, ok := a.sources.Get(id)
			if !ok || !a.pages.HasMore(src, opts.SortType) {
				continue
			}
			g.Go(func() error {
				before := len(a.pages.Pages(src, opts.SortType))
				if err := a.pages.AddNextPage(gctx, src, opts.SortType, opts.Account); err != nil {
					return err
				}
				if len(a.pages.Pages(src, opts.SortType)) > before {
					progressed.Store(true)
				}
				return nil
			})
		}
		err := g.Wait()
		// the pass triggered by the new page may have run while this
		// refill was still marked in progress
		if progressed.Load() {
			a.schedule()
		}
		if err != nil {
			return fmt.Errorf("refill feed %s: %w", name, err)
		}
		return nil
	})
}

// goLocked runs fn in the background until Close. a.mu must be held.
func (a *Aggregator) goLocked(fn func(ctx context.Context) error) {
	if a.closed {
		return
	}
	a.group.Go(func() error {
		if err := fn(a.ctx); err != nil && a.ctx.Err() == nil {
			a.logger.Warn("background fetch failed", "error", err)
		}
		return nil
	})
}

func (a *Aggregator) schedule() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// run coalesces scheduled updates into at most one pass per debounce
// interval.
func (a *Aggregator) run() {
	defer close(a.done)
	timer := time.NewTimer(a.debounce)
	timer.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.trigger:
		}

		timer.Reset(a.debounce)
		select {
		case <-a.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := a.Update(a.ctx); err != nil && a.ctx.Err() == nil {
			a.logger.Error("update feeds", "error", err)
		}
	}
}

// Options returns the options of a registered feed.
func (a *Aggregator) Options(name string) (domain.FeedOptions, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	opts, ok := a.options[name]
	return opts, ok
}

// Feed returns the published state of a feed.
func (a *Aggregator) Feed(name string) (Feed, bool) {
	feed, ok := a.state.Get().Feeds[name]
	return feed, ok
}

// Loaded returns the visible comments of a feed.
func (a *Aggregator) Loaded(name string) []*domain.Comment {
	return a.state.Get().Feeds[name].Loaded
}

// Buffered returns the fetched comments of a feed that are not loaded yet.
func (a *Aggregator) Buffered(name string) []*domain.Comment {
	return a.state.Get().Feeds[name].Buffered
}

// HasMore reports whether a feed can still grow.
func (a *Aggregator) HasMore(name string) bool {
	return a.state.Get().Feeds[name].HasMore
}

// Subscribe calls fn after every update pass.
func (a *Aggregator) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	return a.state.Subscribe(fn)
}

// Reset forgets every feed and subscriber. A pass running during the reset
// is discarded.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.generation.Add(1)
	a.options = make(map[string]domain.FeedOptions)
	a.mu.Unlock()

	a.state.Reset()
	a.state.Subscribe(a.watchBuffers)
	metrics.FeedsRegistered.WithLabelValues(a.name).Set(0)
}

// Close stops the update loop and waits for background fetches to return.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	unsubscribes := a.unsubscribes
	a.mu.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	a.cancel()
	<-a.done
	a.group.Wait()
}
