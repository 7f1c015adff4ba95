// Package authors rebuilds an author's comment history by walking the
// backward chain each comment keeps to the author's previous one.
//
// The walk starts at a known comment and follows author.previousCommentCid.
// Comments seen anywhere else may carry a hint to a more recent head; a
// head that is newer than everything buffered is accepted and a second walk
// starts from it, stopping as soon as it reaches known history.
package authors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackmichael/plebbit-feeds/internal/domain"
	"github.com/blackmichael/plebbit-feeds/internal/fetch"
	"github.com/blackmichael/plebbit-feeds/internal/metrics"
	"github.com/blackmichael/plebbit-feeds/internal/pagecache"
	"github.com/blackmichael/plebbit-feeds/internal/state"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidAuthor = errors.New("invalid author")
	ErrUnknownAuthor = errors.New("unknown author")
	ErrPageNotLoaded = errors.New("current page is not fully loaded")

	// ErrChainTooLong is returned when resolving the next comment to fetch
	// follows more links than any real history has, which means the chain
	// loops.
	ErrChainTooLong = errors.New("author comment chain too long")
)

// maxChainSteps bounds the walk through already fetched comments.
const maxChainSteps = 100000

// Defaults applied to zero Config fields.
const (
	DefaultPageSize        = 25
	DefaultRefillThreshold = 50
)

// Config holds the collaborators and tuning of a Walker.
type Config struct {
	Fetcher domain.Fetcher

	// Cache holds fetched comments by cid. Optional.
	Cache *pagecache.Cache

	PageSize        int
	RefillThreshold int
	Policy          fetch.Policy
	Logger          *slog.Logger
}

// Feed is the published state of one author's history.
type Feed struct {
	Address        string
	PageNumber     int
	LastCommentCid string
	Loaded         []*domain.Comment
	Buffered       []*domain.Comment
	HasMore        bool
}

// Snapshot is the state published to subscribers.
type Snapshot struct {
	Authors map[string]Feed
}

type author struct {
	account domain.Account
	address string
	filter  *domain.Filter

	// buffered holds every fetched cid of the author in fetch order
	buffered    []string
	bufferedSet map[string]struct{}
	loaded      []string
	unloaded    int

	next           string
	spliced        string
	lastCommentCid string
	pageNumber     int
	hints          map[string]struct{}
	rejected       map[string]struct{}
	filling        bool
	err            error
}

func (a *author) has(cid string) bool {
	_, ok := a.bufferedSet[cid]
	return ok
}

func (a *author) add(cid string) {
	if a.has(cid) {
		return
	}
	a.bufferedSet[cid] = struct{}{}
	a.buffered = append(a.buffered, cid)
}

// Walker owns the histories of every added author.
type Walker struct {
	fetcher         domain.Fetcher
	cache           *pagecache.Cache
	pageSize        int
	refillThreshold int
	policy          fetch.Policy
	logger          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	generation atomic.Int64

	// publishMu orders snapshots so a later one never carries older state
	publishMu sync.Mutex

	mu       sync.Mutex
	authors  map[string]*author
	resolved map[string]*domain.Comment
	closed   bool

	state *state.Container[Snapshot]
}

// New creates a walker. Close stops its background fetches.
func New(cfg Config) *Walker {
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
	policy := cfg.Policy
	if policy == (fetch.Policy{}) {
		policy = fetch.DefaultPolicy
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Walker{
		fetcher:         cfg.Fetcher,
		cache:           cfg.Cache,
		pageSize:        cfg.PageSize,
		refillThreshold: cfg.RefillThreshold,
		policy:          policy,
		logger:          logger.With("store", "authors-comments"),
		ctx:             ctx,
		cancel:          cancel,
		authors:         make(map[string]*author),
		resolved:        make(map[string]*domain.Comment),
		state: state.New(func() Snapshot {
			return Snapshot{Authors: map[string]Feed{}}
		}),
	}
}

// AddAuthor starts walking the history of address from startCid. Adding an
// author twice is a no-op.
func (w *Walker) AddAuthor(account domain.Account, address, startCid string, filter *domain.Filter) error {
	if address == "" || startCid == "" {
		return fmt.Errorf("%w: address %q, start cid %q", ErrInvalidAuthor, address, startCid)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("add author %s: walker closed", address)
	}
	if _, ok := w.authors[address]; ok {
		w.mu.Unlock()
		return nil
	}
	w.authors[address] = &author{
		account:        account,
		address:        address,
		filter:         filter,
		bufferedSet:    make(map[string]struct{}),
		next:           startCid,
		lastCommentCid: startCid,
		pageNumber:     1,
		hints:          make(map[string]struct{}),
		rejected:       make(map[string]struct{}),
	}
	w.startFillLocked(address)
	w.mu.Unlock()

	w.logger.Debug("author added", "author", address, "start_cid", startCid)
	w.publish(address)
	return nil
}

// IncrementPageNumber grows the loaded window of an author by one page. The
// current page must be fully loaded.
func (w *Walker) IncrementPageNumber(address string) error {
	w.mu.Lock()
	a, ok := w.authors[address]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("author %s: %w", address, ErrUnknownAuthor)
	}
	if a.pageNumber*w.pageSize > len(a.loaded) {
		w.mu.Unlock()
		return fmt.Errorf("author %s page %d has %d of %d comments: %w",
			address, a.pageNumber, len(a.loaded), a.pageNumber*w.pageSize, ErrPageNotLoaded)
	}
	a.pageNumber++
	w.mu.Unlock()

	w.publish(address)

	w.mu.Lock()
	w.startFillLocked(address)
	w.mu.Unlock()
	return nil
}

// FetchNext fetches one more comment of address: from the walk started at
// an accepted newer head when one is pending, else from the main walk. It
// reports whether a comment was fetched.
func (w *Walker) FetchNext(ctx context.Context, address string) (bool, error) {
	w.mu.Lock()
	a, ok := w.authors[address]
	if !ok {
		w.mu.Unlock()
		return false, fmt.Errorf("author %s: %w", address, ErrUnknownAuthor)
	}
	fromSplice := a.spliced != ""
	cursor := a.spliced
	if !fromSplice {
		var err error
		cursor, err = w.resolveLocked(a.next)
		if err != nil {
			a.err = err
			a.next = ""
			w.mu.Unlock()
			w.logger.Error("walk author history", "author", address, "error", err)
			w.publish(address)
			return false, fmt.Errorf("author %s: %w", address, err)
		}
		a.next = cursor
	}
	w.mu.Unlock()

	if cursor == "" {
		return false, nil
	}

	c, err := w.fetchComment(ctx, cursor)
	if err != nil {
		return false, fmt.Errorf("fetch comment %s of author %s: %w", cursor, address, err)
	}

	w.mu.Lock()
	if w.authors[address] != a {
		w.mu.Unlock()
		return false, nil
	}
	w.resolved[c.Cid] = c
	prev := c.Author.PreviousCommentCid
	if fromSplice {
		joined := a.has(c.Cid)
		a.add(c.Cid)
		if joined || prev == "" || a.has(prev) {
			a.spliced = ""
		} else {
			a.spliced = prev
		}
	} else {
		a.add(c.Cid)
		a.next = prev
	}
	w.mu.Unlock()

	w.publish(address)
	return true, nil
}

// resolveLocked follows cursor through comments fetched already and returns
// the first one that is not, or "" at the end of the chain.
func (w *Walker) resolveLocked(cursor string) (string, error) {
	for i := 0; cursor != ""; i++ {
		if i >= maxChainSteps {
			return "", fmt.Errorf("%w: more than %d links from %s", ErrChainTooLong, maxChainSteps, cursor)
		}
		c, ok := w.resolved[cursor]
		if !ok {
			return cursor, nil
		}
		cursor = c.Author.PreviousCommentCid
	}
	return "", nil
}

func (w *Walker) fetchComment(ctx context.Context, cid string) (*domain.Comment, error) {
	if w.cache != nil {
		var cached domain.Comment
		ok, err := w.cache.Get(ctx, cid, &cached)
		if err != nil {
			w.logger.Warn("read cached comment", "cid", cid, "error", err)
		} else if ok {
			return &cached, nil
		}
	}

	c, err := fetch.Retry(ctx, w.policy, func(ctx context.Context) (*domain.Comment, error) {
		return w.fetcher.GetComment(ctx, cid)
	}, func(err error, wait time.Duration) {
		metrics.FetchRetries.WithLabelValues("author-comments").Inc()
		w.logger.Warn("fetch author comment failed, retrying", "cid", cid, "retry_in", wait, "error", err)
	})
	if err != nil {
		return nil, err
	}
	if c.Cid == "" {
		c.Cid = cid
	}
	metrics.AuthorCommentsFetched.Inc()

	if w.cache != nil {
		if err := w.cache.Put(ctx, cid, c); err != nil {
			w.logger.Warn("cache comment", "cid", cid, "error", err)
		}
	}
	return c, nil
}

// ObserveComment considers the last comment hint carried by c as a new head
// for its author. The hint is fetched in the background; this never blocks.
func (w *Walker) ObserveComment(_ context.Context, c *domain.Comment) {
	if c == nil {
		return
	}
	hint := c.LastCommentHint()
	if hint == "" {
		return
	}
	address := c.Author.Address

	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.authors[address]
	if !ok || hint == a.lastCommentCid || a.has(hint) {
		return
	}
	if _, pending := a.hints[hint]; pending {
		return
	}
	if _, rejected := a.rejected[hint]; rejected {
		return
	}
	a.hints[hint] = struct{}{}

	w.goLocked(func(ctx context.Context) error {
		return w.considerHead(ctx, a, hint)
	})
}

// considerHead accepts hint as the new head of a when it is strictly newer
// than the current head and every buffered comment.
func (w *Walker) considerHead(ctx context.Context, a *author, hint string) error {
	c, err := w.fetchComment(ctx, hint)
	if err != nil {
		return fmt.Errorf("fetch head hint %s of author %s: %w", hint, a.address, err)
	}

	head, ok, err := w.lockHead(ctx, a)
	if err != nil || !ok {
		return err
	}
	delete(a.hints, hint)
	if !w.newerThanHistoryLocked(a, head, c) {
		a.rejected[hint] = struct{}{}
		w.mu.Unlock()
		w.logger.Debug("head hint rejected", "author", a.address, "cid", hint)
		return nil
	}

	w.resolved[c.Cid] = c
	a.lastCommentCid = c.Cid
	a.add(c.Cid)
	if prev := c.Author.PreviousCommentCid; prev != "" && !a.has(prev) {
		a.spliced = prev
	}
	w.startFillLocked(a.address)
	w.mu.Unlock()

	metrics.AuthorHeadsAccepted.Inc()
	w.logger.Debug("head hint accepted", "author", a.address, "cid", hint)
	w.publish(a.address)
	return nil
}

// lockHead returns the comment at the current head of a with w.mu held. A
// head the walk has not reached yet is fetched first. It returns false with
// w.mu released when a is no longer walked.
func (w *Walker) lockHead(ctx context.Context, a *author) (*domain.Comment, bool, error) {
	for {
		w.mu.Lock()
		if w.authors[a.address] != a {
			w.mu.Unlock()
			return nil, false, nil
		}
		cid := a.lastCommentCid
		if head, ok := w.resolved[cid]; ok {
			return head, true, nil
		}
		w.mu.Unlock()

		// only compared against, the walk still buffers it in order
		head, err := w.fetchComment(ctx, cid)
		if err != nil {
			return nil, false, fmt.Errorf("fetch head %s of author %s: %w", cid, a.address, err)
		}

		w.mu.Lock()
		if w.authors[a.address] == a && a.lastCommentCid == cid {
			return head, true, nil
		}
		w.mu.Unlock()
	}
}

func (w *Walker) newerThanHistoryLocked(a *author, head, c *domain.Comment) bool {
	if c.Timestamp <= head.Timestamp {
		return false
	}
	for _, cid := range a.buffered {
		if w.resolved[cid].Timestamp >= c.Timestamp {
			return false
		}
	}
	return true
}

// startFillLocked keeps fetching in the background while the unloaded
// buffer of address is at or below the refill threshold. w.mu must be held.
func (w *Walker) startFillLocked(address string) {
	a, ok := w.authors[address]
	if !ok || a.filling {
		return
	}
	a.filling = true

	w.goLocked(func(ctx context.Context) error {
		for {
			w.mu.Lock()
			if w.authors[address] != a || !w.needsMoreLocked(a) {
				a.filling = false
				w.mu.Unlock()
				return nil
			}
			w.mu.Unlock()

			if _, err := w.FetchNext(ctx, address); err != nil {
				w.mu.Lock()
				a.filling = false
				w.mu.Unlock()
				return err
			}
		}
	})
}

func (w *Walker) needsMoreLocked(a *author) bool {
	if a.err != nil || a.unloaded > w.refillThreshold {
		return false
	}
	return a.spliced != "" || a.next != ""
}

// goLocked runs fn in the background until Close. w.mu must be held.
func (w *Walker) goLocked(fn func(ctx context.Context) error) {
	if w.closed {
		return
	}
	w.group.Go(func() error {
		if err := fn(w.ctx); err != nil && w.ctx.Err() == nil {
			w.logger.Warn("background author fetch failed", "error", err)
		}
		return nil
	})
}

// publish recomputes the window of address and publishes it.
func (w *Walker) publish(address string) {
	w.publishMu.Lock()
	defer w.publishMu.Unlock()

	generation := w.generation.Load()
	w.mu.Lock()
	a, ok := w.authors[address]
	if !ok {
		w.mu.Unlock()
		return
	}
	feed := w.windowLocked(a)
	w.mu.Unlock()

	w.state.Update(func(snap Snapshot) Snapshot {
		if w.generation.Load() != generation {
			return snap
		}
		next := make(map[string]Feed, len(snap.Authors)+1)
		for k, v := range snap.Authors {
			next[k] = v
		}
		next[address] = feed
		return Snapshot{Authors: next}
	})
}

// windowLocked moves buffered comments into the loaded window, newest
// first, up to the current page.
func (w *Walker) windowLocked(a *author) Feed {
	var candidates []*domain.Comment
	for _, cid := range a.buffered {
		if c := w.resolved[cid]; a.filter.Keep(c) {
			candidates = append(candidates, c)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Timestamp > candidates[j].Timestamp
	})

	isLoaded := make(map[string]struct{}, len(a.loaded))
	for _, cid := range a.loaded {
		isLoaded[cid] = struct{}{}
	}
	var buffered []*domain.Comment
	want := a.pageNumber * w.pageSize
	for _, c := range candidates {
		if _, ok := isLoaded[c.Cid]; ok {
			continue
		}
		if len(a.loaded) < want {
			a.loaded = append(a.loaded, c.Cid)
			isLoaded[c.Cid] = struct{}{}
			continue
		}
		buffered = append(buffered, c)
	}
	a.unloaded = len(buffered)

	loaded := make([]*domain.Comment, len(a.loaded))
	for i, cid := range a.loaded {
		loaded[i] = w.resolved[cid]
	}

	cursor, err := w.resolveLocked(a.next)
	more := a.err == nil && err == nil && cursor != ""
	return Feed{
		Address:        a.address,
		PageNumber:     a.pageNumber,
		LastCommentCid: a.lastCommentCid,
		Loaded:         loaded,
		Buffered:       buffered,
		HasMore:        len(buffered) > 0 || a.spliced != "" || more,
	}
}

// Feed returns the published history of address.
func (w *Walker) Feed(address string) (Feed, bool) {
	feed, ok := w.state.Get().Authors[address]
	return feed, ok
}

// Loaded returns the visible comments of address.
func (w *Walker) Loaded(address string) []*domain.Comment {
	return w.state.Get().Authors[address].Loaded
}

// Buffered returns the fetched comments of address that are not loaded yet.
func (w *Walker) Buffered(address string) []*domain.Comment {
	return w.state.Get().Authors[address].Buffered
}

// HasMore reports whether the history of address can still grow.
func (w *Walker) HasMore(address string) bool {
	return w.state.Get().Authors[address].HasMore
}

// LastCommentCid returns the best known head of the history of address.
func (w *Walker) LastCommentCid(address string) string {
	return w.state.Get().Authors[address].LastCommentCid
}

// Err returns the error that stopped the walk of address, if any.
func (w *Walker) Err(address string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if a, ok := w.authors[address]; ok {
		return a.err
	}
	return nil
}

// Subscribe calls fn after every published change.
func (w *Walker) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	return w.state.Subscribe(fn)
}

// Reset forgets every author and subscriber. Fetches running during the
// reset are discarded.
func (w *Walker) Reset() {
	w.mu.Lock()
	w.generation.Add(1)
	w.authors = make(map[string]*author)
	w.resolved = make(map[string]*domain.Comment)
	w.mu.Unlock()
	w.state.Reset()
}

// Close stops background fetches and waits for them to return.
func (w *Walker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.cancel()
	w.group.Wait()
}
