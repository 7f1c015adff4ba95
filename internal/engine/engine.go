// Package engine wires the page caches, source and page stores, feed
// aggregators and the author walker into one unit.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blackmichael/plebbit-feeds/internal/authors"
	"github.com/blackmichael/plebbit-feeds/internal/domain"
	"github.com/blackmichael/plebbit-feeds/internal/feeds"
	"github.com/blackmichael/plebbit-feeds/internal/fetch"
	"github.com/blackmichael/plebbit-feeds/internal/pagecache"
	"github.com/blackmichael/plebbit-feeds/internal/pages"
	"github.com/blackmichael/plebbit-feeds/internal/sources"
)

// Cache names.
const (
	CacheSubplebbitPages = "subplebbit-pages"
	CacheRepliesPages    = "replies-pages"
	CacheSubplebbits     = "sources-subplebbits"
	CacheComments        = "sources-comments"
	CacheAuthorComments  = "author-comments"
)

// Config tunes the engine. Zero values fall back to package defaults.
type Config struct {
	PageSize        int
	RefillThreshold int
	Debounce        time.Duration

	PageCacheSize   int
	AuthorCacheSize int

	Policy fetch.Policy
}

// Deps holds the collaborators of the engine. Only Fetcher is required.
type Deps struct {
	Fetcher domain.Fetcher

	// Backend stores the page caches. Memory when nil.
	Backend pagecache.Backend

	Validator  domain.CommentValidator
	Reconciler domain.AccountCommentReconciler
	Logger     *slog.Logger
}

// Engine owns every store. Aggregators are rebuilt by Reset, so callers
// should not hold on to them across a reset.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	subplebbits     *sources.Store
	comments        *sources.Store
	commentMap      *pages.CommentMap
	subplebbitPages *pages.Store
	repliesPages    *pages.Store
	walker          *authors.Walker

	mu      sync.RWMutex
	feeds   *feeds.Aggregator
	replies *feeds.Aggregator
}

// New builds an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("create engine: fetcher is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Backend == nil {
		deps.Backend = pagecache.NewMemoryBackend()
	}
	if cfg.PageCacheSize <= 0 {
		cfg.PageCacheSize = 500
	}
	if cfg.AuthorCacheSize <= 0 {
		cfg.AuthorCacheSize = 10000
	}

	registry := pagecache.NewRegistry(deps.Backend, deps.Logger)
	caches := make(map[string]*pagecache.Cache)
	for name, size := range map[string]int{
		CacheSubplebbitPages: cfg.PageCacheSize,
		CacheRepliesPages:    cfg.PageCacheSize,
		CacheSubplebbits:     cfg.PageCacheSize,
		CacheComments:        cfg.PageCacheSize,
		CacheAuthorComments:  cfg.AuthorCacheSize,
	} {
		c, err := registry.CreateInstance(pagecache.Options{Name: name, Size: size})
		if err != nil {
			return nil, fmt.Errorf("create engine: %w", err)
		}
		caches[name] = c
	}

	e := &Engine{
		cfg:        cfg,
		deps:       deps,
		logger:     deps.Logger,
		commentMap: pages.NewCommentMap(),
	}
	e.subplebbits = sources.New(sources.Config{
		Kind:    sources.Subplebbits,
		Fetcher: deps.Fetcher,
		Cache:   caches[CacheSubplebbits],
		Policy:  cfg.Policy,
		Logger:  deps.Logger,
	})
	e.comments = sources.New(sources.Config{
		Kind:    sources.Comments,
		Fetcher: deps.Fetcher,
		Cache:   caches[CacheComments],
		Policy:  cfg.Policy,
		Logger:  deps.Logger,
	})
	e.subplebbitPages = pages.New(pages.Config{
		Kind:       pages.KindSubplebbit,
		Fetcher:    deps.Fetcher,
		Cache:      caches[CacheSubplebbitPages],
		Comments:   e.commentMap,
		Reconciler: deps.Reconciler,
		Policy:     cfg.Policy,
		Logger:     deps.Logger,
	})
	e.repliesPages = pages.New(pages.Config{
		Kind:       pages.KindReplies,
		Fetcher:    deps.Fetcher,
		Cache:      caches[CacheRepliesPages],
		Comments:   e.commentMap,
		Reconciler: deps.Reconciler,
		Policy:     cfg.Policy,
		Logger:     deps.Logger,
	})
	e.walker = authors.New(authors.Config{
		Fetcher:         deps.Fetcher,
		Cache:           caches[CacheAuthorComments],
		PageSize:        cfg.PageSize,
		RefillThreshold: cfg.RefillThreshold,
		Policy:          cfg.Policy,
		Logger:          deps.Logger,
	})

	// every listed comment may point at a newer head of its author
	e.subplebbitPages.AddObserver(e.walker.ObserveComment)
	e.repliesPages.AddObserver(e.walker.ObserveComment)

	e.feeds, e.replies = e.newAggregators()
	return e, nil
}

func (e *Engine) newAggregators() (posts, replies *feeds.Aggregator) {
	posts = feeds.New(feeds.Config{
		Name:            "feeds",
		Sources:         e.subplebbits,
		Pages:           e.subplebbitPages,
		Validator:       e.deps.Validator,
		PageSize:        e.cfg.PageSize,
		RefillThreshold: e.cfg.RefillThreshold,
		Debounce:        e.cfg.Debounce,
		Logger:          e.logger,
	})
	replies = feeds.New(feeds.Config{
		Name:            "replies",
		Sources:         e.comments,
		Pages:           e.repliesPages,
		Validator:       e.deps.Validator,
		PageSize:        e.cfg.PageSize,
		RefillThreshold: e.cfg.RefillThreshold,
		Debounce:        e.cfg.Debounce,
		Logger:          e.logger,
	})
	return posts, replies
}

// Feeds returns the aggregator of community post feeds.
func (e *Engine) Feeds() *feeds.Aggregator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.feeds
}

// Replies returns the aggregator of reply feeds.
func (e *Engine) Replies() *feeds.Aggregator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.replies
}

// Authors returns the author history walker.
func (e *Engine) Authors() *authors.Walker {
	return e.walker
}

// Comments returns the map of every comment seen in any listing.
func (e *Engine) Comments() *pages.CommentMap {
	return e.commentMap
}

// AddRepliesFeed registers a feed of the replies to the comments in
// opts.SourceIDs. Reply feeds include nested replies unless topLevelOnly.
func (e *Engine) AddRepliesFeed(opts domain.FeedOptions, topLevelOnly bool) (string, error) {
	opts.Flat = !topLevelOnly
	return e.Replies().AddFeed(opts)
}

// PutComment hands the engine a comment snapshot obtained elsewhere, such as
// a live update subscription. It refreshes both the comment map and the
// replies source of that comment.
func (e *Engine) PutComment(c *domain.Comment) {
	if c == nil || c.Cid == "" {
		return
	}
	e.commentMap.Merge([]*domain.Comment{c})
	e.comments.Put(domain.CommentSource(c))
}

// PutSubplebbit hands the engine a community snapshot obtained elsewhere.
func (e *Engine) PutSubplebbit(s *domain.Subplebbit) {
	if s == nil || s.Address == "" {
		return
	}
	e.subplebbits.Put(domain.SubplebbitSource(s))
}

// Reset restores a pristine engine: every feed, author, page and source is
// forgotten. Page caches keep their contents.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.feeds.Close()
	e.replies.Close()

	e.subplebbits.Reset()
	e.comments.Reset()
	e.subplebbitPages.Reset()
	e.repliesPages.Reset()
	e.commentMap.Reset()
	e.walker.Reset()

	e.feeds, e.replies = e.newAggregators()
	e.logger.Info("engine reset")
}

// Close stops every background task and waits for it to return. The cache
// backend is left open.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.feeds.Close()
	e.replies.Close()
	e.walker.Close()
}
