// Package pagecache implements a bounded, persistent key/value cache built
// from two rotating generations. Writes go to the active generation; once it
// has received Size new keys it becomes the previous generation and the old
// previous generation is emptied and reused as the new active one. At most
// about 2*Size keys are retrievable at any time.
package pagecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/blackmichael/plebbit-feeds/internal/metrics"
	"github.com/goccy/go-json"
)

var (
	ErrMissingName  = errors.New("page cache name is required")
	ErrInvalidSize  = errors.New("page cache size must be positive")
	ErrSizeMismatch = errors.New("page cache already exists with a different size")
)

// Options configures a cache instance. Both fields are required.
type Options struct {
	Name string
	Size int
}

// Registry hands out one Cache per name.
type Registry struct {
	backend Backend
	logger  *slog.Logger

	mu     sync.Mutex
	caches map[string]*Cache
}

// NewRegistry creates a registry whose caches live in backend.
func NewRegistry(backend Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backend: backend,
		logger:  logger,
		caches:  make(map[string]*Cache),
	}
}

// CreateInstance returns the cache named opts.Name, creating it on first use.
// Creation returns immediately; the cache finishes opening in the background
// and every operation waits for it.
func (r *Registry) CreateInstance(opts Options) (*Cache, error) {
	if opts.Name == "" {
		return nil, ErrMissingName
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("cache %q: %w", opts.Name, ErrInvalidSize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.caches[opts.Name]; ok {
		if c.size != opts.Size {
			return nil, fmt.Errorf("cache %q has size %d, requested %d: %w", opts.Name, c.size, opts.Size, ErrSizeMismatch)
		}
		return c, nil
	}

	c := &Cache{
		name:   opts.Name,
		size:   opts.Size,
		logger: r.logger.With("cache", opts.Name),
		ready:  make(chan struct{}),
	}
	r.caches[opts.Name] = c
	go c.open(r.backend)
	return c, nil
}

// Cache is a bounded two-generation cache. Values are stored as JSON.
type Cache struct {
	name   string
	size   int
	logger *slog.Logger

	ready   chan struct{}
	openErr error

	mu      sync.RWMutex
	gens    [2]Generation
	active  int
	written int
}

// Name returns the cache name.
func (c *Cache) Name() string {
	return c.name
}

// Size returns the number of new keys that triggers a rotation.
func (c *Cache) Size() int {
	return c.size
}

// open picks up the generations left by a previous process. The smaller
// one keeps being filled and the write counter resumes from its length.
func (c *Cache) open(backend Backend) {
	defer close(c.ready)
	ctx := context.Background()

	var lens [2]int
	for i, suffix := range []string{"a", "b"} {
		g, err := backend.Generation(ctx, c.name+"/"+suffix)
		if err != nil {
			c.openErr = fmt.Errorf("open generation %s of cache %q: %w", suffix, c.name, err)
			return
		}
		n, err := g.Len(ctx)
		if err != nil {
			c.openErr = fmt.Errorf("count generation %s of cache %q: %w", suffix, c.name, err)
			return
		}
		c.gens[i] = g
		lens[i] = n
	}

	c.active = 0
	if lens[1] < lens[0] {
		c.active = 1
	}
	c.written = lens[c.active]
	if c.written >= c.size {
		if err := c.rotate(ctx); err != nil {
			c.openErr = err
			return
		}
	}
	c.logger.Debug("page cache opened", "active_keys", lens[c.active], "previous_keys", lens[1-c.active])
}

func (c *Cache) wait(ctx context.Context) error {
	select {
	case <-c.ready:
		return c.openErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get decodes the value stored under key into dst. A key found only in the
// previous generation is a hit; reads never move keys between generations.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}

	c.mu.RLock()
	active, previous := c.gens[c.active], c.gens[1-c.active]
	data, ok, err := active.Get(ctx, key)
	if err == nil && !ok {
		data, ok, err = previous.Get(ctx, key)
	}
	c.mu.RUnlock()

	if err != nil {
		metrics.CacheOperations.WithLabelValues(c.name, "get", "error").Inc()
		return false, fmt.Errorf("get %q: %w", key, err)
	}
	if !ok {
		metrics.CacheOperations.WithLabelValues(c.name, "get", "miss").Inc()
		return false, nil
	}
	metrics.CacheOperations.WithLabelValues(c.name, "get", "hit").Inc()

	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// Put stores value under key. Overwriting a key of the active generation
// does not count toward rotation.
func (c *Cache) Put(ctx context.Context, key string, value any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	active := c.gens[c.active]
	exists, err := active.Has(ctx, key)
	if err != nil {
		metrics.CacheOperations.WithLabelValues(c.name, "put", "error").Inc()
		return fmt.Errorf("put %q: %w", key, err)
	}
	if err := active.Put(ctx, key, data); err != nil {
		metrics.CacheOperations.WithLabelValues(c.name, "put", "error").Inc()
		return fmt.Errorf("put %q: %w", key, err)
	}
	metrics.CacheOperations.WithLabelValues(c.name, "put", "ok").Inc()
	if exists {
		return nil
	}

	c.written++
	if c.written >= c.size {
		return c.rotate(ctx)
	}
	return nil
}

// rotate must be called with mu held (or before the cache is ready).
func (c *Cache) rotate(ctx context.Context) error {
	previous := c.gens[1-c.active]
	if err := previous.Clear(ctx); err != nil {
		return fmt.Errorf("rotate cache %q: %w", c.name, err)
	}
	c.active = 1 - c.active
	c.written = 0
	metrics.CacheRotations.WithLabelValues(c.name).Inc()
	c.logger.Debug("page cache rotated")
	return nil
}

// Delete removes key from both generations.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range c.gens {
		if err := g.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
	}
	return nil
}

// Clear empties both generations.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range c.gens {
		if err := g.Clear(ctx); err != nil {
			return fmt.Errorf("clear cache %q: %w", c.name, err)
		}
	}
	c.written = 0
	return nil
}

// Keys returns every retrievable key, sorted.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, g := range c.gens {
		keys, err := g.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("list keys of cache %q: %w", c.name, err)
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
