package pagecache

import (
	"context"
	"sort"
	"sync"
)

// Generation is one physical key/value namespace of a cache.
type Generation interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Has(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
	Len(ctx context.Context) (int, error)
}

// Backend opens physical namespaces. Opening the same namespace twice
// returns views of the same data.
type Backend interface {
	Generation(ctx context.Context, namespace string) (Generation, error)
}

// MemoryBackend keeps every namespace in process memory.
type MemoryBackend struct {
	mu         sync.Mutex
	namespaces map[string]*memoryGeneration
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{namespaces: make(map[string]*memoryGeneration)}
}

// Generation returns the namespace, creating it when missing.
func (b *MemoryBackend) Generation(_ context.Context, namespace string) (Generation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.namespaces[namespace]
	if !ok {
		g = &memoryGeneration{items: make(map[string][]byte)}
		b.namespaces[namespace] = g
	}
	return g, nil
}

type memoryGeneration struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func (g *memoryGeneration) Get(_ context.Context, key string) ([]byte, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.items[key]
	return v, ok, nil
}

func (g *memoryGeneration) Has(_ context.Context, key string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.items[key]
	return ok, nil
}

func (g *memoryGeneration) Put(_ context.Context, key string, value []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.items[key] = append([]byte(nil), value...)
	return nil
}

func (g *memoryGeneration) Delete(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.items, key)
	return nil
}

func (g *memoryGeneration) Clear(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.items = make(map[string][]byte)
	return nil
}

func (g *memoryGeneration) Keys(_ context.Context) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	keys := make([]string, 0, len(g.items))
	for k := range g.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (g *memoryGeneration) Len(_ context.Context) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.items), nil
}
