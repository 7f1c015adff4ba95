// Package domaintest provides an in-memory domain.Fetcher for tests.
package domaintest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/blackmichael/plebbit-feeds/internal/domain"
)

// ErrNotFound is returned for content the fetcher does not hold.
var ErrNotFound = errors.New("not found")

// Fetcher serves pages, comments and communities from memory. Failures can
// be injected per key and calls can be held until released.
type Fetcher struct {
	mu          sync.Mutex
	pages       map[string]*domain.Page
	comments    map[string]*domain.Comment
	subplebbits map[string]*domain.Subplebbit
	failures    map[string]int
	calls       map[string]int
	gate        chan struct{}
}

var _ domain.Fetcher = (*Fetcher)(nil)

// NewFetcher creates an empty fetcher.
func NewFetcher() *Fetcher {
	return &Fetcher{
		pages:       make(map[string]*domain.Page),
		comments:    make(map[string]*domain.Comment),
		subplebbits: make(map[string]*domain.Subplebbit),
		failures:    make(map[string]int),
		calls:       make(map[string]int),
	}
}

// AddPage serves p under cid.
func (f *Fetcher) AddPage(cid string, p *domain.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[cid] = p
}

// AddComment serves c under c.Cid.
func (f *Fetcher) AddComment(c *domain.Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[c.Cid] = c
}

// AddSubplebbit serves s under s.Address.
func (f *Fetcher) AddSubplebbit(s *domain.Subplebbit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subplebbits[s.Address] = s
}

// FailNext makes the next n requests for key fail.
func (f *Fetcher) FailNext(key string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = n
}

// Hold makes every request block until Release is called.
func (f *Fetcher) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

// Release unblocks held requests.
func (f *Fetcher) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// Calls returns how many requests were made for key, failed ones included.
func (f *Fetcher) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *Fetcher) begin(ctx context.Context, key string) error {
	f.mu.Lock()
	f.calls[key]++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[key] > 0 {
		f.failures[key]--
		return fmt.Errorf("fetch %s: transient failure", key)
	}
	return nil
}

func (f *Fetcher) GetPage(ctx context.Context, cid string) (*domain.Page, error) {
	if err := f.begin(ctx, cid); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[cid]
	if !ok {
		return nil, fmt.Errorf("page %s: %w", cid, ErrNotFound)
	}
	return p, nil
}

func (f *Fetcher) GetComment(ctx context.Context, cid string) (*domain.Comment, error) {
	if err := f.begin(ctx, cid); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[cid]
	if !ok {
		return nil, fmt.Errorf("comment %s: %w", cid, ErrNotFound)
	}
	return c, nil
}

func (f *Fetcher) GetSubplebbit(ctx context.Context, address string) (*domain.Subplebbit, error) {
	if err := f.begin(ctx, address); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subplebbits[address]
	if !ok {
		return nil, fmt.Errorf("subplebbit %s: %w", address, ErrNotFound)
	}
	return s, nil
}

// Posts builds n comments in community sub, named prefix-0 .. prefix-(n-1),
// with decreasing timestamps from ts.
func Posts(sub, prefix string, n int, ts int64) []*domain.Comment {
	out := make([]*domain.Comment, n)
	for i := range out {
		out[i] = &domain.Comment{
			Cid:               fmt.Sprintf("%s-%d", prefix, i),
			SubplebbitAddress: sub,
			Timestamp:         ts - int64(i),
			UpdatedAt:         ts - int64(i),
		}
	}
	return out
}
