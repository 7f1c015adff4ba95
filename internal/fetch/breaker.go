package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/blackmichael/plebbit-feeds/internal/domain"
	"github.com/blackmichael/plebbit-feeds/internal/metrics"
	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerFetcher wraps a Fetcher with a circuit breaker so a failing
// transport is not hammered by every retry loop at once. While the circuit is
// open calls fail fast with gobreaker.ErrOpenState.
type BreakerFetcher struct {
	next domain.Fetcher
	cb   *gobreaker.CircuitBreaker[any]
}

var _ domain.Fetcher = (*BreakerFetcher)(nil)

// WithBreaker wraps f. The circuit opens once at least 10 requests were seen
// in the last minute and 60% of them failed, and probes again after timeout.
func WithBreaker(f domain.Fetcher, name string, timeout time.Duration, logger *slog.Logger) *BreakerFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// a cancelled caller says nothing about the transport
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &BreakerFetcher{next: f, cb: cb}
}

// GetPage fetches a page through the breaker.
func (b *BreakerFetcher) GetPage(ctx context.Context, cid string) (*domain.Page, error) {
	return execute(b.cb, func() (*domain.Page, error) { return b.next.GetPage(ctx, cid) })
}

// GetComment fetches a comment through the breaker.
func (b *BreakerFetcher) GetComment(ctx context.Context, cid string) (*domain.Comment, error) {
	return execute(b.cb, func() (*domain.Comment, error) { return b.next.GetComment(ctx, cid) })
}

// GetSubplebbit fetches a community snapshot through the breaker.
func (b *BreakerFetcher) GetSubplebbit(ctx context.Context, address string) (*domain.Subplebbit, error) {
	return execute(b.cb, func() (*domain.Subplebbit, error) { return b.next.GetSubplebbit(ctx, address) })
}

// State returns the current breaker state.
func (b *BreakerFetcher) State() gobreaker.State {
	return b.cb.State()
}

func execute[T any](cb *gobreaker.CircuitBreaker[any], fn func() (T, error)) (T, error) {
	var zero T
	res, err := cb.Execute(func() (any, error) { return fn() })
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected breaker result %T", res)
	}
	return v, nil
}
