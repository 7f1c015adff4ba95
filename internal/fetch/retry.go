// Package fetch holds the resilience policies wrapped around the fetch
// collaborator: infinite retry with an error observer and a circuit breaker.
package fetch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy shapes the exponential backoff between retries. Retries never give
// up on their own; only the caller's context ends them.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy is used by stores that are not given a policy.
var DefaultPolicy = Policy{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
}

// ErrorFunc observes a failed attempt and the wait before the next one.
type ErrorFunc func(err error, wait time.Duration)

// Retry calls op until it succeeds or ctx is done. Every failure is reported
// to onError (which may be nil) before waiting.
func Retry[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), onError ErrorFunc) (T, error) {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0

	attempt := func() (T, error) {
		v, err := op(ctx)
		if err != nil && ctx.Err() != nil {
			return v, backoff.Permanent(ctx.Err())
		}
		return v, err
	}

	var notify backoff.Notify
	if onError != nil {
		notify = func(err error, wait time.Duration) { onError(err, wait) }
	}

	return backoff.RetryNotifyWithData(attempt, backoff.WithContext(b, ctx), notify)
}
