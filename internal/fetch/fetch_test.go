package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blackmichael/plebbit-feeds/internal/domain"
	"github.com/go-playground/assert/v2"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fastPolicy = Policy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func TestRetryUntilSuccess(t *testing.T) {
	attempts := 0
	var observed []error

	v, err := Retry(context.Background(), fastPolicy, func(context.Context) (string, error) {
		attempts++
		if attempts < 4 {
			return "", errors.New("gateway unavailable")
		}
		return "page", nil
	}, func(err error, _ time.Duration) {
		observed = append(observed, err)
	})

	assert.Equal(t, nil, err)
	assert.Equal(t, "page", v)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 3, len(observed))
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	_, err := Retry(ctx, fastPolicy, func(context.Context) (int, error) {
		attempts++
		if attempts == 3 {
			cancel()
		}
		return 0, errors.New("timeout")
	}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	assert.Equal(t, 3, attempts)
}

type failingFetcher struct {
	calls int
}

func (f *failingFetcher) GetPage(context.Context, string) (*domain.Page, error) {
	f.calls++
	return nil, errors.New("unreachable")
}

func (f *failingFetcher) GetComment(context.Context, string) (*domain.Comment, error) {
	f.calls++
	return &domain.Comment{Cid: "c1"}, nil
}

func (f *failingFetcher) GetSubplebbit(context.Context, string) (*domain.Subplebbit, error) {
	f.calls++
	return nil, errors.New("unreachable")
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	inner := &failingFetcher{}
	f := WithBreaker(inner, "test-open", time.Hour, nil)

	for i := 0; i < 10; i++ {
		_, err := f.GetPage(context.Background(), "p1")
		assert.NotEqual(t, nil, err)
	}
	assert.Equal(t, gobreaker.StateOpen, f.State())

	_, err := f.GetSubplebbit(context.Background(), "memes.eth")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want ErrOpenState", err)
	}
	assert.Equal(t, 10, inner.calls)
}

func TestBreakerPassesResults(t *testing.T) {
	f := WithBreaker(&failingFetcher{}, "test-pass", time.Hour, nil)

	c, err := f.GetComment(context.Background(), "c1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "c1", c.Cid)
}
