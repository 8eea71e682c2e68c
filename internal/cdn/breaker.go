package cdn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hearth/internal/observability"

	"github.com/sony/gobreaker"
)

// Breaker trips after consecutive provider failures so uploads fail fast
// while the CDN is down. Unsupported-format errors are caller mistakes and
// do not count against the provider.
type Breaker struct {
	next Uploader
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Uploader, trips int, open time.Duration) *Breaker {
	if trips <= 0 {
		trips = 5
	}
	if open <= 0 {
		open = 30 * time.Second
	}
	gauge := observability.CDNBreakerState.WithLabelValues(next.Name())
	gauge.Set(0)
	settings := gobreaker.Settings{
		Name:        "cdn-" + next.Name(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(trips)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			gauge.Set(float64(to))
			observability.GlobalLogger.Warn("cdn breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Name() string { return b.next.Name() }

func (b *Breaker) Upload(ctx context.Context, in UploadInput) (*Result, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Upload(ctx, in)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return out.(*Result), nil
}

// State reports the breaker state for health checks.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
