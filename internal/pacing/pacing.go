// ABOUTME: Timing governor that spaces text deltas to a minimum interval
// ABOUTME: Other events pass straight through; ordering is preserved and waits are cancellable

// Package pacing smooths bursty upstream output.
package pacing

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/agent-relay/internal/event"
)

// Governor spaces consecutive text deltas at least MinInterval apart.
type Governor struct {
	minInterval time.Duration
}

// New returns a Governor. A zero or negative interval disables pacing.
func New(minInterval time.Duration) *Governor {
	return &Governor{minInterval: minInterval}
}

// MinInterval returns the configured spacing.
func (g *Governor) MinInterval() time.Duration {
	return g.minInterval
}

// Pace relays in to the returned channel in order. The output closes when in
// closes or ctx is done.
func (g *Governor) Pace(ctx context.Context, in <-chan event.Event) <-chan event.Event {
	out := make(chan event.Event)

	go func() {
		defer close(out)
		var sp spacer
		if g.minInterval > 0 {
			sp.every = rate.Every(g.minInterval)
		}

		for {
			var e event.Event
			var ok bool
			select {
			case <-ctx.Done():
				return
			case e, ok = <-in:
				if !ok {
					return
				}
			}

			delta := e.Type == event.TypeTextDelta
			if delta {
				if err := sp.wait(ctx); err != nil {
					return
				}
			}

			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
			if delta {
				sp.delivered(time.Now())
			}
		}
	}()

	return out
}

// spacer holds back a delta until minInterval has passed since the previous
// delta was delivered, not since it was released: a consumer that is slow to
// receive must not let the next delta through early.
type spacer struct {
	every   rate.Limit
	limiter *rate.Limiter
}

func (s *spacer) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

// delivered restarts the interval at the moment a delta was handed over.
func (s *spacer) delivered(at time.Time) {
	if s.every == 0 {
		return
	}
	s.limiter = rate.NewLimiter(s.every, 1)
	s.limiter.AllowN(at, 1)
}
