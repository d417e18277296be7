// Package backoff retries rate-limited provider calls with exponential
// delays.
package backoff

import (
	"context"
	"time"

	"github.com/nhle/mailhub/internal/model"
)

// Policy bounds retries of rate-limited operations.
type Policy struct {
	Retries int
	Initial time.Duration
	Max     time.Duration

	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// MinDelay is the shortest wait between attempts.
const MinDelay = time.Second

// FromConfig builds a policy from the fetch settings.
func FromConfig(f model.FetchConfig) Policy {
	return Policy{
		Retries: f.BackoffRetries,
		Initial: f.BackoffInitial(),
		Max:     f.BackoffMax(),
	}
}

// Delay returns min(Max, Initial*2^attempt), never below MinDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Initial
	for i := 0; i < attempt; i++ {
		if p.Max > 0 && d >= p.Max {
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return max(d, MinDelay)
}

// DelayFor is Delay raised to the provider's retry hint carried by err,
// still capped at Max.
func (p Policy) DelayFor(attempt int, err error) time.Duration {
	d := p.Delay(attempt)
	if hint := model.RetryAfterOf(err); hint > d {
		d = hint
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return max(d, MinDelay)
}

// Wait sleeps for d or until ctx is done.
func (p Policy) Wait(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op, retrying only rate-limit failures up to p.Retries times.
// Any other error returns immediately. When retries run out the last
// rate-limit error is returned.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !model.IsRateLimited(err) {
			return zero, err
		}
		if attempt >= p.Retries {
			return zero, model.Wrap(model.KindRateLimited, err, "retries exhausted after %d attempts", attempt+1)
		}
		if werr := p.Wait(ctx, p.DelayFor(attempt, err)); werr != nil {
			return zero, werr
		}
	}
}

// HalvePageSize shrinks a page size after a rate limit, floored at min.
func HalvePageSize(size, min int) int {
	if min < 1 {
		min = 1
	}
	half := size / 2
	if half < min {
		return min
	}
	return half
}
