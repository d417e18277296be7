package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailhub/internal/model"
)

func recordingPolicy(retries int, sleeps *[]time.Duration) Policy {
	return Policy{
		Retries: retries,
		Initial: time.Second,
		Max:     16 * time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			*sleeps = append(*sleeps, d)
			return nil
		},
	}
}

func TestDelay(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 16 * time.Second}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 16*time.Second, p.Delay(4))
	assert.Equal(t, 16*time.Second, p.Delay(40))
}

func TestDelayFloor(t *testing.T) {
	zero := Policy{}
	assert.Equal(t, MinDelay, zero.Delay(0))
	assert.Equal(t, MinDelay, zero.Delay(3))
	assert.Equal(t, MinDelay, zero.DelayFor(0, model.ErrRateLimited))

	short := Policy{Initial: 100 * time.Millisecond, Max: 200 * time.Millisecond}
	assert.Equal(t, MinDelay, short.Delay(1))
}

func TestDelayForHonorsRetryAfterUpToMax(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 16 * time.Second}

	hinted := &model.Error{Kind: model.KindRateLimited, RetryAfter: 5 * time.Second}
	assert.Equal(t, 5*time.Second, p.DelayFor(0, hinted))

	huge := &model.Error{Kind: model.KindRateLimited, RetryAfter: time.Hour}
	assert.Equal(t, 16*time.Second, p.DelayFor(0, huge))
}

func TestDoRetriesRateLimitsOnly(t *testing.T) {
	var sleeps []time.Duration
	p := recordingPolicy(4, &sleeps)

	calls := 0
	v, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", model.E(model.KindRateLimited, "429")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps)
}

func TestDoPropagatesOtherErrorsImmediately(t *testing.T) {
	var sleeps []time.Duration
	p := recordingPolicy(4, &sleeps)
	boom := model.E(model.KindTransport, "503")

	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	assert.ErrorIs(t, err, model.ErrTransport)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeps)
}

func TestDoExhaustedIsRateLimited(t *testing.T) {
	var sleeps []time.Duration
	p := recordingPolicy(2, &sleeps)

	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, model.E(model.KindRateLimited, "slow down")
	})
	assert.ErrorIs(t, err, model.ErrRateLimited)
	assert.Equal(t, 3, calls)
	assert.Len(t, sleeps, 2)
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{Retries: 3, Initial: time.Hour, Max: time.Hour}

	_, err := Do(ctx, p, func(context.Context) (int, error) {
		return 0, model.E(model.KindRateLimited, "429")
	})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestHalvePageSize(t *testing.T) {
	assert.Equal(t, 25, HalvePageSize(50, 10))
	assert.Equal(t, 12, HalvePageSize(25, 10))
	assert.Equal(t, 10, HalvePageSize(12, 10))
	assert.Equal(t, 10, HalvePageSize(10, 10))
	assert.Equal(t, 1, HalvePageSize(1, 0))
}
