package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayGrowthAndCap(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 400 * time.Millisecond, Factor: 2}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	// Capped from here on.
	assert.Equal(t, 400*time.Millisecond, p.Delay(10))
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 1, Jitter: 0.5}

	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1, MaxAttempts: 5}

	calls := 0
	err := Retry(context.Background(), p, nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	p := Policy{Initial: time.Millisecond, MaxAttempts: 5}
	permanent := errors.New("bad credentials")

	calls := 0
	err := Retry(context.Background(), p, func(err error) bool {
		return !errors.Is(err, permanent)
	}, func(context.Context) error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsMaxAttempts(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1, MaxAttempts: 4}
	boom := errors.New("boom")

	calls := 0
	err := Retry(context.Background(), p, nil, func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	p := Policy{Initial: time.Hour, MaxAttempts: 3}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, p, nil, func(context.Context) error {
		return errors.New("flaky")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryRespectsBudget(t *testing.T) {
	p := Policy{Initial: 50 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 1, MaxAttempts: 100, Budget: 120 * time.Millisecond}
	boom := errors.New("boom")

	start := time.Now()
	err := Retry(context.Background(), p, nil, func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Less(t, time.Since(start), time.Second)
}
