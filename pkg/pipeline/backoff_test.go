package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelaysAreNonDecreasingAndCapped(t *testing.T) {
	b := Backoff{
		MaxAttempts: 8,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
	}

	prev := time.Duration(0)
	for attempt := 0; attempt < b.MaxAttempts; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, b.MaxDelay)
		prev = d
	}
	assert.Equal(t, time.Second, b.Delay(7))
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	b := Backoff{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Minute,
		Multiplier:  2.0,
		Jitter:      0.5,
	}

	for i := 0; i < 100; i++ {
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestBackoffValidate(t *testing.T) {
	assert.NoError(t, DefaultBackoff().Validate())

	bad := DefaultBackoff()
	bad.MaxAttempts = 0
	assert.Error(t, bad.Validate())

	bad = DefaultBackoff()
	bad.Multiplier = 0.5
	assert.Error(t, bad.Validate())

	bad = DefaultBackoff()
	bad.MaxDelay = bad.BaseDelay / 2
	assert.Error(t, bad.Validate())

	bad = DefaultBackoff()
	bad.Jitter = 1.5
	assert.Error(t, bad.Validate())
}

func TestBackoffWaitHonorsCancellation(t *testing.T) {
	b := Backoff{MaxAttempts: 2, BaseDelay: time.Minute, Multiplier: 2.0}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := b.Wait(ctx, 0)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
