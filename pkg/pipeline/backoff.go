package pipeline

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/wavepipe/conveyor/pkg/errors"
)

// Backoff defines bounded exponential retry behavior.
type Backoff struct {
	// MaxAttempts caps total attempts, including the first
	MaxAttempts int
	// BaseDelay is the delay after the first failed attempt
	BaseDelay time.Duration
	// MaxDelay caps the computed delay
	MaxDelay time.Duration
	// Multiplier grows the delay per attempt
	Multiplier float64
	// Jitter randomizes the delay by +/- Jitter fraction; the runner
	// leaves it at zero so delays stay non-decreasing across attempts
	Jitter float64
}

// DefaultBackoff returns the standard retry bounds.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// Validate checks the backoff parameters.
func (b Backoff) Validate() error {
	if b.MaxAttempts < 1 {
		return errors.New(errors.ErrorTypeConfig, "retry max_attempts must be >= 1")
	}
	if b.BaseDelay < 0 {
		return errors.New(errors.ErrorTypeConfig, "retry base_delay must not be negative")
	}
	if b.MaxDelay > 0 && b.MaxDelay < b.BaseDelay {
		return errors.New(errors.ErrorTypeConfig, "retry max_delay must be >= base_delay")
	}
	if b.Multiplier < 1 {
		return errors.New(errors.ErrorTypeConfig, "retry multiplier must be >= 1")
	}
	if b.Jitter < 0 || b.Jitter > 1 {
		return errors.New(errors.ErrorTypeConfig, "retry jitter must be within [0,1]")
	}
	return nil
}

// Delay returns the delay before attempt n+1, for zero-based attempt n.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.BaseDelay) * math.Pow(b.Multiplier, float64(attempt))

	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	if b.Jitter > 0 {
		delta := delay * b.Jitter
		delay = delay - delta + rand.Float64()*2*delta
	}

	return time.Duration(delay)
}

// Wait sleeps the delay for the given attempt, honoring cancellation.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	delay := b.Delay(attempt)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
