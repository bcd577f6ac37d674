package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/harunnryd/speechwire/pkg/errorsx"
)

// Backoff defines the reconnect policy for transient failures.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor in [0,1].
	Jitter float64
	// Sleep waits between attempts; nil uses a timer bound to ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewBackoff(maxAttempts int, baseDelay, maxDelay time.Duration, jitter float64) Backoff {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return Backoff{MaxAttempts: maxAttempts, BaseDelay: baseDelay, MaxDelay: maxDelay, Jitter: jitter}
}

// Start begins a new attempt cycle.
func (b Backoff) Start() *Schedule {
	if b.MaxAttempts <= 0 {
		b = NewBackoff(b.MaxAttempts, b.BaseDelay, b.MaxDelay, b.Jitter)
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.BaseDelay
	exp.MaxInterval = b.MaxDelay
	exp.RandomizationFactor = b.Jitter
	exp.Multiplier = 2
	exp.Reset()
	return &Schedule{policy: b, exp: exp}
}

// Wait sleeps for d unless ctx ends first.
func (b Backoff) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if b.Sleep != nil {
		return b.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Schedule tracks one attempt cycle.
type Schedule struct {
	policy   Backoff
	exp      *backoff.ExponentialBackOff
	attempts int
}

// Next records a failed attempt and returns the delay before the next one.
// ok is false once MaxAttempts failures have been recorded.
func (s *Schedule) Next(cause error) (time.Duration, bool) {
	s.attempts++
	if s.attempts >= s.policy.MaxAttempts {
		return 0, false
	}
	d := s.exp.NextBackOff()
	if d == backoff.Stop || d > s.policy.MaxDelay {
		d = s.policy.MaxDelay
	}
	if mandated := errorsx.RetryAfter(cause); mandated > d {
		d = mandated
	}
	return d, true
}

// Attempts returns the failed attempts recorded so far.
func (s *Schedule) Attempts() int { return s.attempts }

// ExhaustedError is returned when the attempt cap is reached.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err is an ExhaustedError.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}
