package resilience

import (
	"sync"
	"time"

	"github.com/harunnryd/speechwire/pkg/errorsx"
)

// BreakerState is the position of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	// BreakerHalfOpen follows a cooldown. Sessions may dial again, but one
	// more quota signal reopens the breaker at once.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops dialing a backend that keeps answering with quota
// errors. It is shared by every stream of that backend.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	quota     int
	tripped   bool
	openUntil time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (c *CircuitBreaker) state() BreakerState {
	if !c.tripped {
		return BreakerClosed
	}
	if c.now().Before(c.openUntil) {
		return BreakerOpen
	}
	return BreakerHalfOpen
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state()
}

// Allow reports whether a new session may dial.
func (c *CircuitBreaker) Allow() bool {
	return c.State() != BreakerOpen
}

// OnSuccess closes the breaker once a session is established.
func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.quota = 0
	c.tripped = false
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

// OnError counts quota signals and reports whether err tripped the breaker.
// Other kinds are ignored.
func (c *CircuitBreaker) OnError(err error) bool {
	if !errorsx.Is(err, errorsx.KindQuota) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state() {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		c.trip()
		return true
	}
	c.quota++
	if c.quota < c.threshold {
		return false
	}
	c.trip()
	return true
}

func (c *CircuitBreaker) trip() {
	c.quota = 0
	c.tripped = true
	c.openUntil = c.now().Add(c.cooldown)
}
