package llm

import (
	"sync"
	"time"
)

// Breaker trips after a run of consecutive failures and keeps the model
// service out of the loop until the cooldown passes. One success resets
// the count.
type Breaker struct {
	mu            sync.Mutex
	maxFailures   int
	cooldown      time.Duration
	failures      int
	disabledUntil time.Time
	now           func() time.Time
}

func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	return &Breaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Allow reports whether a request may go out. A tripped breaker whose
// cooldown has elapsed re-arms and allows the next attempt.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabledUntil.IsZero() {
		return true
	}
	if b.now().Before(b.disabledUntil) {
		return false
	}
	b.disabledUntil = time.Time{}
	b.failures = 0
	return true
}

// RetryAfter returns how long until the breaker re-arms, zero when open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabledUntil.IsZero() {
		return 0
	}
	remaining := b.disabledUntil.Sub(b.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.disabledUntil = time.Time{}
}

// RecordFailure counts a failed round and reports whether the breaker
// just tripped.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures < b.maxFailures {
		return false
	}
	b.disabledUntil = b.now().Add(b.cooldown)
	return true
}
