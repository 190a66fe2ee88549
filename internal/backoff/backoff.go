// Package backoff implements the exponential-backoff-with-success-reset
// restart policy used by the Recording Supervisor's ad-hoc failure monitor.
package backoff

import (
	"context"
	"sync"
	"time"
)

// DefaultSuccessThreshold is the run duration above which a restart is
// treated as a recovery rather than a short-lived failure.
const DefaultSuccessThreshold = 300 * time.Second

// Backoff tracks exponentially increasing restart delay for one supervised
// unit (a camera's recording). All methods are safe to
// call on a nil receiver so callers that forgot to construct one fail soft
// rather than panic.
type Backoff struct {
	mu                  sync.RWMutex
	initialDelay        time.Duration
	maxDelay            time.Duration
	successThreshold    time.Duration
	maxAttempts         int
	currentDelay        time.Duration
	attempts            int
	consecutiveFailures int
}

// New creates a Backoff with the default 300s success threshold.
func New(initialDelay, maxDelay time.Duration, maxAttempts int) *Backoff {
	return NewWithThreshold(initialDelay, maxDelay, DefaultSuccessThreshold, maxAttempts)
}

// NewWithThreshold creates a Backoff with an explicit success threshold.
func NewWithThreshold(initialDelay, maxDelay, successThreshold time.Duration, maxAttempts int) *Backoff {
	return &Backoff{
		initialDelay:     initialDelay,
		maxDelay:         maxDelay,
		successThreshold: successThreshold,
		maxAttempts:      maxAttempts,
		currentDelay:     initialDelay,
	}
}

// RecordFailure doubles the current delay (capped at maxDelay) and
// increments the attempt and consecutive-failure counters.
func (b *Backoff) RecordFailure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++
	b.consecutiveFailures++
	b.double()
}

// RecordSuccess records a run that lasted runTime. Runs longer than the
// success threshold reset the delay and consecutive-failure count; shorter
// runs are treated as another failure.
func (b *Backoff) RecordSuccess(runTime time.Duration) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++
	if runTime > b.successThreshold {
		b.currentDelay = b.initialDelay
		b.consecutiveFailures = 0
		return
	}
	b.consecutiveFailures++
	b.double()
}

// double must be called with mu held.
func (b *Backoff) double() {
	b.currentDelay *= 2
	if b.currentDelay > b.maxDelay {
		b.currentDelay = b.maxDelay
	}
	if b.currentDelay <= 0 {
		b.currentDelay = b.initialDelay
	}
}

// CurrentDelay returns the delay the next Wait/WaitContext call will sleep.
func (b *Backoff) CurrentDelay() time.Duration {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentDelay
}

// Attempts returns the total number of recorded attempts (success+failure).
func (b *Backoff) Attempts() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.attempts
}

// MaxAttempts returns the configured attempt ceiling.
func (b *Backoff) MaxAttempts() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxAttempts
}

// ConsecutiveFailures returns the number of failures since the last reset.
func (b *Backoff) ConsecutiveFailures() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.consecutiveFailures
}

// ShouldStop reports whether the attempt ceiling has been reached. A nil
// receiver reports true so a missing backoff policy fails closed.
func (b *Backoff) ShouldStop() bool {
	if b == nil {
		return true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxAttempts > 0 && b.attempts >= b.maxAttempts
}

// Reset returns the backoff to its initial state: initial delay, zero
// attempts, zero consecutive failures.
func (b *Backoff) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentDelay = b.initialDelay
	b.attempts = 0
	b.consecutiveFailures = 0
}

// Wait blocks for CurrentDelay.
func (b *Backoff) Wait() {
	if b == nil {
		return
	}
	time.Sleep(b.CurrentDelay())
}

// WaitContext blocks for CurrentDelay or until ctx is cancelled, whichever
// comes first.
func (b *Backoff) WaitContext(ctx context.Context) error {
	if b == nil {
		return nil
	}
	select {
	case <-time.After(b.CurrentDelay()):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
