package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Store with circuit breaker logic. Only
// transport errors count as failures: a held lock or a not-owner release is
// a healthy answer from the backend.
type CircuitBreaker struct {
	store     Store
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a Store that opens after threshold consecutive
// transport failures and stays open for timeout.
func NewCircuitBreaker(store Store, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		store:     store,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if calls are currently let through.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow handles the Open to Half-Open transition once the timeout elapsed.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		// one probe at a time
		return false
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil || errors.Is(err, latcherrors.ErrNotOwner) {
		cb.failures = 0
		cb.state = stateClosed
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// TryLock implements Store.TryLock.
func (cb *CircuitBreaker) TryLock(ctx context.Context, key string, lease time.Duration) (string, bool, error) {
	if !cb.allow() {
		return "", false, latcherrors.ErrCircuitOpen
	}
	token, ok, err := cb.store.TryLock(ctx, key, lease)
	cb.record(err)
	return token, ok, err
}

// Release implements Store.Release.
func (cb *CircuitBreaker) Release(ctx context.Context, key, token string) error {
	if !cb.allow() {
		return latcherrors.ErrCircuitOpen
	}
	err := cb.store.Release(ctx, key, token)
	cb.record(err)
	return err
}

// Extend implements Store.Extend.
func (cb *CircuitBreaker) Extend(ctx context.Context, key, token string, lease time.Duration) error {
	if !cb.allow() {
		return latcherrors.ErrCircuitOpen
	}
	err := cb.store.Extend(ctx, key, token, lease)
	cb.record(err)
	return err
}

// Exists implements Store.Exists.
func (cb *CircuitBreaker) Exists(ctx context.Context, key string) (bool, error) {
	if !cb.allow() {
		return false, latcherrors.ErrCircuitOpen
	}
	ok, err := cb.store.Exists(ctx, key)
	cb.record(err)
	return ok, err
}
