package errors

import "errors"

var (
	// ErrTimeout is returned when a lock could not be acquired within the
	// configured maximum wait.
	ErrTimeout = errors.New("latch: timed out acquiring lock")
	// ErrNotOwner is returned when a release or a lease extension found a
	// different token (or no token) stored at the lock key.
	ErrNotOwner = errors.New("latch: lock not owned on release")
	// ErrCircuitOpen is returned by a circuit-breaking store while it is
	// refusing calls to the backend.
	ErrCircuitOpen = errors.New("latch: circuit breaker is open")
	// ErrNotHeld is returned when a lease extension is requested with a
	// context that does not come from a locked execution.
	ErrNotHeld = errors.New("latch: no lock held by context")
)
