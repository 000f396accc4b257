// Package lock provides the remote half of the lock manager: signed lock
// tokens and stores offering the two atomic primitives the manager relies
// on, "set if absent with expiry" and "delete if the stored value matches".
//
// Redis is the production store. InMemory offers the same semantics inside
// a single process and CircuitBreaker decorates any Store to fail fast while
// the backend is unhealthy.
package lock
