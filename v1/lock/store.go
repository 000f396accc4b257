package lock

import (
	"context"
	"time"
)

// Store is the remote mutual-exclusion primitive shared by all processes.
// Both operations must be atomic on the backend.
type Store interface {
	// TryLock stores a fresh token at key with the given lease if key is
	// absent. It returns the token and true on success, or "" and false when
	// key is already held. Transport errors are returned unchanged.
	TryLock(ctx context.Context, key string, lease time.Duration) (string, bool, error)
	// Release deletes key only if it still holds token. It returns
	// ErrNotOwner when nothing was deleted.
	Release(ctx context.Context, key, token string) error
	// Extend resets the lease of key to lease only if it still holds token.
	// It returns ErrNotOwner when the lock was lost.
	Extend(ctx context.Context, key, token string, lease time.Duration) error
	// Exists reports whether a lock record is present at key.
	Exists(ctx context.Context, key string) (bool, error)
}
