package lockmanager

import (
	"context"
	"errors"
	"fmt"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

type holdKey struct{}

// hold ties the context handed to a locked function to its execution.
type hold struct {
	m    *Manager
	exec *execution
}

func withHold(ctx context.Context, m *Manager, exec *execution) context.Context {
	return context.WithValue(ctx, holdKey{}, &hold{m: m, exec: exec})
}

// Extend renews the lease of the lock held by the locked execution ctx was
// handed to, restarting both the store lease and the watchdog from now.
//
// It returns ErrNotHeld when ctx does not come from Run, TryRun or
// RunWithResult, and ErrNotOwner when the lock was already lost. Losing the
// lock does not stop the execution; the caller decides whether to go on.
func Extend(ctx context.Context) error {
	h, ok := ctx.Value(holdKey{}).(*hold)
	if !ok {
		return latcherrors.ErrNotHeld
	}
	return h.m.extend(ctx, h.exec)
}

func (m *Manager) extend(ctx context.Context, exec *execution) error {
	err := m.store.Extend(ctx, exec.key, exec.token, m.opts.Lease)
	if errors.Is(err, latcherrors.ErrNotOwner) {
		m.logger.Warn("latch: lease extension found the lock no longer owned",
			"namespace", exec.namespace, "id", exec.id, "key", exec.key)
		return fmt.Errorf("%w: %s", latcherrors.ErrNotOwner, exec.key)
	}
	if err != nil {
		return err
	}
	exec.dog.rearm(m.opts.Lease)
	return nil
}
