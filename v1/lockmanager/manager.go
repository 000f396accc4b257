package lockmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-latch/v1/admission"
	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/lockmanager")

// Manager runs functions under a lock shared by every process using the same
// store. One Manager is meant to be shared by the whole process so that its
// admission queue sees all local callers.
type Manager struct {
	store     lock.Store
	admission *admission.Queue
	opts      Options
	logger    *slog.Logger
}

// New returns a Manager backed by store.
func New(store lock.Store, opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		store:     store,
		admission: admission.New(),
		opts:      o,
		logger:    o.Logger,
	}
}

// Options returns the effective options.
func (m *Manager) Options() Options {
	return m.opts
}

// Key returns the store key guarding (namespace, id).
func Key(namespace, id string) string {
	return "lock:" + namespace + ":" + id
}

// execution is the state of a single Run call.
type execution struct {
	namespace string
	id        string
	key       string
	token     string
	start     time.Time
	dog       *watchdog
	// origin points at the Run caller so slow-run warnings say where the
	// locked call came from.
	origin error
}

func newExecution(namespace, id string) *execution {
	origin := fmt.Errorf("slow locked execution of %s", Key(namespace, id))
	if _, file, line, ok := runtime.Caller(3); ok {
		origin = fmt.Errorf("slow locked execution of %s called from %s:%d", Key(namespace, id), file, line)
	}
	return &execution{
		namespace: namespace,
		id:        id,
		key:       Key(namespace, id),
		start:     time.Now(),
		origin:    origin,
	}
}

// Run executes fn while holding the lock for (namespace, id).
//
// fn never runs if the lock cannot be acquired; the error is then ErrTimeout,
// ctx.Err() or the store's transport error. Once fn has run the lock is
// always released, even if fn panics, in which case the panic is re-raised
// after the release. fn's error takes precedence over a release error. A
// release that finds the lock no longer owned after fn succeeded returns
// ErrNotOwner: the work completed but exclusivity was not guaranteed for all
// of it.
//
// The context passed to fn can be given to Extend to renew the lease while
// fn is still running.
func (m *Manager) Run(ctx context.Context, namespace, id string, fn func(context.Context) error) error {
	_, err := m.run(ctx, namespace, id, fn, false)
	return err
}

// TryRun is Run with a single acquisition attempt. When the lock is held
// elsewhere it returns false and a nil error without running fn. Local
// callers for the same key still wait their turn in the admission queue.
// Once fn ran, ran is true and err follows the rules of Run.
func (m *Manager) TryRun(ctx context.Context, namespace, id string, fn func(context.Context) error) (ran bool, err error) {
	return m.run(ctx, namespace, id, fn, true)
}

// RunWithResult is Run for functions producing a value.
func RunWithResult[T any](ctx context.Context, m *Manager, namespace, id string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	_, err := m.run(ctx, namespace, id, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	}, false)
	if err != nil {
		var zero T
		if errors.Is(err, latcherrors.ErrNotOwner) {
			// fn succeeded; callers reconciling the outcome still need it
			return out, err
		}
		return zero, err
	}
	return out, nil
}

func (m *Manager) run(ctx context.Context, namespace, id string, fn func(context.Context) error, once bool) (ran bool, err error) {
	exec := newExecution(namespace, id)

	ctx, span := tracer.Start(ctx, "LockManager.Run", trace.WithAttributes(
		attribute.String("latch.namespace", namespace),
		attribute.String("latch.id", id),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	token, attempts, err := m.acquireQueued(ctx, namespace, exec.key, once)
	span.SetAttributes(attribute.Int("latch.attempts", attempts))
	if err != nil {
		m.observe(exec, "failed")
		return false, err
	}
	if token == "" {
		m.observe(exec, "held")
		return false, nil
	}
	exec.token = token
	exec.dog = armWatchdog(m.opts.Lease, func() {
		metrics.ExceededLeaseCounter.WithLabelValues(namespace).Inc()
		m.logger.Warn("latch: locked execution exceeded lease, exclusivity no longer guaranteed",
			"namespace", namespace, "id", id, "lease", m.opts.Lease)
	})

	panicked, fnErr := m.call(withHold(ctx, m, exec), fn)
	relErr := m.release(ctx, exec)
	exec.dog.disarm()
	span.SetAttributes(attribute.Bool("latch.lease_exceeded", exec.dog.expired()))

	elapsed := time.Since(exec.start)
	if elapsed > m.opts.SlowExecutionThreshold {
		metrics.SlowExecutionCounter.WithLabelValues(namespace).Inc()
		m.logger.Warn("latch: slow locked execution",
			"namespace", namespace, "id", id, "elapsed", elapsed, "threshold", m.opts.SlowExecutionThreshold,
			"origin", exec.origin)
	}

	if panicked != nil {
		if relErr != nil {
			m.logger.Warn("latch: release failed after locked function error",
				"namespace", namespace, "id", id, "error", relErr, "panic", panicked)
		}
		m.observe(exec, "error")
		panic(panicked)
	}

	switch {
	case fnErr != nil:
		if relErr != nil {
			m.logger.Warn("latch: release failed after locked function error",
				"namespace", namespace, "id", id, "error", relErr, "fn_error", fnErr)
		}
		err = fnErr
	case relErr != nil:
		err = relErr
	}
	if err != nil {
		m.observe(exec, "error")
		return true, err
	}
	m.observe(exec, "ok")
	return true, nil
}

// call runs fn, turning a panic into a value so the caller can release
// before re-raising it.
func (m *Manager) call(ctx context.Context, fn func(context.Context) error) (panicked any, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = r
		}
	}()
	return nil, fn(ctx)
}

func (m *Manager) release(ctx context.Context, exec *execution) error {
	// a cancelled caller context must not leave the lock behind
	rctx := context.WithoutCancel(ctx)
	err := m.store.Release(rctx, exec.key, exec.token)
	if errors.Is(err, latcherrors.ErrNotOwner) {
		metrics.NotOwnerCounter.WithLabelValues(exec.namespace).Inc()
		m.logger.Warn("latch: lock was not owned on release",
			"namespace", exec.namespace, "id", exec.id, "key", exec.key)
		return fmt.Errorf("%w: %s", latcherrors.ErrNotOwner, exec.key)
	}
	return err
}

func (m *Manager) observe(exec *execution, status string) {
	metrics.RunDuration.WithLabelValues(exec.namespace, status).Observe(time.Since(exec.start).Seconds())
}

// Check reports whether the lock for (namespace, id) is currently held by
// anyone.
func (m *Manager) Check(ctx context.Context, namespace, id string) (bool, error) {
	return m.store.Exists(ctx, Key(namespace, id))
}
