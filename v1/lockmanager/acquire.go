package lockmanager

import (
	"context"
	"fmt"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
)

// acquireQueued waits for the local turn on key, polls the store and hands
// the turn on as soon as its own attempt settled, whether or not it won.
// With once set it makes a single attempt and returns an empty token when
// the lock is held.
func (m *Manager) acquireQueued(ctx context.Context, namespace, key string, once bool) (string, int, error) {
	done, err := m.admission.Admit(ctx, key)
	if err != nil {
		return "", 0, err
	}
	defer done()
	if once {
		token, _, err := m.tryOnce(ctx, namespace, key, 1)
		return token, 1, err
	}
	return m.acquire(ctx, namespace, key)
}

// tryOnce makes a single store attempt and records its outcome. attempts is
// the count including this one.
func (m *Manager) tryOnce(ctx context.Context, namespace, key string, attempts int) (string, bool, error) {
	token, ok, err := m.store.TryLock(ctx, key, m.opts.Lease)
	if err != nil {
		return "", false, err
	}
	if !ok {
		metrics.AttemptCounter.WithLabelValues(namespace, "failure").Inc()
		return "", false, nil
	}
	metrics.AttemptCounter.WithLabelValues(namespace, "success").Inc()
	metrics.AttemptsGauge.WithLabelValues(namespace).Set(float64(attempts))
	return token, true, nil
}

// acquire polls the store at a fixed interval until the lock is stored or
// MaxWait elapses. Transport errors end the loop immediately.
func (m *Manager) acquire(ctx context.Context, namespace, key string) (string, int, error) {
	start := time.Now()
	attempts := 0
	for {
		attempts++
		token, ok, err := m.tryOnce(ctx, namespace, key, attempts)
		if err != nil {
			return "", attempts, err
		}
		if ok {
			return token, attempts, nil
		}

		if elapsed := time.Since(start); elapsed > m.opts.MaxWait {
			metrics.GetFailedCounter.WithLabelValues(namespace).Inc()
			return "", attempts, fmt.Errorf("%w: %s after %s (%d attempts)", latcherrors.ErrTimeout, key, elapsed.Round(time.Millisecond), attempts)
		}

		t := time.NewTimer(m.opts.PollInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return "", attempts, ctx.Err()
		}
	}
}
