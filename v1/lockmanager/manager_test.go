package lockmanager

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/metrics"
)

func newRedisBackend(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// newProcess returns a Manager with its own signer and admission queue, as
// a separate OS process sharing the same Redis would have.
func newProcess(client redis.UniversalClient, opts ...Option) *Manager {
	return New(lock.NewRedis(client, nil), opts...)
}

func TestRunExecutesAndReleases(t *testing.T) {
	mr, client := newRedisBackend(t)
	m := newProcess(client)

	executed := false
	err := m.Run(context.Background(), "jobs", "1", func(ctx context.Context) error {
		executed = true
		assert.True(t, mr.Exists(Key("jobs", "1")), "lock should be held inside fn")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, executed)
	assert.False(t, mr.Exists(Key("jobs", "1")))
}

func TestRunErrorPropagationReleasesLock(t *testing.T) {
	mr, client := newRedisBackend(t)
	m := newProcess(client)

	boom := errors.New("boom")
	err := m.Run(context.Background(), "jobs", "2", func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(Key("jobs", "2")), "lock must be released when fn fails")
}

func TestRunPanicReleasesLockAndRepanics(t *testing.T) {
	mr, client := newRedisBackend(t)
	m := newProcess(client)

	func() {
		defer func() {
			r := recover()
			require.Equal(t, "kaboom", r)
		}()
		_ = m.Run(context.Background(), "jobs", "3", func(context.Context) error {
			panic("kaboom")
		})
		t.Fatal("panic was swallowed")
	}()
	assert.False(t, mr.Exists(Key("jobs", "3")))
}

func TestRunMutualExclusionAcrossProcesses(t *testing.T) {
	_, client := newRedisBackend(t)
	const processes, perProcess = 4, 5

	var current, maxSeen, total atomic.Int32
	var wg sync.WaitGroup
	errCh := make(chan error, processes*perProcess)
	for p := 0; p < processes; p++ {
		m := newProcess(client, WithPollInterval(5*time.Millisecond))
		for i := 0; i < perProcess; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errCh <- m.Run(context.Background(), "mutex", "shared", func(context.Context) error {
					active := current.Add(1)
					for {
						seen := maxSeen.Load()
						if active <= seen || maxSeen.CompareAndSwap(seen, active) {
							break
						}
					}
					total.Add(1)
					time.Sleep(2 * time.Millisecond)
					current.Add(-1)
					return nil
				})
			}()
		}
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, int32(processes*perProcess), total.Load())
}

func TestRunTimeoutWhenHeldElsewhere(t *testing.T) {
	mr, client := newRedisBackend(t)
	require.NoError(t, mr.Set(Key("timeout", "x"), "other-process-token"))

	const maxWait, poll = 100 * time.Millisecond, 10 * time.Millisecond
	m := newProcess(client, WithMaxWait(maxWait), WithPollInterval(poll))
	before := testutil.ToFloat64(metrics.GetFailedCounter.WithLabelValues("timeout"))

	called := false
	start := time.Now()
	err := m.Run(context.Background(), "timeout", "x", func(context.Context) error {
		called = true
		return nil
	})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, latcherrors.ErrTimeout)
	assert.False(t, called, "fn must not run on timeout")
	assert.GreaterOrEqual(t, elapsed, maxWait)
	assert.Less(t, elapsed, maxWait+poll+100*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.GetFailedCounter.WithLabelValues("timeout")))
	got, _ := mr.Get(Key("timeout", "x"))
	assert.Equal(t, "other-process-token", got, "foreign lock must be untouched")
}

func TestRunWaitsForHolderScenario(t *testing.T) {
	_, client := newRedisBackend(t)
	opts := []Option{
		WithLease(time.Second),
		WithPollInterval(10 * time.Millisecond),
		WithMaxWait(200 * time.Millisecond),
	}
	a := newProcess(client, opts...)
	b := newProcess(client, opts...)
	ctx := context.Background()

	acquired := make(chan time.Time, 1)
	var aReleasing atomic.Int64
	aDone := make(chan error, 1)
	go func() {
		aDone <- a.Run(ctx, "jobs", "42", func(context.Context) error {
			acquired <- time.Now()
			time.Sleep(50 * time.Millisecond)
			aReleasing.Store(time.Now().UnixNano())
			return nil
		})
	}()

	aStart := <-acquired
	time.Sleep(5 * time.Millisecond)
	bCall := time.Now()
	var bStart time.Time
	err := b.Run(ctx, "jobs", "42", func(context.Context) error {
		bStart = time.Now()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, <-aDone)

	assert.False(t, bStart.Before(time.Unix(0, aReleasing.Load())), "B started before A released")
	wait := bStart.Sub(bCall)
	// B may have been scheduled later than 5ms after A acquired
	lateBy := bCall.Sub(aStart) - 5*time.Millisecond
	assert.GreaterOrEqual(t, wait, 45*time.Millisecond-lateBy)
	assert.LessOrEqual(t, wait, 200*time.Millisecond)
}

func TestRunAutoExpiryOfAbandonedLock(t *testing.T) {
	mr, client := newRedisBackend(t)
	store := lock.NewRedis(client, nil)
	ctx := context.Background()

	// a holder that crashed without releasing
	_, ok, err := store.TryLock(ctx, Key("abandoned", "1"), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	m := New(store, WithLease(time.Second), WithMaxWait(30*time.Millisecond), WithPollInterval(5*time.Millisecond))
	err = m.Run(ctx, "abandoned", "1", func(context.Context) error { return nil })
	require.ErrorIs(t, err, latcherrors.ErrTimeout)

	mr.FastForward(time.Second)
	ran := false
	err = m.Run(ctx, "abandoned", "1", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRunTransportErrorFailsFast(t *testing.T) {
	mr, client := newRedisBackend(t)
	m := newProcess(client, WithMaxWait(5*time.Second))
	mr.Close()

	called := false
	start := time.Now()
	err := m.Run(context.Background(), "down", "1", func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, latcherrors.ErrTimeout)
	assert.False(t, called)
	assert.Less(t, time.Since(start), 5*time.Second, "transport errors must not be retried until timeout")
}

func TestRunLeaseExceededReportsNotOwner(t *testing.T) {
	m := New(lock.NewInMemory(nil), WithLease(20*time.Millisecond))
	exceededBefore := testutil.ToFloat64(metrics.ExceededLeaseCounter.WithLabelValues("lease"))
	notOwnerBefore := testutil.ToFloat64(metrics.NotOwnerCounter.WithLabelValues("lease"))

	got, err := RunWithResult(context.Background(), m, "lease", "1", func(context.Context) (string, error) {
		time.Sleep(60 * time.Millisecond)
		return "done", nil
	})
	require.ErrorIs(t, err, latcherrors.ErrNotOwner)
	assert.Equal(t, "done", got, "work result is still handed back for reconciliation")
	assert.Equal(t, exceededBefore+1, testutil.ToFloat64(metrics.ExceededLeaseCounter.WithLabelValues("lease")))
	assert.Equal(t, notOwnerBefore+1, testutil.ToFloat64(metrics.NotOwnerCounter.WithLabelValues("lease")))
}

func TestRunFnErrorWinsOverReleaseError(t *testing.T) {
	m := New(lock.NewInMemory(nil), WithLease(10*time.Millisecond))
	boom := errors.New("boom")
	err := m.Run(context.Background(), "lease-err", "1", func(context.Context) error {
		time.Sleep(40 * time.Millisecond)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, latcherrors.ErrNotOwner)
}

func TestRunFastExecutionDisarmsWatchdog(t *testing.T) {
	m := New(lock.NewInMemory(nil), WithLease(50*time.Millisecond))
	before := testutil.ToFloat64(metrics.ExceededLeaseCounter.WithLabelValues("fast"))
	require.NoError(t, m.Run(context.Background(), "fast", "1", func(context.Context) error { return nil }))
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, before, testutil.ToFloat64(metrics.ExceededLeaseCounter.WithLabelValues("fast")))
}

func TestRunSlowExecutionLogsOrigin(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(&lockedWriter{w: &buf, mu: &mu}, nil))
	m := New(lock.NewInMemory(nil), WithSlowExecutionThreshold(10*time.Millisecond), WithLogger(logger))

	require.NoError(t, m.Run(context.Background(), "slow", "1", func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}))
	mu.Lock()
	out := buf.String()
	mu.Unlock()
	assert.Contains(t, out, "slow locked execution")
	assert.Contains(t, out, "manager_test.go")
}

func TestCheck(t *testing.T) {
	_, client := newRedisBackend(t)
	m := newProcess(client)
	ctx := context.Background()

	held, err := m.Check(ctx, "check", "1")
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, m.Run(ctx, "check", "1", func(ctx context.Context) error {
		held, err := m.Check(ctx, "check", "1")
		require.NoError(t, err)
		assert.True(t, held)
		return nil
	}))
}

func TestRunContextCancelledWhileWaiting(t *testing.T) {
	mr, client := newRedisBackend(t)
	require.NoError(t, mr.Set(Key("cancel", "1"), "other"))
	m := newProcess(client, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := m.Run(ctx, "cancel", "1", func(context.Context) error {
		t.Fatal("fn must not run")
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, m.admission.Keys(), "cancelled caller must leave the admission queue")
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestExtendKeepsLockPastOriginalLease(t *testing.T) {
	mr, client := newRedisBackend(t)
	m := newProcess(client, WithLease(time.Second))
	exceededBefore := testutil.ToFloat64(metrics.ExceededLeaseCounter.WithLabelValues("extend"))
	notOwnerBefore := testutil.ToFloat64(metrics.NotOwnerCounter.WithLabelValues("extend"))

	err := m.Run(context.Background(), "extend", "1", func(ctx context.Context) error {
		mr.FastForward(800 * time.Millisecond)
		require.NoError(t, Extend(ctx))
		mr.FastForward(800 * time.Millisecond)
		assert.True(t, mr.Exists(Key("extend", "1")), "extended lock must survive its original lease")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists(Key("extend", "1")))
	assert.Equal(t, exceededBefore, testutil.ToFloat64(metrics.ExceededLeaseCounter.WithLabelValues("extend")))
	assert.Equal(t, notOwnerBefore, testutil.ToFloat64(metrics.NotOwnerCounter.WithLabelValues("extend")))
}

func TestExtendRearmsWatchdog(t *testing.T) {
	m := New(lock.NewInMemory(nil), WithLease(40*time.Millisecond))
	before := testutil.ToFloat64(metrics.ExceededLeaseCounter.WithLabelValues("extend-dog"))

	err := m.Run(context.Background(), "extend-dog", "1", func(ctx context.Context) error {
		for i := 0; i < 3; i++ {
			time.Sleep(25 * time.Millisecond)
			if err := Extend(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, before, testutil.ToFloat64(metrics.ExceededLeaseCounter.WithLabelValues("extend-dog")))
}

func TestExtendAfterLeaseLostReportsNotOwner(t *testing.T) {
	mr, client := newRedisBackend(t)
	m := newProcess(client, WithLease(time.Second))

	err := m.Run(context.Background(), "extend-lost", "1", func(ctx context.Context) error {
		mr.FastForward(2 * time.Second)
		require.NoError(t, mr.Set(Key("extend-lost", "1"), "someone-else"))
		err := Extend(ctx)
		require.ErrorIs(t, err, latcherrors.ErrNotOwner)
		return nil
	})
	require.ErrorIs(t, err, latcherrors.ErrNotOwner)
	got, _ := mr.Get(Key("extend-lost", "1"))
	assert.Equal(t, "someone-else", got, "the new holder's lock must be left alone")
}

func TestExtendWithoutLock(t *testing.T) {
	require.ErrorIs(t, Extend(context.Background()), latcherrors.ErrNotHeld)
}

func TestTryRunAcquires(t *testing.T) {
	mr, client := newRedisBackend(t)
	m := newProcess(client)

	executed := false
	ran, err := m.TryRun(context.Background(), "try", "1", func(ctx context.Context) error {
		executed = true
		assert.True(t, mr.Exists(Key("try", "1")))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, executed)
	assert.False(t, mr.Exists(Key("try", "1")))
}

func TestTryRunHeldElsewhere(t *testing.T) {
	mr, client := newRedisBackend(t)
	require.NoError(t, mr.Set(Key("try", "2"), "other-process"))
	m := newProcess(client, WithMaxWait(time.Second))
	failedBefore := testutil.ToFloat64(metrics.GetFailedCounter.WithLabelValues("try"))

	start := time.Now()
	ran, err := m.TryRun(context.Background(), "try", "2", func(context.Context) error {
		t.Fatal("fn must not run while the lock is held")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "TryRun must not poll")
	got, _ := mr.Get(Key("try", "2"))
	assert.Equal(t, "other-process", got)
	assert.Equal(t, failedBefore, testutil.ToFloat64(metrics.GetFailedCounter.WithLabelValues("try")))
	assert.Equal(t, 0, m.admission.Keys())
}

func TestTryRunReturnsFnError(t *testing.T) {
	mr, client := newRedisBackend(t)
	m := newProcess(client)

	boom := errors.New("boom")
	ran, err := m.TryRun(context.Background(), "try", "3", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.True(t, ran)
	assert.False(t, mr.Exists(Key("try", "3")))
}

func TestRunPanicAfterLeaseLostLogsReleaseError(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(&lockedWriter{w: &buf, mu: &mu}, nil))
	m := New(lock.NewInMemory(nil), WithLease(10*time.Millisecond), WithLogger(logger))

	func() {
		defer func() {
			require.Equal(t, "kaboom", recover())
		}()
		_ = m.Run(context.Background(), "panic-lost", "1", func(context.Context) error {
			time.Sleep(30 * time.Millisecond)
			panic("kaboom")
		})
		t.Fatal("panic was swallowed")
	}()
	mu.Lock()
	out := buf.String()
	mu.Unlock()
	assert.Contains(t, out, "release failed after locked function error")
	assert.Contains(t, out, "kaboom")
}
