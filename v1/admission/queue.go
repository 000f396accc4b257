// Package admission serializes, inside one process, the callers that want
// the same lock key so that only one of them polls the remote store at a
// time. Callers are admitted in arrival order.
package admission

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type waiter struct {
	ready chan struct{}
}

// line is the FIFO of waiters for one key. waiters[0] holds the turn.
type line struct {
	waiters []*waiter
}

// Queue is a registry of per-key FIFO lines. Lines are created on first use
// and removed once drained so idle keys do not accumulate.
type Queue struct {
	lines *xsync.MapOf[string, *line]
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{lines: xsync.NewMapOf[string, *line]()}
}

// Admit blocks until the caller holds the turn for key and returns a done
// func that passes the turn to the next waiter. done is idempotent. If ctx
// ends first the caller leaves the line and ctx.Err() is returned.
func (q *Queue) Admit(ctx context.Context, key string) (func(), error) {
	w := &waiter{ready: make(chan struct{})}
	q.lines.Compute(key, func(l *line, loaded bool) (*line, bool) {
		if !loaded {
			l = &line{}
		}
		if len(l.waiters) == 0 {
			close(w.ready)
		}
		l.waiters = append(l.waiters, w)
		return l, false
	})

	select {
	case <-w.ready:
	case <-ctx.Done():
		q.leave(key, w)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { q.leave(key, w) })
	}, nil
}

// leave removes w from the line for key, waking the next waiter if w held
// the turn, and drops the line once it is empty.
func (q *Queue) leave(key string, w *waiter) {
	q.lines.Compute(key, func(l *line, loaded bool) (*line, bool) {
		if !loaded {
			return l, true
		}
		idx := -1
		for i, cur := range l.waiters {
			if cur == w {
				idx = i
				break
			}
		}
		if idx < 0 {
			return l, false
		}
		last := len(l.waiters) - 1
		copy(l.waiters[idx:], l.waiters[idx+1:])
		l.waiters[last] = nil
		l.waiters = l.waiters[:last]
		if len(l.waiters) == 0 {
			return nil, true
		}
		if idx == 0 {
			close(l.waiters[0].ready)
		}
		return l, false
	})
}

// Len returns the number of callers queued for key, including the one
// holding the turn.
func (q *Queue) Len(key string) int {
	n := 0
	q.lines.Compute(key, func(l *line, loaded bool) (*line, bool) {
		if !loaded {
			return l, true
		}
		n = len(l.waiters)
		return l, false
	})
	return n
}

// Keys returns the number of keys with a non-empty line.
func (q *Queue) Keys() int {
	return q.lines.Size()
}
