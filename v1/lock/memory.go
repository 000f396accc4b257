package lock

import (
	"context"
	"sync"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

type record struct {
	token string
	timer *time.Timer
	// gen invalidates expiry timers that fired before an Extend
	gen uint64
}

// InMemory implements Store using local memory. It gives the same atomicity
// as Redis but only among managers sharing the same InMemory value.
type InMemory struct {
	mu      sync.Mutex
	signer  *Signer
	records map[string]*record
}

// NewInMemory returns a new in-memory store. If signer is nil a new one is
// created.
func NewInMemory(signer *Signer) *InMemory {
	if signer == nil {
		signer = NewSigner()
	}
	return &InMemory{signer: signer, records: make(map[string]*record)}
}

// TryLock implements Store.TryLock.
func (m *InMemory) TryLock(_ context.Context, key string, lease time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; ok {
		return "", false, nil
	}
	rec := &record{token: m.signer.Next()}
	m.schedule(key, rec, lease)
	m.records[key] = rec
	return rec.token, true, nil
}

// schedule (re)starts the expiry timer of rec. Callers hold m.mu.
func (m *InMemory) schedule(key string, rec *record, lease time.Duration) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	rec.gen++
	if lease <= 0 {
		return
	}
	gen := rec.gen
	rec.timer = time.AfterFunc(lease, func() {
		m.expire(key, rec, gen)
	})
}

func (m *InMemory) expire(key string, rec *record, gen uint64) {
	m.mu.Lock()
	if cur, ok := m.records[key]; ok && cur == rec && rec.gen == gen {
		delete(m.records, key)
	}
	m.mu.Unlock()
}

// Release implements Store.Release.
func (m *InMemory) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || rec.token != token {
		return latcherrors.ErrNotOwner
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
	delete(m.records, key)
	return nil
}

// Extend implements Store.Extend.
func (m *InMemory) Extend(_ context.Context, key, token string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || rec.token != token {
		return latcherrors.ErrNotOwner
	}
	m.schedule(key, rec, lease)
	return nil
}

// Exists implements Store.Exists.
func (m *InMemory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	_, ok := m.records[key]
	m.mu.Unlock()
	return ok, nil
}
