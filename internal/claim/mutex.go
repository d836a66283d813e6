package claim

import (
	"context"
	"hash/fnv"
	"sync"
)

// NamedMutex serializes claim transactions that share a key. Implementations
// back it with whatever the store offers: an advisory lock, a row lock, or an
// in-process lock when the store is single-process.
type NamedMutex interface {
	// Acquire blocks until key is held or ctx is done.
	Acquire(ctx context.Context, key int64) (Guard, error)
}

// Guard releases a held key. Release is idempotent.
type Guard interface {
	Release()
}

// MutexKey hashes a (loop, run) pair into the key space of NamedMutex, the
// same shape an advisory lock key takes.
func MutexKey(loopID, runID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(loopID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(runID))
	return int64(h.Sum64())
}

// KeyedMutex is an in-process NamedMutex. Each key has a one-slot channel;
// entries are reference counted and dropped when no one holds or waits.
type KeyedMutex struct {
	mu   sync.Mutex
	keys map[int64]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{keys: make(map[int64]*keyedEntry)}
}

func (m *KeyedMutex) Acquire(ctx context.Context, key int64) (Guard, error) {
	m.mu.Lock()
	e, ok := m.keys[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		m.keys[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return &keyedGuard{m: m, key: key, e: e}, nil
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) unref(key int64, e *keyedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.keys, key)
	}
}

// held returns how many keys currently have holders or waiters.
func (m *KeyedMutex) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

type keyedGuard struct {
	m    *KeyedMutex
	key  int64
	e    *keyedEntry
	once sync.Once
}

func (g *keyedGuard) Release() {
	g.once.Do(func() {
		<-g.e.ch
		g.m.unref(g.key, g.e)
	})
}
