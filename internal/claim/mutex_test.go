package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	key := MutexKey("loop-1", "r1")

	g, err := m.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		g2, err := m.Acquire(context.Background(), key)
		if err != nil {
			t.Errorf("second acquire: %v", err)
			return
		}
		close(acquired)
		g2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the key is held")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	m := NewKeyedMutex()
	g1, err := m.Acquire(context.Background(), MutexKey("loop-1", "r1"))
	if err != nil {
		t.Fatalf("acquire r1: %v", err)
	}
	defer g1.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g2, err := m.Acquire(ctx, MutexKey("loop-1", "r2"))
	if err != nil {
		t.Fatalf("acquire r2: %v", err)
	}
	g2.Release()
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()
	key := MutexKey("loop-1", "r1")
	g, err := m.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, key); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	g.Release()
	g.Release() // idempotent
	if n := m.held(); n != 0 {
		t.Fatalf("expected no tracked keys, got %d", n)
	}
}

func TestKeyedMutex_ManyWaitersDrain(t *testing.T) {
	m := NewKeyedMutex()
	key := MutexKey("loop-1", "r1")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := m.Acquire(context.Background(), key)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			g.Release()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxSeen)
	}
	if n := m.held(); n != 0 {
		t.Fatalf("expected no tracked keys, got %d", n)
	}
}

func TestMutexKey(t *testing.T) {
	if MutexKey("a", "b") != MutexKey("a", "b") {
		t.Fatal("expected stable key")
	}
	if MutexKey("ab", "c") == MutexKey("a", "bc") {
		t.Fatal("expected separator to distinguish (ab,c) from (a,bc)")
	}
}
