package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClockedStore() (*MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.now = clock.Now
	return store, clock
}

func TestManager_AcquireBusy(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())

	lease, err := m.Acquire(ctx, DeploymentKey("d1"), time.Minute)
	if err != nil {
		t.Fatalf("Expected acquire to succeed, got %v", err)
	}
	if lease.Key != "deployment:d1" || lease.Token == "" {
		t.Errorf("Unexpected lease: %+v", lease)
	}

	_, err = m.Acquire(ctx, DeploymentKey("d1"), time.Minute)
	if !errors.Is(err, engine.ErrLockBusy) {
		t.Fatalf("Expected ErrLockBusy, got %v", err)
	}

	if _, err := m.Acquire(ctx, DeploymentKey("d2"), time.Minute); err != nil {
		t.Errorf("Expected other keys to be independent, got %v", err)
	}

	if err := m.Release(ctx, lease); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := m.Acquire(ctx, DeploymentKey("d1"), time.Minute); err != nil {
		t.Errorf("Expected acquire after release to succeed, got %v", err)
	}
}

func TestManager_ReleaseAfterExpiryKeepsNewHolder(t *testing.T) {
	ctx := context.Background()
	store, clock := newClockedStore()
	m := NewManager(store)

	stale, err := m.Acquire(ctx, "k", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	clock.Advance(11 * time.Second)

	fresh, err := m.Acquire(ctx, "k", 10*time.Second)
	if err != nil {
		t.Fatalf("Expected expired lease to be acquirable, got %v", err)
	}

	if err := m.Release(ctx, stale); err != nil {
		t.Fatalf("Release of stale lease returned error: %v", err)
	}
	if _, err := m.Acquire(ctx, "k", 10*time.Second); !errors.Is(err, engine.ErrLockBusy) {
		t.Errorf("Expected new holder to keep the lease, got %v", err)
	}

	if err := m.Extend(ctx, stale, 10*time.Second); !errors.Is(err, engine.ErrLockLost) {
		t.Errorf("Expected ErrLockLost extending a stale lease, got %v", err)
	}
	if err := m.Extend(ctx, fresh, 10*time.Second); err != nil {
		t.Errorf("Expected holder to extend, got %v", err)
	}
}

func TestManager_ExtendKeepsLeaseAlive(t *testing.T) {
	ctx := context.Background()
	store, clock := newClockedStore()
	m := NewManager(store)

	lease, err := m.Acquire(ctx, "k", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	clock.Advance(8 * time.Second)
	if err := m.Extend(ctx, lease, 10*time.Second); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	clock.Advance(8 * time.Second)

	if _, err := m.Acquire(ctx, "k", 10*time.Second); !errors.Is(err, engine.ErrLockBusy) {
		t.Errorf("Expected lease still held after extension, got %v", err)
	}
}

func TestManager_ConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(ctx, "contended", time.Minute); err == nil {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly one winner, got %d", winners)
	}
}

func TestManager_WithLockReleases(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())

	ran := false
	err := m.WithLock(ctx, "k", time.Minute, func(ctx context.Context) error {
		ran = true
		if _, err := m.Acquire(ctx, "k", time.Minute); !errors.Is(err, engine.ErrLockBusy) {
			t.Errorf("Expected key held inside WithLock, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock failed: %v", err)
	}
	if !ran {
		t.Fatal("Expected fn to run")
	}
	if _, err := m.Acquire(ctx, "k", time.Minute); err != nil {
		t.Errorf("Expected key released after WithLock, got %v", err)
	}
}

func TestManager_WithLockPropagatesError(t *testing.T) {
	m := NewManager(NewMemoryStore())
	want := errors.New("operation failed")

	err := m.WithLock(context.Background(), "k", time.Minute, func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("Expected fn error, got %v", err)
	}
}

// losingStore refuses every extension, as if the lease had been taken over.
type losingStore struct {
	*MemoryStore
}

func (s losingStore) CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return false, nil
}

func TestManager_WithLockAbortsOnLostLease(t *testing.T) {
	m := NewManager(losingStore{NewMemoryStore()})

	err := m.WithLock(context.Background(), "k", 30*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			t.Error("Expected context to be cancelled when the lease was lost")
			return nil
		}
	})
	if !errors.Is(err, engine.ErrLockLost) {
		t.Errorf("Expected ErrLockLost, got %v", err)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("ORCHESTRATOR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ORCHESTRATOR_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	store, err := NewRedisStore(ctx, addr, "", 0)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer store.Close()

	m := NewManager(store)
	key := DeploymentKey("redis-test-" + time.Now().Format("150405.000000"))

	lease, err := m.Acquire(ctx, key, 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := m.Acquire(ctx, key, 5*time.Second); !errors.Is(err, engine.ErrLockBusy) {
		t.Errorf("Expected ErrLockBusy, got %v", err)
	}
	if err := m.Extend(ctx, lease, 5*time.Second); err != nil {
		t.Errorf("Extend failed: %v", err)
	}

	other := &Lease{Key: key, Token: "someone-else"}
	if err := m.Release(ctx, other); err != nil {
		t.Fatalf("Release with foreign token returned error: %v", err)
	}
	if _, err := m.Acquire(ctx, key, 5*time.Second); !errors.Is(err, engine.ErrLockBusy) {
		t.Errorf("Expected foreign release to be a no-op, got %v", err)
	}

	if err := m.Release(ctx, lease); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := m.Acquire(ctx, key, 5*time.Second); err != nil {
		t.Errorf("Expected acquire after release, got %v", err)
	}
}
