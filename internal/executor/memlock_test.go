package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/willcroft/fundarb/internal/domain"
)

func TestMemLockManagerMutualExclusion(t *testing.T) {
	m := NewMemLockManager()
	ctx := context.Background()

	unlock, err := m.Acquire(ctx, "exec:BTCUSDT", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, "exec:BTCUSDT", time.Minute); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("second acquire: got %v, want ErrLockHeld", err)
	}
	// A different key is independent.
	unlock2, err := m.Acquire(ctx, "exec:ETHUSDT", time.Minute)
	if err != nil {
		t.Fatalf("acquire other key: %v", err)
	}
	unlock2()

	unlock()
	unlock() // repeated release is a no-op

	if _, err := m.Acquire(ctx, "exec:BTCUSDT", time.Minute); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestMemLockManagerTTLExpiry(t *testing.T) {
	m := NewMemLockManager()
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "exec:BTCUSDT", time.Nanosecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(time.Millisecond)

	// The original holder leaked its unlock; the TTL frees the key.
	if _, err := m.Acquire(ctx, "exec:BTCUSDT", time.Minute); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}

func TestMemLockManagerStaleUnlockKeepsSuccessor(t *testing.T) {
	m := NewMemLockManager()
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "exec:BTCUSDT", time.Nanosecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(time.Millisecond)

	if _, err := m.Acquire(ctx, "exec:BTCUSDT", time.Minute); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}

	// The expired holder's unlock must not release the successor's lock.
	stale()
	if _, err := m.Acquire(ctx, "exec:BTCUSDT", time.Minute); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("acquire after stale unlock: got %v, want ErrLockHeld", err)
	}
}
