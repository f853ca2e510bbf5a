package executor

import (
	"context"
	"sync"
	"time"

	"github.com/willcroft/fundarb/internal/domain"
)

// MemLockManager is an in-process domain.LockManager for single-instance
// deployments and tests. The TTL guards against leaked locks when an unlock
// closure is lost.
type MemLockManager struct {
	mu   sync.Mutex
	held map[string]memLock
	seq  uint64
}

type memLock struct {
	expiry time.Time
	token  uint64
}

// NewMemLockManager creates an empty in-process lock manager.
func NewMemLockManager() *MemLockManager {
	return &MemLockManager{held: make(map[string]memLock)}
}

// Acquire obtains the lock for key, returning domain.ErrLockHeld when an
// unexpired holder exists. The returned unlock function is safe to call more
// than once, and releases only its own acquisition: a stale closure whose TTL
// already expired cannot delete a successor's lock.
func (m *MemLockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.held[key]; ok && time.Now().Before(l.expiry) {
		return nil, domain.ErrLockHeld
	}
	m.seq++
	token := m.seq
	m.held[key] = memLock{expiry: time.Now().Add(ttl), token: token}

	unlock := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if l, ok := m.held[key]; ok && l.token == token {
			delete(m.held, key)
		}
	}
	return unlock, nil
}

// Compile-time interface check.
var _ domain.LockManager = (*MemLockManager)(nil)
