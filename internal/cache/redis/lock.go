package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/willcroft/fundarb/internal/domain"
)

// unlockTimeout bounds the release round trip. Callers usually release from a
// defer after their own context is already cancelled.
const unlockTimeout = 5 * time.Second

// releaseLua deletes the lock only while the caller's token is still the
// stored value, so a holder whose TTL already lapsed cannot delete the lock a
// successor acquired in the meantime.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager on Redis SETNX. The coordinator
// takes one lock per symbol so concurrent engine instances never run two
// execution rounds against the same pair of order books.
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
}

// NewLockManager creates a LockManager backed by the shared Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:     c.Underlying(),
		release: redis.NewScript(releaseLua),
	}
}

// Acquire takes the execution lock for key. The TTL is the upper bound on a
// full open or close round, so a crashed holder frees the symbol without
// operator action. Returns domain.ErrLockHeld while another attempt holds it.
//
// The returned release function is safe to call more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	name := "lock:" + key

	ok, err := lm.rdb.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// The caller's context is typically cancelled by the time the
			// deferred release runs, so release on a fresh one.
			relCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()
			_ = lm.release.Run(relCtx, lm.rdb, []string{name}, token).Err()
		})
	}
	return unlock, nil
}

var _ domain.LockManager = (*LockManager)(nil)
