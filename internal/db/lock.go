package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deletes the lock only if it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = token
const luaUnlockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker serialises turns for a session across processes that share a
// Redis instance. Each lock carries a lease so a crashed holder cannot wedge
// a session forever.
type RedisLocker struct {
	client       *redis.Client
	prefix       string
	lease        time.Duration
	retry        time.Duration
	unlockScript *redis.Script
}

// NewRedisLocker creates a locker. Lease bounds how long a lock may be held
// and defaults to two minutes.
func NewRedisLocker(client *redis.Client, prefix string, lease time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &RedisLocker{
		client:       client,
		prefix:       prefix,
		lease:        lease,
		retry:        25 * time.Millisecond,
		unlockScript: redis.NewScript(luaUnlockScript),
	}
}

func (l *RedisLocker) lockKey(sessionID string) string {
	return l.prefix + "lock:" + sessionID
}

// Lock blocks until the session lock is acquired or ctx is done. The
// returned func releases the lock and is safe to call more than once.
func (l *RedisLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	key := l.lockKey(sessionID)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("acquire session lock: %w", err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			// On failure the lease expires the key.
			_ = l.unlockScript.Run(unlockCtx, l.client, []string{key}, token).Err()
		})
	}, nil
}
