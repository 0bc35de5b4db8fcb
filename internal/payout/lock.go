package payout

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const sweepLockKey = "payout_sweep_lock"

// unlockScript deletes the key only while it still holds our token, so an
// expired lock taken over by another instance is left alone.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a cross-instance mutex held in Redis.
type Lock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	if key == "" {
		key = sweepLockKey
	}
	return &Lock{client: client, key: key, ttl: ttl}
}

// Acquire returns true when owner now holds the lock.
func (l *Lock) Acquire(ctx context.Context, owner string) (bool, error) {
	return l.client.SetNX(ctx, l.key, owner, l.ttl).Result()
}

// Release unlocks only if owner still holds the lock.
func (l *Lock) Release(ctx context.Context, owner string) error {
	err := unlockScript.Run(ctx, l.client, []string{l.key}, owner).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}

// Holder returns the current owner, or "" when the lock is free.
func (l *Lock) Holder(ctx context.Context) (string, error) {
	val, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}
