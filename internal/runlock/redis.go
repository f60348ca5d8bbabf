package runlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the key only while it still holds our token
var unlockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLock holds a key set with SET NX and a TTL, so a crashed run frees
// the lock once the TTL expires
type RedisLock struct {
	rdb   redis.UniversalClient
	key   string
	ttl   time.Duration
	token string
}

// NewRedisLock creates a lock on key
func NewRedisLock(rdb redis.UniversalClient, key string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisLock{rdb: rdb, key: key, ttl: ttl}
}

// Lock implements Locker
func (l *RedisLock) Lock(ctx context.Context) error {
	token := newToken()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire redis lock %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("%w: redis key %s", ErrLocked, l.key)
	}
	l.token = token
	return nil
}

// Unlock implements Locker
func (l *RedisLock) Unlock(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	n, err := l.rdb.Eval(ctx, unlockScript, []string{l.key}, l.token).Int64()
	l.token = ""
	if err != nil {
		return fmt.Errorf("release redis lock %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("redis lock %s expired before release", l.key)
	}
	return nil
}
