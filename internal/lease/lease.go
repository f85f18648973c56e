package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReleaseFunc gives a held lease back. It is safe to call after the lease expired.
type ReleaseFunc func(ctx context.Context) error

// RedisLocker hands out short-lived exclusive leases keyed by name, so that two
// scheduler instances never work the same campaign at once.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker builds a locker. A zero ttl means 5 minutes.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, prefix: "lease:", ttl: ttl}
}

func (l *RedisLocker) key(name string) string {
	return l.prefix + name
}

// TryAcquire takes the lease if nobody holds it. ok is false when another owner does.
func (l *RedisLocker) TryAcquire(ctx context.Context, name string) (ReleaseFunc, bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}
	key := l.key(name)
	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !acquired {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("release lease %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lease token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// NoopLocker always grants the lease. It is used when Redis is not configured,
// leaving the scheduler's in-process tick guard as the only protection.
type NoopLocker struct{}

func (NoopLocker) TryAcquire(context.Context, string) (ReleaseFunc, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}
