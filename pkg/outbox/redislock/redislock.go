// Package redislock implements outbox locks as Redis keys with a TTL.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iota-uz/taskflow/pkg/outbox"
)

const DefaultPrefix = "taskflow:lock:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only while the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type Locker struct {
	client *redis.Client
	prefix string
	holder string
}

var _ outbox.Locker = (*Locker)(nil)

// New returns a locker for holder. An empty holder gets a random one and an
// empty prefix falls back to DefaultPrefix.
func New(client *redis.Client, prefix, holder string) *Locker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if holder == "" {
		holder = uuid.NewString()
	}
	return &Locker{client: client, prefix: prefix, holder: holder}
}

func (l *Locker) Holder() string { return l.holder }

func (l *Locker) key(lockID string) string {
	return l.prefix + lockID
}

// TryAcquire is a single SET NX PX, so at most one holder wins.
func (l *Locker) TryAcquire(ctx context.Context, lockID string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(lockID), l.holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redislock: acquire %s: %w", lockID, err)
	}
	return ok, nil
}

func (l *Locker) Extend(ctx context.Context, lockID string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key(lockID)}, l.holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redislock: extend %s: %w", lockID, err)
	}
	return n == 1, nil
}

func (l *Locker) Release(ctx context.Context, lockID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(lockID)}, l.holder).Err(); err != nil {
		return fmt.Errorf("redislock: release %s: %w", lockID, err)
	}
	return nil
}

// DeleteExpired has nothing to do: Redis evicts expired keys itself.
func (l *Locker) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}
