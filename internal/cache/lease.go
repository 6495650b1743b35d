package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// WorkerLeaseKey guards a delivery worker pass across processes.
const WorkerLeaseKey = "alertd:worker:lease"

// Lease is a best-effort mutual exclusion with expiry.
type Lease interface {
	// Acquire returns true if owner now holds key for ttl.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release drops key only if owner still holds it.
	Release(ctx context.Context, key, owner string) error
}

// releaseScript deletes the key only when the stored owner matches.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease implements Lease with SET NX PX.
type RedisLease struct {
	client *redis.Client
}

func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client}
}

func (l *RedisLease) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{key}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

// LocalLease is the single-process Lease used without Redis.
type LocalLease struct {
	mu      sync.Mutex
	holders map[string]localHold
	now     func() time.Time
}

type localHold struct {
	owner   string
	expires time.Time
}

func NewLocalLease() *LocalLease {
	return &LocalLease{holders: make(map[string]localHold), now: time.Now}
}

func (l *LocalLease) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.holders[key]; ok && now.Before(h.expires) {
		return false, nil
	}
	l.holders[key] = localHold{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (l *LocalLease) Release(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.holders[key]; ok && h.owner == owner {
		delete(l.holders, key)
	}
	return nil
}
