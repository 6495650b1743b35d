package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupePrefix = "alertd:enqueue:"

// DedupeGuard remembers keys for a short window.
type DedupeGuard interface {
	// Claim returns true the first time key is seen within window.
	Claim(ctx context.Context, key string, window time.Duration) (bool, error)
}

// EnqueueKey builds the dedupe key for one booking transition.
func EnqueueKey(bookingID, kind string) string {
	return dedupePrefix + bookingID + ":" + kind
}

type RedisDedupeGuard struct {
	client *redis.Client
}

func NewRedisDedupeGuard(client *redis.Client) *RedisDedupeGuard {
	return &RedisDedupeGuard{client: client}
}

// Claim uses SET NX EX so concurrent callers agree on a single winner.
func (g *RedisDedupeGuard) Claim(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, key, time.Now().Unix(), window).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe claim %s: %w", key, err)
	}
	return ok, nil
}

// LocalDedupeGuard is the in-process fallback.
type LocalDedupeGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewLocalDedupeGuard() *LocalDedupeGuard {
	return &LocalDedupeGuard{seen: make(map[string]time.Time), now: time.Now}
}

func (g *LocalDedupeGuard) Claim(ctx context.Context, key string, window time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, expires := range g.seen {
		if !now.Before(expires) {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = now.Add(window)
	return true, nil
}
