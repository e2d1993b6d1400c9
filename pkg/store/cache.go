// Package store opens the shared backends govd can run against: a Redis
// cache for nonce windows and rate counters, and a Postgres pool for the
// durable audit trail.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"coreos/pkg/clock"
)

// ErrMiss is returned by Get for absent or expired keys.
var ErrMiss = redis.Nil

type Cache interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
}

type RedisCache struct{ client *redis.Client }

func NewRedisCache(client *redis.Client) *RedisCache { return &RedisCache{client: client} }

func (r *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return res, err
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// MemoryCache is a process-local TTL cache with the same contract.
type MemoryCache struct {
	mu    sync.Mutex
	clock clock.Clock
	items map[string]memItem
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache { return NewMemoryCacheWithClock(nil) }

func NewMemoryCacheWithClock(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.System()
	}
	return &MemoryCache{clock: clk, items: map[string]memItem{}}
}

func (m *MemoryCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if it, ok := m.items[key]; ok && now.Before(it.expiresAt) {
		return false, nil
	}
	m.items[key] = memItem{value: value, expiresAt: now.Add(ttl)}
	if len(m.items)%256 == 0 {
		m.sweepLocked(now)
	}
	return true, nil
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok || !m.clock.Now().Before(it.expiresAt) {
		return "", ErrMiss
	}
	return it.value, nil
}

func (m *MemoryCache) Del(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.clock.Now())
	return len(m.items)
}

func (m *MemoryCache) sweepLocked(now time.Time) {
	for k, v := range m.items {
		if !now.Before(v.expiresAt) {
			delete(m.items, k)
		}
	}
}

// NewCache uses redis when it answers a ping, memory otherwise.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisCache(client)
		}
	}
	return NewMemoryCache()
}
