package noncepool

import (
	"context"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"coreos/pkg/store"
)

// RedisPool keeps the replay window in a shared cache so every instance of a
// partitioned deployment sees the same nonces. Cache errors fall through to
// the in-process Fallback pool.
type RedisPool struct {
	Cache    store.Cache
	Prefix   string
	TTL      time.Duration
	Fallback *Pool

	inserted atomic.Int64
}

func NewRedis(cache store.Cache, ttl time.Duration, fallback *Pool) *RedisPool {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if fallback == nil {
		fallback = New(DefaultCapacity, nil)
	}
	return &RedisPool{Cache: cache, Prefix: "coreos:nonce:", TTL: ttl, Fallback: fallback}
}

// key matches pairs exactly, like Pool. The tool length prefix keeps a ':'
// inside a tool name from colliding with the separator.
func (p *RedisPool) key(tool, nonce string) string {
	return p.Prefix + strconv.Itoa(len(tool)) + ":" + tool + ":" + nonce
}

func (p *RedisPool) CheckAndInsert(tool, nonce string) bool {
	if p.Cache == nil {
		return p.Fallback.CheckAndInsert(tool, nonce)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := p.Cache.SetNX(ctx, p.key(tool, nonce), "1", p.TTL)
	if err != nil {
		log.Printf("noncepool: cache unavailable, using local pool: %v", err)
		return p.Fallback.CheckAndInsert(tool, nonce)
	}
	if ok {
		p.inserted.Add(1)
	}
	return !ok
}

// Size counts nonces this process inserted into the shared cache plus any
// held by the local fallback.
func (p *RedisPool) Size() int {
	return int(p.inserted.Load()) + p.Fallback.Size()
}
