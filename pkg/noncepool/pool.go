// Package noncepool detects replayed (tool, nonce) pairs.
package noncepool

import (
	"sync"
	"time"

	"coreos/pkg/clock"
)

const DefaultCapacity = 10000

// Checker is the replay gate used by the policy engine and worker guard.
// CheckAndInsert reports whether the pair was already present and, if not,
// records it. Both steps happen in one critical section.
type Checker interface {
	CheckAndInsert(tool, nonce string) (seen bool)
	Size() int
}

type key struct {
	tool  string
	nonce string
}

// Pool is a bounded set with FIFO eviction: once full, inserting a new pair
// forgets the oldest one.
type Pool struct {
	mu       sync.Mutex
	clock    clock.Clock
	ring     []key
	head     int
	count    int
	inserted map[key]time.Time
}

func New(capacity int, clk clock.Clock) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Pool{
		clock:    clk,
		ring:     make([]key, capacity),
		inserted: make(map[key]time.Time, capacity),
	}
}

func (p *Pool) CheckAndInsert(tool, nonce string) bool {
	k := key{tool: tool, nonce: nonce}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inserted[k]; ok {
		return true
	}
	if p.count == len(p.ring) {
		delete(p.inserted, p.ring[p.head])
		p.ring[p.head] = k
		p.head = (p.head + 1) % len(p.ring)
	} else {
		p.ring[(p.head+p.count)%len(p.ring)] = k
		p.count++
	}
	p.inserted[k] = p.clock.Now()
	return false
}

func (p *Pool) Contains(tool, nonce string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inserted[key{tool: tool, nonce: nonce}]
	return ok
}

// InsertedAt returns when the pair entered the pool.
func (p *Pool) InsertedAt(tool, nonce string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.inserted[key{tool: tool, nonce: nonce}]
	return at, ok
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *Pool) Capacity() int { return len(p.ring) }
