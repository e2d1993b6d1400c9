// Package stream fans audit events and governance reactions out to live
// subscribers such as websocket clients.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"coreos/pkg/audit"
	"coreos/pkg/governance"
)

const (
	TypeReady    = "ready"
	TypeAudit    = "audit"
	TypeReaction = "governance.reaction"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data any) Event {
	return newEventAt(eventType, time.Now(), data)
}

func newEventAt(eventType string, at time.Time, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: at.UTC().Format(time.RFC3339Nano), Data: raw}
}

type subscription struct {
	types map[string]bool
}

func (s subscription) wants(eventType string) bool {
	return len(s.types) == 0 || s.types[eventType]
}

// Hub delivers without blocking; a subscriber whose buffer is full misses
// the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]subscription
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]subscription{}}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when no type is named.
func (h *Hub) Subscribe(buffer int, types ...string) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	sub := subscription{}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = sub
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, sub := range h.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

// Accept makes the hub an audit sink.
func (h *Hub) Accept(ev audit.Event) {
	h.Publish(newEventAt(TypeAudit, ev.Timestamp, ev))
}

func (h *Hub) PublishReaction(r governance.ReactionLogEntry) {
	h.Publish(newEventAt(TypeReaction, r.Timestamp, r))
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() int64 { return h.dropped.Load() }
