package audit

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// HandlerFunc delivers one event to an out-of-band consumer such as the
// Postgres writer or the Kafka publisher.
type HandlerFunc func(ctx context.Context, ev Event) error

// AsyncSink decouples Record from slow consumers: events are queued on a
// bounded channel and delivered by one goroutine. A full queue drops the
// event; the ring buffer remains the in-process record.
type AsyncSink struct {
	name    string
	handle  HandlerFunc
	timeout time.Duration
	ch      chan Event
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

func NewAsyncSink(name string, buffer int, timeout time.Duration, handle HandlerFunc) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &AsyncSink{
		name:    name,
		handle:  handle,
		timeout: timeout,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *AsyncSink) Name() string { return s.name }

func (s *AsyncSink) Accept(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		log.Printf("audit sink %s: queue full, dropped event %s", s.name, ev.ID)
	}
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for ev := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.handle(ctx, ev)
		cancel()
		if err != nil {
			s.failed.Add(1)
			log.Printf("audit sink %s: deliver %s failed: %v", s.name, ev.ID, err)
			continue
		}
		s.delivered.Add(1)
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type SinkStats struct {
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

func (s *AsyncSink) Stats() SinkStats {
	return SinkStats{
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Failed:    s.failed.Load(),
	}
}
