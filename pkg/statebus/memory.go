package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var ErrClosed = errors.New("statebus closed")

// MemoryBus is an in-process Consumer and Publisher for single-node runs
// and tests. Publishing blocks when the buffer is full.
type MemoryBus struct {
	ch        chan Message
	closeOnce sync.Once
	done      chan struct{}
}

func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBus{ch: make(chan Message, buffer), done: make(chan struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, key string, v any) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- Message{Key: []byte(key), Value: value}:
		return nil
	}
}

func (b *MemoryBus) ReadMessage(ctx context.Context) (Message, error) {
	select {
	case <-b.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg := <-b.ch:
		return msg, nil
	}
}

func (b *MemoryBus) Len() int { return len(b.ch) }

func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
