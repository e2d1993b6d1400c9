// Package statebus moves job envelopes in and audit events out over Kafka.
package statebus

import "context"

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// Publisher writes JSON-encoded values keyed for partitioning.
type Publisher interface {
	Publish(ctx context.Context, key string, v any) error
	Close() error
}
