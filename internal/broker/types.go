package broker

import (
	"context"
)

// Message is one broker record. Topics carry different payload shapes
// (raw events, ingestion rows, reload signals), so the value is raw bytes
// and decoding happens in the per-topic handler.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

type Producer interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
	PublishBatch(ctx context.Context, msgs []Message) error
	Close() error
}

type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

type HandlerFunc func(ctx context.Context, value []byte) error
