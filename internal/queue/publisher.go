package queue

import (
	"context"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes sync requests to a single topic keyed by user id.
type Publisher struct {
	writer messageWriter
}

// NewPublisher constructs a Publisher writing to topic on brokers.
func NewPublisher(brokers []string, topic string) *Publisher {
	if strings.TrimSpace(topic) == "" {
		topic = DefaultTopic
	}
	return &Publisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

// Publish writes every request in one batch.
func (p *Publisher) Publish(ctx context.Context, requests ...SyncRequest) error {
	if len(requests) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(requests))
	for _, req := range requests {
		msg, err := encodeMessage(req)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return err
	}
	publishedCounter.Add(float64(len(msgs)))
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
