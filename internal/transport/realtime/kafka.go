package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	HeaderChannel   = "channel"
	HeaderEventType = "event-type"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher writes envelopes to one topic keyed by channel, so all
// events of a tenant land on the same partition in order.
type KafkaPublisher struct {
	w   MessageWriter
	now func() time.Time
}

func NewKafkaPublisher(w MessageWriter) (*KafkaPublisher, error) {
	if w == nil {
		return nil, ErrClientRequired
	}
	return &KafkaPublisher{w: w, now: time.Now}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, channel, eventType string, envelope []byte) error {
	msg := kafka.Message{
		Key:   []byte(channel),
		Value: envelope,
		Headers: []kafka.Header{
			{Key: HeaderChannel, Value: []byte(channel)},
			{Key: HeaderEventType, Value: []byte(eventType)},
		},
		Time: p.now(),
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish %s: %w", channel, err)
	}
	return nil
}
