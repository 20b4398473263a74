// Package realtime pushes serialized envelopes to the fan-out transport.
//
// Delivery is at-least-once from the publisher's point of view: a nil error
// means the broker accepted the message, not that any subscriber saw it.
package realtime

import (
	"context"
	"errors"
)

var ErrClientRequired = errors.New("transport client is required")

// Publisher is the transport capability: publish(channel, eventType, envelope).
type Publisher interface {
	Publish(ctx context.Context, channel, eventType string, envelope []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, channel, eventType string, envelope []byte) error

func (fn PublisherFunc) Publish(ctx context.Context, channel, eventType string, envelope []byte) error {
	return fn(ctx, channel, eventType, envelope)
}
