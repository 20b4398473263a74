package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Message is the frame subscribers receive on a Redis channel.
type Message struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// EncodeMessage frames envelope under eventType.
func EncodeMessage(eventType string, envelope []byte) ([]byte, error) {
	raw, err := json.Marshal(Message{Name: eventType, Data: envelope})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return raw, nil
}

// RedisPublisher publishes through Redis PUBLISH. The client is shared and
// owned by the caller.
type RedisPublisher struct {
	rdb redis.UniversalClient
}

func NewRedisPublisher(rdb redis.UniversalClient) (*RedisPublisher, error) {
	if rdb == nil {
		return nil, ErrClientRequired
	}
	return &RedisPublisher{rdb: rdb}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, channel, eventType string, envelope []byte) error {
	msg, err := EncodeMessage(eventType, envelope)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, channel, msg).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}
