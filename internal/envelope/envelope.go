// Package envelope builds the versioned wire wrapper published for every
// outbox row and enforces its size limits.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/richardliu001/realtime-relay/internal/model"
	"github.com/tidwall/gjson"
)

const (
	// Version of the envelope schema produced by this generation.
	Version = 1

	// MaxBytes is the hard cap on a serialized envelope. An envelope of
	// exactly MaxBytes is accepted.
	MaxBytes = 64 << 10
	// WarnBytes is the soft cap above which publishing continues with a warning.
	WarnBytes = 32 << 10

	// TimeFormat is ISO-8601 with fixed millisecond precision.
	TimeFormat = "2006-01-02T15:04:05.000Z07:00"

	occurredAtField = "occurredAt"
)

// Envelope is the wire contract attached to every distributed message.
type Envelope struct {
	ID            string          `json:"id"`
	Version       int             `json:"version"`
	TenantID      string          `json:"tenantId"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	OccurredAt    string          `json:"occurredAt"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
}

// Build maps an outbox row to its envelope. It is pure: the same row always
// yields the same envelope.
func Build(evt model.OutboxEvent) Envelope {
	return Envelope{
		ID:            evt.ID,
		Version:       Version,
		TenantID:      evt.TenantID,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		OccurredAt:    OccurredAt(evt.Payload, evt.CreatedAt).Format(TimeFormat),
		EventType:     evt.EventType,
		Payload:       json.RawMessage(evt.Payload),
	}
}

// OccurredAt returns the producer-supplied occurredAt of payload when it is
// an RFC 3339 timestamp, otherwise fallback. The result is in UTC.
func OccurredAt(payload []byte, fallback time.Time) time.Time {
	if res := gjson.GetBytes(payload, occurredAtField); res.Type == gjson.String {
		if ts, err := time.Parse(time.RFC3339Nano, res.Str); err == nil {
			return ts.UTC()
		}
	}
	return fallback.UTC()
}

// Encode serializes env. The returned length is what the size caps apply to.
func Encode(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", env.ID, err)
	}
	return raw, nil
}

// SizeVerdict classifies a serialized envelope length.
type SizeVerdict int

const (
	SizeOK SizeVerdict = iota
	SizeWarn
	SizeTooLarge
)

// CheckSize applies the soft and hard caps to n serialized bytes.
func CheckSize(n int) SizeVerdict {
	switch {
	case n > MaxBytes:
		return SizeTooLarge
	case n > WarnBytes:
		return SizeWarn
	default:
		return SizeOK
	}
}

// TooLargeReason is the failure reason recorded for an oversized envelope.
func TooLargeReason(n int) string {
	return fmt.Sprintf("PAYLOAD_TOO_LARGE: %d bytes (max %d)", n, MaxBytes)
}
