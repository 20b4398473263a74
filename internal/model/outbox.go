package model

import (
	"time"

	"gorm.io/datatypes"
)

// Status is the lifecycle state of an outbox row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the publisher is done with a row in this state.
func (s Status) IsTerminal() bool {
	return s == StatusPublished || s == StatusFailed
}

// OutboxEvent is one durable, at-least-once unit of distribution work.
// IDs are UUIDv7 strings, so id order follows insertion order.
type OutboxEvent struct {
	ID            string         `gorm:"primaryKey;size:36"`
	TenantID      string         `gorm:"size:64;not null;index:idx_outbox_replay,priority:1"`
	AggregateType string         `gorm:"size:64;not null"`
	AggregateID   string         `gorm:"size:64;not null;index:idx_outbox_replay,priority:2"`
	EventType     string         `gorm:"size:128;not null"`
	Payload       datatypes.JSON `gorm:"not null"`
	Status        Status         `gorm:"size:16;not null;default:pending;index:idx_outbox_claim,priority:1"`
	Error         *string        `gorm:"type:text"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_outbox_claim,priority:2;index:idx_outbox_replay,priority:3"`
	PublishedAt   *time.Time
	// ClaimToken and ClaimedUntil lease a pending row to one publisher.
	ClaimToken   *string    `gorm:"size:36"`
	ClaimedUntil *time.Time `gorm:"index"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }
