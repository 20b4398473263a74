package schema

import (
	"encoding/json"
	"time"

	"github.com/richardliu001/realtime-relay/internal/vclock"
	"github.com/shopspring/decimal"
)

const (
	EventCardCreated       = "card.created"
	EventCardMoved         = "card.moved"
	EventCardUpdated       = "card.updated"
	EventCardDeleted       = "card.deleted"
	EventConnectionCreated = "connection.created"
	EventConnectionDeleted = "connection.deleted"
	EventTaskClaimed       = "task.claimed"
	EventTaskReleased      = "task.released"
	EventPresenceJoined    = "presence.joined"
	EventPresenceLeft      = "presence.left"
)

// Payload is one variant of the event union; EventType is its tag.
type Payload interface {
	EventType() string
}

// Position is a point on a board canvas.
type Position struct {
	X decimal.Decimal `json:"x"`
	Y decimal.Decimal `json:"y"`
}

type CardCreated struct {
	BoardID   string           `json:"boardId" validate:"required"`
	CardID    string           `json:"cardId" validate:"required"`
	CardType  string           `json:"cardType" validate:"required"`
	Title     string           `json:"title" validate:"required"`
	PositionX *decimal.Decimal `json:"positionX" validate:"required"`
	PositionY *decimal.Decimal `json:"positionY" validate:"required"`
	CreatedBy string           `json:"createdBy" validate:"required"`
	CreatedAt time.Time        `json:"createdAt" validate:"required"`
}

func (CardCreated) EventType() string { return EventCardCreated }

// CardMoved carries the mover's vector clock so consumers can detect
// concurrent moves of the same card.
type CardMoved struct {
	BoardID          string       `json:"boardId" validate:"required"`
	CardID           string       `json:"cardId" validate:"required"`
	PreviousPosition *Position    `json:"previousPosition" validate:"required"`
	NewPosition      *Position    `json:"newPosition" validate:"required"`
	MovedBy          string       `json:"movedBy" validate:"required"`
	MovedAt          time.Time    `json:"movedAt" validate:"required"`
	VectorClock      vclock.Clock `json:"vectorClock,omitempty"`
}

func (CardMoved) EventType() string { return EventCardMoved }

type CardUpdated struct {
	BoardID   string                     `json:"boardId" validate:"required"`
	CardID    string                     `json:"cardId" validate:"required"`
	Changes   map[string]json.RawMessage `json:"changes" validate:"required,min=1"`
	UpdatedBy string                     `json:"updatedBy" validate:"required"`
	UpdatedAt time.Time                  `json:"updatedAt" validate:"required"`
}

func (CardUpdated) EventType() string { return EventCardUpdated }

type CardDeleted struct {
	BoardID   string    `json:"boardId" validate:"required"`
	CardID    string    `json:"cardId" validate:"required"`
	DeletedBy string    `json:"deletedBy" validate:"required"`
	DeletedAt time.Time `json:"deletedAt" validate:"required"`
}

func (CardDeleted) EventType() string { return EventCardDeleted }

type ConnectionCreated struct {
	BoardID      string    `json:"boardId" validate:"required"`
	ConnectionID string    `json:"connectionId" validate:"required"`
	FromCardID   string    `json:"fromCardId" validate:"required"`
	ToCardID     string    `json:"toCardId" validate:"required,nefield=FromCardID"`
	CreatedBy    string    `json:"createdBy" validate:"required"`
	CreatedAt    time.Time `json:"createdAt" validate:"required"`
}

func (ConnectionCreated) EventType() string { return EventConnectionCreated }

type ConnectionDeleted struct {
	BoardID      string    `json:"boardId" validate:"required"`
	ConnectionID string    `json:"connectionId" validate:"required"`
	DeletedBy    string    `json:"deletedBy" validate:"required"`
	DeletedAt    time.Time `json:"deletedAt" validate:"required"`
}

func (ConnectionDeleted) EventType() string { return EventConnectionDeleted }

type TaskClaimed struct {
	TaskID    string    `json:"taskId" validate:"required"`
	ClaimedBy string    `json:"claimedBy" validate:"required"`
	ClaimedAt time.Time `json:"claimedAt" validate:"required"`
	StationID string    `json:"stationId,omitempty"`
}

func (TaskClaimed) EventType() string { return EventTaskClaimed }

type TaskReleased struct {
	TaskID     string    `json:"taskId" validate:"required"`
	ReleasedBy string    `json:"releasedBy" validate:"required"`
	ReleasedAt time.Time `json:"releasedAt" validate:"required"`
	Reason     string    `json:"reason,omitempty"`
}

func (TaskReleased) EventType() string { return EventTaskReleased }

type PresenceJoined struct {
	BoardID   string    `json:"boardId" validate:"required"`
	UserID    string    `json:"userId" validate:"required"`
	SessionID string    `json:"sessionId" validate:"required"`
	JoinedAt  time.Time `json:"joinedAt" validate:"required"`
}

func (PresenceJoined) EventType() string { return EventPresenceJoined }

type PresenceLeft struct {
	BoardID   string    `json:"boardId" validate:"required"`
	UserID    string    `json:"userId" validate:"required"`
	SessionID string    `json:"sessionId" validate:"required"`
	LeftAt    time.Time `json:"leftAt" validate:"required"`
}

func (PresenceLeft) EventType() string { return EventPresenceLeft }
