package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/richardliu001/realtime-relay/internal/vclock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelopeJSON(t *testing.T, eventType string, payload string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":            "evt-1",
		"version":       1,
		"tenantId":      "acme",
		"aggregateType": "card",
		"aggregateId":   "card-1",
		"occurredAt":    "2024-05-01T12:00:00.000Z",
		"eventType":     eventType,
		"payload":       json.RawMessage(payload),
	})
	require.NoError(t, err)
	return raw
}

func TestParse_CardCreated(t *testing.T) {
	raw := envelopeJSON(t, EventCardCreated, `{
		"boardId":"b1","cardId":"c1","cardType":"guest","title":"Table 4",
		"positionX":12.5,"positionY":"40","createdBy":"u1","createdAt":"2024-05-01T12:00:00Z"}`)

	evt, err := DefaultRegistry().Parse(raw)
	require.NoError(t, err)

	created, ok := evt.Data.(*CardCreated)
	require.True(t, ok)
	assert.Equal(t, "Table 4", created.Title)
	assert.True(t, created.PositionX.Equal(decimal.RequireFromString("12.5")))
	assert.True(t, created.PositionY.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, "acme", evt.Envelope.TenantID)
}

func TestParse_CardMovedWithVectorClock(t *testing.T) {
	raw := envelopeJSON(t, EventCardMoved, `{
		"boardId":"b1","cardId":"c1",
		"previousPosition":{"x":1,"y":2},"newPosition":{"x":3,"y":4},
		"movedBy":"u1","movedAt":"2024-05-01T12:00:00Z","vectorClock":{"u1":3,"u2":1}}`)

	evt, err := DefaultRegistry().Parse(raw)
	require.NoError(t, err)

	moved := evt.Data.(*CardMoved)
	assert.Equal(t, vclock.Equal, moved.VectorClock.Compare(vclock.Clock{"u1": 3, "u2": 1}))
}

func TestParse_UnknownEventTypeFailsClosed(t *testing.T) {
	_, err := DefaultRegistry().Parse(envelopeJSON(t, "card.teleported", `{}`))
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestParse_RejectsOtherVersions(t *testing.T) {
	raw := []byte(`{"id":"e","version":2,"tenantId":"t","eventType":"card.deleted","payload":{}}`)
	_, err := DefaultRegistry().Parse(raw)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestParse_Malformed(t *testing.T) {
	reg := DefaultRegistry()
	_, err := reg.Parse([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = reg.Parse([]byte(`{"version":1,"payload":{}}`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestParse_MissingRequiredField(t *testing.T) {
	raw := envelopeJSON(t, EventCardMoved, `{"boardId":"b1","cardId":"c1","movedBy":"u1","movedAt":"2024-05-01T12:00:00Z"}`)
	_, err := DefaultRegistry().Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestParse_ToleratesNewOptionalFields(t *testing.T) {
	raw := envelopeJSON(t, EventTaskClaimed, `{"taskId":"t1","claimedBy":"u1","claimedAt":"2024-05-01T12:00:00Z","priority":"high"}`)
	evt, err := DefaultRegistry().Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "t1", evt.Data.(*TaskClaimed).TaskID)
}

func TestRegister_Guards(t *testing.T) {
	reg := NewRegistry()
	assert.ErrorIs(t, reg.Register("", func() Payload { return &CardDeleted{} }), ErrEventTypeRequired)
	assert.ErrorIs(t, reg.Register(EventCardDeleted, nil), ErrFactoryRequired)
	assert.Error(t, reg.Register(EventCardMoved, func() Payload { return &CardDeleted{} }))

	require.NoError(t, reg.Register(EventCardDeleted, func() Payload { return &CardDeleted{} }))
	assert.ErrorIs(t, reg.Register(EventCardDeleted, func() Payload { return &CardDeleted{} }), ErrAlreadyRegistered)
	assert.Equal(t, []string{EventCardDeleted}, reg.Types())
}

func TestDefaultRegistry_Types(t *testing.T) {
	assert.Len(t, DefaultRegistry().Types(), 10)
}

func TestEncode_ValidatesBeforeMarshal(t *testing.T) {
	reg := DefaultRegistry()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	raw, err := reg.Encode(&TaskReleased{TaskID: "t1", ReleasedBy: "u1", ReleasedAt: now})
	require.NoError(t, err)
	assert.JSONEq(t, `{"taskId":"t1","releasedBy":"u1","releasedAt":"2024-05-01T12:00:00Z"}`, string(raw))
	require.NoError(t, reg.ValidatePayload(EventTaskReleased, raw))

	_, err = reg.Encode(&TaskReleased{TaskID: "t1"})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = reg.Encode(&ConnectionCreated{
		BoardID: "b", ConnectionID: "x", FromCardID: "c1", ToCardID: "c1", CreatedBy: "u", CreatedAt: now,
	})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = NewRegistry().Encode(&TaskReleased{TaskID: "t1", ReleasedBy: "u1", ReleasedAt: now})
	assert.ErrorIs(t, err, ErrUnknownEventType)
}
