package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/richardliu001/realtime-relay/internal/envelope"
	"github.com/richardliu001/realtime-relay/internal/model"
	"github.com/richardliu001/realtime-relay/internal/repo"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	DefaultReplayWindow    = 7 * 24 * time.Hour
	DefaultReplayMaxEvents = 1000
)

var (
	ErrReplayTenantRequired = errors.New("replay tenant id is required")
	ErrReplayBoardRequired  = errors.New("replay board id is required")
)

// actorFields are payload keys checked in order for the acting user.
var actorFields = []string{
	"actorId", "userId", "movedBy", "createdBy", "updatedBy", "deletedBy", "claimedBy", "releasedBy",
}

// ReplayEvent is a published outbox row as shown to a late-joining client.
type ReplayEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"eventType"`
	OccurredAt string          `json:"occurredAt"`
	ActorID    string          `json:"actorId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Sequence   int64           `json:"sequence"`
}

// ReplayQuery asks for a board's recent history. A nil Since means the
// start of the window; Limit <= 0 means the configured cap.
type ReplayQuery struct {
	TenantID string
	BoardID  string
	Since    *time.Time
	Limit    int
}

// ReplayService answers "what happened before I connected". Every call is
// an independent read; no cursor is kept between calls.
type ReplayService struct {
	src       repo.ReplaySource
	window    time.Duration
	maxEvents int
	log       *zap.SugaredLogger
	now       func() time.Time
}

type ReplayOption func(*ReplayService)

func WithReplayWindow(d time.Duration) ReplayOption {
	return func(s *ReplayService) {
		if d > 0 {
			s.window = d
		}
	}
}

func WithReplayMaxEvents(n int) ReplayOption {
	return func(s *ReplayService) {
		if n > 0 {
			s.maxEvents = n
		}
	}
}

func WithReplayClock(now func() time.Time) ReplayOption {
	return func(s *ReplayService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewReplayService(src repo.ReplaySource, logger *zap.SugaredLogger, opts ...ReplayOption) *ReplayService {
	s := &ReplayService{
		src:       src,
		window:    DefaultReplayWindow,
		maxEvents: DefaultReplayMaxEvents,
		log:       logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch returns the board's published events in creation order.
func (s *ReplayService) Fetch(ctx context.Context, q ReplayQuery) ([]ReplayEvent, error) {
	if strings.TrimSpace(q.TenantID) == "" {
		return nil, ErrReplayTenantRequired
	}
	if strings.TrimSpace(q.BoardID) == "" {
		return nil, ErrReplayBoardRequired
	}
	rows, err := s.src.PublishedForBoard(ctx, q.TenantID, q.BoardID, s.since(q.Since), s.limit(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("fetch replay: %w", err)
	}
	return s.project(q.TenantID, rows), nil
}

// FetchAggregates is Fetch for an explicit set of aggregate IDs.
func (s *ReplayService) FetchAggregates(ctx context.Context, tenantID string, aggregateIDs []string, since *time.Time, limit int) ([]ReplayEvent, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrReplayTenantRequired
	}
	rows, err := s.src.PublishedForAggregates(ctx, tenantID, aggregateIDs, s.since(since), s.limit(limit))
	if err != nil {
		return nil, fmt.Errorf("fetch replay: %w", err)
	}
	return s.project(tenantID, rows), nil
}

// since never reaches further back than the window.
func (s *ReplayService) since(requested *time.Time) time.Time {
	floor := s.now().Add(-s.window).UTC()
	if requested != nil && requested.After(floor) {
		return requested.UTC()
	}
	return floor
}

func (s *ReplayService) limit(requested int) int {
	if requested <= 0 || requested > s.maxEvents {
		return s.maxEvents
	}
	return requested
}

func (s *ReplayService) project(tenantID string, rows []model.OutboxEvent) []ReplayEvent {
	out := make([]ReplayEvent, 0, len(rows))
	for _, row := range rows {
		if row.TenantID != tenantID || row.Status != model.StatusPublished {
			s.log.Errorw("replay source returned foreign row", "id", row.ID, "tenant", row.TenantID, "status", row.Status)
			continue
		}
		out = append(out, ToReplayEvent(row))
	}
	return out
}

// ToReplayEvent projects a published row.
func ToReplayEvent(row model.OutboxEvent) ReplayEvent {
	return ReplayEvent{
		ID:         row.ID,
		EventType:  row.EventType,
		OccurredAt: envelope.OccurredAt(row.Payload, row.CreatedAt).Format(envelope.TimeFormat),
		ActorID:    actorID(row.Payload),
		Payload:    json.RawMessage(row.Payload),
		Sequence:   row.CreatedAt.UnixMicro(),
	}
}

func actorID(payload []byte) string {
	for _, field := range actorFields {
		if res := gjson.GetBytes(payload, field); res.Type == gjson.String && res.Str != "" {
			return res.Str
		}
	}
	return ""
}
