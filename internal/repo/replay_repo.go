package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/realtime-relay/internal/model"
	"gorm.io/gorm"
)

// ReplaySource reads published history for late-joining clients.
// Results are ascending by creation time; when more rows qualify than limit,
// the most recent limit rows are returned.
type ReplaySource interface {
	PublishedForBoard(ctx context.Context, tenantID, boardID string, since time.Time, limit int) ([]model.OutboxEvent, error)
	PublishedForAggregates(ctx context.Context, tenantID string, aggregateIDs []string, since time.Time, limit int) ([]model.OutboxEvent, error)
}

// GormReplaySource reads the outbox table joined against board membership.
type GormReplaySource struct {
	db *gorm.DB
}

func NewGormReplaySource(db *gorm.DB) *GormReplaySource {
	return &GormReplaySource{db: db}
}

// PublishedForBoard returns events whose aggregate currently belongs to the
// board: its cards and connections as of this read. Events of deleted or
// moved aggregates are excluded.
func (s *GormReplaySource) PublishedForBoard(ctx context.Context, tenantID, boardID string, since time.Time, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		return nil, ErrLimitRequired
	}
	db := s.db.WithContext(ctx)
	cards := db.Model(&model.Card{}).Select("id").Where("tenant_id = ? AND board_id = ?", tenantID, boardID)
	conns := db.Model(&model.Connection{}).Select("id").Where("tenant_id = ? AND board_id = ?", tenantID, boardID)

	q := db.Where("(aggregate_id IN (?) OR aggregate_id IN (?))", cards, conns)
	rows, err := publishedWindow(q, tenantID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("replay board %s: %w", boardID, err)
	}
	return rows, nil
}

// PublishedForAggregates returns events of an explicit aggregate set.
func (s *GormReplaySource) PublishedForAggregates(ctx context.Context, tenantID string, aggregateIDs []string, since time.Time, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		return nil, ErrLimitRequired
	}
	if len(aggregateIDs) == 0 {
		return nil, nil
	}
	q := s.db.WithContext(ctx).Where("aggregate_id IN ?", aggregateIDs)
	rows, err := publishedWindow(q, tenantID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("replay aggregates: %w", err)
	}
	return rows, nil
}

func publishedWindow(q *gorm.DB, tenantID string, since time.Time, limit int) ([]model.OutboxEvent, error) {
	var rows []model.OutboxEvent
	err := q.Where("tenant_id = ? AND status = ? AND created_at >= ?", tenantID, model.StatusPublished, since.UTC()).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}
