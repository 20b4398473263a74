package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/realtime-relay/internal/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTenantRequired    = errors.New("tenant id is required")
	ErrAggregateRequired = errors.New("aggregate type and id are required")
	ErrEventTypeRequired = errors.New("event type is required")
	ErrPayloadNotJSON    = errors.New("payload must be valid JSON")
	ErrEventNotFound     = errors.New("outbox event not found")
	ErrLimitRequired     = errors.New("limit must be greater than zero")
)

const (
	defaultClaimLease = 30 * time.Second
	claimTxTimeout    = 5 * time.Second
	writeTimeout      = 5 * time.Second
)

// NewEvent is what a producer appends alongside its domain write.
type NewEvent struct {
	TenantID      string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// ClaimedBatch is the set of rows one worker leased. A leased row is
// invisible to other claims until it is finalized, the claim ends or its
// lease lapses. Every write commits on its own.
type ClaimedBatch interface {
	Events() []model.OutboxEvent
	// Hold renews the lease on id. It reports false when the row is no
	// longer pending or was taken over by another claim.
	Hold(ctx context.Context, id string) (bool, error)
	MarkPublished(ctx context.Context, id string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, reason string) (bool, error)
}

// ClaimFunc processes a claimed batch.
type ClaimFunc func(ctx context.Context, batch ClaimedBatch) error

// RequeueFilter selects failed rows to put back to pending. Empty fields
// do not filter.
type RequeueFilter struct {
	IDs      []string
	TenantID string
	Limit    int
}

// Stats summarizes the outbox for operators.
type Stats struct {
	Pending          int64
	Published        int64
	Failed           int64
	OldestPendingAge time.Duration
}

// OutboxStore is the durable outbox. Rows are only created and updated,
// never deleted.
type OutboxStore interface {
	Append(ctx context.Context, tx *gorm.DB, evt NewEvent) (*model.OutboxEvent, error)
	Get(ctx context.Context, id string) (*model.OutboxEvent, error)
	OldestPendingAge(ctx context.Context, now time.Time) (time.Duration, error)
	ClaimPending(ctx context.Context, limit int, fn ClaimFunc) error
	MarkPublished(ctx context.Context, id string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, reason string) (bool, error)
	RequeueFailed(ctx context.Context, filter RequeueFilter) (int64, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
}

// BuildRow validates evt and returns the pending row to insert.
func BuildRow(evt NewEvent, now time.Time) (model.OutboxEvent, error) {
	if strings.TrimSpace(evt.TenantID) == "" {
		return model.OutboxEvent{}, ErrTenantRequired
	}
	if strings.TrimSpace(evt.AggregateType) == "" || strings.TrimSpace(evt.AggregateID) == "" {
		return model.OutboxEvent{}, ErrAggregateRequired
	}
	if strings.TrimSpace(evt.EventType) == "" {
		return model.OutboxEvent{}, ErrEventTypeRequired
	}
	if !json.Valid(evt.Payload) {
		return model.OutboxEvent{}, ErrPayloadNotJSON
	}
	id, err := uuid.NewV7()
	if err != nil {
		return model.OutboxEvent{}, fmt.Errorf("generate event id: %w", err)
	}
	return model.OutboxEvent{
		ID:            id.String(),
		TenantID:      evt.TenantID,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		Payload:       datatypes.JSON(evt.Payload),
		Status:        model.StatusPending,
		CreatedAt:     now.UTC(),
	}, nil
}

// GormOutboxStore keeps the outbox in a relational table.
type GormOutboxStore struct {
	db       *gorm.DB
	log      *zap.SugaredLogger
	lease    time.Duration
	now      func() time.Time
	leaseNow func() time.Time
}

type Option func(*GormOutboxStore)

// WithClaimLease sets how long claimed rows stay reserved without a Hold.
func WithClaimLease(d time.Duration) Option {
	return func(s *GormOutboxStore) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *GormOutboxStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLeaseClock overrides the time source for claim leases.
func WithLeaseClock(now func() time.Time) Option {
	return func(s *GormOutboxStore) {
		if now != nil {
			s.leaseNow = now
		}
	}
}

// NewGormOutboxStore constructs the store.
func NewGormOutboxStore(db *gorm.DB, logger *zap.SugaredLogger, opts ...Option) *GormOutboxStore {
	s := &GormOutboxStore{db: db, log: logger, lease: defaultClaimLease, now: time.Now, leaseNow: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append inserts a pending row through tx, the producer's transaction.
// A nil tx writes through the store's own connection.
func (s *GormOutboxStore) Append(ctx context.Context, tx *gorm.DB, evt NewEvent) (*model.OutboxEvent, error) {
	row, err := BuildRow(evt, s.now())
	if err != nil {
		return nil, err
	}
	if tx == nil {
		tx = s.db
	}
	if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("append outbox event: %w", err)
	}
	return &row, nil
}

// Get loads one row.
func (s *GormOutboxStore) Get(ctx context.Context, id string) (*model.OutboxEvent, error) {
	var row model.OutboxEvent
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// OldestPendingAge returns the age of the oldest pending row across all
// tenants, or 0 when nothing is pending.
func (s *GormOutboxStore) OldestPendingAge(ctx context.Context, now time.Time) (time.Duration, error) {
	var row model.OutboxEvent
	err := s.db.WithContext(ctx).
		Select("id", "created_at").
		Where("status = ?", model.StatusPending).
		Order("created_at ASC").Order("id ASC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("oldest pending: %w", err)
	}
	return ageAt(row.CreatedAt, now), nil
}

func ageAt(createdAt, now time.Time) time.Duration {
	if age := now.Sub(createdAt); age > 0 {
		return age
	}
	return 0
}

// ClaimPending leases up to limit pending rows and runs fn over them.
//
// The lease is taken in a short transaction that selects with FOR UPDATE
// SKIP LOCKED, so concurrent claims never wait on each other, and commits
// before fn runs. Rows fn leaves pending are released when it returns.
// Writes made through the batch are detached from ctx cancellation.
func (s *GormOutboxStore) ClaimPending(ctx context.Context, limit int, fn ClaimFunc) error {
	if limit <= 0 {
		return ErrLimitRequired
	}
	token := uuid.NewString()
	events, err := s.claim(ctx, token, limit)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		defer s.release(ctx, token)
	}
	return fn(ctx, &gormBatch{store: s, token: token, events: events})
}

func (s *GormOutboxStore) claim(ctx context.Context, token string, limit int) ([]model.OutboxEvent, error) {
	txCtx, cancel := context.WithTimeout(ctx, claimTxTimeout)
	defer cancel()

	now := s.leaseNow().UTC()
	until := now.Add(s.lease)
	var rows []model.OutboxEvent
	err := s.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", model.StatusPending).
			Where("(claimed_until IS NULL OR claimed_until < ?)", now).
			Order("created_at ASC").Order("id ASC").
			Limit(limit).
			Find(&rows).Error
		if err != nil || len(rows) == 0 {
			return err
		}
		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.ID)
		}
		return tx.Model(&model.OutboxEvent{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{"claim_token": token, "claimed_until": until}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	for i := range rows {
		rows[i].ClaimToken = &token
		rows[i].ClaimedUntil = &until
	}
	return rows, nil
}

// release returns rows the claim left pending to the queue.
func (s *GormOutboxStore) release(ctx context.Context, token string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	err := s.db.WithContext(wctx).Model(&model.OutboxEvent{}).
		Where("claim_token = ? AND status = ?", token, model.StatusPending).
		Updates(map[string]interface{}{"claim_token": nil, "claimed_until": nil}).Error
	if err != nil {
		s.log.Warnw("release outbox claim; rows return when the lease lapses", "claim", token, "error", err)
	}
}

type gormBatch struct {
	store  *GormOutboxStore
	token  string
	events []model.OutboxEvent
}

func (b *gormBatch) Events() []model.OutboxEvent { return b.events }

func (b *gormBatch) db(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	return b.store.db.WithContext(wctx), cancel
}

func (b *gormBatch) Hold(ctx context.Context, id string) (bool, error) {
	db, cancel := b.db(ctx)
	defer cancel()
	until := b.store.leaseNow().UTC().Add(b.store.lease)
	res := db.Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, model.StatusPending, b.token).
		Update("claimed_until", until)
	if res.Error != nil {
		return false, fmt.Errorf("hold %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (b *gormBatch) MarkPublished(ctx context.Context, id string, at time.Time) (bool, error) {
	db, cancel := b.db(ctx)
	defer cancel()
	return markPublished(db.Where("claim_token = ?", b.token), id, at)
}

func (b *gormBatch) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	db, cancel := b.db(ctx)
	defer cancel()
	return markFailed(db.Where("claim_token = ?", b.token), id, reason)
}

// MarkPublished finalizes a pending row whoever holds it. It is a no-op
// returning false when the row is no longer pending.
func (s *GormOutboxStore) MarkPublished(ctx context.Context, id string, at time.Time) (bool, error) {
	return markPublished(s.db.WithContext(ctx), id, at)
}

// MarkFailed records reason on a pending row whoever holds it. It is a
// no-op returning false when the row is no longer pending.
func (s *GormOutboxStore) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	return markFailed(s.db.WithContext(ctx), id, reason)
}

func markPublished(db *gorm.DB, id string, at time.Time) (bool, error) {
	res := db.Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, model.StatusPending).
		Updates(map[string]interface{}{
			"status":        model.StatusPublished,
			"published_at":  at.UTC(),
			"error":         nil,
			"claim_token":   nil,
			"claimed_until": nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark published %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func markFailed(db *gorm.DB, id, reason string) (bool, error) {
	res := db.Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, model.StatusPending).
		Updates(map[string]interface{}{
			"status":        model.StatusFailed,
			"error":         reason,
			"published_at":  nil,
			"claim_token":   nil,
			"claimed_until": nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark failed %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RequeueFailed moves failed rows back to pending and clears their error.
func (s *GormOutboxStore) RequeueFailed(ctx context.Context, filter RequeueFilter) (int64, error) {
	var requeued int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&model.OutboxEvent{}).Where("status = ?", model.StatusFailed)
		if len(filter.IDs) > 0 {
			q = q.Where("id IN ?", filter.IDs)
		}
		if filter.TenantID != "" {
			q = q.Where("tenant_id = ?", filter.TenantID)
		}
		if filter.Limit > 0 {
			q = q.Order("created_at ASC").Order("id ASC").Limit(filter.Limit)
		}
		var ids []string
		if err := q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("select failed rows: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		res := tx.Model(&model.OutboxEvent{}).
			Where("id IN ? AND status = ?", ids, model.StatusFailed).
			Updates(map[string]interface{}{"status": model.StatusPending, "error": nil})
		if res.Error != nil {
			return fmt.Errorf("requeue failed rows: %w", res.Error)
		}
		requeued = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Infow("requeued failed outbox events", "count", requeued, "tenant", filter.TenantID)
	return requeued, nil
}

// Stats counts rows per status.
func (s *GormOutboxStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var counts []struct {
		Status model.Status
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Select("status, count(*) AS n").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return Stats{}, fmt.Errorf("outbox stats: %w", err)
	}
	var st Stats
	for _, c := range counts {
		switch c.Status {
		case model.StatusPending:
			st.Pending = c.N
		case model.StatusPublished:
			st.Published = c.N
		case model.StatusFailed:
			st.Failed = c.N
		}
	}
	if st.OldestPendingAge, err = s.OldestPendingAge(ctx, now); err != nil {
		return Stats{}, err
	}
	return st, nil
}
