// Package memstore is an in-process outbox with the same lock-and-skip claim
// semantics as the SQL store. It backs unit tests and local runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/richardliu001/realtime-relay/internal/model"
	"github.com/richardliu001/realtime-relay/internal/repo"
	"gorm.io/gorm"
)

var _ repo.OutboxStore = (*Store)(nil)

type Store struct {
	mu     sync.Mutex
	rows   map[string]*model.OutboxEvent
	locked map[string]string // row id -> claim token
	claims int
	now    func() time.Time
}

func New() *Store {
	return &Store{
		rows:   map[string]*model.OutboxEvent{},
		locked: map[string]string{},
		now:    time.Now,
	}
}

// SetClock overrides the creation timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores row as is. Tests use it to seed exact timestamps and states.
func (s *Store) Put(row model.OutboxEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.ID] = &row
}

// Append ignores tx: there is no transaction to join in memory.
func (s *Store) Append(_ context.Context, _ *gorm.DB, evt repo.NewEvent) (*model.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := repo.BuildRow(evt, s.now())
	if err != nil {
		return nil, err
	}
	s.rows[row.ID] = &row
	out := row
	return &out, nil
}

func (s *Store) Get(_ context.Context, id string) (*model.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repo.ErrEventNotFound, id)
	}
	out := *row
	return &out, nil
}

// sorted returns rows matching keep in claim order. Caller holds mu.
func (s *Store) sorted(keep func(*model.OutboxEvent) bool) []*model.OutboxEvent {
	var out []*model.OutboxEvent
	for _, row := range s.rows {
		if keep(row) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) OldestPendingAge(_ context.Context, now time.Time) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.sorted(func(r *model.OutboxEvent) bool { return r.Status == model.StatusPending })
	if len(pending) == 0 {
		return 0, nil
	}
	if age := now.Sub(pending[0].CreatedAt); age > 0 {
		return age, nil
	}
	return 0, nil
}

// ClaimPending holds up to limit unlocked pending rows for the duration of fn.
// Claims never expire in memory.
func (s *Store) ClaimPending(ctx context.Context, limit int, fn repo.ClaimFunc) error {
	if limit <= 0 {
		return repo.ErrLimitRequired
	}
	s.mu.Lock()
	s.claims++
	token := "claim-" + strconv.Itoa(s.claims)
	candidates := s.sorted(func(r *model.OutboxEvent) bool {
		_, held := s.locked[r.ID]
		return r.Status == model.StatusPending && !held
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	events := make([]model.OutboxEvent, 0, len(candidates))
	for _, row := range candidates {
		s.locked[row.ID] = token
		events = append(events, *row)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		for _, evt := range events {
			if s.locked[evt.ID] == token {
				delete(s.locked, evt.ID)
			}
		}
		s.mu.Unlock()
	}()
	return fn(ctx, &batch{store: s, token: token, events: events})
}

type batch struct {
	store  *Store
	token  string
	events []model.OutboxEvent
}

func (b *batch) Events() []model.OutboxEvent { return b.events }

// holds reports whether the batch still owns a pending id. Caller holds mu.
func (b *batch) holds(id string) bool {
	row, ok := b.store.rows[id]
	return ok && row.Status == model.StatusPending && b.store.locked[id] == b.token
}

func (b *batch) Hold(_ context.Context, id string) (bool, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	return b.holds(id), nil
}

func (b *batch) MarkPublished(_ context.Context, id string, at time.Time) (bool, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if !b.holds(id) {
		return false, nil
	}
	return b.store.markPublished(id, at), nil
}

func (b *batch) MarkFailed(_ context.Context, id, reason string) (bool, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if !b.holds(id) {
		return false, nil
	}
	return b.store.markFailed(id, reason), nil
}

func (s *Store) MarkPublished(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markPublished(id, at), nil
}

func (s *Store) MarkFailed(_ context.Context, id, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markFailed(id, reason), nil
}

// markPublished and markFailed apply a conditional transition. Caller holds mu.
func (s *Store) markPublished(id string, at time.Time) bool {
	row, ok := s.rows[id]
	if !ok || row.Status != model.StatusPending {
		return false
	}
	ts := at.UTC()
	row.Status = model.StatusPublished
	row.PublishedAt = &ts
	row.Error = nil
	delete(s.locked, id)
	return true
}

func (s *Store) markFailed(id, reason string) bool {
	row, ok := s.rows[id]
	if !ok || row.Status != model.StatusPending {
		return false
	}
	row.Status = model.StatusFailed
	row.Error = &reason
	row.PublishedAt = nil
	delete(s.locked, id)
	return true
}

func (s *Store) RequeueFailed(_ context.Context, filter repo.RequeueFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := map[string]bool{}
	for _, id := range filter.IDs {
		ids[id] = true
	}
	failed := s.sorted(func(r *model.OutboxEvent) bool {
		if r.Status != model.StatusFailed {
			return false
		}
		if len(ids) > 0 && !ids[r.ID] {
			return false
		}
		return filter.TenantID == "" || r.TenantID == filter.TenantID
	})
	if filter.Limit > 0 && len(failed) > filter.Limit {
		failed = failed[:filter.Limit]
	}
	for _, row := range failed {
		row.Status = model.StatusPending
		row.Error = nil
	}
	return int64(len(failed)), nil
}

func (s *Store) Stats(ctx context.Context, now time.Time) (repo.Stats, error) {
	var st repo.Stats
	s.mu.Lock()
	for _, row := range s.rows {
		switch row.Status {
		case model.StatusPending:
			st.Pending++
		case model.StatusPublished:
			st.Published++
		case model.StatusFailed:
			st.Failed++
		}
	}
	s.mu.Unlock()
	age, err := s.OldestPendingAge(ctx, now)
	if err != nil {
		return repo.Stats{}, err
	}
	st.OldestPendingAge = age
	return st, nil
}
