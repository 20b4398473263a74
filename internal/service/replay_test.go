package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/richardliu001/realtime-relay/internal/model"
	"github.com/richardliu001/realtime-relay/internal/repo"
	"github.com/richardliu001/realtime-relay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type replayCall struct {
	tenant, board string
	ids           []string
	since         time.Time
	limit         int
}

type fakeSource struct {
	rows []model.OutboxEvent
	err  error
	last replayCall
}

func (f *fakeSource) PublishedForBoard(_ context.Context, tenant, board string, since time.Time, limit int) ([]model.OutboxEvent, error) {
	f.last = replayCall{tenant: tenant, board: board, since: since, limit: limit}
	return f.rows, f.err
}

func (f *fakeSource) PublishedForAggregates(_ context.Context, tenant string, ids []string, since time.Time, limit int) ([]model.OutboxEvent, error) {
	f.last = replayCall{tenant: tenant, ids: ids, since: since, limit: limit}
	return f.rows, f.err
}

func newReplay(t *testing.T, src repo.ReplaySource, opts ...ReplayOption) *ReplayService {
	opts = append([]ReplayOption{WithReplayClock(func() time.Time { return t0 })}, opts...)
	return NewReplayService(src, testutil.Logger(t), opts...)
}

func TestReplayFetch_RequiresTenantAndBoard(t *testing.T) {
	svc := newReplay(t, &fakeSource{})
	_, err := svc.Fetch(context.Background(), ReplayQuery{BoardID: "b1"})
	assert.ErrorIs(t, err, ErrReplayTenantRequired)
	_, err = svc.Fetch(context.Background(), ReplayQuery{TenantID: "acme"})
	assert.ErrorIs(t, err, ErrReplayBoardRequired)
	_, err = svc.FetchAggregates(context.Background(), " ", []string{"c1"}, nil, 0)
	assert.ErrorIs(t, err, ErrReplayTenantRequired)
}

func TestReplayFetch_SinceAndLimitBounds(t *testing.T) {
	src := &fakeSource{}
	svc := newReplay(t, src, WithReplayMaxEvents(50))
	ctx := context.Background()
	floor := t0.Add(-DefaultReplayWindow)

	_, err := svc.Fetch(ctx, ReplayQuery{TenantID: "acme", BoardID: "b1"})
	require.NoError(t, err)
	assert.True(t, floor.Equal(src.last.since))
	assert.Equal(t, 50, src.last.limit)

	tooOld := t0.Add(-30 * 24 * time.Hour)
	_, err = svc.Fetch(ctx, ReplayQuery{TenantID: "acme", BoardID: "b1", Since: &tooOld, Limit: 500})
	require.NoError(t, err)
	assert.True(t, floor.Equal(src.last.since), "since is clamped to the window")
	assert.Equal(t, 50, src.last.limit)

	recent := t0.Add(-time.Hour)
	_, err = svc.Fetch(ctx, ReplayQuery{TenantID: "acme", BoardID: "b1", Since: &recent, Limit: 10})
	require.NoError(t, err)
	assert.True(t, recent.Equal(src.last.since))
	assert.Equal(t, 10, src.last.limit)
	assert.Equal(t, "b1", src.last.board)
}

func TestReplayFetch_SourceError(t *testing.T) {
	svc := newReplay(t, &fakeSource{err: errors.New("connection reset")})
	_, err := svc.Fetch(context.Background(), ReplayQuery{TenantID: "acme", BoardID: "b1"})
	assert.ErrorContains(t, err, "connection reset")
}

func TestReplayFetch_DropsForeignRows(t *testing.T) {
	src := &fakeSource{rows: []model.OutboxEvent{
		{ID: "1", TenantID: "acme", Status: model.StatusPublished, Payload: datatypes.JSON(`{}`), CreatedAt: t0},
		{ID: "2", TenantID: "other", Status: model.StatusPublished, Payload: datatypes.JSON(`{}`), CreatedAt: t0},
		{ID: "3", TenantID: "acme", Status: model.StatusPending, Payload: datatypes.JSON(`{}`), CreatedAt: t0},
	}}
	events, err := newReplay(t, src).Fetch(context.Background(), ReplayQuery{TenantID: "acme", BoardID: "b1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "1", events[0].ID)
}

func TestToReplayEvent(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC)
	cases := []struct {
		name       string
		payload    string
		actor      string
		occurredAt string
	}{
		{"explicit actor", `{"actorId":"a1","movedBy":"m1"}`, "a1", "2024-05-01T12:00:00.123Z"},
		{"falls through empty", `{"actorId":"","movedBy":"m1"}`, "m1", "2024-05-01T12:00:00.123Z"},
		{"non-string ignored", `{"userId":7,"releasedBy":"r1"}`, "r1", "2024-05-01T12:00:00.123Z"},
		{"no actor", `{"cardId":"c1"}`, "", "2024-05-01T12:00:00.123Z"},
		{"payload time wins", `{"occurredAt":"2024-04-30T08:00:00Z"}`, "", "2024-04-30T08:00:00.000Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := ToReplayEvent(model.OutboxEvent{
				ID: "e1", EventType: "card.moved", Payload: datatypes.JSON(tc.payload), CreatedAt: created,
			})
			assert.Equal(t, tc.actor, ev.ActorID)
			assert.Equal(t, tc.occurredAt, ev.OccurredAt)
			assert.Equal(t, created.UnixMicro(), ev.Sequence)
			assert.JSONEq(t, tc.payload, string(ev.Payload))
		})
	}
}

func TestReplayFetch_AgainstDatabase(t *testing.T) {
	db := testutil.OpenDB(t)
	clock := testutil.NewClock(t0, time.Second)
	store := repo.NewGormOutboxStore(db, testutil.Logger(t), repo.WithClock(clock.Now))
	ctx := context.Background()
	require.NoError(t, db.Create(&[]model.Card{
		{ID: "c1", TenantID: "acme", BoardID: "b1"},
		{ID: "c2", TenantID: "acme", BoardID: "b1"},
	}).Error)

	publish := func(at time.Time, tenant, card string) string {
		clock.Set(at)
		row, err := store.Append(ctx, nil, deletedEvent(tenant, card))
		require.NoError(t, err)
		ok, err := store.MarkPublished(ctx, row.ID, at)
		require.NoError(t, err)
		require.True(t, ok)
		return row.ID
	}
	publish(t0.Add(-8*24*time.Hour), "acme", "c1")
	first := publish(t0.Add(-2*time.Hour), "acme", "c1")
	publish(t0.Add(-90*time.Minute), "other", "c1")
	second := publish(t0.Add(-time.Hour), "acme", "c2")
	clock.Set(t0.Add(-30 * time.Minute))
	_, err := store.Append(ctx, nil, deletedEvent("acme", "c2"))
	require.NoError(t, err)

	svc := newReplay(t, repo.NewGormReplaySource(db))
	events, err := svc.Fetch(ctx, ReplayQuery{TenantID: "acme", BoardID: "b1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, first, events[0].ID)
	assert.Equal(t, second, events[1].ID)
	assert.Less(t, events[0].Sequence, events[1].Sequence)
	assert.Equal(t, "u1", events[0].ActorID)

	events, err = svc.Fetch(ctx, ReplayQuery{TenantID: "acme", BoardID: "b1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, second, events[0].ID, "a short limit keeps the most recent events")

	events, err = svc.FetchAggregates(ctx, "other", []string{"c1"}, nil, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
