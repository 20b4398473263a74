package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/realtime-relay/internal/config"
	"github.com/richardliu001/realtime-relay/internal/repo"
	"github.com/richardliu001/realtime-relay/internal/repo/memstore"
	"github.com/richardliu001/realtime-relay/internal/service"
	"github.com/richardliu001/realtime-relay/internal/testutil"
	"github.com/richardliu001/realtime-relay/internal/transport/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = "trigger-token"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePublisher struct {
	limits []int
	res    service.BatchResult
	err    error
}

func (f *fakePublisher) PublishBatch(_ context.Context, limit int) (service.BatchResult, error) {
	f.limits = append(f.limits, limit)
	return f.res, f.err
}

type fakeReplayer struct {
	last   service.ReplayQuery
	events []service.ReplayEvent
	err    error
}

func (f *fakeReplayer) Fetch(_ context.Context, q service.ReplayQuery) ([]service.ReplayEvent, error) {
	f.last = q
	return f.events, f.err
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Publisher.AuthToken = token
	cfg.RateLimit = config.RateLimitConfig{RPS: 1000, Burst: 1000}
	return &cfg
}

func do(t *testing.T, r http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

var bearer = map[string]string{"Authorization": "Bearer " + token}

func TestHealthz(t *testing.T) {
	r := NewRouter(&fakePublisher{}, &fakeReplayer{}, testConfig(), testutil.Logger(t))
	w := do(t, r, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestPublish_Auth(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRouter(pub, &fakeReplayer{}, testConfig(), testutil.Logger(t))

	for _, h := range []map[string]string{
		nil,
		{"Authorization": "Bearer wrong"},
		{"Authorization": token},
	} {
		w := do(t, r, http.MethodPost, "/v1/outbox/publish", "{}", h)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	assert.Empty(t, pub.limits)

	cfg := testConfig()
	cfg.Publisher.AuthToken = ""
	r = NewRouter(pub, &fakeReplayer{}, cfg, testutil.Logger(t))
	w := do(t, r, http.MethodPost, "/v1/outbox/publish", "{}", map[string]string{"Authorization": "Bearer "})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "an unset token admits nobody")
}

func TestPublish_LenientBody(t *testing.T) {
	cases := []struct {
		body string
		want int
	}{
		{``, service.DefaultBatchLimit},
		{`not json`, service.DefaultBatchLimit},
		{`{}`, service.DefaultBatchLimit},
		{`{"limit":"ten"}`, service.DefaultBatchLimit},
		{`{"limit":10}`, 10},
		{`{"limit":0}`, 1},
		{`{"limit":9000}`, service.MaxBatchLimit},
		{`{"limit":1e30}`, service.MaxBatchLimit},
		{`{"limit":99999999999999999999}`, service.MaxBatchLimit},
		{`{"limit":-1e30}`, 1},
		{`{"limit":12.9}`, 12},
	}
	for _, tc := range cases {
		pub := &fakePublisher{res: service.BatchResult{Published: 3, OldestPendingSeconds: 7}}
		r := NewRouter(pub, &fakeReplayer{}, testConfig(), testutil.Logger(t))
		w := do(t, r, http.MethodPost, "/v1/outbox/publish", tc.body, bearer)
		require.Equal(t, http.StatusOK, w.Code, tc.body)
		assert.Equal(t, []int{tc.want}, pub.limits, tc.body)
		assert.JSONEq(t, `{"published":3,"failed":0,"skipped":0,"oldestPendingSeconds":7}`, w.Body.String())
	}
}

func TestPublish_ClaimFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("claim pending: connection refused")}
	r := NewRouter(pub, &fakeReplayer{}, testConfig(), testutil.Logger(t))
	w := do(t, r, http.MethodPost, "/v1/outbox/publish", "{}", bearer)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestPublish_EndToEnd(t *testing.T) {
	store := memstore.New()
	var channels []string
	tr := realtime.PublisherFunc(func(_ context.Context, ch, _ string, _ []byte) error {
		channels = append(channels, ch)
		return nil
	})
	pub, err := service.NewPublisher(store, tr, testutil.Logger(t))
	require.NoError(t, err)
	for _, tenant := range []string{"acme", "globex"} {
		_, err := store.Append(context.Background(), nil, repo.NewEvent{
			TenantID: tenant, AggregateType: "card", AggregateID: "c1", EventType: "card.updated",
			Payload: []byte(`{"cardId":"c1"}`),
		})
		require.NoError(t, err)
	}

	r := NewRouter(pub, &fakeReplayer{}, testConfig(), testutil.Logger(t))
	w := do(t, r, http.MethodPost, "/v1/outbox/publish", `{"limit":10}`, bearer)
	require.Equal(t, http.StatusOK, w.Code)

	var res service.BatchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Published)
	assert.ElementsMatch(t, []string{"tenant:acme", "tenant:globex"}, channels)
}

func TestReplay(t *testing.T) {
	rep := &fakeReplayer{events: []service.ReplayEvent{{
		ID: "e1", EventType: "card.moved", OccurredAt: "2024-05-01T12:00:00.000Z",
		ActorID: "u1", Payload: json.RawMessage(`{"cardId":"c1"}`), Sequence: 42,
	}}}
	r := NewRouter(&fakePublisher{}, rep, testConfig(), testutil.Logger(t))

	w := do(t, r, http.MethodGet, "/v1/boards/b1/replay?since=2024-05-01T11:00:00Z&limit=20", "",
		map[string]string{TenantHeader: "acme corp"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"channel": "tenant:acme+corp",
		"events": [{"id":"e1","eventType":"card.moved","occurredAt":"2024-05-01T12:00:00.000Z",
			"actorId":"u1","payload":{"cardId":"c1"},"sequence":42}]
	}`, w.Body.String())

	assert.Equal(t, "acme corp", rep.last.TenantID)
	assert.Equal(t, "b1", rep.last.BoardID)
	assert.Equal(t, 20, rep.last.Limit)
	require.NotNil(t, rep.last.Since)
	assert.True(t, rep.last.Since.Equal(time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)))
}

func TestReplay_EmptyIsArray(t *testing.T) {
	r := NewRouter(&fakePublisher{}, &fakeReplayer{}, testConfig(), testutil.Logger(t))
	w := do(t, r, http.MethodGet, "/v1/boards/b1/replay", "", map[string]string{TenantHeader: "acme"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"events":[],"channel":"tenant:acme"}`, w.Body.String())
}

func TestReplay_BadRequests(t *testing.T) {
	rep := &fakeReplayer{}
	r := NewRouter(&fakePublisher{}, rep, testConfig(), testutil.Logger(t))
	tenant := map[string]string{TenantHeader: "acme"}

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/v1/boards/b1/replay", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/v1/boards/b1/replay?since=yesterday", "", tenant).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/v1/boards/b1/replay?limit=-1", "", tenant).Code)

	rep.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, do(t, r, http.MethodGet, "/v1/boards/b1/replay", "", tenant).Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{RPS: 1, Burst: 2}
	r := NewRouter(&fakePublisher{}, &fakeReplayer{}, cfg, testutil.Logger(t))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, r, http.MethodGet, "/healthz", "", nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
