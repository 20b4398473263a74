package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardliu001/realtime-relay/internal/app"
	"github.com/richardliu001/realtime-relay/internal/config"
	"github.com/richardliu001/realtime-relay/internal/model"
	"github.com/richardliu001/realtime-relay/internal/repo"
	"github.com/richardliu001/realtime-relay/internal/testutil"
	"github.com/richardliu001/realtime-relay/internal/transport/realtime"
)

// fixture is a relay over an in-memory database whose transport fails for
// tenant "broken".
func fixture(t *testing.T) *app.Relay {
	t.Helper()
	db := testutil.OpenDB(t)
	tr := realtime.PublisherFunc(func(_ context.Context, ch, _ string, _ []byte) error {
		if ch == "tenant:broken" {
			return errors.New("broker unreachable")
		}
		return nil
	})
	cfg := config.Default()
	rel, err := app.Build(db, tr, &cfg, testutil.Logger(t))
	require.NoError(t, err)
	require.NoError(t, db.Create(&model.Card{ID: "c1", TenantID: "acme", BoardID: "b1"}).Error)
	return rel
}

func appendEvent(t *testing.T, rel *app.Relay, tenant string) {
	t.Helper()
	_, err := rel.Store.Append(context.Background(), nil, repo.NewEvent{
		TenantID: tenant, AggregateType: "card", AggregateID: "c1", EventType: "card.updated",
		Payload: []byte(`{"cardId":"c1","updatedBy":"u7"}`),
	})
	require.NoError(t, err)
}

func run(t *testing.T, rel *app.Relay, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(func(context.Context, *RootOptions) (*app.Relay, error) { return rel, nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"publish", "requeue", "stats", "replay"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.Equal(t, "text", cmd.PersistentFlags().Lookup("format").DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, fixture(t), "stats", "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestPublishRequeueStats(t *testing.T) {
	rel := fixture(t)
	appendEvent(t, rel, "acme")
	appendEvent(t, rel, "broken")

	out, err := run(t, rel, "publish", "--format", "json")
	require.NoError(t, err)
	var res map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res["published"])
	assert.Equal(t, 1, res["failed"])

	out, err = run(t, rel, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "pending=0 published=1 failed=1")

	_, err = run(t, rel, "requeue")
	assert.ErrorContains(t, err, "--all")

	out, err = run(t, rel, "requeue", "--tenant", "broken")
	require.NoError(t, err)
	assert.Equal(t, "requeued 1 event(s)\n", out)

	out, err = run(t, rel, "stats", "--format", "json")
	require.NoError(t, err)
	var st statsView
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, int64(1), st.Pending)
	assert.Equal(t, int64(1), st.Published)
	assert.Zero(t, st.Failed)
}

func TestReplayCommand(t *testing.T) {
	rel := fixture(t)
	appendEvent(t, rel, "acme")
	_, err := run(t, rel, "publish")
	require.NoError(t, err)

	_, err = run(t, rel, "replay", "--tenant", "acme")
	assert.Error(t, err, "board is required")

	_, err = run(t, rel, "replay", "--tenant", "acme", "--board", "b1", "--since", "last week")
	assert.ErrorContains(t, err, "invalid --since")

	out, err := run(t, rel, "replay", "--tenant", "acme", "--board", "b1", "--format", "json")
	require.NoError(t, err)
	var events []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "card.updated", events[0]["eventType"])
	assert.Equal(t, "u7", events[0]["actorId"])
}

func TestOpenFailure(t *testing.T) {
	cmd := newRootCommand(func(context.Context, *RootOptions) (*app.Relay, error) {
		return nil, errors.New("no database")
	})
	cmd.SetArgs([]string{"stats"})
	cmd.SetOut(&bytes.Buffer{})
	err := cmd.Execute()
	assert.ErrorContains(t, err, "open relay: no database")
}

