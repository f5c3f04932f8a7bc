package grounding_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reportflow/reportflow/agent"
	"github.com/reportflow/reportflow/grounding"
	"github.com/reportflow/reportflow/grounding/inmem"
)

func newManager(t *testing.T, store grounding.Store) *grounding.Manager {
	t.Helper()
	m, err := grounding.NewManager(grounding.ManagerOptions{Store: store})
	require.NoError(t, err)
	return m
}

func TestRecordTurnAppendsUserThenAssistant(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	m := newManager(t, store)

	results := []agent.Result{
		{AgentID: "geo", Fields: map[string]any{"location_name": "5th Ave"}},
		{AgentID: "entity", Fields: map[string]any{"involved_parties": "two cyclists"}},
	}
	assistant, err := m.RecordTurn(ctx, "city", "sess-1", "crash on 5th", "Report filed for 5th Ave.", results)
	require.NoError(t, err)
	require.Equal(t, grounding.RoleAssistant, assistant.Role)

	msgs, err := store.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, grounding.RoleUser, msgs[0].Role)
	require.Equal(t, "crash on 5th", msgs[0].Content)
	require.Equal(t, grounding.RoleAssistant, msgs[1].Role)
	require.Less(t, msgs[0].Seq, msgs[1].Seq)
}

func TestRecordTurnReferencesEveryResult(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	m := newManager(t, store)

	results := []agent.Result{
		{AgentID: "summary", Fields: map[string]any{"summary_text": "pothole"}},
		{AgentID: "entity", Err: errors.New("exhausted")},
		{AgentID: "geo", Fields: map[string]any{"location_name": "Aurora Bridge"}},
	}
	assistant, err := m.RecordTurn(ctx, "city", "sess-1", "report", "answer", results)
	require.NoError(t, err)
	require.Len(t, assistant.References, 3)

	// Ordered by agent id, failed agents flagged rather than dropped.
	require.Equal(t, "entity", assistant.References[0].ReferenceID)
	require.Equal(t, "failed", assistant.References[0].Status)
	require.Equal(t, "geo", assistant.References[1].ReferenceID)
	require.Equal(t, "completed", assistant.References[1].Status)
	require.Equal(t, "Aurora Bridge", assistant.References[1].Location)
	require.Equal(t, "summary", assistant.References[2].ReferenceID)
	require.Contains(t, assistant.References[2].Summary, "pothole")
}

func TestRecordTurnNoResultsYieldsEmptyNotNilReferences(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, inmem.New())

	assistant, err := m.RecordTurn(ctx, "city", "sess-1", "hello", "hi", nil)
	require.NoError(t, err)
	require.NotNil(t, assistant.References)
	require.Empty(t, assistant.References)
}

func TestSessionCountersAreMonotonic(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m, err := grounding.NewManager(grounding.ManagerOptions{
		Store: store,
		Clock: func() time.Time { return clock },
	})
	require.NoError(t, err)

	_, err = m.RecordTurn(ctx, "city", "sess-1", "first", "ack", nil)
	require.NoError(t, err)
	sess, err := store.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), sess.MessageCount)
	first := sess.LastActivity

	// An earlier clock must not move last_activity backwards.
	clock = clock.Add(-time.Hour)
	_, err = m.RecordTurn(ctx, "city", "sess-1", "second", "ack", nil)
	require.NoError(t, err)
	sess, err = store.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, int64(4), sess.MessageCount)
	require.False(t, sess.LastActivity.Before(first))
}

func TestRecordTurnReusesExistingSession(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	m := newManager(t, store)

	_, err := m.RecordTurn(ctx, "city", "sess-1", "first", "ack", nil)
	require.NoError(t, err)
	created, err := store.LoadSession(ctx, "sess-1")
	require.NoError(t, err)

	_, err = m.RecordTurn(ctx, "city", "sess-1", "second", "ack", nil)
	require.NoError(t, err)
	after, err := store.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, created.CreatedAt, after.CreatedAt, "creation time survives later turns")
}

func TestListMessagesUnknownSession(t *testing.T) {
	store := inmem.New()
	_, err := store.ListMessages(context.Background(), "nope")
	require.ErrorIs(t, err, grounding.ErrSessionNotFound)
}
