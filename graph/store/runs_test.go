package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStore_Records(t *testing.T) {
	for name, kv := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rs := NewRunStore(kv)
			session := uniquePrefix("sess")

			_, err := rs.GetRun(ctx, session, "run-1")
			assert.ErrorIs(t, err, ErrNotFound)

			rec, err := rs.PutRun(ctx, RunRecord{SessionID: session, RunID: "run-1", Contract: "compose", Status: "running"})
			require.NoError(t, err)
			created := rec.CreatedAt
			assert.False(t, created.IsZero())

			rec.Status = "paused"
			rec.PausedAt = "validate"
			_, err = rs.PutRun(ctx, rec)
			require.NoError(t, err)

			got, err := rs.GetRun(ctx, session, "run-1")
			require.NoError(t, err)
			assert.Equal(t, "paused", got.Status)
			assert.Equal(t, "validate", got.PausedAt)
			assert.True(t, got.CreatedAt.Equal(created))
			assert.False(t, got.UpdatedAt.Before(created))

			_, err = rs.PutRun(ctx, RunRecord{SessionID: session, RunID: "run-0", Status: "completed"})
			require.NoError(t, err)

			runs, err := rs.ListRuns(ctx, session)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "run-0", runs[0].RunID)
			assert.Equal(t, "run-1", runs[1].RunID)
		})
	}
}

func TestRunStore_Gates(t *testing.T) {
	ctx := context.Background()
	rs := NewRunStore(NewMemKV())

	_, err := rs.GetGate(ctx, "s", "r", "validate")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, rs.PutGate(ctx, "s", "r", Gate{NodeID: "validate"}))
	require.NoError(t, rs.PutGate(ctx, "s", "r", Gate{NodeID: "aggregate", Approved: true, Note: "ok"}))

	g, err := rs.GetGate(ctx, "s", "r", "validate")
	require.NoError(t, err)
	assert.False(t, g.Approved)
	assert.False(t, g.UpdatedAt.IsZero())

	g.Approved = true
	g.Consumed = true
	require.NoError(t, rs.PutGate(ctx, "s", "r", g))

	gates, err := rs.ListGates(ctx, "s", "r")
	require.NoError(t, err)
	require.Len(t, gates, 2)
	assert.Equal(t, "aggregate", gates[0].NodeID)
	assert.Equal(t, "ok", gates[0].Note)
	assert.True(t, gates[1].Consumed)

	other, err := rs.ListGates(ctx, "s", "other")
	require.NoError(t, err)
	assert.Empty(t, other)
}
