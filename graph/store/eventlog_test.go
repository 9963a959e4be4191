package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/draftgraph/graph/emit"
)

func TestEventLog_AppendContiguous(t *testing.T) {
	for name, kv := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			log := NewEventLog(kv)
			session := uniquePrefix("sess")

			last, err := log.Last(ctx, session, "run-1")
			require.NoError(t, err)
			assert.Zero(t, last)

			const n = 24
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := log.Append(ctx, emit.TraceEvent{
						SessionID: session, RunID: "run-1", NodeID: "draft",
						Kind: emit.KindNode, Status: emit.StatusOK,
						StartedAt: time.Now(), EndedAt: time.Now(),
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			events, err := log.Read(ctx, session, "run-1", 1)
			require.NoError(t, err)
			require.Len(t, events, n)
			for i, ev := range events {
				assert.Equal(t, uint64(i+1), ev.Sequence)
			}

			tail, err := log.Read(ctx, session, "run-1", n-2)
			require.NoError(t, err)
			require.Len(t, tail, 3)
			assert.Equal(t, uint64(n-2), tail[0].Sequence)

			last, err = log.Last(ctx, session, "run-1")
			require.NoError(t, err)
			assert.Equal(t, uint64(n), last)
		})
	}
}

func TestEventLog_RunsAreIndependent(t *testing.T) {
	ctx := context.Background()
	log := NewEventLog(NewMemKV())

	a, err := log.Append(ctx, emit.TraceEvent{SessionID: "s", RunID: "a", NodeID: "plan"})
	require.NoError(t, err)
	b, err := log.Append(ctx, emit.TraceEvent{SessionID: "s", RunID: "b", NodeID: "plan"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.Sequence)
	assert.Equal(t, uint64(1), b.Sequence)

	_, err = log.Append(ctx, emit.TraceEvent{SessionID: "s"})
	assert.Error(t, err)
}

func TestEventLog_ResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()

	first := NewEventLog(kv)
	for i := 0; i < 3; i++ {
		_, err := first.Append(ctx, emit.TraceEvent{SessionID: "s", RunID: "r", NodeID: "n"})
		require.NoError(t, err)
	}

	// A second log over the same adapter continues the sequence.
	second := NewEventLog(kv)
	ev, err := second.Append(ctx, emit.TraceEvent{SessionID: "s", RunID: "r", NodeID: "n"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ev.Sequence)

	// The first log's cached head is stale and recovers by retrying.
	ev, err = first.Append(ctx, emit.TraceEvent{SessionID: "s", RunID: "r", NodeID: "n"})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ev.Sequence)
}

func TestEventLog_PreservesOutput(t *testing.T) {
	ctx := context.Background()
	log := NewEventLog(NewMemKV())

	in := emit.TraceEvent{
		SessionID: "s", RunID: "r", NodeID: "aggregate", UnitKey: "main",
		Kind: emit.KindJoin, Status: emit.StatusOK,
		InputDigest: "sha256:in", OutputDigest: "sha256:out",
		Output: []byte(`{"document":"x"}`),
	}
	_, err := log.Append(ctx, in)
	require.NoError(t, err)

	events, err := log.Read(ctx, "s", "r", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"document":"x"}`, string(events[0].Output))
	assert.Equal(t, emit.KindJoin, events[0].Kind)
	assert.Equal(t, "sha256:out", events[0].OutputDigest)
}
