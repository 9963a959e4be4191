package emit

import (
	"sync"
	"testing"
)

func TestBufferedEmitter_History(t *testing.T) {
	b := NewBufferedEmitter()

	b.Emit(TraceEvent{RunID: "r1", Sequence: 1, NodeID: "plan", Kind: KindNode, Status: StatusOK})
	b.Emit(TraceEvent{RunID: "r1", Sequence: 2, NodeID: "draft", UnitKey: "section:a", Kind: KindNode, Status: StatusOK})
	b.Emit(TraceEvent{RunID: "r1", Sequence: 3, NodeID: "draft", UnitKey: "section:b", Kind: KindNode, Status: StatusFailed})
	b.Emit(TraceEvent{RunID: "r2", Sequence: 1, NodeID: "plan", Kind: KindNode, Status: StatusOK})

	if got := len(b.GetHistory("r1")); got != 3 {
		t.Fatalf("r1 history = %d events, want 3", got)
	}
	if got := b.GetHistory("missing"); got == nil || len(got) != 0 {
		t.Errorf("missing run should return empty non-nil slice, got %v", got)
	}

	tests := []struct {
		name   string
		filter HistoryFilter
		want   int
	}{
		{"by node", HistoryFilter{NodeID: "draft"}, 2},
		{"by status", HistoryFilter{Status: StatusFailed}, 1},
		{"by unit", HistoryFilter{UnitKey: "section:a"}, 1},
		{"by range", HistoryFilter{MinSeq: 2, MaxSeq: 2}, 1},
		{"open upper bound", HistoryFilter{MinSeq: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(b.GetHistoryWithFilter("r1", tt.filter)); got != tt.want {
				t.Errorf("got %d events, want %d", got, tt.want)
			}
		})
	}

	b.Clear("r1")
	if got := len(b.GetHistory("r1")); got != 0 {
		t.Errorf("after Clear(r1) got %d events", got)
	}
	if got := len(b.GetHistory("r2")); got != 1 {
		t.Errorf("Clear(r1) must keep r2, got %d events", got)
	}
}

func TestBufferedEmitter_Concurrent(t *testing.T) {
	b := NewBufferedEmitter()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Emit(TraceEvent{RunID: "r", Sequence: uint64(i + 1)})
			b.Progress(Progress{RunID: "r", Percent: i})
		}(i)
	}
	wg.Wait()

	if got := len(b.GetHistory("r")); got != 50 {
		t.Errorf("events = %d, want 50", got)
	}
	if got := len(b.GetProgress("r")); got != 50 {
		t.Errorf("progress = %d, want 50", got)
	}
}
