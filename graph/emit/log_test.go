package emit

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogEmitter_Emit(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	emitter := NewLogEmitter(zap.New(core), true)

	emitter.Emit(TraceEvent{RunID: "r1", NodeID: "plan", Kind: KindNode, Status: StatusOK})
	emitter.Emit(TraceEvent{RunID: "r1", NodeID: "draft", Kind: KindNode, Status: StatusFailed, Error: "boom"})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[0].Message != "node committed" {
		t.Errorf("first entry = %s %q", entries[0].Level, entries[0].Message)
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Errorf("failed event level = %s, want warn", entries[1].Level)
	}
	if got := entries[1].ContextMap()["error"]; got != "boom" {
		t.Errorf("error field = %v, want boom", got)
	}
	if _, ok := entries[0].ContextMap()["input_digest"]; !ok {
		t.Error("verbose emitter should log digests")
	}
}

func TestLogEmitter_ProgressLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	NewLogEmitter(zap.New(core), false).Progress(Progress{RunID: "r1", NodeID: "draft", Percent: 40, SectionLabel: "Intro"})
	NewLogEmitter(zap.New(core), true).Progress(Progress{RunID: "r1", NodeID: "draft", Percent: 60})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel {
		t.Errorf("quiet progress level = %s, want debug", entries[0].Level)
	}
	if got := entries[0].ContextMap()["section"]; got != "Intro" {
		t.Errorf("section = %v", got)
	}
	if entries[1].Level != zapcore.InfoLevel {
		t.Errorf("verbose progress level = %s, want info", entries[1].Level)
	}
}

func TestNewLogEmitter_NilLogger(t *testing.T) {
	e := NewLogEmitter(nil, false)
	e.Emit(TraceEvent{RunID: "r"})
	e.Progress(Progress{RunID: "r"})
}
