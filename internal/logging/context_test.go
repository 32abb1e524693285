package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestWithEpochCtx(t *testing.T) {
	ctx := context.Background()
	ctx = WithEpochCtx(ctx, 42)

	got, ok := EpochFromCtx(ctx)
	if !ok || got != 42 {
		t.Errorf("EpochFromCtx() = (%d, %v), want (42, true)", got, ok)
	}
}

func TestEpochFromCtxEmpty(t *testing.T) {
	ctx := context.Background()
	_, ok := EpochFromCtx(ctx)
	if ok {
		t.Error("EpochFromCtx() on bare context should report ok=false")
	}
}

func TestWithPhaseCtx(t *testing.T) {
	ctx := context.Background()
	ctx = WithPhaseCtx(ctx, "mark")

	got := PhaseFromCtx(ctx)
	if got != "mark" {
		t.Errorf("PhaseFromCtx() = %q, want %q", got, "mark")
	}
}

func TestPhaseFromCtxEmpty(t *testing.T) {
	ctx := context.Background()
	got := PhaseFromCtx(ctx)
	if got != "" {
		t.Errorf("PhaseFromCtx() = %q, want empty string", got)
	}
}

func TestWithLoggerCtx(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})

	ctx := context.Background()
	ctx = WithLoggerCtx(ctx, l)

	got := LoggerFromCtx(ctx)
	if got != l {
		t.Error("LoggerFromCtx() did not return the logger that was set")
	}
}

func TestLoggerFromCtxMissing(t *testing.T) {
	ctx := context.Background()
	got := LoggerFromCtx(ctx)
	if got != nil {
		t.Error("LoggerFromCtx() on bare context should return nil")
	}
}

func TestFromCtxFallsBackToGlobalWithScope(t *testing.T) {
	var buf bytes.Buffer
	SetGlobal(New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf}))
	defer SetGlobal(DefaultLogger())

	ctx := context.Background()
	ctx = WithEpochCtx(ctx, 7)
	ctx = WithPhaseCtx(ctx, "sweep")

	l := FromCtx(ctx)
	l.Info("scanning")

	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}
	if entry.Epoch != 7 || entry.Phase != "sweep" {
		t.Errorf("entry = %+v, want epoch=7 phase=sweep", entry)
	}
}

func TestFromCtxReturnsAttachedLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf}).WithEpoch(3)

	ctx := context.Background()
	ctx = WithLoggerCtx(ctx, l)

	got := FromCtx(ctx)
	got.Info("hello")

	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}
	if entry.Epoch != 3 {
		t.Errorf("entry.Epoch = %d, want 3", entry.Epoch)
	}
}

func TestContextLoggerAppliesAdditionalScope(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})

	ctx := context.Background()
	ctx = WithPhaseCtx(ctx, "finalize")

	l := ContextLogger(ctx, base)
	l.Info("done")

	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}
	if entry.Phase != "finalize" {
		t.Errorf("entry.Phase = %q, want finalize", entry.Phase)
	}
}

func TestContextLoggerNilBaseUsesGlobal(t *testing.T) {
	var buf bytes.Buffer
	SetGlobal(New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf}))
	defer SetGlobal(DefaultLogger())

	ctx := context.Background()
	l := ContextLogger(ctx, nil)
	l.Info("fallback")

	if buf.Len() == 0 {
		t.Error("expected global logger to be used and produce output")
	}
}

func TestPropagateScope(t *testing.T) {
	l := DefaultLogger().WithEpoch(11).WithPhase("mark")

	ctx := PropagateScope(context.Background(), l)

	epoch, ok := EpochFromCtx(ctx)
	if !ok || epoch != 11 {
		t.Errorf("EpochFromCtx() = (%d, %v), want (11, true)", epoch, ok)
	}
	if phase := PhaseFromCtx(ctx); phase != "mark" {
		t.Errorf("PhaseFromCtx() = %q, want mark", phase)
	}
}

func TestPropagateScopeNilLogger(t *testing.T) {
	ctx := context.Background()
	got := PropagateScope(ctx, nil)
	if got != ctx {
		t.Error("PropagateScope(ctx, nil) should return the context unchanged")
	}
}
