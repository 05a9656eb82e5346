package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextFieldsAttached(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prev := SetGlobal(NewWithCore(core))
	defer SetGlobal(prev)

	ctx := WithSubmission(context.Background(), "sub-1", "python")
	Warn(ctx, "judging slow", zap.Int("attempt", 2))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["submission_id"] != "sub-1" {
		t.Fatalf("missing submission_id: %v", fields)
	}
	if fields["language"] != "python" {
		t.Fatalf("missing language: %v", fields)
	}
	if fields["attempt"] != int64(2) {
		t.Fatalf("missing call-site field: %v", fields)
	}
}

func TestNilGlobalIsSilent(t *testing.T) {
	prev := SetGlobal(nil)
	defer SetGlobal(prev)
	Error(context.Background(), "dropped")
	if err := Sync(); err != nil {
		t.Fatalf("sync with nil logger: %v", err)
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	t.Parallel()
	if _, err := NewLogger(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
}
