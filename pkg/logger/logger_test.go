package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextFieldsAreAttached(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewFromZap(zap.New(core))

	ctx := WithField(context.Background(), KeyTraceID, "req-1")
	ctx = WithField(ctx, KeyExceptionID, "exc-9")
	ctx = WithField(ctx, KeyWorkerID, 3)

	log.Infof(ctx, "[Test] hello %s", "world")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Message != "[Test] hello world" {
		t.Fatalf("unexpected message %q", entry.Message)
	}

	fields := entry.ContextMap()
	if fields["trace_id"] != "req-1" {
		t.Errorf("trace_id = %v, want req-1", fields["trace_id"])
	}
	if fields["exception_id"] != "exc-9" {
		t.Errorf("exception_id = %v, want exc-9", fields["exception_id"])
	}
	if fields["worker_id"] != int64(3) {
		t.Errorf("worker_id = %v (%T), want 3", fields["worker_id"], fields["worker_id"])
	}
	if TraceID(ctx) != "req-1" {
		t.Errorf("TraceID() = %q", TraceID(ctx))
	}
}
