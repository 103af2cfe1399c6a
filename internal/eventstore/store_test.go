package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-copilot/internal/config"
	"github.com/loqalabs/loqa-copilot/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if !es.Healthy() {
		t.Fatal("ephemeral store must be healthy")
	}
	if err := es.AppendSession(ctx, "s", "1"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.RecordQA(ctx, "s", "1", protocol.QA{Question: "q", Answer: "a"}); err != nil {
		t.Fatalf("record qa: %v", err)
	}
	history, err := es.TabHistory(ctx, "1", 10)
	if err != nil || history != nil {
		t.Fatalf("expected no history, got %v %v", history, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.AppendSession(ctx, "session-123", "42"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "session-123", TabID: "42", Type: TypeTranscriptFinal, Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" || events[0].TabID != "42" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to round-trip")
	}
	if err := es.EndSession(ctx, "session-123"); err != nil {
		t.Fatalf("end session: %v", err)
	}
}

func TestTabHistoryUsesLatestSession(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	es.clock = func() time.Time { return base }
	_ = es.AppendSession(ctx, "first", "7")
	_ = es.RecordQA(ctx, "first", "7", protocol.QA{Question: "old?", Answer: "old", AskedAt: base})

	es.clock = func() time.Time { return base.Add(time.Hour) }
	_ = es.AppendSession(ctx, "second", "7")
	_ = es.RecordQA(ctx, "second", "7", protocol.QA{Question: "What is Go?", Answer: "A language.", AskedAt: base.Add(time.Hour)})
	_ = es.AppendEvent(ctx, Event{SessionID: "second", TabID: "7", Type: TypeTranscriptFinal, Payload: []byte("noise")})
	_ = es.RecordQA(ctx, "second", "7", protocol.QA{Question: "Why channels?", Answer: "Sharing.", AskedAt: base.Add(2 * time.Hour)})

	history, err := es.TabHistory(ctx, "7", 10)
	if err != nil {
		t.Fatalf("tab history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %+v", history)
	}
	if history[0].Question != "What is Go?" || history[1].Question != "Why channels?" {
		t.Fatalf("unexpected order: %+v", history)
	}

	none, err := es.TabHistory(ctx, "unknown", 10)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty history, got %v %v", none, err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "old-session", "1"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", TabID: "1", Type: TypeCaptureStarted}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "new-session", "1"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
