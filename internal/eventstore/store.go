package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-copilot/internal/config"
	"github.com/loqalabs/loqa-copilot/internal/protocol"
	_ "modernc.org/sqlite"
)

// Timeline event types.
const (
	TypeCaptureStarted  = "capture.started"
	TypeCaptureStopped  = "capture.stopped"
	TypeCaptureError    = "capture.error"
	TypeTranscriptFinal = "transcript.final"
	TypeQA              = "qa"
)

// Event is one entry on a capture session's timeline.
type Event struct {
	ID        int64
	SessionID string
	TabID     string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store is the SQLite-backed capture timeline. In ephemeral mode it keeps
// nothing and every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    tab_id TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_tab_started ON sessions(tab_id, started_at);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    tab_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) disabled() bool {
	return s == nil || s.db == nil || s.cfg.RetentionMode == "ephemeral"
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Healthy pings the database; ephemeral stores are always healthy.
func (s *Store) Healthy() bool {
	if s.disabled() {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

// AppendSession records the start of a capture session for tabID.
func (s *Store) AppendSession(ctx context.Context, sessionID, tabID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, tab_id, started_at) VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET tab_id=excluded.tab_id`,
		sessionID, tabID, s.clock().UTC().UnixNano())
	return err
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL`,
		s.clock().UTC().UnixNano(), sessionID)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, tab_id, event_type, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TabID, evt.Type, evt.Payload, evt.CreatedAt.UTC().UnixNano())
	return err
}

// RecordQA appends a qa event carrying the JSON encoded pair.
func (s *Store) RecordQA(ctx context.Context, sessionID, tabID string, qa protocol.QA) error {
	if s.disabled() {
		return nil
	}
	payload, err := json.Marshal(qa)
	if err != nil {
		return err
	}
	return s.AppendEvent(ctx, Event{SessionID: sessionID, TabID: tabID, Type: TypeQA, Payload: payload, CreatedAt: qa.AskedAt})
}

// ListSessionEvents returns up to limit events for a session, oldest first.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, tab_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TabID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// TabHistory returns the Q/A pairs of the most recent session recorded for
// tabID, in the order they were asked.
func (s *Store) TabHistory(ctx context.Context, tabID string, limit int) ([]protocol.QA, error) {
	if s.disabled() {
		return nil, nil
	}
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE tab_id = ? ORDER BY started_at DESC LIMIT 1`, tabID).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	events, err := s.ListSessionEvents(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	var history []protocol.QA
	for _, e := range events {
		if e.Type != TypeQA {
			continue
		}
		var qa protocol.QA
		if err := json.Unmarshal(e.Payload, &qa); err != nil {
			s.log.Warn("skipping malformed qa event", slog.Int64("event_id", e.ID), slog.String("error", err.Error()))
			continue
		}
		history = append(history, qa)
	}
	return history, nil
}

// Prune applies retention_days and max_sessions.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
