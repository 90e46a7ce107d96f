package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/sprintloop/internal/task"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed event log. One Store spans the lifetime of one
// orchestrator run; OpenSession starts a new session row linked to the
// previous one so ReadAll can stitch histories across restarts.
type Store struct {
	db        *sql.DB
	sessionID string
	readOnly  bool
}

// Open opens (creating if necessary) the event database at path and starts a
// new session linked to the most recent prior session.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.openSession(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly opens the event database at path without starting a session.
// Inspection commands use it so replaying history never grows the session
// chain. Session returns "" and Append rejects events on a read-only store.
func OpenReadOnly(ctx context.Context, path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open event log read-only: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&mode=ro", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log read-only: %w", err)
	}
	return &Store{db: db, readOnly: true}, nil
}

// Session returns the current session id.
func (s *Store) Session() string { return s.sessionID }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			parent_id  TEXT,
			started_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS task_events (
			event_id   INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			task_id    TEXT NOT NULL,
			kind       TEXT NOT NULL DEFAULT '',
			from_state TEXT,
			to_state   TEXT NOT NULL,
			cause      TEXT NOT NULL,
			detail     TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);
		CREATE INDEX IF NOT EXISTS idx_task_events_session ON task_events(session_id, event_id);
	`)
	if err != nil {
		return fmt.Errorf("init event log schema: %w", err)
	}
	return nil
}

func (s *Store) openSession(ctx context.Context) error {
	var parent sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT 1;
	`).Scan(&parent)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("find prior session: %w", err)
	}

	s.sessionID = uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, parent_id, started_at) VALUES (?, ?, ?);
	`, s.sessionID, parent, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	return nil
}

// Append commits the event and returns its assigned id. The event is part of
// the orchestration history only once this returns nil.
func (s *Store) Append(ctx context.Context, ev Event) (int64, error) {
	if s.readOnly {
		return 0, fmt.Errorf("event log opened read-only")
	}
	if ev.SessionID == "" {
		ev.SessionID = s.sessionID
	}
	var fromState any
	if ev.FromState != "" {
		fromState = string(ev.FromState)
	}
	var detail any
	if len(ev.Detail) > 0 {
		detail = string(ev.Detail)
	}

	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task_events (session_id, task_id, kind, from_state, to_state, cause, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, ev.SessionID, ev.TaskID, string(ev.Kind), fromState, string(ev.ToState),
			ev.Cause, detail, ev.Timestamp.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("event id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ReadSession returns one session's events in insertion order.
func (s *Store) ReadSession(ctx context.Context, sessionID string) ([]Event, error) {
	return s.query(ctx, `
		SELECT event_id, session_id, task_id, kind, from_state, to_state, cause, detail, created_at
		FROM task_events WHERE session_id = ? ORDER BY event_id ASC;
	`, sessionID)
}

// ReadAll returns all events across sessions in insertion order.
func (s *Store) ReadAll(ctx context.Context) ([]Event, error) {
	return s.query(ctx, `
		SELECT event_id, session_id, task_id, kind, from_state, to_state, cause, detail, created_at
		FROM task_events ORDER BY event_id ASC;
	`)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}
	return out, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		ev        Event
		kind      string
		fromState sql.NullString
		detail    sql.NullString
		createdAt string
	)
	if err := rows.Scan(&ev.EventID, &ev.SessionID, &ev.TaskID, &kind,
		&fromState, (*string)(&ev.ToState), &ev.Cause, &detail, &createdAt); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Kind = task.Kind(kind)
	if fromState.Valid {
		ev.FromState = task.State(fromState.String)
	}
	if detail.Valid {
		ev.Detail = []byte(detail.String)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Event{}, fmt.Errorf("parse event timestamp %q: %w", createdAt, err)
	}
	ev.Timestamp = ts
	return ev, nil
}

// retryOnBusy retries f on transient SQLite lock contention using exponential
// backoff with bounded jitter, on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks for SQLITE_BUSY (5) or SQLITE_LOCKED (6) by message so
// non-CGO code paths don't import the sqlite3 package directly.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
