// Package eventlog stores the append-only history of task lifecycle events.
// The ordered event sequence is the single authority for task state: the
// orchestrator's in-memory store is a fold over it, and crash recovery
// replays it.
package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/sprintloop/internal/task"
)

// Event is an immutable fact about one task transition. FromState is empty
// for the creation event. EventID is assigned by the log on append and
// defines the ordering authority (insertion order).
type Event struct {
	EventID   int64           `json:"event_id"`
	SessionID string          `json:"session_id"`
	TaskID    string          `json:"task_id"`
	Kind      task.Kind       `json:"kind,omitempty"`
	FromState task.State      `json:"from_state,omitempty"`
	ToState   task.State      `json:"to_state"`
	Cause     string          `json:"cause"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Log is the append-only event store. Append must be durable before it
// returns: the orchestrator exposes no transition to callers until the
// corresponding event is committed. Appends from concurrent tasks are safe;
// ordering across tasks is insertion order.
type Log interface {
	// Append commits the event and returns its assigned event id.
	Append(ctx context.Context, ev Event) (int64, error)
	// ReadSession returns the events of one session in insertion order.
	ReadSession(ctx context.Context, sessionID string) ([]Event, error)
	// ReadAll returns all events across sessions in insertion order, so
	// replay can stitch linked sessions.
	ReadAll(ctx context.Context) ([]Event, error)
}
