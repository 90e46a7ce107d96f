package eventlog

import (
	"context"
	"sync"
)

// Memory is an in-memory Log for tests and ephemeral runs. It honors the same
// contract as Store: insertion-order ids, append-before-visible.
type Memory struct {
	mu        sync.Mutex
	events    []Event
	sessionID string
}

// NewMemory returns an empty in-memory log scoped to the given session id.
func NewMemory(sessionID string) *Memory {
	return &Memory{sessionID: sessionID}
}

// Session returns the session id this log was created with.
func (m *Memory) Session() string { return m.sessionID }

// Append records the event and assigns the next insertion-order id.
func (m *Memory) Append(_ context.Context, ev Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.SessionID == "" {
		ev.SessionID = m.sessionID
	}
	ev.EventID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return ev.EventID, nil
}

// ReadSession returns events for one session in insertion order.
func (m *Memory) ReadSession(_ context.Context, sessionID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ReadAll returns every event in insertion order.
func (m *Memory) ReadAll(_ context.Context) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out, nil
}
