// Package task defines the unit of schedulable work, its lifecycle state
// machine, the failure taxonomy, and the retry policy that decides whether a
// failed attempt loops back to pending.
package task

import (
	"encoding/json"
	"time"
)

// Kind names the type of work a task carries. The kind selects the
// capability used to execute it: PLAN/REVIEW/STATUS/FOLLOWUP go to a
// language-model provider, EDIT/APPLY go to the actuator.
type Kind string

const (
	KindPlan     Kind = "PLAN"
	KindEdit     Kind = "EDIT"
	KindReview   Kind = "REVIEW"
	KindStatus   Kind = "STATUS"
	KindFollowup Kind = "FOLLOWUP"
	KindApply    Kind = "APPLY"
)

// Valid reports whether k is a known task kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPlan, KindEdit, KindReview, KindStatus, KindFollowup, KindApply:
		return true
	}
	return false
}

// State is a task lifecycle state.
type State string

const (
	StatePending   State = "PENDING"
	StateExecuting State = "EXECUTING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	// StateExhausted is the terminal form of FAILED once the retry policy
	// gives up.
	StateExhausted State = "FAILED_EXHAUSTED"
	StateCancelled State = "CANCELLED"
)

var allowedTransitions = map[State]map[State]struct{}{
	StatePending: {
		StateExecuting: {},
		StateCancelled: {},
	},
	StateExecuting: {
		StateCompleted: {},
		StateFailed:    {},
		StateCancelled: {},
	},
	StateFailed: {
		StatePending:   {}, // retry edge, gated by RetryPolicy
		StateExhausted: {},
	},
}

// CanTransition reports whether the from→to edge exists in the lifecycle
// state machine.
func CanTransition(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Terminal reports whether s is a terminal state. Terminal tasks are
// immutable.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateExhausted, StateCancelled:
		return true
	}
	return false
}

// Task is the unit of schedulable work. Its id never changes and is never
// reused; once a terminal state is reached the task is immutable.
type Task struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	State     State           `json:"state"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Result    json.RawMessage `json:"result,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

// Clone returns a deep copy so callers can't mutate store state through
// returned snapshots.
func (t Task) Clone() Task {
	out := t
	if t.Payload != nil {
		out.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		out.Result = append(json.RawMessage(nil), t.Result...)
	}
	return out
}
