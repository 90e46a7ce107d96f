package task

import (
	"encoding/json"
	"testing"
)

func TestKind_Valid(t *testing.T) {
	for _, k := range []Kind{KindPlan, KindEdit, KindReview, KindStatus, KindFollowup, KindApply} {
		if !k.Valid() {
			t.Errorf("Kind(%q).Valid() = false, want true", k)
		}
	}
	if Kind("DEPLOY").Valid() {
		t.Error("Kind(DEPLOY).Valid() = true, want false")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateExecuting, true},
		{StatePending, StateCancelled, true},
		{StatePending, StateCompleted, false},
		{StateExecuting, StateCompleted, true},
		{StateExecuting, StateFailed, true},
		{StateExecuting, StateCancelled, true},
		{StateExecuting, StatePending, false},
		{StateFailed, StatePending, true},
		{StateFailed, StateExhausted, true},
		{StateFailed, StateExecuting, false},
		{StateCompleted, StateExecuting, false},
		{StateExhausted, StatePending, false},
		{StateCancelled, StateExecuting, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	terminal := []State{StateCompleted, StateExhausted, StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []State{StatePending, StateExecuting, StateFailed} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestTask_CloneIsDeep(t *testing.T) {
	orig := Task{
		ID:      "t-1",
		Kind:    KindEdit,
		State:   StatePending,
		Payload: json.RawMessage(`{"resource":"notes.txt"}`),
	}
	clone := orig.Clone()
	clone.Payload[2] = 'X'
	if string(orig.Payload) != `{"resource":"notes.txt"}` {
		t.Fatalf("mutating clone payload changed original: %s", orig.Payload)
	}
}
