// Package workflow composes the orchestrator, provider router, and actuator
// into the PLAN, EDIT, REVIEW pipeline. A run owns its phase machine and the
// artifact handoff between phases; the tasks inside it are owned by the
// orchestrator and referenced by id.
package workflow

import (
	"time"

	"github.com/basket/sprintloop/internal/actuator"
)

// Phase is a workflow run phase.
type Phase string

const (
	PhasePlanning  Phase = "PLANNING"
	PhaseEditing   Phase = "EDITING"
	PhaseReviewing Phase = "REVIEWING"
	PhaseDone      Phase = "DONE"
	PhaseBlocked   Phase = "BLOCKED"
)

// Terminal reports whether the phase ends the run.
func (p Phase) Terminal() bool { return p == PhaseDone || p == PhaseBlocked }

var allowedPhases = map[Phase][]Phase{
	PhasePlanning:  {PhaseEditing, PhaseBlocked},
	PhaseEditing:   {PhaseReviewing, PhaseBlocked},
	PhaseReviewing: {PhaseDone, PhaseBlocked},
}

func phaseAllowed(from, to Phase) bool {
	for _, p := range allowedPhases[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Run is one PLAN, EDIT, REVIEW pass over a sprint. It carries the cross
// phase artifacts; a Blocked run always records a blocker naming the task
// that caused it.
type Run struct {
	ID        string    `json:"id"`
	SprintRef string    `json:"sprint_ref"`
	Phase     Phase     `json:"phase"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	PlanTaskID   string   `json:"plan_task_id,omitempty"`
	EditTaskIDs  []string `json:"edit_task_ids,omitempty"`
	ReviewTaskID string   `json:"review_task_id,omitempty"`

	Plan    *PlanDocument          `json:"plan,omitempty"`
	Applied []actuator.ApplyResult `json:"applied,omitempty"`
	Review  *ReviewDocument        `json:"review,omitempty"`

	Blocker string `json:"blocker,omitempty"`
}

// Tested reports whether review evidence included a passing test outcome.
func (r *Run) Tested() bool {
	return r.Review != nil && r.Review.TestsPassed
}
