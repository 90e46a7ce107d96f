package bus

// Task lifecycle topics.
const (
	TopicTaskSubmitted   = "task.submitted"
	TopicTaskTransition  = "task.transition"
	TopicTaskCompleted   = "task.completed"
	TopicTaskRetrying    = "task.retrying"
	TopicTaskExhausted   = "task.exhausted"
	TopicTaskCancelled   = "task.cancelled"
)

// Workflow run topics.
const (
	TopicRunPhase   = "run.phase"
	TopicRunDone    = "run.done"
	TopicRunBlocked = "run.blocked"
)

// Provider routing topics.
const (
	TopicProviderAttempt = "provider.attempt"
)

// TaskTransitionEvent is published on every recorded task state change.
type TaskTransitionEvent struct {
	TaskID    string
	Kind      string
	FromState string
	ToState   string
	Attempt   int
	Cause     string
}

// RunPhaseEvent is published when a workflow run changes phase.
type RunPhaseEvent struct {
	RunID     string
	FromPhase string
	ToPhase   string
	Blocker   string // set only when ToPhase is Blocked
}

// ProviderAttemptEvent mirrors a routing decision for live consumers.
type ProviderAttemptEvent struct {
	TaskID    string
	Kind      string
	Provider  string
	Attempt   int
	Outcome   string
	LatencyMs int64
	Tokens    int64
}
