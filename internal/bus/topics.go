package bus

// Task lifecycle topics. All share the "task." prefix so a single
// subscription can observe the whole lifecycle.
const (
	TopicTaskCreated   = "task.created"
	TopicTaskStarted   = "task.started"
	TopicTaskSucceeded = "task.succeeded"
	TopicTaskFailed    = "task.failed"
	TopicTaskSkipped   = "task.skipped"
	TopicTaskRemoved   = "task.removed"
	TopicTaskRecovered = "task.recovered"
)

// Store topics.
const (
	TopicStoreReloaded = "store.reloaded"
)

// TaskEvent is published on creation, removal and recovery.
type TaskEvent struct {
	TaskID string
	Name   string
	Kind   string
}

// TaskRunEvent is published when a run starts and when it settles.
type TaskRunEvent struct {
	TaskID  string
	Name    string
	Kind    string
	RunID   string
	Trigger string // tick, manual or token
	Status  string // empty until the run settles
	Result  string
	Error   string
}

// TaskSkippedEvent is published when a due task is not dispatched.
type TaskSkippedEvent struct {
	TaskID string
	Name   string
	Reason string // e.g. already running, disabled, queue full
}
