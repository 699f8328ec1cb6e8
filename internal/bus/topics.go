package bus

// Queue and task lifecycle topics.
const (
	TopicTaskEnqueued  = "task.enqueued"
	TopicTaskStarted   = "task.started"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"

	TopicQueueIdle      = "queue.idle"
	TopicQueueRecovered = "queue.recovered"
)

// TaskEvent is published when a task is enqueued or starts executing.
type TaskEvent struct {
	ChannelID string
	TaskID    string
	UserID    string
	Kind      string
}

// TaskResultEvent is published when a task finishes, on both topics
// task.completed and task.failed. Text carries the user-facing reply;
// Outcome distinguishes partial results ("applied locally, not pushed")
// from full success or failure.
type TaskResultEvent struct {
	ChannelID string
	TaskID    string
	UserID    string
	Kind      string
	Outcome   string
	Text      string
	Err       string
}

// QueueEvent is published when a channel's queue drains or is recovered
// after a stale lock sweep.
type QueueEvent struct {
	ChannelID string
	Remaining int
}
