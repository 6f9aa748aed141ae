package bus

// Worker queue lifecycle topics.
const (
	TopicJobSubmitted = "job.submitted"
	TopicJobClaimed   = "job.claimed"
	TopicJobFinished  = "job.finished"
	TopicJobDelivered = "job.delivered"
	TopicJobCancelled = "job.cancelled"
)

// Task Inbox and session topics.
const (
	TopicInboxStateChanged   = "inbox.state_changed"
	TopicSessionStateChanged = "session.state_changed"
)

// Heartbeat topics.
const (
	TopicHeartbeatRun = "heartbeat.run"
)

// JobEvent is published on every worker queue transition.
type JobEvent struct {
	JobID    string
	WorkerID string
	UserID   string
	Status   string
	Detail   string
}

// InboxStateChangedEvent is published when a Task Inbox entry changes status.
type InboxStateChangedEvent struct {
	TaskID    string
	OldStatus string
	NewStatus string
}

// SessionStateChangedEvent is published when a session task changes status.
type SessionStateChangedEvent struct {
	SessionID string
	TaskID    string
	Status    string
	Reason    string
}

// HeartbeatRunEvent is published after each per-user heartbeat cycle.
type HeartbeatRunEvent struct {
	UserID    string
	Tasks     int
	Delivered bool
	Error     string
}
