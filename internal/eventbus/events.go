package eventbus

import "time"

// Event types published by the scheduler.
const (
	TypeTaskFired     = "task.fired"
	TypeTaskRetry     = "task.retry"
	TypeTaskFailed    = "task.failed"
	TypeTaskCompleted = "task.completed"
	TypeTaskStatus    = "task.status"
	TypeTaskCreated   = "task.created"

	TypeStoreUnavailable = "store.unavailable"
	TypeStoreRecovered   = "store.recovered"

	TypeRecoveryCompleted = "recovery.completed"
	TypeRecoveryDeferred  = "recovery.deferred"
	TypeRetentionPurged   = "retention.purged"
	TypeConfigReloaded    = "config.reload"
)

// TaskEvent is the payload of every task.* event.
type TaskEvent struct {
	TaskID     string     `json:"task_id"`
	OwnerRef   string     `json:"owner_ref"`
	ChannelRef string     `json:"channel_ref,omitempty"`
	Status     string     `json:"status,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// StoreEvent is the payload of store.* events.
type StoreEvent struct {
	Since time.Time     `json:"since"`
	For   time.Duration `json:"for"`
	Error string        `json:"error,omitempty"`
}
