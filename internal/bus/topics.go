package bus

// Board topics. Subscribers usually match on the "task." or "usage." prefix.
const (
	TopicTaskCreated           = "task.created"
	TopicTaskStatusChanged     = "task.status_changed"
	TopicTaskDeleted           = "task.deleted"
	TopicTaskDependencyAdded   = "task.dependency.added"
	TopicTaskDependencyRemoved = "task.dependency.removed"
	TopicTaskDependencyDenied  = "task.dependency.denied"
	TopicWorkflowConflict      = "workflow.conflict"
	TopicUsageIngested         = "usage.ingested"
	TopicPresenceHeartbeat     = "presence.heartbeat"
)

// TaskStatusChangedEvent is published after a status transition commits.
type TaskStatusChangedEvent struct {
	TaskID    int64
	DisplayID string
	OldStatus string
	NewStatus string
	Owner     string
}

// TaskEvent identifies a task for created/deleted notifications.
type TaskEvent struct {
	TaskID    int64
	DisplayID string
}

// DependencyEvent describes an edge "TaskID is blocked by BlockedBy".
// Reason is set only on TopicTaskDependencyDenied ("self_loop", "cycle").
type DependencyEvent struct {
	TaskID    int64
	BlockedBy int64
	Reason    string
}

// WorkflowConflictEvent is published when the workflow gate refuses a write.
type WorkflowConflictEvent struct {
	TaskID int64
	Rule   string // "traceability" or "live_binding"
	Status string
	Owner  string
}

// UsageIngestedEvent summarises one ingestion batch.
type UsageIngestedEvent struct {
	Inserted    int
	Deduped     int
	Rejected    int
	TotalTokens int64
}

// PresenceEvent is published on every accepted heartbeat.
type PresenceEvent struct {
	Owner  string
	Source string
}
