// Package events defines the event types and channel names used by the
// orchestrator event system.
package events

// Task lifecycle event types. The payload carries a TaskState snapshot
// under "task" plus a few summary fields.
const (
	TaskSubmitted  = "task_submitted"
	TaskStarted    = "task_started"
	TaskDecomposed = "task_decomposed"
	TaskCompleted  = "task_completed"
	TaskFailed     = "task_failed"
	TaskCancelled  = "task_cancelled"
)

// Phase event types. The payload is {task_id, phase}.
const (
	PhaseStarted   = "phase_started"
	PhaseCompleted = "phase_completed"
)

// Agent event types. The payload is {phase, agent, execution, ...} with the
// execution snapshot taken at emit time.
const (
	AgentStarted   = "agent_started"
	AgentCompleted = "agent_completed"
)

// ModeChange is broadcast when the engine's default mode changes.
// The payload is {old_mode, new_mode, config}.
const ModeChange = "mode_change"

// Subscriber channel names.
const (
	ChannelTasks     = "tasks"     // every task-scoped event
	ChannelMode      = "mode"      // mode changes
	ChannelBroadcast = "broadcast" // every event
)

// TaskChannel returns the channel carrying events for a single task.
func TaskChannel(taskID string) string {
	return "task:" + taskID
}

// Bus subjects for external consumers. Channel names use ':' which is not a
// valid NATS subject character, so the bus uses dotted subjects instead.
const (
	SubjectTasks     = "orchestrator.tasks"
	SubjectMode      = "orchestrator.mode"
	SubjectBroadcast = "orchestrator.broadcast"
	SubjectTaskBase  = "orchestrator.task"
)

// BuildTaskSubject creates the bus subject for a single task's events.
func BuildTaskSubject(taskID string) string {
	return SubjectTaskBase + "." + taskID
}

// BuildTaskWildcardSubject creates a wildcard subscription for all per-task
// subjects.
func BuildTaskWildcardSubject() string {
	return SubjectTaskBase + ".*"
}
