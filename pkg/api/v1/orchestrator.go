// Package v1 contains the wire types for the orchestrator API.
package v1

import "time"

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusDecomposing TaskStatus = "decomposing"
	TaskStatusRunning     TaskStatus = "running"
	TaskStatusPaused      TaskStatus = "paused"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusCancelled   TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// PhaseStatus represents the lifecycle state of a phase
type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusFailed    PhaseStatus = "failed"
	PhaseStatusSkipped   PhaseStatus = "skipped"
)

// ExecutionStatus represents the lifecycle state of a single agent execution
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// ModelRef selects a provider and a model name
type ModelRef struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
}

// ModeConfig is the read-only configuration of an execution mode
type ModeConfig struct {
	Name                  string   `json:"name" yaml:"name"`
	DecompositionDepth    string   `json:"decomposition_depth" yaml:"decomposition_depth"`       // shallow, deep
	ParallelizationLevel  string   `json:"parallelization_level" yaml:"parallelization_level"`   // conservative, balanced, aggressive
	ValidationDepth       string   `json:"validation_depth" yaml:"validation_depth"`             // minimal, standard, comprehensive
	RequiresHumanApproval bool     `json:"requires_human_approval" yaml:"requires_human_approval"`
	PrimaryModel          ModelRef `json:"primary_model" yaml:"primary_model"`
	FallbackModel         ModelRef `json:"fallback_model" yaml:"fallback_model"`
	RequiredAgents        []string `json:"required_agents" yaml:"required_agents"`
	OptionalAgents        []string `json:"optional_agents" yaml:"optional_agents"`
	TaskTimeoutMs         int64    `json:"task_timeout" yaml:"task_timeout"`
	MaxRetries            int      `json:"max_retries" yaml:"max_retries"`
	CostLimit             float64  `json:"cost_limit,omitempty" yaml:"cost_limit"` // 0 = no limit
}

// TaskTimeout returns the task timeout as a time.Duration.
func (c ModeConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMs) * time.Millisecond
}

// Clone returns a deep copy of the mode config.
func (c ModeConfig) Clone() ModeConfig {
	out := c
	out.RequiredAgents = append([]string(nil), c.RequiredAgents...)
	out.OptionalAgents = append([]string(nil), c.OptionalAgents...)
	return out
}

// AgentExecution records a single agent invocation against a provider
type AgentExecution struct {
	AgentType    string            `json:"agent_type"`
	Status       ExecutionStatus   `json:"status"`
	Input        map[string]string `json:"input,omitempty"`
	Output       map[string]string `json:"output,omitempty"`
	Error        string            `json:"error,omitempty"`
	ModelUsed    string            `json:"model_used,omitempty"`
	TokensInput  int               `json:"tokens_input"`
	TokensOutput int               `json:"tokens_output"`
	Cost         float64           `json:"cost"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	DurationMs   int64             `json:"duration_ms"`
}

// Clone returns a deep copy of the execution.
func (e *AgentExecution) Clone() *AgentExecution {
	if e == nil {
		return nil
	}
	out := *e
	out.Input = cloneStringMap(e.Input)
	out.Output = cloneStringMap(e.Output)
	out.StartedAt = cloneTime(e.StartedAt)
	out.CompletedAt = cloneTime(e.CompletedAt)
	return &out
}

// Phase is an ordered group of agents inside a task
type Phase struct {
	Number      int               `json:"number"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Status      PhaseStatus       `json:"status"`
	Parallel    bool              `json:"parallel"`
	Agents      []string          `json:"agents"`
	Executions  []*AgentExecution `json:"executions"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the phase.
func (p *Phase) Clone() *Phase {
	if p == nil {
		return nil
	}
	out := *p
	out.Agents = append([]string(nil), p.Agents...)
	out.Executions = make([]*AgentExecution, len(p.Executions))
	for i, e := range p.Executions {
		out.Executions[i] = e.Clone()
	}
	out.StartedAt = cloneTime(p.StartedAt)
	out.CompletedAt = cloneTime(p.CompletedAt)
	return &out
}

// AgentResult is the per-agent summary accumulated on the task
type AgentResult struct {
	Output string  `json:"output"`
	Tokens int     `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// TaskError is a typed error record appended to a task
type TaskError struct {
	Type      string    `json:"type"`
	Phase     int       `json:"phase,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskState is the full record of one task, including phases and executions
type TaskState struct {
	TaskID      string     `json:"task_id"`
	Description string     `json:"description"`
	ProjectID   string     `json:"project_id,omitempty"`
	Mode        string     `json:"mode"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`

	Phases       []*Phase `json:"phases"`
	CurrentPhase int      `json:"current_phase"`

	Results map[string]AgentResult `json:"results"`
	Errors  []TaskError            `json:"errors"`

	TokensUsed    int     `json:"tokens_used"`
	EstimatedCost float64 `json:"estimated_cost"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ModeConfig is the snapshot taken at submission time. The task runs
	// under this config even if the engine's default mode changes later.
	ModeConfig ModeConfig `json:"mode_config"`
}

// NewTaskState creates the initial pending state for a task.
func NewTaskState(taskID, description, mode, projectID string, priority int, cfg ModeConfig, now time.Time) *TaskState {
	return &TaskState{
		TaskID:      taskID,
		Description: description,
		ProjectID:   projectID,
		Mode:        mode,
		Status:      TaskStatusPending,
		Priority:    priority,
		Phases:      make([]*Phase, 0),
		Results:     make(map[string]AgentResult),
		Errors:      make([]TaskError, 0),
		CreatedAt:   now,
		ModeConfig:  cfg.Clone(),
	}
}

// Clone returns a deep copy of the task state. Consumers only ever see
// clones; the engine keeps exclusive ownership of the originals.
func (t *TaskState) Clone() *TaskState {
	if t == nil {
		return nil
	}
	out := *t
	out.Phases = make([]*Phase, len(t.Phases))
	for i, p := range t.Phases {
		out.Phases[i] = p.Clone()
	}
	out.Results = make(map[string]AgentResult, len(t.Results))
	for k, v := range t.Results {
		out.Results[k] = v
	}
	out.Errors = append([]TaskError(nil), t.Errors...)
	out.StartedAt = cloneTime(t.StartedAt)
	out.CompletedAt = cloneTime(t.CompletedAt)
	out.ModeConfig = t.ModeConfig.Clone()
	return &out
}

// Stats summarizes the engine's current load
type Stats struct {
	CurrentMode    string `json:"current_mode"`
	ActiveTasks    int    `json:"active_tasks"`
	QueuedTasks    int    `json:"queued_tasks"`
	RunningWorkers int    `json:"running_workers"`
	MaxWorkers     int    `json:"max_workers"`
}

// ModeSwitch is the result of changing the engine's default mode
type ModeSwitch struct {
	OldMode     string `json:"old_mode"`
	NewMode     string `json:"new_mode"`
	ActiveTasks int    `json:"active_tasks"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
