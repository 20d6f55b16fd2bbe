package v1

// SubmitTaskRequest creates a new task
type SubmitTaskRequest struct {
	TaskID      string `json:"task_id,omitempty"`
	Description string `json:"description" binding:"required"`
	Mode        string `json:"mode,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	Priority    int    `json:"priority,omitempty" binding:"omitempty,min=0,max=100"`
}

// SwitchModeRequest changes the engine's default mode
type SwitchModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// CancelTaskResponse reports whether a cancel took effect
type CancelTaskResponse struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
}
