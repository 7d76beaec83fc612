package models

// BatchProgress is the singleton progress record of the CSV batch job.
// Progress is a percentage that only moves forward while IsRunning is true.
type BatchProgress struct {
	JobID     string   `json:"job_id,omitempty"`
	IsRunning bool     `json:"is_running"`
	Message   string   `json:"message"`
	Progress  int      `json:"progress"`
	Log       []string `json:"log"`
}

// StepEvent is one status report for one step of a delegated workflow.
type StepEvent struct {
	JobID        string `json:"job_id" validate:"required"`
	StepID       string `json:"step_id" validate:"required"`
	Status       string `json:"status" validate:"required"`
	Message      string `json:"message"`
	WorkflowKind string `json:"workflow_kind" validate:"required"`
}

// StepState is what the aggregator keeps per step id.
type StepState struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	ReceivedAt string `json:"received_at"`
}
