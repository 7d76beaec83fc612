// Package models contains the domain types shared by jobdeck's components.
package models

import (
	"strings"
	"time"
)

// Kind identifies which executor owns a job.
type Kind string

const (
	KindCSVBatch          Kind = "csv-batch-upload"
	KindBlobUpload        Kind = "blob-upload"
	KindDelegatedWorkflow Kind = "delegated-workflow"
)

// QueueExecuted reports whether jobs of this kind run on the task queue, which
// makes the queue the source of truth for their status.
func (k Kind) QueueExecuted() bool {
	return k == KindCSVBatch || k == KindBlobUpload
}

// Status is the normalized job status. Raw codes from the task queue and the
// workflow engine are mapped into it at the registry boundary.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

var normalized = map[Status]bool{
	StatusPending:    true,
	StatusRunning:    true,
	StatusCancelling: true,
	StatusSucceeded:  true,
	StatusFailed:     true,
	StatusCancelled:  true,
}

// queueStates maps task queue states onto Status.
var queueStates = map[string]Status{
	"PENDING":  StatusPending,
	"RECEIVED": StatusPending,
	"STARTED":  StatusRunning,
	"RETRY":    StatusRunning,
	"SUCCESS":  StatusSucceeded,
	"FAILURE":  StatusFailed,
	"REVOKED":  StatusCancelled,
	"ABORTED":  StatusCancelling,
}

// workflowStates maps step and aggregate statuses reported by the workflow engine.
var workflowStates = map[string]Status{
	"pending": StatusPending,
	"running": StatusRunning,
	"success": StatusSucceeded,
	"fail":    StatusFailed,
}

// FromQueueState maps a task queue state onto Status.
func FromQueueState(state string) (Status, bool) {
	s, ok := queueStates[strings.ToUpper(state)]
	return s, ok
}

// FromWorkflowStatus maps a workflow step or aggregate status onto Status.
// Anything that is neither success nor fail counts as running.
func FromWorkflowStatus(status string) Status {
	if s, ok := workflowStates[strings.ToLower(status)]; ok {
		return s
	}
	return StatusRunning
}

// ParseStatus accepts a normalized status or a code from either source vocabulary.
func ParseStatus(raw string) (Status, bool) {
	raw = strings.TrimSpace(raw)
	if normalized[Status(strings.ToLower(raw))] {
		return Status(strings.ToLower(raw)), true
	}
	if s, ok := FromQueueState(raw); ok {
		return s, true
	}
	if s, ok := workflowStates[strings.ToLower(raw)]; ok {
		return s, true
	}
	return "", false
}

// Job is one tracked unit of background work, either run by a worker or
// delegated to the external workflow engine.
type Job struct {
	ID           string    `json:"job_id"`
	Name         string    `json:"name"`
	Kind         Kind      `json:"kind"`
	Subject      string    `json:"subject"`
	WorkflowKind string    `json:"workflow_kind,omitempty"`
	Status       Status    `json:"status"`
	LastMessage  string    `json:"last_message"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
