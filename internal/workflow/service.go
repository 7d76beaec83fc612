package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobdeck/internal/outbound"
	"github.com/kiranshivaraju/jobdeck/internal/queue"
	"github.com/kiranshivaraju/jobdeck/pkg/models"
)

// TriggerTaskType is the queue task type that calls the workflow engine.
const TriggerTaskType = "workflow_trigger"

// Registrar records new jobs.
type Registrar interface {
	Register(ctx context.Context, job models.Job) (models.Job, error)
	Update(ctx context.Context, id string, status models.Status, message string) error
}

// Enqueuer hands a task to the workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload any) (string, error)
}

// StartRequest asks for a new delegated workflow job.
type StartRequest struct {
	WorkflowKind string         `json:"workflow_kind" validate:"required"`
	Subject      string         `json:"subject"`
	Payload      map[string]any `json:"payload"`
}

// TriggerPayload is the queued description of an engine call.
type TriggerPayload struct {
	JobID        string         `json:"job_id"`
	WorkflowKind string         `json:"workflow_kind"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// MintID creates the caller-side id of a delegated job.
func MintID(kind string, now time.Time) string {
	if kind == "prediksi" {
		return fmt.Sprintf("prediksi_%d", now.UnixMilli())
	}
	return "workflow_" + uuid.NewString()
}

// Service starts delegated workflow jobs.
type Service struct {
	defs  *Definitions
	jobs  Registrar
	queue Enqueuer
	now   func() time.Time
}

func NewService(defs *Definitions, jobs Registrar, q Enqueuer) *Service {
	return &Service{defs: defs, jobs: jobs, queue: q, now: time.Now}
}

// Start registers a delegated job and queues the engine call.
func (s *Service) Start(ctx context.Context, req StartRequest) (models.Job, error) {
	if _, ok := s.defs.Lookup(req.WorkflowKind); !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrUnknownWorkflowKind, req.WorkflowKind)
	}

	now := s.now()
	job, err := s.jobs.Register(ctx, models.Job{
		ID:           MintID(req.WorkflowKind, now),
		Name:         fmt.Sprintf("Workflow %s %s", req.WorkflowKind, now.Format("2006-01-02 15:04:05")),
		Kind:         models.KindDelegatedWorkflow,
		Subject:      req.Subject,
		WorkflowKind: req.WorkflowKind,
		LastMessage:  "Waiting for the workflow engine.",
	})
	if err != nil {
		return models.Job{}, err
	}

	_, err = s.queue.Enqueue(ctx, TriggerTaskType, TriggerPayload{
		JobID:        job.ID,
		WorkflowKind: req.WorkflowKind,
		Payload:      req.Payload,
	})
	if err != nil {
		msg := fmt.Sprintf("Failed to queue workflow trigger: %v", err)
		if uerr := s.jobs.Update(ctx, job.ID, models.StatusFailed, msg); uerr != nil {
			slog.Warn("job record not updated", "job_id", job.ID, "error", uerr)
		}
		return models.Job{}, err
	}

	slog.Info("workflow job queued", "job_id", job.ID, "workflow_kind", req.WorkflowKind)
	return job, nil
}

// Trigger calls the workflow engine for queued jobs.
type Trigger struct {
	defs        *Definitions
	poster      outbound.Poster
	agg         *Aggregator
	jobs        JobUpdater
	engineURL   string
	callbackURL string
}

func NewTrigger(defs *Definitions, poster outbound.Poster, agg *Aggregator, jobs JobUpdater, engineURL, callbackURL string) *Trigger {
	return &Trigger{
		defs:        defs,
		poster:      poster,
		agg:         agg,
		jobs:        jobs,
		engineURL:   engineURL,
		callbackURL: callbackURL,
	}
}

// engineRequest is the job descriptor the engine receives.
type engineRequest struct {
	JobID        string         `json:"job_id"`
	WorkflowKind string         `json:"workflow_kind"`
	CallbackURL  string         `json:"callback_url,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Handle is the queue handler for TriggerTaskType. A failed call closes the
// job as failed through the aggregator, so a late engine callback cannot
// reopen it.
func (t *Trigger) Handle(ctx context.Context, task queue.Task) error {
	var p TriggerPayload
	if err := task.Decode(&p); err != nil {
		return fmt.Errorf("decode trigger payload: %w", err)
	}

	url := t.engineURL
	if def, ok := t.defs.Lookup(p.WorkflowKind); ok && def.EngineURL != "" {
		url = def.EngineURL
	}
	if url == "" {
		return t.fail(ctx, p, errors.New("workflow engine URL is not configured"))
	}

	t.update(ctx, p.JobID, models.StatusRunning, "Triggering workflow engine...")

	_, err := t.poster.PostJSON(ctx, url, engineRequest{
		JobID:        p.JobID,
		WorkflowKind: p.WorkflowKind,
		CallbackURL:  t.callbackURL,
		Payload:      p.Payload,
	})
	if err != nil {
		return t.fail(ctx, p, err)
	}

	// The engine may have called back and closed the job already.
	closed, err := t.agg.Closed(ctx, p.JobID)
	if err != nil {
		slog.Warn("reading workflow finish after trigger", "job_id", p.JobID, "error", err)
	}
	if err == nil && !closed {
		t.update(ctx, p.JobID, models.StatusRunning, "Workflow triggered. Waiting for the engine to call back.")
	}
	slog.Info("workflow engine triggered", "job_id", p.JobID, "workflow_kind", p.WorkflowKind)
	return nil
}

func (t *Trigger) fail(ctx context.Context, p TriggerPayload, cause error) error {
	msg := fmt.Sprintf("failed to trigger workflow engine: %v", cause)
	if _, err := t.agg.Fail(context.WithoutCancel(ctx), p.JobID, p.WorkflowKind, msg); err != nil {
		slog.Error("closing workflow after trigger failure", "job_id", p.JobID, "error", err)
	}
	return errors.New(msg)
}

func (t *Trigger) update(ctx context.Context, id string, status models.Status, message string) {
	if err := t.jobs.Update(ctx, id, status, message); err != nil {
		slog.Warn("job record not updated", "job_id", id, "error", err)
	}
}
