// Package workflow follows jobs delegated to the external workflow engine.
// The engine reports one event per step; the aggregator stores them, pushes
// them to viewers and decides when the job as a whole has finished.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kiranshivaraju/jobdeck/internal/archive"
	"github.com/kiranshivaraju/jobdeck/internal/live"
	"github.com/kiranshivaraju/jobdeck/internal/registry"
	"github.com/kiranshivaraju/jobdeck/internal/statusstore"
	"github.com/kiranshivaraju/jobdeck/pkg/models"
)

// FinishStep is the reserved step id under which the terminal aggregate is stored.
const FinishStep = registry.FinishStep

const (
	stepSuccess = "success"
	stepFail    = "fail"
)

var (
	ErrInvalidEvent        = errors.New("invalid step event")
	ErrUnknownWorkflowKind = errors.New("unknown workflow kind")
)

// JobUpdater records status changes on the job record.
type JobUpdater interface {
	Update(ctx context.Context, id string, status models.Status, message string) error
}

// StatusNotifier sets the global status text.
type StatusNotifier interface {
	Notify(ctx context.Context, text string)
}

// Outcome describes what one event did to its job.
type Outcome struct {
	// Terminal is set when this event closed the job.
	Terminal bool
	// Closed is set when the job had already been closed by an earlier event.
	Closed bool
	Status models.Status
}

// AggregatorDeps wires an Aggregator.
type AggregatorDeps struct {
	Store       statusstore.Store
	Definitions *Definitions
	Jobs        JobUpdater
	Status      StatusNotifier
	Publisher   live.Publisher
	Archive     archive.Archive
}

// Aggregator folds step events into per-job workflow state.
type Aggregator struct {
	AggregatorDeps
	validate *validator.Validate
	now      func() time.Time
}

func NewAggregator(deps AggregatorDeps) *Aggregator {
	if deps.Publisher == nil {
		deps.Publisher = live.Discard{}
	}
	if deps.Archive == nil {
		deps.Archive = archive.Nop{}
	}
	return &Aggregator{AggregatorDeps: deps, validate: newValidator(), now: time.Now}
}

// HandleEvent records ev, broadcasts it to the job's room and closes the job
// on a failed step or a successful last step. Once a job is closed its
// terminal aggregate never changes.
func (a *Aggregator) HandleEvent(ctx context.Context, ev models.StepEvent) (Outcome, error) {
	if err := a.validate.Struct(ev); err != nil {
		return Outcome{}, fmt.Errorf("%w: %s", ErrInvalidEvent, describeValidation(err))
	}
	if ev.StepID == FinishStep {
		return Outcome{}, fmt.Errorf("%w: step_id %q is reserved", ErrInvalidEvent, FinishStep)
	}
	def, ok := a.Definitions.Lookup(ev.WorkflowKind)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownWorkflowKind, ev.WorkflowKind)
	}

	key := statusstore.WorkflowStateKey(ev.JobID)
	step := models.StepState{
		Status:     ev.Status,
		Message:    ev.Message,
		ReceivedAt: a.now().UTC().Format(time.RFC3339Nano),
	}
	raw, err := json.Marshal(step)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode step: %w", err)
	}
	if err := a.Store.Put(ctx, key, map[string]string{ev.StepID: string(raw)}); err != nil {
		return Outcome{}, fmt.Errorf("store step %s/%s: %w", ev.JobID, ev.StepID, err)
	}
	if err := a.Store.Expire(ctx, key, statusstore.JobTTL); err != nil {
		slog.Warn("expire workflow state failed", "job_id", ev.JobID, "error", err)
	}

	a.publish(ctx, live.NewEvent(ev.JobID, live.EventStepUpdate, map[string]string{
		"step_id":       ev.StepID,
		"status":        ev.Status,
		"message":       ev.Message,
		"workflow_kind": ev.WorkflowKind,
	}))

	_, closed, err := a.Store.GetField(ctx, key, FinishStep)
	if err != nil {
		return Outcome{}, fmt.Errorf("read workflow finish %s: %w", ev.JobID, err)
	}
	if closed {
		slog.Debug("step event for closed workflow", "job_id", ev.JobID, "step_id", ev.StepID, "status", ev.Status)
		return Outcome{Closed: true}, nil
	}

	status := strings.ToLower(ev.Status)
	switch {
	case status == stepFail:
		msg := fmt.Sprintf("workflow failed at step %s: %s", ev.StepID, ev.Message)
		return a.close(ctx, ev.JobID, ev.WorkflowKind, stepFail, msg)
	case status == stepSuccess && ev.StepID == def.LastStep():
		msg := ev.Message
		if msg == "" {
			msg = fmt.Sprintf("workflow %s completed", ev.WorkflowKind)
		}
		return a.close(ctx, ev.JobID, ev.WorkflowKind, stepSuccess, msg)
	}

	msg := ev.Message
	if msg == "" {
		msg = fmt.Sprintf("step %s: %s", ev.StepID, ev.Status)
	}
	a.updateJob(ctx, ev.JobID, models.StatusRunning, msg)
	return Outcome{Status: models.StatusRunning}, nil
}

// Fail closes a job as failed without a step event, for failures on jobdeck's
// side such as an unreachable engine. It reports whether this call closed it.
func (a *Aggregator) Fail(ctx context.Context, jobID, workflowKind, message string) (bool, error) {
	out, err := a.close(ctx, jobID, workflowKind, stepFail, message)
	return out.Terminal, err
}

// close writes the terminal aggregate if none exists yet and, when this call
// wrote it, reports the outcome everywhere.
func (a *Aggregator) close(ctx context.Context, jobID, workflowKind, aggregate, message string) (Outcome, error) {
	key := statusstore.WorkflowStateKey(jobID)
	raw, err := json.Marshal(models.StepState{
		Status:     aggregate,
		Message:    message,
		ReceivedAt: a.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("encode finish: %w", err)
	}
	written, err := a.Store.PutFieldIfAbsent(ctx, key, FinishStep, string(raw))
	if err != nil {
		return Outcome{}, fmt.Errorf("write workflow finish %s: %w", jobID, err)
	}
	if !written {
		return Outcome{Closed: true}, nil
	}
	if err := a.Store.Expire(ctx, key, statusstore.JobTTL); err != nil {
		slog.Warn("expire workflow state failed", "job_id", jobID, "error", err)
	}

	status := models.FromWorkflowStatus(aggregate)
	a.updateJob(ctx, jobID, status, message)

	if status == models.StatusSucceeded {
		a.Status.Notify(ctx, fmt.Sprintf("Workflow %s finished", workflowKind))
	} else {
		a.Status.Notify(ctx, fmt.Sprintf("Workflow %s failed", workflowKind))
	}

	a.publish(ctx, live.NewEvent(jobID, live.EventWorkflowFinish, map[string]string{
		"job_id":        jobID,
		"status":        aggregate,
		"message":       message,
		"workflow_kind": workflowKind,
	}))

	archive.Save(ctx, a.Archive, archive.Outcome{
		JobID:      jobID,
		Kind:       string(models.KindDelegatedWorkflow),
		Status:     string(status),
		Message:    message,
		Detail:     map[string]any{"workflow_kind": workflowKind},
		FinishedAt: a.now().UTC(),
	})

	slog.Info("workflow closed", "job_id", jobID, "workflow_kind", workflowKind, "status", status)
	return Outcome{Terminal: true, Status: status}, nil
}

// Closed reports whether the terminal aggregate has been written for jobID.
func (a *Aggregator) Closed(ctx context.Context, jobID string) (bool, error) {
	_, ok, err := a.Store.GetField(ctx, statusstore.WorkflowStateKey(jobID), FinishStep)
	if err != nil {
		return false, fmt.Errorf("read workflow finish %s: %w", jobID, err)
	}
	return ok, nil
}

// State returns every step recorded for jobID, including the terminal
// aggregate under FinishStep once written.
func (a *Aggregator) State(ctx context.Context, jobID string) (map[string]models.StepState, error) {
	fields, err := a.Store.Get(ctx, statusstore.WorkflowStateKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("read workflow state %s: %w", jobID, err)
	}
	steps := make(map[string]models.StepState, len(fields))
	for stepID, raw := range fields {
		var s models.StepState
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			slog.Warn("skipping malformed step", "job_id", jobID, "step_id", stepID, "error", err)
			continue
		}
		steps[stepID] = s
	}
	return steps, nil
}

func (a *Aggregator) updateJob(ctx context.Context, jobID string, status models.Status, message string) {
	err := a.Jobs.Update(ctx, jobID, status, message)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		slog.Warn("job record not updated", "job_id", jobID, "error", err)
	}
}

func (a *Aggregator) publish(ctx context.Context, ev live.Event) {
	if err := a.Publisher.Publish(ctx, ev); err != nil {
		slog.Warn("publish workflow event failed", "job_id", ev.Room, "event", ev.Name, "error", err)
	}
}

// describeValidation lists the missing json field names.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return "missing required fields: " + strings.Join(fields, ", ")
}

// newValidator reports struct fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}
