package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/jobdeck/internal/api/response"
	"github.com/kiranshivaraju/jobdeck/internal/workflow"
	"github.com/kiranshivaraju/jobdeck/pkg/models"
)

// WorkflowStarter registers and triggers delegated workflow jobs.
type WorkflowStarter interface {
	Start(ctx context.Context, req workflow.StartRequest) (models.Job, error)
}

// StepAggregator consumes step events reported by the workflow engine.
type StepAggregator interface {
	HandleEvent(ctx context.Context, ev models.StepEvent) (workflow.Outcome, error)
	State(ctx context.Context, jobID string) (map[string]models.StepState, error)
}

// NewStartWorkflowHandler returns an http.HandlerFunc for POST /workflow/start.
func NewStartWorkflowHandler(svc WorkflowStarter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req workflow.StartRequest
		if !decodeBody(w, r, &req) {
			return
		}

		job, err := svc.Start(r.Context(), req)
		if err != nil {
			if errors.Is(err, workflow.ErrUnknownWorkflowKind) {
				unknownWorkflowKind(w, req.WorkflowKind)
				return
			}
			slog.Error("start workflow failed", "workflow_kind", req.WorkflowKind, "error", err)
			internalError(w)
			return
		}

		response.Accepted(w, job)
	}
}

// NewStepEventHandler returns an http.HandlerFunc for POST /workflow/step-event.
// The aggregator owns validation so that a rejected event never writes state.
func NewStepEventHandler(agg StepAggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev models.StepEvent
		if err := decodeJSON(r, &ev); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		out, err := agg.HandleEvent(r.Context(), ev)
		if err != nil {
			switch {
			case errors.Is(err, workflow.ErrInvalidEvent):
				response.Error(w, http.StatusBadRequest, "INVALID_EVENT", err.Error(), nil)
			case errors.Is(err, workflow.ErrUnknownWorkflowKind):
				unknownWorkflowKind(w, ev.WorkflowKind)
			default:
				slog.Error("step event failed", "job_id", ev.JobID, "step_id", ev.StepID, "error", err)
				storeUnavailable(w)
			}
			return
		}

		body := map[string]any{"received": true, "job_id": ev.JobID, "step_id": ev.StepID}
		if out.Terminal {
			body["job_status"] = out.Status
		}
		if out.Closed {
			body["closed"] = true
		}
		response.JSON(w, body)
	}
}

// NewWorkflowStepsHandler returns an http.HandlerFunc for GET /workflow/{id}/steps.
func NewWorkflowStepsHandler(agg StepAggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		steps, err := agg.State(r.Context(), id)
		if err != nil {
			slog.Error("read workflow steps failed", "job_id", id, "error", err)
			storeUnavailable(w)
			return
		}
		if len(steps) == 0 {
			response.Error(w, http.StatusNotFound, "WORKFLOW_NOT_FOUND",
				"No step events recorded for this job", nil)
			return
		}
		response.JSON(w, map[string]any{"job_id": id, "steps": steps})
	}
}

func unknownWorkflowKind(w http.ResponseWriter, kind string) {
	response.Error(w, http.StatusNotFound, "UNKNOWN_WORKFLOW_KIND",
		"No steps are defined for this workflow kind", map[string]string{"workflow_kind": kind})
}
