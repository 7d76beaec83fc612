package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/jobdeck/internal/api/response"
	"github.com/kiranshivaraju/jobdeck/internal/registry"
	"github.com/kiranshivaraju/jobdeck/pkg/models"
)

// JobRegistry is the job index the job routes read and write.
type JobRegistry interface {
	Register(ctx context.Context, job models.Job) (models.Job, error)
	Get(ctx context.Context, id string) (models.Job, error)
	List(ctx context.Context) ([]models.Job, error)
	Unregister(ctx context.Context, id string) (bool, error)
	Update(ctx context.Context, id string, status models.Status, message string) error
}

// Canceller raises the cancellation flag of a job.
type Canceller interface {
	RequestCancel(ctx context.Context, jobID string) error
}

// NewListJobsHandler returns an http.HandlerFunc for GET /jobs. The registry
// reconciles each record; an unreachable store yields an empty list.
func NewListJobsHandler(jobs JobRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := jobs.List(r.Context())
		if err != nil {
			slog.Warn("list jobs degraded", "error", err)
			list = []models.Job{}
		}
		response.JSON(w, list)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /jobs/{id}.
func NewGetJobHandler(jobs JobRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadJob(w, r, jobs)
		if !ok {
			return
		}
		response.JSON(w, job)
	}
}

type createJobRequest struct {
	JobID        string `json:"job_id" validate:"required,max=128"`
	Name         string `json:"name"`
	Kind         string `json:"kind" validate:"required,oneof=csv-batch-upload blob-upload delegated-workflow"`
	Subject      string `json:"subject"`
	WorkflowKind string `json:"workflow_kind"`
	Status       string `json:"status"`
	Message      string `json:"message"`
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /jobs, which records
// a job whose id was minted elsewhere.
func NewCreateJobHandler(jobs JobRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if !decodeBody(w, r, &req) {
			return
		}

		var status models.Status
		if req.Status != "" {
			s, ok := models.ParseStatus(req.Status)
			if !ok {
				response.Error(w, http.StatusBadRequest, "INVALID_STATUS",
					"status is not a known job status", nil)
				return
			}
			status = s
		}

		name := req.Name
		if name == "" {
			name = req.JobID
		}
		job, err := jobs.Register(r.Context(), models.Job{
			ID:           req.JobID,
			Name:         name,
			Kind:         models.Kind(req.Kind),
			Subject:      req.Subject,
			WorkflowKind: req.WorkflowKind,
			Status:       status,
			LastMessage:  req.Message,
		})
		if err != nil {
			slog.Error("register job failed", "job_id", req.JobID, "error", err)
			storeUnavailable(w)
			return
		}
		response.Created(w, job)
	}
}

type updateJobRequest struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NewUpdateJobHandler returns an http.HandlerFunc for POST /jobs/{id}/update.
// Whichever of status and message is omitted keeps its current value.
func NewUpdateJobHandler(jobs JobRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateJobRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Status == "" && req.Message == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"status or message is required", nil)
			return
		}

		var status models.Status
		if req.Status != "" {
			s, ok := models.ParseStatus(req.Status)
			if !ok {
				response.Error(w, http.StatusBadRequest, "INVALID_STATUS",
					"status is not a known job status", nil)
				return
			}
			status = s
		}

		current, ok := loadJob(w, r, jobs)
		if !ok {
			return
		}
		message := req.Message
		if message == "" {
			message = current.LastMessage
		}
		if err := jobs.Update(r.Context(), current.ID, status, message); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				jobNotFound(w)
				return
			}
			slog.Error("update job failed", "job_id", current.ID, "error", err)
			storeUnavailable(w)
			return
		}

		job, ok := loadJob(w, r, jobs)
		if !ok {
			return
		}
		response.JSON(w, job)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /jobs/{id}/cancel.
// Delegated workflow jobs run in the external engine, which has no cancel
// hook, so they are refused with 409.
func NewCancelJobHandler(jobs JobRegistry, canceller Canceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadJob(w, r, jobs)
		if !ok {
			return
		}
		if job.Status.Terminal() {
			response.Error(w, http.StatusConflict, "JOB_FINISHED",
				"Job has already finished", map[string]string{"status": string(job.Status)})
			return
		}
		if job.Kind == models.KindDelegatedWorkflow {
			response.Error(w, http.StatusConflict, "JOB_NOT_CANCELLABLE",
				"Delegated workflow jobs cannot be cancelled", map[string]string{"kind": string(job.Kind)})
			return
		}

		if err := canceller.RequestCancel(r.Context(), job.ID); err != nil {
			slog.Error("cancel request failed", "job_id", job.ID, "error", err)
			storeUnavailable(w)
			return
		}

		if updated, err := jobs.Get(r.Context(), job.ID); err == nil {
			job = updated
		}
		response.JSON(w, job)
	}
}

// NewDeleteJobHandler returns an http.HandlerFunc for DELETE /jobs/{id}.
func NewDeleteJobHandler(jobs JobRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		existed, err := jobs.Unregister(r.Context(), id)
		if err != nil {
			slog.Error("unregister job failed", "job_id", id, "error", err)
			storeUnavailable(w)
			return
		}
		if !existed {
			jobNotFound(w)
			return
		}
		slog.Info("job unregistered", "job_id", id)
		response.JSON(w, map[string]any{"job_id": id, "deleted": true})
	}
}

func loadJob(w http.ResponseWriter, r *http.Request, jobs JobRegistry) (models.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := jobs.Get(r.Context(), id)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		jobNotFound(w)
		return models.Job{}, false
	case err != nil:
		slog.Error("get job failed", "job_id", id, "error", err)
		storeUnavailable(w)
		return models.Job{}, false
	}
	return job, true
}

func jobNotFound(w http.ResponseWriter) {
	response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
}
