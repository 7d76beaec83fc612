package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/jobdeck/internal/api/response"
	"github.com/kiranshivaraju/jobdeck/internal/batch"
	"github.com/kiranshivaraju/jobdeck/internal/blob"
	"github.com/kiranshivaraju/jobdeck/pkg/models"
)

// BatchService starts the CSV batch job and reports its progress record.
type BatchService interface {
	Start(ctx context.Context, filename string) (string, error)
	Progress(ctx context.Context) models.BatchProgress
}

// BlobStarter queues a daily sales file upload.
type BlobStarter interface {
	Start(ctx context.Context, filename, date string) (string, error)
}

type startBatchRequest struct {
	Filename string `json:"filename" validate:"required"`
}

// NewStartBatchHandler returns an http.HandlerFunc for POST /jobs/batch/start.
func NewStartBatchHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startBatchRequest
		if !decodeBody(w, r, &req) {
			return
		}

		jobID, err := svc.Start(r.Context(), req.Filename)
		if err != nil {
			switch {
			case errors.Is(err, batch.ErrMissingFilename), errors.Is(err, batch.ErrInvalidFilename):
				response.Error(w, http.StatusBadRequest, "INVALID_FILENAME", err.Error(), nil)
			case errors.Is(err, batch.ErrSourceNotFound):
				response.Error(w, http.StatusNotFound, "FILE_NOT_FOUND",
					"Uploaded file not found", map[string]string{"filename": req.Filename})
			case errors.Is(err, batch.ErrAlreadyRunning):
				response.Error(w, http.StatusConflict, "BATCH_ALREADY_RUNNING",
					"A batch job is already running", nil)
			default:
				slog.Error("start batch failed", "filename", req.Filename, "error", err)
				internalError(w)
			}
			return
		}

		response.Accepted(w, map[string]string{"job_id": jobID})
	}
}

// NewBatchStatusHandler returns an http.HandlerFunc for GET /jobs/batch/status.
func NewBatchStatusHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, svc.Progress(r.Context()))
	}
}

type startBlobRequest struct {
	Filename string `json:"filename" validate:"required"`
	Date     string `json:"date" validate:"required"`
}

// NewStartBlobHandler returns an http.HandlerFunc for POST /jobs/blob/start.
func NewStartBlobHandler(svc BlobStarter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startBlobRequest
		if !decodeBody(w, r, &req) {
			return
		}

		jobID, err := svc.Start(r.Context(), req.Filename, req.Date)
		if err != nil {
			switch {
			case errors.Is(err, blob.ErrMissingFilename), errors.Is(err, blob.ErrInvalidFilename):
				response.Error(w, http.StatusBadRequest, "INVALID_FILENAME", err.Error(), nil)
			case errors.Is(err, blob.ErrInvalidDate):
				response.Error(w, http.StatusBadRequest, "INVALID_DATE", err.Error(), nil)
			case errors.Is(err, blob.ErrSourceNotFound):
				response.Error(w, http.StatusNotFound, "FILE_NOT_FOUND",
					"Uploaded file not found", map[string]string{"filename": req.Filename})
			default:
				slog.Error("start blob upload failed", "filename", req.Filename, "error", err)
				internalError(w)
			}
			return
		}

		response.Accepted(w, map[string]string{"job_id": jobID})
	}
}
