package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/jobdeck/internal/api/response"
	"github.com/kiranshivaraju/jobdeck/internal/status"
)

// GlobalStatus reads and replaces the process-wide status line.
type GlobalStatus interface {
	Get(ctx context.Context) status.Record
	Set(ctx context.Context, text string) (status.Record, error)
}

// NewGetStatusHandler returns an http.HandlerFunc for GET /status.
func NewGetStatusHandler(gs GlobalStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, gs.Get(r.Context()))
	}
}

type setStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// NewSetStatusHandler returns an http.HandlerFunc for POST /status.
func NewSetStatusHandler(gs GlobalStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setStatusRequest
		if !decodeBody(w, r, &req) {
			return
		}

		rec, err := gs.Set(r.Context(), req.Status)
		if err != nil {
			slog.Error("set global status failed", "error", err)
			storeUnavailable(w)
			return
		}
		response.JSON(w, rec)
	}
}
