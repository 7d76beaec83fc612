package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kiranshivaraju/jobdeck/internal/api/response"
	"github.com/kiranshivaraju/jobdeck/internal/archive"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// OutcomeHistory lists archived job outcomes, newest first.
type OutcomeHistory interface {
	Recent(ctx context.Context, limit int) ([]archive.Outcome, error)
}

// NewHistoryHandler returns an http.HandlerFunc for GET /jobs/history.
func NewHistoryHandler(h OutcomeHistory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"limit must be a positive integer", nil)
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		outcomes, err := h.Recent(r.Context(), limit)
		if err != nil {
			slog.Error("read job history failed", "error", err)
			response.Error(w, http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE",
				"Job history is unavailable", nil)
			return
		}
		response.List(w, outcomes, response.ListMeta{Count: len(outcomes), Limit: limit})
	}
}
