package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/jobdeck/internal/api/response"
)

// Pinger is anything whose reachability the health check reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns an http.HandlerFunc for GET /health. The status
// store is required; the archive only degrades the report.
func NewHealthHandler(store, archive Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"store":   "ok",
			"archive": "ok",
		}

		if err := store.Ping(r.Context()); err != nil {
			checks["store"] = "degraded"
		}
		if err := archive.Ping(r.Context()); err != nil {
			checks["archive"] = "degraded"
		}

		if checks["store"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		status := "ok"
		if checks["archive"] != "ok" {
			status = "degraded"
		}
		response.JSON(w, map[string]any{
			"status":   status,
			"services": checks,
		})
	}
}
