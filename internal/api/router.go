package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/jobdeck/internal/api/middleware"
	"github.com/kiranshivaraju/jobdeck/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	OperatorAuth *mw.OperatorAuth
	RateLimit    *mw.RateLimit

	HealthHandler http.HandlerFunc
	LiveHandler   http.HandlerFunc

	ListJobs   http.HandlerFunc
	GetJob     http.HandlerFunc
	CreateJob  http.HandlerFunc
	UpdateJob  http.HandlerFunc
	CancelJob  http.HandlerFunc
	DeleteJob  http.HandlerFunc
	JobHistory http.HandlerFunc

	StartBatch  http.HandlerFunc
	BatchStatus http.HandlerFunc
	StartBlob   http.HandlerFunc

	StartWorkflow http.HandlerFunc
	StepEvent     http.HandlerFunc
	WorkflowSteps http.HandlerFunc

	GetStatus http.HandlerFunc
	SetStatus http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/health", orNotImplemented(deps.HealthHandler))
	r.Get("/ws", orNotImplemented(deps.LiveHandler))

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", orNotImplemented(deps.ListJobs))
		r.Post("/", orNotImplemented(deps.CreateJob))
		r.Get("/history", orNotImplemented(deps.JobHistory))

		r.Post("/batch/start", orNotImplemented(deps.StartBatch))
		r.Get("/batch/status", orNotImplemented(deps.BatchStatus))
		r.Post("/blob/start", orNotImplemented(deps.StartBlob))

		r.Get("/{id}", orNotImplemented(deps.GetJob))
		r.Post("/{id}/update", orNotImplemented(deps.UpdateJob))
		r.Post("/{id}/cancel", orNotImplemented(deps.CancelJob))

		// Operator routes
		r.Group(func(r chi.Router) {
			if deps.OperatorAuth != nil {
				r.Use(deps.OperatorAuth.Require)
			}
			r.Delete("/{id}", orNotImplemented(deps.DeleteJob))
		})
	})

	r.Route("/workflow", func(r chi.Router) {
		r.Post("/start", orNotImplemented(deps.StartWorkflow))
		r.Get("/{id}/steps", orNotImplemented(deps.WorkflowSteps))

		// Engine callbacks
		r.Group(func(r chi.Router) {
			if deps.RateLimit != nil {
				r.Use(deps.RateLimit.Limit)
			}
			r.Post("/step-event", orNotImplemented(deps.StepEvent))
		})
	})

	r.Get("/status", orNotImplemented(deps.GetStatus))
	r.Post("/status", orNotImplemented(deps.SetStatus))

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
