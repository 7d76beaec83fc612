// Package archive keeps a durable history of finished jobs in Postgres. The
// status store forgets jobs after a day; the archive does not.
package archive

import (
	"context"
	"log/slog"
	"time"
)

// Outcome is the terminal result of one job.
type Outcome struct {
	JobID      string         `json:"job_id"`
	Kind       string         `json:"kind"`
	Status     string         `json:"status"`
	Message    string         `json:"message"`
	Detail     map[string]any `json:"detail,omitempty"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Archive stores job outcomes.
type Archive interface {
	Ping(ctx context.Context) error
	// Record stores o. A job's first recorded outcome is kept.
	Record(ctx context.Context, o Outcome) error
	// Recent returns up to limit outcomes, newest first.
	Recent(ctx context.Context, limit int) ([]Outcome, error)
}

// Nop is used when no database is configured.
type Nop struct{}

func (Nop) Ping(context.Context) error                     { return nil }
func (Nop) Record(context.Context, Outcome) error          { return nil }
func (Nop) Recent(context.Context, int) ([]Outcome, error) { return []Outcome{}, nil }

// Save records o and logs instead of failing; history is best effort.
func Save(ctx context.Context, a Archive, o Outcome) {
	if a == nil {
		return
	}
	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now().UTC()
	}
	if err := a.Record(ctx, o); err != nil {
		slog.Warn("archive outcome failed", "job_id", o.JobID, "status", o.Status, "error", err)
	}
}
