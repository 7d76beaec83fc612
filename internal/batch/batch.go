// Package batch runs the chunked CSV push job: it reads an uploaded CSV,
// posts it to the ingest endpoint in fixed-size chunks, and reports progress
// and the terminal outcome everywhere a viewer might look.
package batch

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/jobdeck/internal/cancel"
	"github.com/kiranshivaraju/jobdeck/pkg/models"
)

// TaskType is the queue task type of batch jobs.
const TaskType = "csv_batch"

// DefaultChunkSize is the number of rows per outbound request.
const DefaultChunkSize = 500

var (
	ErrAlreadyRunning  = errors.New("a batch job is already running")
	ErrSourceNotFound  = errors.New("source file not found")
	ErrMissingFilename = errors.New("filename is required")
	ErrInvalidFilename = errors.New("filename must not contain a path")
)

// TaskPayload is the queued description of a batch job.
type TaskPayload struct {
	Filename string `json:"filename"`
}

// JobUpdater records status changes on the job record.
type JobUpdater interface {
	Update(ctx context.Context, id string, status models.Status, message string) error
}

// StatusNotifier sets the global status text.
type StatusNotifier interface {
	Notify(ctx context.Context, text string)
}

// Tokens hands out per-run cancellation tokens.
type Tokens interface {
	Token(jobID string) *cancel.Token
}

// TotalChunks is ceil(rows/size).
func TotalChunks(rows, size int) int {
	if rows <= 0 || size <= 0 {
		return 0
	}
	return (rows + size - 1) / size
}

// Percent is ceil(100*done/total), the progress after done of total chunks.
func Percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return (100*done + total - 1) / total
}
