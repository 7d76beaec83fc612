package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kiranshivaraju/jobdeck/internal/archive"
	"github.com/kiranshivaraju/jobdeck/internal/live"
	"github.com/kiranshivaraju/jobdeck/internal/queue"
	"github.com/kiranshivaraju/jobdeck/internal/registry"
	"github.com/kiranshivaraju/jobdeck/pkg/models"
)

// Result is the terminal outcome of one run.
type Result struct {
	Status      models.Status `json:"status"`
	Message     string        `json:"message"`
	TotalChunks int           `json:"total_chunks"`
	BatchesSent int           `json:"batches_sent"`
	// StoppedAtChunk is the zero-based index of the chunk that was not sent
	// because of a cancel or failure. Only meaningful for those outcomes.
	StoppedAtChunk int `json:"stopped_at_chunk"`
}

// RunnerDeps wires a Runner.
type RunnerDeps struct {
	Progress  *ProgressStore
	Jobs      JobUpdater
	Status    StatusNotifier
	Publisher live.Publisher
	Archive   archive.Archive
	Sink      Sink
	Tokens    Tokens
	UploadDir string
	ChunkSize int
}

// Runner executes batch jobs on a worker.
type Runner struct {
	RunnerDeps
	now func() time.Time
}

func NewRunner(deps RunnerDeps) *Runner {
	if deps.ChunkSize <= 0 {
		deps.ChunkSize = DefaultChunkSize
	}
	if deps.Publisher == nil {
		deps.Publisher = live.Discard{}
	}
	if deps.Archive == nil {
		deps.Archive = archive.Nop{}
	}
	return &Runner{RunnerDeps: deps, now: time.Now}
}

// Handle is the queue handler for TaskType. Cancelled runs report
// queue.ErrRevoked and failed runs an error carrying the failure text.
func (r *Runner) Handle(ctx context.Context, task queue.Task) error {
	var p TaskPayload
	if err := task.Decode(&p); err != nil {
		return fmt.Errorf("decode batch payload: %w", err)
	}
	res := r.Run(ctx, task.ID, p.Filename)
	switch res.Status {
	case models.StatusCancelled:
		return queue.ErrRevoked
	case models.StatusFailed:
		return errors.New(res.Message)
	}
	return nil
}

// run is the state of one execution.
type run struct {
	*Runner
	jobID    string
	filename string
	progress models.BatchProgress
}

// Run executes one job to a terminal outcome, which is always written to the
// progress record, the job record and the global status before returning.
func (r *Runner) Run(ctx context.Context, jobID, filename string) (res Result) {
	tok := r.Tokens.Token(jobID)
	st := &run{Runner: r, jobID: jobID, filename: filename}
	st.progress = models.BatchProgress{JobID: jobID, IsRunning: true, Log: []string{}}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("batch run panicked", "job_id", jobID, "panic", p)
			res = st.fail(ctx, fmt.Errorf("panic: %v", p), 0, 0, 0)
		}
	}()

	slog.Info("batch run started", "job_id", jobID, "filename", filename)

	if tok.Cancelled(ctx) {
		return st.cancelled(ctx, 0, 0)
	}

	// initializing
	st.progress.Message = fmt.Sprintf("Reading file %s...", filename)
	st.logLine("Batch process started.")
	st.save(ctx, true)
	st.updateJob(ctx, models.StatusRunning, st.progress.Message)
	r.Status.Notify(ctx, "Processing CSV file...")

	// reading_source
	rows, err := ReadSource(filepath.Join(r.UploadDir, filepath.Base(filename)))
	if err != nil {
		return st.fail(ctx, err, 0, 0, 0)
	}
	total := TotalChunks(len(rows), r.ChunkSize)
	slog.Info("batch source read", "job_id", jobID, "rows", len(rows), "chunks", total)
	r.Status.Notify(ctx, fmt.Sprintf("Sending data (%d rows)", len(rows)))
	st.updateJob(ctx, "", fmt.Sprintf("Found %d rows.", len(rows)))

	// sending_chunks
	for i := 0; i < total; i++ {
		if tok.Cancelled(ctx) {
			return st.cancelled(ctx, i, total)
		}

		st.progress.Progress = Percent(i+1, total)
		st.progress.Message = fmt.Sprintf("Sending batch %d/%d...", i+1, total)
		st.logLine(fmt.Sprintf("Sending batch %d.", i+1))
		st.save(ctx, true)
		st.updateJob(ctx, "", st.progress.Message)
		r.Status.Notify(ctx, fmt.Sprintf("Sending batch %d/%d", i+1, total))

		start := i * r.ChunkSize
		end := min(start+r.ChunkSize, len(rows))
		if err := r.Sink.Send(ctx, rows[start:end]); err != nil {
			// ctx may be done on worker shutdown; the outcome must still be recorded.
			detached := context.WithoutCancel(ctx)
			if tok.Cancelled(detached) {
				return st.cancelled(detached, i, total)
			}
			return st.fail(detached, err, i, i, total)
		}
	}

	return st.succeed(ctx, total)
}

func (st *run) logLine(msg string) {
	st.progress.Log = append(st.progress.Log, fmt.Sprintf("[%s] %s", st.now().Format("15:04:05"), msg))
}

// save writes the progress record and publishes it. Intermediate updates are
// throttleable; the final one is not.
func (st *run) save(ctx context.Context, intermediate bool) {
	if err := st.Progress.Save(ctx, st.progress); err != nil {
		slog.Warn("batch progress not saved", "job_id", st.jobID, "error", err)
	}
	ev := live.NewEvent("", live.EventBatchProgress, st.progress)
	ev.Throttle = intermediate
	if err := st.Publisher.Publish(ctx, ev); err != nil {
		slog.Warn("publish batch progress failed", "job_id", st.jobID, "error", err)
	}
}

func (st *run) updateJob(ctx context.Context, status models.Status, message string) {
	err := st.Jobs.Update(ctx, st.jobID, status, message)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		slog.Warn("job record not updated", "job_id", st.jobID, "error", err)
	}
}

// finish writes a terminal outcome everywhere it is reported.
func (st *run) finish(ctx context.Context, res Result, globalText string) Result {
	ctx = context.WithoutCancel(ctx)
	st.progress.IsRunning = false
	st.progress.Message = res.Message
	st.logLine(res.Message)
	st.save(ctx, false)
	st.updateJob(ctx, res.Status, res.Message)
	st.Status.Notify(ctx, globalText)

	ev := live.NewEvent(st.jobID, live.EventJobStatus, map[string]any{
		"job_id":  st.jobID,
		"status":  res.Status,
		"message": res.Message,
	})
	if err := st.Publisher.Publish(ctx, ev); err != nil {
		slog.Warn("publish job status failed", "job_id", st.jobID, "error", err)
	}

	archive.Save(ctx, st.Archive, archive.Outcome{
		JobID:   st.jobID,
		Kind:    string(models.KindCSVBatch),
		Status:  string(res.Status),
		Message: res.Message,
		Detail: map[string]any{
			"filename":         st.filename,
			"total_chunks":     res.TotalChunks,
			"batches_sent":     res.BatchesSent,
			"stopped_at_chunk": res.StoppedAtChunk,
		},
		FinishedAt: st.now().UTC(),
	})

	slog.Info("batch run finished", "job_id", st.jobID, "status", res.Status, "batches_sent", res.BatchesSent)
	return res
}

func (st *run) succeed(ctx context.Context, total int) Result {
	st.progress.Progress = 100
	return st.finish(ctx, Result{
		Status:      models.StatusSucceeded,
		Message:     fmt.Sprintf("All %d batches sent!", total),
		TotalChunks: total,
		BatchesSent: total,
	}, "Process finished")
}

// cancelled stops before chunk index at; progress reflects the chunks sent.
func (st *run) cancelled(ctx context.Context, at, total int) Result {
	st.progress.Progress = 0
	if total > 0 {
		st.progress.Progress = Percent(at, total)
	}
	return st.finish(ctx, Result{
		Status:         models.StatusCancelled,
		Message:        "Task stopped by user",
		TotalChunks:    total,
		BatchesSent:    at,
		StoppedAtChunk: at,
	}, "Task stopped")
}

func (st *run) fail(ctx context.Context, err error, at, sent, total int) Result {
	st.progress.Progress = 0
	if total > 0 {
		st.progress.Progress = Percent(sent, total)
	}
	slog.Error("batch run failed", "job_id", st.jobID, "chunk", at, "error", err)
	return st.finish(ctx, Result{
		Status:         models.StatusFailed,
		Message:        fmt.Sprintf("Unexpected error in task: %v", err),
		TotalChunks:    total,
		BatchesSent:    sent,
		StoppedAtChunk: at,
	}, "Error")
}
