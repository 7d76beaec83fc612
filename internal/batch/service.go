package batch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobdeck/internal/queue"
	"github.com/kiranshivaraju/jobdeck/pkg/models"
)

// Registrar records new jobs.
type Registrar interface {
	Register(ctx context.Context, job models.Job) (models.Job, error)
	Update(ctx context.Context, id string, status models.Status, message string) error
}

// Enqueuer hands a task to the workers under a known id.
type Enqueuer interface {
	EnqueueID(ctx context.Context, id, taskType string, payload any) error
}

// QueueStates reads the executor state of a task.
type QueueStates interface {
	State(ctx context.Context, id string) (queue.State, bool, error)
}

// Service starts batch jobs and reports their progress.
type Service struct {
	progress  *ProgressStore
	jobs      Registrar
	queue     Enqueuer
	status    StatusNotifier
	uploadDir string
	now       func() time.Time
}

func NewService(progress *ProgressStore, jobs Registrar, q Enqueuer, status StatusNotifier, uploadDir string) *Service {
	return &Service{
		progress:  progress,
		jobs:      jobs,
		queue:     q,
		status:    status,
		uploadDir: uploadDir,
		now:       time.Now,
	}
}

// Start queues a batch job for filename and returns its id. It fails with
// ErrAlreadyRunning while another batch job is running and leaves that job's
// record untouched.
func (s *Service) Start(ctx context.Context, filename string) (string, error) {
	if filename == "" {
		return "", ErrMissingFilename
	}
	if filepath.Base(filename) != filename || filename == "." || filename == ".." {
		return "", ErrInvalidFilename
	}
	if _, err := os.Stat(filepath.Join(s.uploadDir, filename)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrSourceNotFound
		}
		return "", fmt.Errorf("stat source: %w", err)
	}

	current, err := s.progress.Load(ctx)
	if err != nil {
		return "", err
	}
	if current.IsRunning {
		return "", ErrAlreadyRunning
	}

	id := uuid.NewString()
	stamp := s.now()
	reserved := models.BatchProgress{
		JobID:     id,
		IsRunning: true,
		Message:   fmt.Sprintf("Queued %s", filename),
		Log:       []string{fmt.Sprintf("[%s] Job queued.", stamp.Format("15:04:05"))},
	}
	if err := s.progress.Save(ctx, reserved); err != nil {
		return "", err
	}

	_, err = s.jobs.Register(ctx, models.Job{
		ID:          id,
		Name:        fmt.Sprintf("Update Stock %s", stamp.Format("2006-01-02 15:04:05")),
		Kind:        models.KindCSVBatch,
		Subject:     filename,
		LastMessage: reserved.Message,
	})
	if err != nil {
		s.release(ctx, reserved, fmt.Sprintf("Failed to register job: %v", err))
		return "", err
	}

	if err := s.queue.EnqueueID(ctx, id, TaskType, TaskPayload{Filename: filename}); err != nil {
		msg := fmt.Sprintf("Failed to queue job: %v", err)
		s.release(ctx, reserved, msg)
		if uerr := s.jobs.Update(ctx, id, models.StatusFailed, msg); uerr != nil {
			slog.Warn("job record not updated", "job_id", id, "error", uerr)
		}
		return "", err
	}

	s.status.Notify(ctx, fmt.Sprintf("Batch job queued for %s", filename))
	slog.Info("batch job queued", "job_id", id, "filename", filename)
	return id, nil
}

// release marks a reserved record as no longer running.
func (s *Service) release(ctx context.Context, bp models.BatchProgress, message string) {
	bp.IsRunning = false
	bp.Message = message
	bp.Log = append(bp.Log, fmt.Sprintf("[%s] %s", s.now().Format("15:04:05"), message))
	if err := s.progress.Save(ctx, bp); err != nil {
		slog.Warn("batch progress not released", "job_id", bp.JobID, "error", err)
	}
}

// Progress returns the current progress record. An unreadable store reads as idle.
func (s *Service) Progress(ctx context.Context) models.BatchProgress {
	bp, err := s.progress.Load(ctx)
	if err != nil {
		slog.Warn("batch progress unavailable", "error", err)
	}
	return bp
}

// OnRevoked releases the progress record of a job withdrawn before it ran.
func (s *Service) OnRevoked(ctx context.Context, jobID string) {
	bp, err := s.progress.Load(ctx)
	if err != nil || !bp.IsRunning || bp.JobID != jobID {
		return
	}
	s.release(ctx, bp, "Task stopped by user")
}

// ResetStale releases a running record whose task is finished or gone, which
// happens when a worker dies mid-run. It reports whether it reset anything.
func (s *Service) ResetStale(ctx context.Context, states QueueStates) (bool, error) {
	bp, err := s.progress.Load(ctx)
	if err != nil {
		return false, err
	}
	if !bp.IsRunning || bp.JobID == "" {
		return false, nil
	}
	state, ok, err := states.State(ctx, bp.JobID)
	if err != nil {
		return false, err
	}
	if ok && !state.Terminal() {
		return false, nil
	}

	msg := "Worker stopped before the job finished."
	s.release(ctx, bp, msg)
	// A terminal task already tells the registry how it ended.
	if !ok {
		if uerr := s.jobs.Update(ctx, bp.JobID, models.StatusFailed, msg); uerr != nil {
			slog.Debug("stale job record not updated", "job_id", bp.JobID, "error", uerr)
		}
	}
	slog.Warn("stale batch progress reset", "job_id", bp.JobID, "queue_state", state)
	return true, nil
}
