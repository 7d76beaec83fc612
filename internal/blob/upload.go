package blob

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
	"github.com/kiranshivaraju/jobdeck/internal/archive"
	"github.com/kiranshivaraju/jobdeck/internal/cancel"
	"github.com/kiranshivaraju/jobdeck/internal/queue"
	"github.com/kiranshivaraju/jobdeck/internal/registry"
	"github.com/kiranshivaraju/jobdeck/pkg/models"
)

// TaskType is the queue task type of blob uploads.
const TaskType = "blob_upload"

var (
	ErrMissingFilename = errors.New("filename is required")
	ErrInvalidFilename = errors.New("filename must not contain a path")
	ErrSourceNotFound  = errors.New("source file not found")
	ErrInvalidDate     = errors.New("date must be YYYY-MM-DD")
)

// TaskPayload is the queued description of an upload.
type TaskPayload struct {
	Filename string `json:"filename"`
	Date     string `json:"date"`
}

// ObjectKey is where the upload of a day's sales file is stored.
func ObjectKey(date string) string {
	return fmt.Sprintf("daily_sales/daily_sales_%s.csv", date)
}

// Registrar records new jobs.
type Registrar interface {
	Register(ctx context.Context, job models.Job) (models.Job, error)
	Update(ctx context.Context, id string, status models.Status, message string) error
}

// Enqueuer hands a task to the workers under a known id.
type Enqueuer interface {
	EnqueueID(ctx context.Context, id, taskType string, payload any) error
}

// StatusNotifier sets the global status text.
type StatusNotifier interface {
	Notify(ctx context.Context, text string)
}

// Tokens hands out per-run cancellation tokens.
type Tokens interface {
	Token(jobID string) *cancel.Token
}

// Service starts blob uploads.
type Service struct {
	jobs      Registrar
	queue     Enqueuer
	uploadDir string
}

func NewService(jobs Registrar, q Enqueuer, uploadDir string) *Service {
	return &Service{jobs: jobs, queue: q, uploadDir: uploadDir}
}

// Start queues an upload of filename as the sales file of date.
func (s *Service) Start(ctx context.Context, filename, date string) (string, error) {
	if err := checkFilename(filename); err != nil {
		return "", err
	}
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return "", ErrInvalidDate
	}
	if _, err := os.Stat(filepath.Join(s.uploadDir, filename)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrSourceNotFound
		}
		return "", fmt.Errorf("stat source: %w", err)
	}

	id := uuid.NewString()
	_, err := s.jobs.Register(ctx, models.Job{
		ID:          id,
		Name:        fmt.Sprintf("Blob Upload - %s", filename),
		Kind:        models.KindBlobUpload,
		Subject:     filename,
		LastMessage: "Waiting for a worker.",
	})
	if err != nil {
		return "", err
	}
	if err := s.queue.EnqueueID(ctx, id, TaskType, TaskPayload{Filename: filename, Date: date}); err != nil {
		msg := fmt.Sprintf("Failed to queue upload: %v", err)
		if uerr := s.jobs.Update(ctx, id, models.StatusFailed, msg); uerr != nil {
			slog.Warn("job record not updated", "job_id", id, "error", uerr)
		}
		return "", err
	}
	slog.Info("blob upload queued", "job_id", id, "filename", filename, "date", date)
	return id, nil
}

func checkFilename(name string) error {
	if name == "" {
		return ErrMissingFilename
	}
	if filepath.Base(name) != name || name == "." || name == ".." {
		return ErrInvalidFilename
	}
	return nil
}

// UploaderDeps wires an Uploader.
type UploaderDeps struct {
	Store     Store
	Jobs      Registrar
	Status    StatusNotifier
	Tokens    Tokens
	Archive   archive.Archive
	UploadDir string
	Bucket    string
}

// Uploader runs blob uploads on a worker.
type Uploader struct {
	UploaderDeps
}

func NewUploader(deps UploaderDeps) *Uploader {
	if deps.Archive == nil {
		deps.Archive = archive.Nop{}
	}
	return &Uploader{UploaderDeps: deps}
}

// Handle is the queue handler for TaskType. A cancel requested before the
// copy starts reports queue.ErrRevoked.
func (u *Uploader) Handle(ctx context.Context, task queue.Task) error {
	var p TaskPayload
	if err := task.Decode(&p); err != nil {
		return fmt.Errorf("decode upload payload: %w", err)
	}
	jobID := task.ID
	key := ObjectKey(p.Date)

	if u.Tokens.Token(jobID).Cancelled(ctx) {
		u.finish(ctx, jobID, models.StatusCancelled, "Upload stopped by user", key)
		return queue.ErrRevoked
	}

	msg := fmt.Sprintf("Uploading to %s/%s...", u.Bucket, key)
	u.update(ctx, jobID, models.StatusRunning, msg)
	u.Status.Notify(ctx, "Uploading file...")

	if err := u.copy(ctx, p.Filename, key); err != nil {
		msg := fmt.Sprintf("Upload failed: %v", err)
		u.finish(ctx, jobID, models.StatusFailed, msg, key)
		return errors.New(msg)
	}

	done := fmt.Sprintf("File daily_sales_%s.csv uploaded to bucket %s.", p.Date, u.Bucket)
	u.finish(ctx, jobID, models.StatusSucceeded, done, key)
	return nil
}

func (u *Uploader) copy(ctx context.Context, filename, key string) error {
	if err := checkFilename(filename); err != nil {
		return err
	}
	f, err := os.Open(filepath.Join(u.UploadDir, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, filename)
	}
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer f.Close()
	return u.Store.Put(ctx, key, f)
}

func (u *Uploader) update(ctx context.Context, jobID string, status models.Status, message string) {
	err := u.Jobs.Update(ctx, jobID, status, message)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		slog.Warn("job record not updated", "job_id", jobID, "error", err)
	}
}

func (u *Uploader) finish(ctx context.Context, jobID string, status models.Status, message, key string) {
	// Terminal writes outlive a worker shutdown.
	ctx = context.WithoutCancel(ctx)
	u.update(ctx, jobID, status, message)
	switch status {
	case models.StatusSucceeded:
		u.Status.Notify(ctx, "Upload finished")
	case models.StatusCancelled:
		u.Status.Notify(ctx, "Upload stopped")
	default:
		u.Status.Notify(ctx, "Upload failed")
	}
	archive.Save(ctx, u.Archive, archive.Outcome{
		JobID:   jobID,
		Kind:    string(models.KindBlobUpload),
		Status:  string(status),
		Message: message,
		Detail:  map[string]any{"bucket": u.Bucket, "key": key},
	})
	slog.Info("blob upload finished", "job_id", jobID, "status", status, "key", key)
}
