// Package registry tracks the jobs shown to users: an append-only index of
// job ids plus one expiring record per job. Reads de-duplicate the index and
// reconcile stored status with whoever executes the job.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/jobdeck/internal/queue"
	"github.com/kiranshivaraju/jobdeck/internal/statusstore"
	"github.com/kiranshivaraju/jobdeck/pkg/models"
)

// ErrNotFound is returned when no record exists for a job id.
var ErrNotFound = errors.New("job not found")

// FinishStep is the reserved step id holding a workflow job's terminal aggregate.
const FinishStep = "workflow_finish"

// QueueStates reads the live execution state of queue-run jobs.
type QueueStates interface {
	State(ctx context.Context, id string) (queue.State, bool, error)
}

// Registry is the job index over a status store.
type Registry struct {
	store statusstore.Store
	queue QueueStates
	now   func() time.Time
}

// New creates a Registry. states may be nil, in which case queue-run jobs are
// reported exactly as stored.
func New(store statusstore.Store, states QueueStates) *Registry {
	return &Registry{store: store, queue: states, now: time.Now}
}

// Register indexes job and writes its record with a 24h retention. A blank
// status defaults to pending and a zero CreatedAt to now. Registering the same
// id twice appends it to the index again; readers de-duplicate.
func (r *Registry) Register(ctx context.Context, job models.Job) (models.Job, error) {
	if job.ID == "" {
		return job, fmt.Errorf("register job: empty id")
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = r.now().UTC()
	}
	job.UpdatedAt = job.CreatedAt

	key := statusstore.JobKey(job.ID)
	if err := r.store.ListAppend(ctx, statusstore.ActiveJobsKey, job.ID); err != nil {
		return job, fmt.Errorf("index job %s: %w", job.ID, err)
	}
	if err := r.store.Put(ctx, key, encode(job)); err != nil {
		return job, fmt.Errorf("write job %s: %w", job.ID, err)
	}
	if err := r.store.Expire(ctx, key, statusstore.JobTTL); err != nil {
		return job, fmt.Errorf("expire job %s: %w", job.ID, err)
	}

	slog.Info("job registered", "job_id", job.ID, "kind", job.Kind, "subject", job.Subject)
	return job, nil
}

// Get returns one job with the same reconciliation List applies.
func (r *Registry) Get(ctx context.Context, id string) (models.Job, error) {
	fields, err := r.store.Get(ctx, statusstore.JobKey(id))
	if err != nil {
		return models.Job{}, fmt.Errorf("read job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.Job{}, ErrNotFound
	}
	job := decode(id, fields)
	return r.RefreshStatus(ctx, job), nil
}

// List returns every indexed job once, in index order. Ids whose record has
// expired are skipped.
func (r *Registry) List(ctx context.Context) ([]models.Job, error) {
	ids, err := r.store.ListRange(ctx, statusstore.ActiveJobsKey)
	if err != nil {
		return nil, fmt.Errorf("read job index: %w", err)
	}

	seen := make(map[string]bool, len(ids))
	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		job, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Unregister drops id from the index and deletes its record and step state.
// It reports whether anything was there.
func (r *Registry) Unregister(ctx context.Context, id string) (bool, error) {
	removed, err := r.store.ListRemove(ctx, statusstore.ActiveJobsKey, id)
	if err != nil {
		return false, fmt.Errorf("unindex job %s: %w", id, err)
	}
	existed, err := r.store.Take(ctx, statusstore.JobKey(id))
	if err != nil {
		return false, fmt.Errorf("delete job %s: %w", id, err)
	}
	if err := r.store.Delete(ctx, statusstore.WorkflowStateKey(id)); err != nil {
		return false, fmt.Errorf("delete workflow state %s: %w", id, err)
	}

	slog.Info("job unregistered", "job_id", id, "existed", existed || removed > 0)
	return existed || removed > 0, nil
}

// RefreshStatus reconciles job with its executor. Delegated workflow jobs
// report their terminal aggregate once one exists. Queue-run jobs follow the
// queue's state, and the reconciled value is written back when it differs.
// Lookup failures leave the stored status in place.
func (r *Registry) RefreshStatus(ctx context.Context, job models.Job) models.Job {
	switch {
	case job.Kind == models.KindDelegatedWorkflow:
		return r.applyWorkflowFinish(ctx, job)
	case job.Kind.QueueExecuted() && r.queue != nil:
		return r.applyQueueState(ctx, job)
	}
	return job
}

func (r *Registry) applyWorkflowFinish(ctx context.Context, job models.Job) models.Job {
	raw, ok, err := r.store.GetField(ctx, statusstore.WorkflowStateKey(job.ID), FinishStep)
	if err != nil {
		slog.Warn("read workflow finish failed", "job_id", job.ID, "error", err)
		return job
	}
	if !ok {
		return job
	}
	var finish models.StepState
	if err := json.Unmarshal([]byte(raw), &finish); err != nil {
		slog.Warn("malformed workflow finish", "job_id", job.ID, "error", err)
		return job
	}
	job.Status = models.FromWorkflowStatus(finish.Status)
	if finish.Message != "" {
		job.LastMessage = finish.Message
	}
	return job
}

func (r *Registry) applyQueueState(ctx context.Context, job models.Job) models.Job {
	state, ok, err := r.queue.State(ctx, job.ID)
	if err != nil {
		slog.Warn("read queue state failed", "job_id", job.ID, "error", err)
		return job
	}
	if !ok {
		return job
	}
	live, known := models.FromQueueState(string(state))
	if !known || live == job.Status {
		return job
	}
	// Terminal records never move back, and a pending cancel holds until the
	// queue itself reaches a terminal state.
	if job.Status.Terminal() || (job.Status == models.StatusCancelling && !live.Terminal()) {
		return job
	}

	job.Status = live
	job.UpdatedAt = r.now().UTC()
	err = r.store.Put(ctx, statusstore.JobKey(job.ID), map[string]string{
		"status":     string(job.Status),
		"updated_at": job.UpdatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		slog.Warn("write reconciled status failed", "job_id", job.ID, "error", err)
	}
	return job
}

// Update records a status change and message from the job's executor. An
// empty status leaves the status untouched. Returns ErrNotFound when the
// record has expired or was removed, without recreating it.
func (r *Registry) Update(ctx context.Context, id string, status models.Status, message string) error {
	key := statusstore.JobKey(id)
	_, ok, err := r.store.GetField(ctx, key, "job_id")
	if err != nil {
		return fmt.Errorf("read job %s: %w", id, err)
	}
	if !ok {
		return ErrNotFound
	}

	fields := map[string]string{
		"last_message": message,
		"updated_at":   r.now().UTC().Format(time.RFC3339Nano),
	}
	if status != "" {
		fields["status"] = string(status)
	}
	if err := r.store.Put(ctx, key, fields); err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	return nil
}

// Prune removes index entries whose record no longer exists and returns how
// many ids were dropped.
func (r *Registry) Prune(ctx context.Context) (int, error) {
	ids, err := r.store.ListRange(ctx, statusstore.ActiveJobsKey)
	if err != nil {
		return 0, fmt.Errorf("read job index: %w", err)
	}

	pruned := 0
	checked := make(map[string]bool, len(ids))
	for _, id := range ids {
		if checked[id] {
			continue
		}
		checked[id] = true

		_, ok, err := r.store.GetField(ctx, statusstore.JobKey(id), "job_id")
		if err != nil {
			return pruned, fmt.Errorf("read job %s: %w", id, err)
		}
		if ok {
			continue
		}
		n, err := r.store.ListRemove(ctx, statusstore.ActiveJobsKey, id)
		if err != nil {
			return pruned, fmt.Errorf("unindex job %s: %w", id, err)
		}
		pruned += int(n)
	}
	return pruned, nil
}

func encode(job models.Job) map[string]string {
	return map[string]string{
		"job_id":        job.ID,
		"name":          job.Name,
		"kind":          string(job.Kind),
		"subject":       job.Subject,
		"workflow_kind": job.WorkflowKind,
		"status":        string(job.Status),
		"last_message":  job.LastMessage,
		"created_at":    job.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    job.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func decode(id string, f map[string]string) models.Job {
	job := models.Job{
		ID:           id,
		Name:         f["name"],
		Kind:         models.Kind(f["kind"]),
		Subject:      f["subject"],
		WorkflowKind: f["workflow_kind"],
		LastMessage:  f["last_message"],
	}
	if s, ok := models.ParseStatus(f["status"]); ok {
		job.Status = s
	} else {
		job.Status = models.StatusPending
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, f["created_at"])
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, f["updated_at"])
	return job
}
