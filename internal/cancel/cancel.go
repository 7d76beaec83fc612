// Package cancel implements cooperative cancellation of running jobs. A
// request arms a short-lived flag in the status store; the executor consumes
// it at its next suspension point.
package cancel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/jobdeck/internal/registry"
	"github.com/kiranshivaraju/jobdeck/internal/statusstore"
	"github.com/kiranshivaraju/jobdeck/pkg/models"
)

const (
	// RequestedMessage is shown on a job as soon as a cancel is requested.
	RequestedMessage = "Abort signal sent by user."
	// RevokedMessage is shown on a job cancelled before a worker picked it up.
	RevokedMessage = "Cancelled before it started."
)

// JobUpdater records status changes on the job record.
type JobUpdater interface {
	Update(ctx context.Context, id string, status models.Status, message string) error
}

// Revoker withdraws a queued task that has not started yet.
type Revoker interface {
	Revoke(ctx context.Context, id string) (bool, error)
}

// RevokeHook runs after a job was revoked before it started.
type RevokeHook func(ctx context.Context, jobID string)

// Signal sets and consumes cancellation flags.
type Signal struct {
	store   statusstore.Store
	jobs    JobUpdater
	revoker Revoker
	hooks   []RevokeHook
}

// New creates a Signal. jobs and revoker may be nil.
func New(store statusstore.Store, jobs JobUpdater, revoker Revoker) *Signal {
	return &Signal{store: store, jobs: jobs, revoker: revoker}
}

// OnRevoked registers a hook called when RequestCancel withdraws a task
// before any worker ran it.
func (s *Signal) OnRevoked(h RevokeHook) {
	s.hooks = append(s.hooks, h)
}

// RequestCancel arms the flag for jobID for one hour and marks the job as
// cancelling. A task still waiting in the queue is revoked outright.
func (s *Signal) RequestCancel(ctx context.Context, jobID string) error {
	if err := s.store.SetValue(ctx, statusstore.CancelFlagKey(jobID), []byte("1"), statusstore.CancelFlagTTL); err != nil {
		return fmt.Errorf("set cancel flag for %s: %w", jobID, err)
	}
	slog.Info("cancel requested", "job_id", jobID)

	s.updateJob(ctx, jobID, models.StatusCancelling, RequestedMessage)

	if s.revoker == nil {
		return nil
	}
	revoked, err := s.revoker.Revoke(ctx, jobID)
	if err != nil {
		slog.Warn("revoke queued task failed", "job_id", jobID, "error", err)
		return nil
	}
	if !revoked {
		return nil
	}

	// Nothing will ever consume the flag of a task that never runs.
	if err := s.store.Delete(ctx, statusstore.CancelFlagKey(jobID)); err != nil {
		slog.Warn("clear cancel flag failed", "job_id", jobID, "error", err)
	}
	s.updateJob(ctx, jobID, models.StatusCancelled, RevokedMessage)
	for _, h := range s.hooks {
		h(ctx, jobID)
	}
	slog.Info("queued task revoked", "job_id", jobID)
	return nil
}

func (s *Signal) updateJob(ctx context.Context, jobID string, status models.Status, message string) {
	if s.jobs == nil {
		return
	}
	err := s.jobs.Update(ctx, jobID, status, message)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		slog.Warn("mark job failed", "job_id", jobID, "status", status, "error", err)
	}
}

// CheckAndConsume reports whether a cancel was requested for jobID and clears
// the flag. Only one caller observes true for each request.
func (s *Signal) CheckAndConsume(ctx context.Context, jobID string) (bool, error) {
	taken, err := s.store.Take(ctx, statusstore.CancelFlagKey(jobID))
	if err != nil {
		return false, fmt.Errorf("check cancel flag for %s: %w", jobID, err)
	}
	if taken {
		slog.Info("cancel observed", "job_id", jobID)
	}
	return taken, nil
}

// Token returns a cancellation token for one run of jobID.
func (s *Signal) Token(jobID string) *Token {
	return &Token{signal: s, jobID: jobID}
}

// Token is held by an executor for the length of one run. It is not safe for
// concurrent use; chunks of one job never run in parallel.
type Token struct {
	signal    *Signal
	jobID     string
	cancelled bool
}

// Cancelled checks for a pending cancel request. Once it has returned true it
// keeps returning true without touching the store again. A store failure
// reads as not cancelled.
func (t *Token) Cancelled(ctx context.Context) bool {
	if t.cancelled {
		return true
	}
	ok, err := t.signal.CheckAndConsume(ctx, t.jobID)
	if err != nil {
		slog.Warn("cancel check failed, continuing", "job_id", t.jobID, "error", err)
		return false
	}
	t.cancelled = ok
	return ok
}

// JobID returns the job the token belongs to.
func (t *Token) JobID() string {
	return t.jobID
}
