// Package janitor periodically tidies state that no request path cleans up:
// index entries of expired jobs and batch progress left running by a worker
// that died.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/jobdeck/internal/batch"
	"github.com/robfig/cron/v3"
)

// Pruner drops index entries of expired jobs.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// StaleResetter releases a batch progress record whose task is gone.
type StaleResetter interface {
	ResetStale(ctx context.Context, states batch.QueueStates) (bool, error)
}

// Janitor runs the cleanup on a cron schedule.
type Janitor struct {
	jobs    Pruner
	batches StaleResetter
	states  batch.QueueStates
	cron    *cron.Cron
	timeout time.Duration
}

func New(jobs Pruner, batches StaleResetter, states batch.QueueStates) *Janitor {
	return &Janitor{
		jobs:    jobs,
		batches: batches,
		states:  states,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: time.Minute,
	}
}

// Start schedules the cleanup. schedule accepts standard five-field cron
// expressions and descriptors such as "@every 5m".
func (j *Janitor) Start(schedule string) error {
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return fmt.Errorf("schedule janitor %q: %w", schedule, err)
	}
	j.cron.Start()
	slog.Info("janitor started", "schedule", schedule)
	return nil
}

// Stop stops scheduling and waits for a running pass to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	slog.Info("janitor stopped")
}

func (j *Janitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	j.RunOnce(ctx)
}

// RunOnce performs one cleanup pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	pruned, err := j.jobs.Prune(ctx)
	if err != nil {
		slog.Error("janitor prune failed", "error", err)
	} else if pruned > 0 {
		slog.Info("janitor pruned expired jobs", "count", pruned)
	}

	if j.batches == nil || j.states == nil {
		return
	}
	reset, err := j.batches.ResetStale(ctx, j.states)
	if err != nil {
		slog.Error("janitor stale batch check failed", "error", err)
		return
	}
	if reset {
		slog.Info("janitor reset stale batch progress")
	}
}
