// Package main is the entrypoint for the jobdeck web process. It serves the
// HTTP API and the live channel; jobs themselves run in cmd/worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/jobdeck/internal/api"
	"github.com/kiranshivaraju/jobdeck/internal/api/handler"
	mw "github.com/kiranshivaraju/jobdeck/internal/api/middleware"
	"github.com/kiranshivaraju/jobdeck/internal/archive"
	"github.com/kiranshivaraju/jobdeck/internal/batch"
	"github.com/kiranshivaraju/jobdeck/internal/blob"
	"github.com/kiranshivaraju/jobdeck/internal/cancel"
	"github.com/kiranshivaraju/jobdeck/internal/config"
	"github.com/kiranshivaraju/jobdeck/internal/janitor"
	"github.com/kiranshivaraju/jobdeck/internal/live"
	"github.com/kiranshivaraju/jobdeck/internal/queue"
	"github.com/kiranshivaraju/jobdeck/internal/registry"
	"github.com/kiranshivaraju/jobdeck/internal/status"
	"github.com/kiranshivaraju/jobdeck/internal/statusstore"
	"github.com/kiranshivaraju/jobdeck/internal/workflow"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// jobQueue is what the web process needs from the task queue: it enqueues,
// revokes and reads states, but never consumes.
type jobQueue interface {
	Enqueue(ctx context.Context, taskType string, payload any) (string, error)
	EnqueueID(ctx context.Context, id, taskType string, payload any) error
	State(ctx context.Context, id string) (queue.State, bool, error)
	Revoke(ctx context.Context, id string) (bool, error)
}

// components are the long-lived collaborators the routes are built from.
type components struct {
	cfg         *config.Config
	store       statusstore.Store
	queue       jobQueue
	publisher   live.Publisher
	hub         *live.Hub
	archive     archive.Archive
	definitions *workflow.Definitions
}

// wiring is the result of assembling the domain services.
type wiring struct {
	deps    api.Dependencies
	jobs    *registry.Registry
	batches *batch.Service
}

func assemble(c components) wiring {
	jobs := registry.New(c.store, c.queue)
	global := status.New(c.store, c.publisher)

	canceller := cancel.New(c.store, jobs, c.queue)
	batches := batch.NewService(batch.NewProgressStore(c.store), jobs, c.queue, global, c.cfg.Files.UploadDir)
	canceller.OnRevoked(batches.OnRevoked)

	agg := workflow.NewAggregator(workflow.AggregatorDeps{
		Store:       c.store,
		Definitions: c.definitions,
		Jobs:        jobs,
		Status:      global,
		Publisher:   c.publisher,
		Archive:     c.archive,
	})

	deps := api.Dependencies{
		OperatorAuth: mw.NewOperatorAuth(c.cfg.Security.OperatorKeyHash),
		RateLimit:    mw.NewRateLimit(c.store, c.cfg.Security.WebhookRatePerMinute),

		HealthHandler: handler.NewHealthHandler(c.store, c.archive),
		LiveHandler:   c.hub.HandleWebSocket,

		ListJobs:   handler.NewListJobsHandler(jobs),
		GetJob:     handler.NewGetJobHandler(jobs),
		CreateJob:  handler.NewCreateJobHandler(jobs),
		UpdateJob:  handler.NewUpdateJobHandler(jobs),
		CancelJob:  handler.NewCancelJobHandler(jobs, canceller),
		DeleteJob:  handler.NewDeleteJobHandler(jobs),
		JobHistory: handler.NewHistoryHandler(c.archive),

		StartBatch:  handler.NewStartBatchHandler(batches),
		BatchStatus: handler.NewBatchStatusHandler(batches),
		StartBlob:   handler.NewStartBlobHandler(blob.NewService(jobs, c.queue, c.cfg.Files.UploadDir)),

		StartWorkflow: handler.NewStartWorkflowHandler(workflow.NewService(c.definitions, jobs, c.queue)),
		StepEvent:     handler.NewStepEventHandler(agg),
		WorkflowSteps: handler.NewWorkflowStepsHandler(agg),

		GetStatus: handler.NewGetStatusHandler(global),
		SetStatus: handler.NewSetStatusHandler(global),
	}

	return wiring{deps: deps, jobs: jobs, batches: batches}
}

func run() error {
	// 1. Load config, failing fast when it is invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Redis. An unreachable store degrades reads instead of
	// stopping the server.
	redisStore, err := statusstore.NewRedisStore(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis store: %w", err)
	}
	defer redisStore.Close()

	if err := redisStore.Ping(ctx); err != nil {
		slog.Warn("redis unreachable, job status will be degraded", "error", err)
	} else {
		slog.Info("redis connected")
	}

	// 3. Open the outcome archive and apply migrations
	outcomes, closeArchive, err := archive.Open(ctx, cfg.Database, "migrations")
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer closeArchive()
	slog.Info("archive ready", "postgres", cfg.Database.URL != "")

	// 4. Load workflow definitions
	defs, err := workflow.LoadDefinitions(cfg.Workflow.DefinitionsFile)
	if err != nil {
		return fmt.Errorf("load workflow definitions: %w", err)
	}
	slog.Info("workflow definitions loaded", "kinds", defs.Kinds())

	// 5. Start the live relay
	client := redisStore.Client()
	hub := live.NewHub(cfg.Live.ProgressThrottle)
	go live.Relay(ctx, client, hub)

	// 6. Assemble services and the janitor
	q := queue.New(client, queue.Options{})
	w := assemble(components{
		cfg:         cfg,
		store:       redisStore,
		queue:       q,
		publisher:   live.NewRedisPublisher(client),
		hub:         hub,
		archive:     outcomes,
		definitions: defs,
	})

	sweeper := janitor.New(w.jobs, w.batches, q)
	if err := sweeper.Start(cfg.Janitor.Schedule); err != nil {
		return err
	}
	defer sweeper.Stop()

	router := api.NewRouter(w.deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
