// Package main is the entrypoint for the jobdeck worker. It consumes the task
// queue and runs batch pushes, blob uploads and workflow engine triggers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/jobdeck/internal/archive"
	"github.com/kiranshivaraju/jobdeck/internal/batch"
	"github.com/kiranshivaraju/jobdeck/internal/blob"
	"github.com/kiranshivaraju/jobdeck/internal/cancel"
	"github.com/kiranshivaraju/jobdeck/internal/config"
	"github.com/kiranshivaraju/jobdeck/internal/live"
	"github.com/kiranshivaraju/jobdeck/internal/outbound"
	"github.com/kiranshivaraju/jobdeck/internal/queue"
	"github.com/kiranshivaraju/jobdeck/internal/registry"
	"github.com/kiranshivaraju/jobdeck/internal/status"
	"github.com/kiranshivaraju/jobdeck/internal/statusstore"
	"github.com/kiranshivaraju/jobdeck/internal/workflow"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

// handlers maps queue task types to their executors.
func handlers(cfg *config.Config, store statusstore.Store, pub live.Publisher, outcomes archive.Archive, defs *workflow.Definitions, states registry.QueueStates) map[string]queue.Handler {
	jobs := registry.New(store, states)
	global := status.New(store, pub)
	tokens := cancel.New(store, jobs, nil)

	runner := batch.NewRunner(batch.RunnerDeps{
		Progress:  batch.NewProgressStore(store),
		Jobs:      jobs,
		Status:    global,
		Publisher: pub,
		Archive:   outcomes,
		Sink:      batch.NewHTTPSink(outbound.NewClient(cfg.Batch.SendTimeout), cfg.Batch.EndpointURL),
		Tokens:    tokens,
		UploadDir: cfg.Files.UploadDir,
		ChunkSize: cfg.Batch.ChunkSize,
	})

	uploader := blob.NewUploader(blob.UploaderDeps{
		Store:     blob.NewFSStore(cfg.Files.BlobDir, cfg.Files.BlobBucket),
		Jobs:      jobs,
		Status:    global,
		Tokens:    tokens,
		Archive:   outcomes,
		UploadDir: cfg.Files.UploadDir,
		Bucket:    cfg.Files.BlobBucket,
	})

	agg := workflow.NewAggregator(workflow.AggregatorDeps{
		Store:       store,
		Definitions: defs,
		Jobs:        jobs,
		Status:      global,
		Publisher:   pub,
		Archive:     outcomes,
	})
	trigger := workflow.NewTrigger(defs, outbound.NewClient(cfg.Workflow.TriggerTimeout), agg, jobs,
		cfg.Workflow.EngineURL, cfg.Workflow.CallbackURL)

	return map[string]queue.Handler{
		batch.TaskType:           runner.Handle,
		blob.TaskType:            uploader.Handle,
		workflow.TriggerTaskType: trigger.Handle,
	}
}

func run() error {
	// 1. Load config, failing fast when it is invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "concurrency", cfg.Worker.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Redis. The worker cannot do anything without it.
	redisStore, err := statusstore.NewRedisStore(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis store: %w", err)
	}
	defer redisStore.Close()

	if err := redisStore.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 3. Open the outcome archive; the server owns migrations.
	outcomes, closeArchive, err := archive.Open(ctx, cfg.Database, "")
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer closeArchive()

	// 4. Load workflow definitions
	defs, err := workflow.LoadDefinitions(cfg.Workflow.DefinitionsFile)
	if err != nil {
		return fmt.Errorf("load workflow definitions: %w", err)
	}

	if cfg.Batch.EndpointURL == "" {
		slog.Warn("EXTERNAL_API_URL not set, batch jobs will fail at the first chunk")
	}
	if cfg.Workflow.EngineURL == "" {
		slog.Warn("WORKFLOW_ENGINE_URL not set, kinds without their own engine_url will fail")
	}

	// 5. Register handlers and consume
	client := redisStore.Client()
	q := queue.New(client, queue.Options{Concurrency: cfg.Worker.Concurrency})
	for taskType, h := range handlers(cfg, redisStore, live.NewRedisPublisher(client), outcomes, defs, q) {
		q.Handle(taskType, h)
	}

	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received, waiting for running tasks...")
	q.Wait()

	slog.Info("worker stopped gracefully")
	return nil
}
