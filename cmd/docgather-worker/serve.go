package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docgather/internal/billing"
	"docgather/internal/config"
	"docgather/internal/llm"
	"docgather/internal/logging"
	"docgather/internal/persistence"
	"docgather/internal/pipeline"
	"docgather/internal/queue"
	"docgather/internal/server"
	"docgather/internal/storage"
	"docgather/internal/tasks"
	"docgather/internal/taxonomy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker: queue consumers plus the HTTP control surface",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

const (
	cacheSweepInterval = time.Hour
	cacheSweepMaxAge   = 24 * time.Hour
)

func serve(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Version)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	broker, err := queue.NewBroker(cfg.RedisURL, logger)
	if err != nil {
		return err
	}
	defer broker.Close()
	if err := broker.Ping(ctx); err != nil {
		return err
	}

	gateway, err := llm.NewGateway(cfg.LLM, logger)
	if err != nil {
		return err
	}
	registry, err := taxonomy.Default()
	if err != nil {
		return err
	}

	cache := storage.NewFileCache("", cfg.FileCache.KeepOnDisk, logger)
	store := storage.NewStore(storage.NewEdgeClient(cfg.Edge.URL, cfg.Edge.APIKey, logger), cache)
	persist := persistence.NewClient(cfg.Supabase.URL, cfg.Supabase.SecretKey, logger)
	tracker := billing.NewTracker(persist, logger)
	runner := tasks.NewExecRunner(logger)

	orch := pipeline.NewOrchestrator(broker, persist, cache, tracker, gateway,
		pipeline.NewResultsWriter(cfg, logger), cfg.MasterKeyVersion, cfg.Version, logger)
	broker.RegisterFailureHandler(queue.Orchestrator, orch.HandleFailure)

	workers := tasks.New(store, persist, gateway, tracker, registry, broker, runner, cfg, logger)

	consumers := []*queue.Worker{
		queue.NewWorker(broker, queue.Orchestrator, queue.Concurrency(queue.Orchestrator), orch.Process, logger),
	}
	handlers := workers.Handlers()
	for _, name := range queue.SubtaskQueues() {
		consumers = append(consumers,
			queue.NewWorker(broker, name, queue.Concurrency(name), handlers[name], logger))
	}
	for _, c := range consumers {
		c.Start(ctx)
	}
	logger.Info("queue consumers started", zap.Int("queues", len(consumers)))

	sweeperStop := make(chan struct{})
	cache.StartSweeper(cacheSweepInterval, cacheSweepMaxAge, sweeperStop)

	if cfg.LLM.BatchOCREnabled {
		if err := broker.Enqueue(ctx, queue.MistralCleanup, &queue.Job{
			ID:   "mistral-cleanup",
			Name: "mistral-cleanup",
			Data: []byte("{}"),
		}); err != nil {
			logger.Warn("failed to schedule provider file cleanup", zap.Error(err))
		}
	}

	err = server.New(broker, cfg.Version, logger).Run(ctx, cfg.Port)

	// Shutdown: the HTTP server has stopped accepting; let in-flight jobs
	// finish before the broker connection goes away.
	close(sweeperStop)
	for _, c := range consumers {
		c.Close()
	}
	logger.Info("worker stopped")
	return err
}
