package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orbitlab/kessler/internal/config"
	"github.com/orbitlab/kessler/internal/engine"
	"github.com/orbitlab/kessler/internal/queue"
	"github.com/orbitlab/kessler/internal/store"
	"github.com/orbitlab/kessler/internal/worker"
)

// kessler-worker runs the worker pool without the HTTP server, for
// deployments that scale execution separately from the API.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kessler-worker: starting",
		"db_path", cfg.DBPath,
		"workers", cfg.Workers,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	q, err := queue.NewSQLiteQueue(cfg.DBPath,
		queue.WithLease(time.Duration(cfg.LeaseDuration)),
		queue.WithPollInterval(time.Duration(cfg.PollInterval)),
	)
	if err != nil {
		log.Fatalf("failed to open task queue: %v", err)
	}
	defer q.Close()

	opts := []engine.DebrisOption{}
	if cfg.LaunchFile != "" {
		opts = append(opts, engine.WithLaunchFile(cfg.LaunchFile))
	}
	eng, err := engine.NewDebrisEngine(opts...)
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}

	sink, err := engine.NewFileSink(cfg.ResultDir)
	if err != nil {
		log.Fatalf("failed to create result sink: %v", err)
	}

	pool := worker.NewPool(db, q, eng, sink, logger, worker.Config{
		Workers: cfg.Workers,
		Retry: worker.RetryPolicy{
			AutoRetryOnFailure: cfg.AutoRetryOnFailure,
			MaxRetries:         cfg.MaxRetries,
		},
	})

	reconciler := worker.NewReconciler(db, q, logger, time.Duration(cfg.StaleThreshold))
	if err := reconciler.Start(cfg.ReconcileEvery); err != nil {
		log.Fatalf("failed to start reconciler: %v", err)
	}
	defer reconciler.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pool.Run(ctx); err != nil {
		log.Fatalf("worker pool error: %v", err)
	}
	logger.Info("kessler-worker: stopped")
}
