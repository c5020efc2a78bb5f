package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orbitlab/kessler/internal/api"
	"github.com/orbitlab/kessler/internal/config"
	"github.com/orbitlab/kessler/internal/engine"
	"github.com/orbitlab/kessler/internal/orchestrator"
	"github.com/orbitlab/kessler/internal/queue"
	"github.com/orbitlab/kessler/internal/store"
	"github.com/orbitlab/kessler/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kessler: starting",
		"listen_addr", cfg.ListenAddr,
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

	orch := orchestrator.New(db, q, logger)
	srv := api.NewServer(cfg.ListenAddr, orch, logger)
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

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return pool.Run(ctx) })

	if err := g.Wait(); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
	logger.Info("kessler: stopped")
}
