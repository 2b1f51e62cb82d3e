package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-log-indexer/internal/cache"
	"go-log-indexer/internal/config"
	"go-log-indexer/internal/database"
	"go-log-indexer/internal/indexer"
	"go-log-indexer/internal/indexset"
	"go-log-indexer/internal/jobs"
	"go-log-indexer/internal/queue"
	"go-log-indexer/internal/search"
	"go-log-indexer/internal/worker"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()
	logger := slog.Default()

	// ctx is cancelled on SIGINT/SIGTERM, which causes worker.Run to flush the
	// current batch and return cleanly before we close connections.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Infrastructure ─────────────────────────────────────────────────────────

	db, err := database.Connect(cfg.PostgresDSN)
	if err != nil {
		slog.Error("postgres connect failed", "component", "worker", "error", err)
		os.Exit(1)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		slog.Error("postgres schema failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	redisClient, err := cache.New(cfg.RedisAddr)
	if err != nil {
		slog.Error("redis connect failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	searchClient, err := search.New(initCtx, search.Options{
		Addresses:      cfg.ElasticsearchURLs,
		Username:       cfg.ElasticsearchUsername,
		Password:       cfg.ElasticsearchPassword,
		Backend:        cfg.SearchBackend,
		RequestTimeout: cfg.SearchRequestTimeout,
		Logger:         logger,
	})
	initCancel()
	if err != nil {
		slog.Error("search backend init failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	consumer, err := queue.NewConsumer(cfg.RabbitMQURL, cfg.WorkerBatchSize)
	if err != nil {
		slog.Error("rabbitmq connect failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	// Rejected documents go to the failure queue.
	publisher, err := queue.NewPublisher(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("rabbitmq connect failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	// ── Index sets ─────────────────────────────────────────────────────────────

	jobManager := jobs.NewManager(logger)

	reloader, err := indexset.NewReloader(cfg.IndexSetsFile, cfg.ReadOnlyDelay, indexset.Deps{
		Indices:       searchClient,
		Jobs:          jobManager,
		Ranges:        db,
		HealthTimeout: cfg.IndexHealthTimeout,
		Logger:        logger,
	})
	if err != nil {
		slog.Error("index set config invalid", "component", "worker", "file", cfg.IndexSetsFile, "error", err)
		os.Exit(1)
	}

	if err := reloader.Current().SetUpAll(ctx); err != nil {
		slog.Error("index set setup failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	rotator := worker.NewRotator(redisClient, cfg.RotationLockTTL, logger)
	if err := rotator.Sync(reloader.Current()); err != nil {
		slog.Error("invalid rotation schedule", "component", "worker", "error", err)
		os.Exit(1)
	}
	// New sets need their alias before the first message is routed to them,
	// so a reload is only installed once every set is up.
	reloader.BeforeSwap(func(ctx context.Context, reg *indexset.Registry) error {
		return reg.SetUpAll(ctx)
	})
	reloader.OnReload(func(reg *indexset.Registry) {
		if err := rotator.Sync(reg); err != nil {
			slog.Error("rotation schedule after reload", "component", "worker", "error", err)
		}
	})
	rotator.Start()

	go func() {
		if err := reloader.Watch(ctx); err != nil {
			slog.Error("index set watch stopped", "component", "worker", "error", err)
		}
	}()

	// ── Run ────────────────────────────────────────────────────────────────────

	pipeline := indexer.New(searchClient, indexer.Config{
		ChunkSize:    cfg.BulkChunkSize,
		MaxRetries:   cfg.BulkMaxRetries,
		RetryBackoff: cfg.BulkRetryBackoff,
	}, logger)

	w := worker.New(consumer, pipeline, publisher, reloader, worker.Options{
		BatchSize:     cfg.WorkerBatchSize,
		FlushInterval: cfg.WorkerFlushInterval,
	}, logger)
	if err := w.Run(ctx); err != nil {
		slog.Error("worker error", "component", "worker", "error", err)
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	//
	// Run() has returned — the consume loop is done.
	//  1. Stop the rotator; it waits for a running cycle.
	//  2. Stop the job manager: pending retire jobs are dropped, running ones finish.
	//  3. Close connections in reverse init order.

	rotator.Stop()

	jobsCtx, jobsCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer jobsCancel()
	if err := jobManager.Stop(jobsCtx); err != nil {
		slog.Error("job manager stop", "component", "worker", "error", err)
	}

	publisher.Close()
	consumer.Close()
	redisClient.Close()
	db.Conn.Close()

	slog.Info("worker stopped", "component", "worker")
}
