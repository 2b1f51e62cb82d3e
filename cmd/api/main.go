package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-log-indexer/internal/api"
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

	// ── Infrastructure ─────────────────────────────────────────────────────────

	db, err := database.Connect(cfg.PostgresDSN)
	if err != nil {
		slog.Error("postgres connect failed", "component", "api", "error", err)
		os.Exit(1)
	}
	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = db.EnsureSchema(schemaCtx)
	schemaCancel()
	if err != nil {
		slog.Error("postgres schema failed", "component", "api", "error", err)
		os.Exit(1)
	}

	redisClient, err := cache.New(cfg.RedisAddr)
	if err != nil {
		slog.Error("redis connect failed", "component", "api", "error", err)
		os.Exit(1)
	}

	publisher, err := queue.NewPublisher(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("rabbitmq connect failed", "component", "api", "error", err)
		os.Exit(1)
	}

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
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
		slog.Error("search backend init failed", "component", "api", "error", err)
		os.Exit(1)
	}

	// ── Index sets ─────────────────────────────────────────────────────────────
	//
	// A manual cycle through the API schedules the retire job of the previous
	// index in this process, so the API runs its own job manager.

	jobManager := jobs.NewManager(logger)

	reloader, err := indexset.NewReloader(cfg.IndexSetsFile, cfg.ReadOnlyDelay, indexset.Deps{
		Indices:       searchClient,
		Jobs:          jobManager,
		Ranges:        db,
		HealthTimeout: cfg.IndexHealthTimeout,
		Logger:        logger,
	})
	if err != nil {
		slog.Error("index set config invalid", "component", "api", "file", cfg.IndexSetsFile, "error", err)
		os.Exit(1)
	}

	// Synchronous ingest writes to the aliases directly. The worker sets them
	// up too; SetUp is a no-op on a set that is already up.
	setupCtx, setupCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := reloader.Current().SetUpAll(setupCtx); err != nil {
		slog.Warn("index set setup failed, writes to missing aliases are rejected", "component", "api", "error", err)
	}
	setupCancel()
	reloader.BeforeSwap(func(ctx context.Context, reg *indexset.Registry) error {
		return reg.SetUpAll(ctx)
	})

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() {
		if err := reloader.Watch(watchCtx); err != nil {
			slog.Error("index set watch stopped", "component", "api", "error", err)
		}
	}()

	pipeline := indexer.New(searchClient, indexer.Config{
		ChunkSize:    cfg.BulkChunkSize,
		MaxRetries:   cfg.BulkMaxRetries,
		RetryBackoff: cfg.BulkRetryBackoff,
	}, logger)

	// Manual cycles and alias repair only; the worker owns the schedule.
	rotator := worker.NewRotator(redisClient, cfg.RotationLockTTL, logger)

	// ── HTTP server ────────────────────────────────────────────────────────────

	h := &api.Handler{
		Sets:            reloader,
		Publisher:       publisher,
		Indexer:         pipeline,
		Rotator:         rotator,
		Ranges:          db,
		Searcher:        searchClient,
		ScrollKeepAlive: cfg.ScrollKeepAlive,
		Logger:          logger,
	}

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:        ":" + cfg.APIPort,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// Exports stream for as long as the cursor has results.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api started", "component", "api", "port", cfg.APIPort, "backend", searchClient.Dialect().Name())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "component", "api", "error", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	//
	// Shutdown order matters:
	//  1. Stop accepting new HTTP requests (srv.Shutdown) — in-flight requests finish.
	//  2. Stop the job manager: pending retire jobs are dropped, running ones
	//     finish, so db.Close() does not yank the connection mid-query.
	//  3. Close infrastructure clients in reverse init order.

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutdown signal received", "component", "api")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "component", "api", "error", err)
	}

	stopWatch()

	jobsCtx, jobsCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer jobsCancel()
	if err := jobManager.Stop(jobsCtx); err != nil {
		slog.Error("job manager stop", "component", "api", "error", err)
	}

	publisher.Close()
	redisClient.Close()
	db.Conn.Close()

	slog.Info("shutdown complete", "component", "api")
}
