package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"shaggydog/internal/config"
	"shaggydog/internal/logger"
	"shaggydog/internal/pipeline"
	"shaggydog/internal/queue"
	"shaggydog/internal/store"
	"shaggydog/internal/telemetry"
	workerproc "shaggydog/internal/worker"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", "error", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", "error", err)
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	if err := q.Ping(ctx); err != nil {
		log.Fatal("connect redis", "addr", cfg.RedisAddr, "error", err)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	log = log.With("worker_id", workerID)

	orch, err := pipeline.FromConfig(ctx, cfg, st, log)
	if err != nil {
		log.Fatal("build pipeline", "error", err)
	}
	pool := workerproc.NewPool(cfg.WorkerConcurrency, orch.Run, log)
	processor := workerproc.NewProcessor(cfg, q, st, pool, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	log.Info("worker started", "concurrency", cfg.WorkerConcurrency, "visibility", cfg.VisibilityTimeout.String())
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", "error", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.VisibilityTimeout)
	defer cancelDrain()
	if err := pool.Shutdown(drainCtx); err != nil {
		log.Warn("pipelines still running at exit", "count", pool.Len(), "error", err)
	}
}
