package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "shaggydog/internal/api"
	"shaggydog/internal/config"
	"shaggydog/internal/logger"
	"shaggydog/internal/pipeline"
	"shaggydog/internal/queue"
	"shaggydog/internal/ratelimit"
	"shaggydog/internal/store"
	"shaggydog/internal/worker"
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	redisUp := rdb.Ping(ctx).Err() == nil

	var limiter api.Limiter
	if redisUp {
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	} else {
		log.Warn("redis unreachable, upload rate limiting disabled", "addr", cfg.RedisAddr)
	}

	var (
		launcher api.Launcher
		pool     *worker.Pool
	)
	switch cfg.DispatchMode {
	case config.DispatchRedis:
		if !redisUp {
			log.Fatal("dispatch mode redis needs a reachable redis", "addr", cfg.RedisAddr)
		}
		launcher = worker.NewQueueLauncher(queue.NewRedisQueueWithClient(rdb, cfg.QueueName, cfg.VisibilityTimeout))
	default:
		orch, err := pipeline.FromConfig(ctx, cfg, st, log)
		if err != nil {
			log.Fatal("build pipeline", "error", err)
		}
		pool = worker.NewPool(cfg.WorkerConcurrency, orch.Run, log)
		launcher = pool
	}

	server := api.New(cfg, st, launcher, limiter, log)
	httpServer := server.NewHTTPServer()

	log.Info("api listening", "port", cfg.HTTPPort, "dispatch", cfg.DispatchMode, "concurrency", cfg.WorkerConcurrency)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)

	if pool != nil {
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.VisibilityTimeout)
		defer cancelDrain()
		if err := pool.Shutdown(drainCtx); err != nil {
			log.Warn("pipelines still running at exit", "count", pool.Len(), "error", err)
		}
	}
}
