package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"

	"docforge/internal/api"
	"docforge/internal/archive"
	"docforge/internal/breaker"
	"docforge/internal/config"
	"docforge/internal/logging"
	"docforge/internal/pipeline"
	"docforge/internal/progress"
	"docforge/internal/queue"
	"docforge/internal/ratelimit"
	"docforge/internal/retention"
	"docforge/internal/store"
	"docforge/internal/trust"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	circuits := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		IdleTTL:          cfg.BreakerIdleTTL,
	})
	tracker := progress.NewTracker(cfg.SessionCacheSize, cfg.SessionTTL)
	bus := progress.NewBus(cfg.SessionCacheSize, cfg.SessionTTL, cfg.SessionEndGrace)

	reportArchive, err := archive.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init report archive")
	}

	var (
		q        queue.Queue
		limiter  ratelimit.Limiter
		reports  api.ReportReader
		dlq      api.DLQReader
		memoryQ  *queue.Memory
		jobStore *store.Store
	)

	switch cfg.QueueBackend {
	case "durable":
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("connect postgres")
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			log.Fatal().Err(err).Msg("run migrations")
		}
		jobStore = st

		broker := queue.NewBroker(cfg)
		durable := queue.NewDurable(broker, st, cfg.MaxAttempts, cfg.IdempotencyTTL)
		q, reports, dlq = durable, st, durable

		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	default:
		// Memory backend: the worker runs in-process and reports come from
		// the tracker.
		var sinks pipeline.Sinks
		if reportArchive != nil {
			sinks = append(sinks, reportArchive)
		}
		runner := pipeline.NewRunner(cfg, pipeline.Deps{
			Crawler:   pipeline.NewSiteCrawler(),
			Assembler: pipeline.MarkdownAssembler{},
			Scorer:    newScorer(cfg),
			Breakers:  circuits,
			Tracker:   tracker,
			Bus:       bus,
			Reports:   sinks,
		})
		memoryQ = queue.NewMemory(queue.Registry{
			pipeline.JobTypeGenerateDocs: runner.Handler(),
		}, cfg.MemoryWorkers)
		memoryQ.Start(ctx)
		defer memoryQ.Stop()

		q = memoryQ
		reports = api.TrackerReports{Tracker: tracker}
	}

	sweeper := retention.NewSweeper(cfg, storeOrNil(jobStore), memoryOrNil(memoryQ), circuits)
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start retention sweeper")
	}
	defer sweeper.Stop()

	server := api.New(cfg, q, limiter, circuits, reports, bus, dlq)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Str("backend", cfg.QueueBackend).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newScorer(cfg config.Config) *trust.Scorer {
	s := trust.NewScorer()
	if cfg.CrawlConcurrency > 0 {
		s.ProbeConcurrency = cfg.CrawlConcurrency
	}
	return s
}

// storeOrNil avoids handing the sweeper a typed nil interface.
func storeOrNil(st *store.Store) retention.JobStore {
	if st == nil {
		return nil
	}
	return st
}

func memoryOrNil(m *queue.Memory) retention.MemoryQueue {
	if m == nil {
		return nil
	}
	return m
}
