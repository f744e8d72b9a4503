package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"

	"docforge/internal/archive"
	"docforge/internal/breaker"
	"docforge/internal/config"
	"docforge/internal/logging"
	"docforge/internal/pipeline"
	"docforge/internal/progress"
	"docforge/internal/queue"
	"docforge/internal/retention"
	"docforge/internal/store"
	"docforge/internal/telemetry"
	"docforge/internal/trust"
	workerproc "docforge/internal/worker"
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

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	broker := queue.NewBroker(cfg)

	circuits := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		IdleTTL:          cfg.BreakerIdleTTL,
	})
	tracker := progress.NewTracker(cfg.SessionCacheSize, cfg.SessionTTL)
	bus := progress.NewBus(cfg.SessionCacheSize, cfg.SessionTTL, cfg.SessionEndGrace)

	sinks := pipeline.Sinks{st}
	reportArchive, err := archive.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init report archive")
	}
	if reportArchive != nil {
		sinks = append(sinks, reportArchive)
	}

	scorer := trust.NewScorer()
	if cfg.CrawlConcurrency > 0 {
		scorer.ProbeConcurrency = cfg.CrawlConcurrency
	}
	runner := pipeline.NewRunner(cfg, pipeline.Deps{
		Crawler:   pipeline.NewSiteCrawler(),
		Assembler: pipeline.MarkdownAssembler{},
		Scorer:    scorer,
		Breakers:  circuits,
		Tracker:   tracker,
		Bus:       bus,
		Reports:   sinks,
	})

	registry := queue.Registry{
		pipeline.JobTypeGenerateDocs: runner.Handler(),
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	processor := workerproc.NewProcessor(cfg, broker, st, registry, workerID)

	sweeper := retention.NewSweeper(cfg, st, nil, circuits)
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start retention sweeper")
	}
	defer sweeper.Stop()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("worker_id", workerID).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("worker stopped")
	}
}
