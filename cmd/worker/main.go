package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Marx-A00/rec-sub006/internal/activity"
	"github.com/Marx-A00/rec-sub006/internal/catalog"
	"github.com/Marx-A00/rec-sub006/internal/config"
	"github.com/Marx-A00/rec-sub006/internal/ledger"
	"github.com/Marx-A00/rec-sub006/internal/models"
	"github.com/Marx-A00/rec-sub006/internal/queue"
	"github.com/Marx-A00/rec-sub006/internal/ratelimit"
	"github.com/Marx-A00/rec-sub006/internal/store"
	"github.com/Marx-A00/rec-sub006/internal/telemetry"
	"github.com/Marx-A00/rec-sub006/internal/worker"
)

func main() {
	cfg := config.Load()
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "enrichment-worker").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Info().Msg("shutdown signal received, finishing in-flight work")
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	q := queue.New(cfg)
	outcomes := ledger.NewPostgres(st)
	activities := activity.NewLedger(st)

	monitor := activity.NewMonitor(activities, q, activity.MonitorConfig{
		TickInterval:          cfg.MonitorTickInterval,
		RecencyWindow:         cfg.ActivityWindow,
		ImmediateWindow:       cfg.ImmediatePauseWindow,
		HighActivityThreshold: cfg.HighActivityThreshold,
		Retention:             cfg.ActivityRetention,
	}, log)
	go monitor.Run(ctx)

	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(limiterClient, 1, cfg.DispatchRatePerSec, time.Hour)

	processor := worker.NewProcessor(cfg, q, limiter, log)
	enricher := worker.NewEnricher(q, outcomes, catalog.NewHTTPClient(cfg), cfg, log)
	enricher.Register(processor)

	coverArt, err := worker.NewCoverArtHandler(ctx, cfg, outcomes, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init cover art handler")
	}
	coverArt.Register(processor)

	if err := q.ScheduleRepeating(ctx, "sync-new-releases", models.JobSyncNewReleases, nil, cfg.SyncInterval); err != nil {
		log.Warn().Err(err).Msg("register new-release sync schedule")
	}
	if err := q.ScheduleRepeating(ctx, "ledger-integrity-audit", models.JobLedgerAudit, nil, cfg.AuditInterval); err != nil {
		log.Warn().Err(err).Msg("register ledger audit schedule")
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Float64("dispatch_rate", cfg.DispatchRatePerSec).
		Dur("tick", cfg.MonitorTickInterval).
		Msg("worker started")

	// Exhausting the restart budget is a deliberate crash: an operator must
	// notice rather than have the service loop into a bad state.
	if err := processor.Supervise(ctx); err != nil {
		log.Fatal().Err(err).Msg("worker supervision exhausted")
	}
	log.Info().Msg("worker stopped")
}
