package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/redis/go-redis/v9"

	"outreach-scheduler/internal/archive"
	"outreach-scheduler/internal/config"
	"outreach-scheduler/internal/content"
	"outreach-scheduler/internal/lease"
	"outreach-scheduler/internal/mailer"
	"outreach-scheduler/internal/notify"
	"outreach-scheduler/internal/store"
	"outreach-scheduler/internal/telemetry"
	"outreach-scheduler/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(telemetry.LogOptions{Level: cfg.LogLevel, File: cfg.LogFile})

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

// run owns every resource the worker opens so deferred closes happen before main exits.
func run(cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	sender := mailer.NewSESSender(sesv2.NewFromConfig(awsCfg), mailer.Options{
		FromEmail:        cfg.SESFromEmail,
		FromName:         cfg.SESFromName,
		ConfigurationSet: cfg.SESConfigurationSet,
	}, logger)

	opts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithInterval(cfg.SchedulerInterval),
		worker.WithLocation(cfg.Location()),
		worker.WithBatchSize(cfg.CandidateBatchSize),
	}

	if cfg.AIEnabled {
		gen := content.NewGenerator(bedrockruntime.NewFromConfig(awsCfg), cfg.AIModelID, cfg.AITimeout)
		opts = append(opts, worker.WithGenerator(gen))
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		opts = append(opts,
			worker.WithLocker(lease.NewRedisLocker(rdb, cfg.CampaignLeaseTTL)),
			worker.WithNotifier(notify.NewRedisNotifier(rdb)),
		)
	} else {
		logger.Warn("REDIS_ADDR not set: campaign leases and live notifications disabled")
	}

	arc, err := archive.New(ctx, archive.Options{
		Dir:       cfg.ArchiveDir,
		Bucket:    cfg.ArchiveS3Bucket,
		Region:    cfg.ArchiveS3Region,
		Endpoint:  cfg.ArchiveS3Endpoint,
		PathStyle: cfg.ArchiveS3PathStyle,
		AccessKey: cfg.ArchiveS3AccessKey,
		SecretKey: cfg.ArchiveS3SecretKey,
	})
	if err != nil {
		return fmt.Errorf("init archive: %w", err)
	}
	if arc != nil {
		opts = append(opts, worker.WithArchiver(arc))
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	sched := worker.New(st, sender, opts...)
	logger.Info("worker started", "interval", cfg.SchedulerInterval.String(), "ai_enabled", cfg.AIEnabled, "timezone", cfg.Location().String())
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler stopped", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}
