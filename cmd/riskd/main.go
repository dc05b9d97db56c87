package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sentinelsec/docrisk/internal/anomaly"
	"github.com/sentinelsec/docrisk/internal/artifact"
	"github.com/sentinelsec/docrisk/internal/config"
	"github.com/sentinelsec/docrisk/internal/notifications"
	"github.com/sentinelsec/docrisk/internal/outlier"
	"github.com/sentinelsec/docrisk/internal/queue"
	"github.com/sentinelsec/docrisk/internal/scheduler"
	"github.com/sentinelsec/docrisk/internal/store"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	loc, err := cfg.Engine.Location()
	if err != nil {
		log.Fatalf("Failed to load timezone %q: %v", cfg.Engine.Timezone, err)
	}

	db, err := store.New(store.Config{
		DSN:             cfg.Database.DSN(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		FallbackLogPath: cfg.Engine.FallbackLogPath,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate schema: %v", err)
	}

	// Model artifacts live in Redis; fall back to local files when Redis is
	// not reachable so a single-node deployment still persists across restarts.
	var artifacts artifact.Store
	artifacts, err = artifact.NewRedisStore(artifact.RedisConfig{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Warn("redis unavailable, using file artifact store", "error", err)
		artifacts, err = artifact.NewFileStore(cfg.Engine.ModelDir)
		if err != nil {
			log.Fatalf("Failed to create artifact store: %v", err)
		}
	}

	model := outlier.New(outlier.Config{
		Contamination:   cfg.Engine.Contamination,
		Trees:           cfg.Engine.Trees,
		SampleSize:      cfg.Engine.SampleSize,
		Clusters:        cfg.Engine.Clusters,
		Seed:            cfg.Engine.Seed,
		RiskThreshold:   cfg.Engine.RiskThreshold,
		RiskScale:       cfg.Engine.RiskScale,
		MinTrainingRows: cfg.Engine.MinTrainingRows,
		Location:        loc,
	}, artifacts, logger)

	if err := model.Restore(ctx); err != nil {
		logger.Warn("model restore failed, starting unfitted", "error", err)
	}

	alerts := notifications.NewNotifier(db, notifications.Config{
		MinSeverity: cfg.Notifications.MinSeverity,
		Slack: notifications.SlackConfig{
			Enabled:    cfg.Notifications.Slack.Enabled,
			WebhookURL: cfg.Notifications.Slack.WebhookURL,
			Channel:    cfg.Notifications.Slack.Channel,
		},
		Email: notifications.EmailConfig{
			Enabled:  cfg.Notifications.Email.Enabled,
			SMTPHost: cfg.Notifications.Email.SMTPHost,
			SMTPPort: cfg.Notifications.Email.SMTPPort,
			Username: cfg.Notifications.Email.Username,
			Password: cfg.Notifications.Email.Password,
			From:     cfg.Notifications.Email.From,
			To:       cfg.Notifications.Email.To,
		},
	}, logger)

	svc := anomaly.NewService(db, db, alerts, model, anomaly.Config{
		MinHistoryRows:       cfg.Engine.MinHistoryRows,
		HistoryLimit:         cfg.Engine.HistoryLimit,
		BulkWindowMinutes:    cfg.Engine.BulkWindowMinutes,
		AnomalyFlagThreshold: cfg.Engine.AnomalyFlagThreshold,
		Location:             loc,
	}, logger)

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatalf("Failed to connect to access queue: %v", err)
	}
	defer q.Close()

	worker := queue.NewWorker(q, svc, logger)
	if err := worker.Start(ctx); err != nil {
		log.Fatalf("Failed to start access worker: %v", err)
	}

	sched := scheduler.New(db, model, scheduler.Config{
		Schedule: cfg.Engine.RetrainSchedule,
	}, logger)
	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start retrain scheduler: %v", err)
	}

	logger.Info("risk engine started",
		"timezone", cfg.Engine.Timezone,
		"retrain_schedule", cfg.Engine.RetrainSchedule)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	worker.Stop()
	<-sched.Stop().Done()
	cancel()
}
