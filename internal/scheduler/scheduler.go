// Package scheduler runs the periodic model retrain job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sentinelsec/docrisk/internal/anomaly"
	"github.com/sentinelsec/docrisk/internal/models"
	"github.com/sentinelsec/docrisk/internal/outlier"
)

// Trainer is the slice of the outlier model the retrain job needs.
type Trainer interface {
	Train(ctx context.Context, events []models.AccessEvent) error
}

// Config controls the retrain cadence and the training window.
type Config struct {
	Schedule     string // cron expression, descriptors allowed
	TrainingDays int    // trailing window of events fed to the model
	EventLimit   int    // hard cap on rows pulled per retrain
}

// Scheduler retrains the outlier model on a cron cadence so scoring keeps
// tracking the live access distribution.
type Scheduler struct {
	cron    *cron.Cron
	trail   anomaly.AuditTrail
	trainer Trainer
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	lastRun time.Time
}

// New creates a scheduler; Start registers and runs the retrain job.
func New(trail anomaly.AuditTrail, trainer Trainer, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	if cfg.TrainingDays <= 0 {
		cfg.TrainingDays = 30
	}
	if cfg.EventLimit <= 0 {
		cfg.EventLimit = 10000
	}

	return &Scheduler{
		cron:    cron.New(),
		trail:   trail,
		trainer: trainer,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start schedules the retrain job and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if err := s.Retrain(context.Background()); err != nil {
			s.logger.Error("scheduled retrain failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid retrain schedule %q: %w", s.cfg.Schedule, err)
	}

	s.cron.Start()
	s.logger.Info("retrain scheduler started", "schedule", s.cfg.Schedule)
	return nil
}

// Stop stops the cron loop; the returned context is done once any in-flight
// retrain has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Retrain pulls the trailing window of access events and refits the model.
// Too little history is expected on fresh deployments and is not an error.
func (s *Scheduler) Retrain(ctx context.Context) error {
	started := time.Now()

	events, err := s.trail.QueryEvents(ctx, anomaly.EventFilters{
		Since: started.AddDate(0, 0, -s.cfg.TrainingDays),
		Limit: s.cfg.EventLimit,
	})
	if err != nil {
		return fmt.Errorf("loading training events: %w", err)
	}

	if err := s.trainer.Train(ctx, events); err != nil {
		if errors.Is(err, outlier.ErrInsufficientData) {
			s.logger.Info("retrain skipped, not enough history", "events", len(events))
			return nil
		}
		return fmt.Errorf("training model: %w", err)
	}

	s.mu.Lock()
	s.lastRun = started
	s.mu.Unlock()

	s.logger.Info("model retrained",
		"events", len(events),
		"duration", time.Since(started))
	return nil
}

// LastRun reports when the last successful retrain started, zero if none yet.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}
