// Package outlier maintains the unsupervised model that scores access events
// against learned normal behavior.
package outlier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelsec/docrisk/internal/artifact"
	"github.com/sentinelsec/docrisk/internal/features"
	"github.com/sentinelsec/docrisk/internal/models"
)

// ErrInsufficientData signals a training corpus below the minimum size.
// The model keeps its previous fitted state.
var ErrInsufficientData = errors.New("insufficient training data")

// Artifact component names.
const (
	componentSchema = "schema"
	componentScaler = "scaler"
	componentForest = "isolation_forest"
	componentKMeans = "kmeans"
)

const artifactVersion = 1

// Config holds model hyperparameters.
type Config struct {
	Contamination   float64        // outlier fraction assumed in training data
	Trees           int            // ensemble size
	SampleSize      int            // per-tree subsample, 0 = min(256, corpus)
	Clusters        int            // auxiliary k-means cluster count
	Seed            int64          // rng seed for reproducible fits
	RiskThreshold   float64        // affine transform threshold
	RiskScale       float64        // affine transform scale
	MinTrainingRows int            // training corpus floor
	Location        *time.Location // canonical timezone for feature extraction
}

func (c *Config) applyDefaults() {
	if c.Contamination == 0 {
		c.Contamination = 0.1
	}
	if c.Trees == 0 {
		c.Trees = 100
	}
	if c.Clusters == 0 {
		c.Clusters = 3
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
	if c.RiskThreshold == 0 {
		c.RiskThreshold = 0.5
	}
	if c.RiskScale == 0 {
		c.RiskScale = 1.0
	}
	if c.MinTrainingRows == 0 {
		c.MinTrainingRows = 10
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// Prediction is the outcome of scoring one event. IsAnomaly is the forest's
// own boundary decision; RiskScore is the bounded affine transform of the
// decision value. The two are exposed independently and may disagree near
// the boundary.
type Prediction struct {
	IsAnomaly   bool    `json:"is_anomaly"`
	RiskScore   float64 `json:"risk_score"`
	Decision    float64 `json:"decision"`
	Cluster     int     `json:"cluster"`
	ClusterDist float64 `json:"cluster_distance"`
}

// snapshot is one immutable fitted model state. Training builds a complete
// replacement and swaps it in atomically, so readers see either the old or
// the fully-updated state, never a mix.
type snapshot struct {
	schema       features.Schema
	scaler       *StandardScaler
	forest       *IsolationForest
	kmeans       *KMeans
	trainedAt    time.Time
	trainingRows int
}

// Model is the process-wide outlier scorer: one instance, lazily trained,
// predictions reading whatever snapshot is current.
type Model struct {
	cfg       Config
	artifacts artifact.Store
	logger    *slog.Logger

	trainMu sync.Mutex
	current atomic.Pointer[snapshot]

	restoreMu   sync.Mutex
	restoreDone bool
}

// New creates an unfitted model backed by the given artifact store.
func New(cfg Config, artifacts artifact.Store, logger *slog.Logger) *Model {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{cfg: cfg, artifacts: artifacts, logger: logger}
}

// Fitted reports whether a trained snapshot is available.
func (m *Model) Fitted() bool {
	return m.current.Load() != nil
}

// TrainedAt returns when the current snapshot was fitted, or zero if unfitted.
func (m *Model) TrainedAt() time.Time {
	if snap := m.current.Load(); snap != nil {
		return snap.trainedAt
	}
	return time.Time{}
}

// Train fits a new snapshot from the event corpus and swaps it in. A corpus
// below the minimum row count returns ErrInsufficientData and leaves the
// previous state untouched. Concurrent training passes are serialized;
// predictions keep reading the prior snapshot until the swap.
func (m *Model) Train(ctx context.Context, events []models.AccessEvent) error {
	m.trainMu.Lock()
	defer m.trainMu.Unlock()

	schema := features.BuildSchema(events)
	extractor := features.NewExtractor(schema, m.cfg.Location)
	vectors := extractor.Extract(events)

	if len(vectors) < m.cfg.MinTrainingRows {
		m.logger.Info("skipping training",
			"reason", "insufficient data",
			"rows", len(vectors),
			"minimum", m.cfg.MinTrainingRows)
		return ErrInsufficientData
	}

	scaler := FitScaler(vectors)
	scaled := scaler.TransformAll(vectors)

	sampleSize := m.cfg.SampleSize
	if sampleSize == 0 {
		sampleSize = 256
		if len(scaled) < sampleSize {
			sampleSize = len(scaled)
		}
	}

	forest := FitForest(scaled, m.cfg.Trees, sampleSize, m.cfg.Contamination, m.cfg.Seed)
	km := FitKMeans(scaled, m.cfg.Clusters, m.cfg.Seed)

	snap := &snapshot{
		schema:       schema,
		scaler:       scaler,
		forest:       forest,
		kmeans:       km,
		trainedAt:    time.Now(),
		trainingRows: len(vectors),
	}
	m.current.Store(snap)

	m.logger.Info("outlier model trained",
		"rows", snap.trainingRows,
		"actions", len(schema.Actions),
		"trees", m.cfg.Trees)

	if err := m.persistLocked(ctx, snap); err != nil {
		// Persistence failures do not invalidate the in-memory fit.
		m.logger.Warn("failed to persist model", "error", err)
	}

	return nil
}

// Predict scores a single event against the current snapshot. An unfitted
// model first attempts a restore from the artifact store; a transient store
// failure leaves the attempt open for the next predict, while a reachable
// store settles it either way. If still unfitted, or the event is
// unextractable, it returns the neutral zero prediction rather than failing.
func (m *Model) Predict(ctx context.Context, ev models.AccessEvent) Prediction {
	snap := m.current.Load()
	if snap == nil {
		m.restoreMu.Lock()
		if !m.restoreDone {
			if err := m.Restore(ctx); err != nil {
				m.logger.Warn("model restore failed", "error", err)
			} else {
				m.restoreDone = true
			}
		}
		m.restoreMu.Unlock()
		snap = m.current.Load()
	}
	if snap == nil {
		return Prediction{}
	}

	extractor := features.NewExtractor(snap.schema, m.cfg.Location)
	vectors := extractor.Extract([]models.AccessEvent{ev})
	if len(vectors) == 0 {
		return Prediction{}
	}

	scaled := snap.scaler.Transform(vectors[0])
	d := snap.forest.DecisionFunction(scaled)
	cluster, dist := snap.kmeans.Assign(scaled)

	return Prediction{
		IsAnomaly:   snap.forest.Predict(scaled),
		RiskScore:   models.ClampScore((m.cfg.RiskThreshold - d) / m.cfg.RiskScale),
		Decision:    d,
		Cluster:     cluster,
		ClusterDist: dist,
	}
}

type envelope struct {
	Version      int             `json:"version"`
	Component    string          `json:"component"`
	TrainedAt    time.Time       `json:"trained_at"`
	TrainingRows int             `json:"training_rows,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// Persist serializes the current snapshot to the artifact store, one
// versioned artifact per component.
func (m *Model) Persist(ctx context.Context) error {
	snap := m.current.Load()
	if snap == nil {
		return errors.New("no fitted model to persist")
	}
	return m.persistLocked(ctx, snap)
}

func (m *Model) persistLocked(ctx context.Context, snap *snapshot) error {
	parts := []struct {
		name    string
		payload any
	}{
		{componentSchema, snap.schema},
		{componentScaler, snap.scaler},
		{componentForest, snap.forest},
		{componentKMeans, snap.kmeans},
	}

	for _, p := range parts {
		raw, err := json.Marshal(p.payload)
		if err != nil {
			return fmt.Errorf("marshaling %s: %w", p.name, err)
		}
		blob, err := json.Marshal(envelope{
			Version:      artifactVersion,
			Component:    p.name,
			TrainedAt:    snap.trainedAt,
			TrainingRows: snap.trainingRows,
			Payload:      raw,
		})
		if err != nil {
			return fmt.Errorf("marshaling %s envelope: %w", p.name, err)
		}
		if err := m.artifacts.Save(ctx, p.name, blob); err != nil {
			return fmt.Errorf("saving %s: %w", p.name, err)
		}
	}
	return nil
}

// Restore loads a persisted snapshot. Missing artifacts leave the model
// unfitted and return nil; only corrupt or mismatched artifacts error.
func (m *Model) Restore(ctx context.Context) error {
	var (
		schema features.Schema
		scaler StandardScaler
		forest IsolationForest
		km     KMeans
	)

	var meta envelope
	parts := []struct {
		name string
		dst  any
	}{
		{componentSchema, &schema},
		{componentScaler, &scaler},
		{componentForest, &forest},
		{componentKMeans, &km},
	}

	for _, p := range parts {
		blob, err := m.artifacts.Load(ctx, p.name)
		if errors.Is(err, artifact.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("loading %s: %w", p.name, err)
		}
		var env envelope
		if err := json.Unmarshal(blob, &env); err != nil {
			return fmt.Errorf("decoding %s envelope: %w", p.name, err)
		}
		if env.Version != artifactVersion {
			return fmt.Errorf("artifact %s has version %d, want %d", p.name, env.Version, artifactVersion)
		}
		if err := json.Unmarshal(env.Payload, p.dst); err != nil {
			return fmt.Errorf("decoding %s: %w", p.name, err)
		}
		meta = env
	}

	if schema.Version != features.SchemaVersion {
		return fmt.Errorf("persisted schema version %d incompatible with %d", schema.Version, features.SchemaVersion)
	}

	m.current.Store(&snapshot{
		schema:       schema,
		scaler:       &scaler,
		forest:       &forest,
		kmeans:       &km,
		trainedAt:    meta.TrainedAt,
		trainingRows: meta.TrainingRows,
	})

	m.logger.Info("outlier model restored",
		"trained_at", meta.TrainedAt,
		"rows", meta.TrainingRows)

	return nil
}
