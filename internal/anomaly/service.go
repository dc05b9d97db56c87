// Package anomaly is the risk pipeline: it scores access attempts with the
// outlier model, layers the rule detectors on top, and turns sustained or
// severe risk into alerts. Every failure inside the pipeline degrades to a
// neutral score instead of surfacing to the access request.
package anomaly

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/docrisk/internal/models"
	"github.com/sentinelsec/docrisk/internal/outlier"
)

// Config holds pipeline tuning knobs.
type Config struct {
	MinHistoryRows       int            // below this, scoring returns neutral
	HistoryLimit         int            // corpus cap for lazy training
	BaselineLimit        int            // history cap for baselines
	BulkWindowMinutes    int            // default bulk-detector window
	AnomalyFlagThreshold float64        // risk at/above which events are flagged
	Location             *time.Location // canonical timezone
}

func (c *Config) applyDefaults() {
	if c.MinHistoryRows == 0 {
		c.MinHistoryRows = 50
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 1000
	}
	if c.BaselineLimit == 0 {
		c.BaselineLimit = 100
	}
	if c.BulkWindowMinutes == 0 {
		c.BulkWindowMinutes = 30
	}
	if c.AnomalyFlagThreshold == 0 {
		c.AnomalyFlagThreshold = 0.7
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// Service wires the outlier model, the rule detectors, and the collaborator
// interfaces into one pipeline.
type Service struct {
	trail  AuditTrail
	dir    Directory
	alerts AlertSink
	model  *outlier.Model
	cfg    Config
	logger *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewService creates the risk pipeline.
func NewService(trail AuditTrail, dir Directory, alerts AlertSink, model *outlier.Model, cfg Config, logger *slog.Logger) *Service {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		trail:  trail,
		dir:    dir,
		alerts: alerts,
		model:  model,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().In(cfg.Location) },
	}
}

// Score analyzes the access pattern for one attempt and returns a risk score
// in [0,1]. Thin history, an untrained and untrainable model, or any internal
// failure all yield 0.0 — the documented fail-open default.
func (s *Service) Score(ctx context.Context, userID string, action models.Action, department string) float64 {
	history, err := s.trail.QueryEvents(ctx, EventFilters{Limit: s.cfg.HistoryLimit})
	if err != nil {
		s.logger.Warn("scoring degraded to neutral",
			"user_id", userID, "error", err, "degraded", true)
		return 0.0
	}
	if len(history) < s.cfg.MinHistoryRows {
		return 0.0
	}

	if !s.model.Fitted() {
		if err := s.model.Train(ctx, history); err != nil && !errors.Is(err, outlier.ErrInsufficientData) {
			s.logger.Warn("lazy training failed",
				"user_id", userID, "error", err, "degraded", true)
		}
	}

	if department == "" {
		department = "Unknown"
	}
	current := models.AccessEvent{
		UserID:         userID,
		Action:         action,
		Timestamp:      s.now(),
		UserDepartment: department,
	}

	pred := s.model.Predict(ctx, current)
	return pred.RiskScore
}

// RecordAccess scores an access attempt, appends it to the audit trail with
// the computed risk and anomaly flag, and files an alert when thresholds
// trip. It never fails the caller: storage problems are absorbed by the
// trail's retry/fallback path and logged here.
func (s *Service) RecordAccess(ctx context.Context, req AccessRequest) models.AccessEvent {
	// The directory is authoritative for the user's department; the
	// caller-supplied value only covers users it does not know.
	userDept := req.Department
	if resolved, err := s.dir.GetUserDepartment(ctx, req.UserID); err != nil {
		s.logger.Warn("user department lookup failed",
			"user_id", req.UserID, "error", err, "degraded", true)
	} else if resolved != "" {
		userDept = resolved
	}

	risk := s.Score(ctx, req.UserID, req.Action, userDept)

	// Queued requests carry the time the access actually happened; direct
	// callers leave it zero and get the service clock.
	occurredAt := s.now()
	if !req.OccurredAt.IsZero() {
		occurredAt = req.OccurredAt.In(s.cfg.Location)
	}

	flagged := risk >= s.cfg.AnomalyFlagThreshold
	if req.Action.Unauthorized() {
		// Denied attempts are always high risk regardless of the model.
		if risk < 0.8 {
			risk = 0.8
		}
		flagged = true
	}

	var docDept *string
	if req.DocumentID != nil {
		dept, err := s.dir.GetDocumentDepartment(ctx, *req.DocumentID)
		if err != nil {
			s.logger.Warn("document department lookup failed",
				"document_id", *req.DocumentID, "error", err, "degraded", true)
		} else {
			docDept = dept
		}
	}

	event := models.AccessEvent{
		ID:                 uuid.New(),
		UserID:             req.UserID,
		DocumentID:         req.DocumentID,
		DocumentName:       req.DocumentName,
		Action:             req.Action,
		Timestamp:          occurredAt,
		UserDepartment:     userDept,
		DocumentDepartment: docDept,
		RiskScore:          models.ClampScore(risk),
		AnomalyFlag:        flagged,
	}

	if err := s.trail.AppendEvent(ctx, &event); err != nil {
		s.logger.Error("appending access event failed", "user_id", req.UserID, "error", err)
	}

	if alertType, ok := alertTypeForAccess(req.Action, flagged); ok {
		s.fileAlert(ctx, event, alertType)
	}

	return event
}

// alertTypeForAccess maps a recorded access to the alert it should raise,
// if any. Unauthorized attempts always alert; authorized ones alert only
// when flagged anomalous.
func alertTypeForAccess(action models.Action, flagged bool) (models.AlertType, bool) {
	switch action {
	case models.ActionUnauthorizedAccess:
		return models.AlertUnauthorizedAccess, true
	case models.ActionUnauthorizedUpload:
		return models.AlertUnauthorizedUpload, true
	case models.ActionUnauthorizedDelete:
		return models.AlertUnauthorizedDelete, true
	}
	if flagged {
		return models.AlertHighRiskActivity, true
	}
	return "", false
}

func (s *Service) fileAlert(ctx context.Context, event models.AccessEvent, alertType models.AlertType) {
	alert := NewAlert(event.UserID, event.DocumentName, alertType,
		describeAlert(event, alertType), event.RiskScore, s.now())

	if err := s.alerts.CreateAlert(ctx, &alert); err != nil {
		s.logger.Error("creating alert failed",
			"user_id", event.UserID, "alert_type", alertType, "error", err)
		return
	}
	s.logger.Info("alert created",
		"user_id", event.UserID,
		"alert_type", alertType,
		"severity", alert.Severity,
		"risk_score", alert.RiskScore)
}

func describeAlert(event models.AccessEvent, alertType models.AlertType) string {
	switch alertType {
	case models.AlertUnauthorizedAccess:
		if event.DocumentDepartment != nil {
			return "User from " + event.UserDepartment + " tried to access a " + *event.DocumentDepartment + " document"
		}
		return "User attempted to access a document outside their department"
	case models.AlertUnauthorizedUpload:
		return "User attempted to upload to another department"
	case models.AlertUnauthorizedDelete:
		return "User attempted to delete another department's document"
	default:
		return "Anomalous access pattern detected for " + event.DocumentName
	}
}

// NewAlert builds an alert with its severity derived from type and score.
// Severity is never caller-supplied.
func NewAlert(userID, documentName string, alertType models.AlertType, description string, riskScore float64, ts time.Time) models.Alert {
	riskScore = models.ClampScore(riskScore)
	return models.Alert{
		ID:           uuid.New(),
		UserID:       userID,
		DocumentName: documentName,
		AlertType:    alertType,
		Description:  description,
		RiskScore:    riskScore,
		Severity:     models.ClassifySeverity(alertType, riskScore),
		Resolved:     false,
		Timestamp:    ts,
	}
}

// CrossDepartmentSummary aggregates recent cross-department access per
// department pair.
func (s *Service) CrossDepartmentSummary(ctx context.Context, days int) ([]CrossDepartmentSummaryRow, error) {
	if days <= 0 {
		days = 7
	}
	return s.trail.CrossDepartmentSummary(ctx, days)
}

// UserAccessPattern summarizes a user's recent behavior: volumes, anomaly
// and cross-department rates, and the top three active hours.
func (s *Service) UserAccessPattern(ctx context.Context, userID string, days int) UserAccessPattern {
	if days <= 0 {
		days = 30
	}
	pattern := UserAccessPattern{UserID: userID}

	events, err := s.trail.QueryEvents(ctx, EventFilters{
		UserID: userID,
		Since:  s.now().AddDate(0, 0, -days),
	})
	if err != nil {
		s.logger.Warn("access pattern degraded to empty profile",
			"user_id", userID, "error", err, "degraded", true)
		return pattern
	}

	hourCounts := map[int]int{}
	var riskSum float64
	for _, ev := range events {
		hourCounts[ev.Timestamp.In(s.cfg.Location).Hour()]++
		riskSum += ev.RiskScore
		if ev.AnomalyFlag {
			pattern.AnomalyCount++
		}
		if ev.DocumentDepartment != nil && *ev.DocumentDepartment != "" && *ev.DocumentDepartment != ev.UserDepartment {
			pattern.CrossDepartmentAccess++
		}
	}

	pattern.TotalAccess = len(events)
	if len(events) > 0 {
		pattern.CrossDeptPercentage = float64(pattern.CrossDepartmentAccess) / float64(len(events)) * 100
		pattern.AnomalyPercentage = float64(pattern.AnomalyCount) / float64(len(events)) * 100
		pattern.AvgRiskScore = riskSum / float64(len(events))
	}
	pattern.MostActiveHours = topHours(hourCounts, 3)
	if len(events) > 10 {
		events = events[:10]
	}
	pattern.RecentEvents = events

	return pattern
}

func topHours(counts map[int]int, n int) []HourActivity {
	hours := make([]HourActivity, 0, len(counts))
	for h, c := range counts {
		hours = append(hours, HourActivity{Hour: h, Count: c})
	}
	sort.Slice(hours, func(i, j int) bool {
		if hours[i].Count != hours[j].Count {
			return hours[i].Count > hours[j].Count
		}
		return hours[i].Hour < hours[j].Hour
	})
	if len(hours) > n {
		hours = hours[:n]
	}
	return hours
}

// ResolveAlert marks an alert resolved through the sink.
func (s *Service) ResolveAlert(ctx context.Context, id uuid.UUID) error {
	return s.alerts.ResolveAlert(ctx, id)
}
