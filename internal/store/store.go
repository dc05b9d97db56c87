// Package store is the Postgres implementation of the audit trail, the
// directory lookups, and the alert sink.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sentinelsec/docrisk/internal/anomaly"
	"github.com/sentinelsec/docrisk/internal/models"
)

type Store struct {
	db       *sqlx.DB
	logger   *slog.Logger
	fallback *FallbackLog
	retry    RetryPolicy
}

type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	FallbackLogPath string
}

func New(cfg Config, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FallbackLogPath == "" {
		cfg.FallbackLogPath = "access_logs_fallback.log"
	}

	return &Store{
		db:       db,
		logger:   logger,
		fallback: NewFallbackLog(cfg.FallbackLogPath),
		retry:    DefaultRetryPolicy,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendEvent writes an access event with retry; when the primary path stays
// unavailable the event is diverted to the fallback side log and the caller
// sees success. Audit writes must never fail an in-flight access request.
func (s *Store) AppendEvent(ctx context.Context, ev *models.AccessEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	query := `
		INSERT INTO access_logs (
			id, user_id, document_id, document_name, action, timestamp,
			user_department, document_department, risk_score, anomaly_flag
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	err := s.retry.Do(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			ev.ID, ev.UserID, ev.DocumentID, ev.DocumentName, ev.Action, ev.Timestamp,
			ev.UserDepartment, ev.DocumentDepartment, ev.RiskScore, ev.AnomalyFlag,
		)
		return execErr
	})
	if err != nil {
		s.logger.Error("access log write diverted to fallback", "user_id", ev.UserID, "error", err)
		if fbErr := s.fallback.AppendEvent(ev); fbErr != nil {
			s.logger.Error("fallback log write failed", "error", fbErr)
		}
	}
	return nil
}

// QueryEvents lists access events most recent first under the given filters.
func (s *Store) QueryEvents(ctx context.Context, filters anomaly.EventFilters) ([]models.AccessEvent, error) {
	query := `SELECT * FROM access_logs WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filters.UserID)
		argIdx++
	}
	if filters.Department != "" {
		query += fmt.Sprintf(" AND user_department = $%d", argIdx)
		args = append(args, filters.Department)
		argIdx++
	}
	if filters.AnomaliesOnly {
		query += " AND anomaly_flag = true"
	}
	if !filters.Since.IsZero() {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, filters.Since)
		argIdx++
	}

	query += " ORDER BY timestamp DESC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
	}

	var events []models.AccessEvent
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("querying access logs: %w", err)
	}
	return events, nil
}

// CountActionsSince counts completed actions per type since the cutoff.
func (s *Store) CountActionsSince(ctx context.Context, userID string, since time.Time) (map[models.Action]int, error) {
	query := `
		SELECT action, COUNT(*) AS count
		FROM access_logs
		WHERE user_id = $1 AND timestamp >= $2
		GROUP BY action
	`
	rows, err := s.db.QueryxContext(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("counting actions: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Action]int)
	for rows.Next() {
		var action models.Action
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("scanning action count: %w", err)
		}
		counts[action] = count
	}
	return counts, rows.Err()
}

// ListCrossDepartmentEvents lists the user's accesses to documents whose
// department is known and differs from theirs, most recent first.
func (s *Store) ListCrossDepartmentEvents(ctx context.Context, userID, userDepartment string, limit int) ([]models.AccessEvent, error) {
	query := `
		SELECT * FROM access_logs
		WHERE user_id = $1
		AND document_department IS NOT NULL
		AND document_department != $2
		ORDER BY timestamp DESC
		LIMIT $3
	`
	var events []models.AccessEvent
	if err := s.db.SelectContext(ctx, &events, query, userID, userDepartment, limit); err != nil {
		return nil, fmt.Errorf("listing cross-department events: %w", err)
	}
	return events, nil
}

// CrossDepartmentSummary aggregates cross-department access per department
// pair over the trailing window.
func (s *Store) CrossDepartmentSummary(ctx context.Context, days int) ([]anomaly.CrossDepartmentSummaryRow, error) {
	query := `
		SELECT
			user_department,
			document_department,
			COUNT(*) AS access_count,
			AVG(risk_score) AS avg_risk_score,
			MAX(risk_score) AS max_risk_score,
			COUNT(*) FILTER (WHERE anomaly_flag) AS anomaly_count
		FROM access_logs
		WHERE document_department IS NOT NULL
		AND user_department != document_department
		AND timestamp >= $1
		GROUP BY user_department, document_department
		ORDER BY access_count DESC
	`
	since := time.Now().AddDate(0, 0, -days)

	var rows []anomaly.CrossDepartmentSummaryRow
	if err := s.db.SelectContext(ctx, &rows, query, since); err != nil {
		return nil, fmt.Errorf("summarizing cross-department access: %w", err)
	}
	return rows, nil
}

// CreateAlert writes an alert with the same retry/fallback contract as
// AppendEvent.
func (s *Store) CreateAlert(ctx context.Context, a *models.Alert) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	query := `
		INSERT INTO alerts (
			id, user_id, document_name, alert_type, description,
			risk_score, severity, resolved, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	err := s.retry.Do(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			a.ID, a.UserID, a.DocumentName, a.AlertType, a.Description,
			a.RiskScore, a.Severity, a.Resolved, a.Timestamp,
		)
		return execErr
	})
	if err != nil {
		s.logger.Error("alert write diverted to fallback", "user_id", a.UserID, "error", err)
		if fbErr := s.fallback.AppendAlert(a); fbErr != nil {
			s.logger.Error("fallback log write failed", "error", fbErr)
		}
	}
	return nil
}

// ResolveAlert flips an alert to resolved. Already-resolved alerts keep
// their original resolution time.
func (s *Store) ResolveAlert(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE alerts
		SET resolved = true, resolved_at = $1
		WHERE id = $2 AND resolved = false
	`
	if _, err := s.db.ExecContext(ctx, query, time.Now(), id); err != nil {
		return fmt.Errorf("resolving alert: %w", err)
	}
	return nil
}

// AlertFilters narrows alert listings.
type AlertFilters struct {
	Resolved  bool
	Severity  *models.Severity
	AlertType *models.AlertType
	Limit     int
}

// ListAlerts lists alerts most recent first under the given filters.
func (s *Store) ListAlerts(ctx context.Context, filters AlertFilters) ([]models.Alert, error) {
	query := `SELECT * FROM alerts WHERE resolved = $1`
	args := []interface{}{filters.Resolved}
	argIdx := 2

	if filters.Severity != nil {
		query += fmt.Sprintf(" AND severity = $%d", argIdx)
		args = append(args, *filters.Severity)
		argIdx++
	}
	if filters.AlertType != nil {
		query += fmt.Sprintf(" AND alert_type = $%d", argIdx)
		args = append(args, *filters.AlertType)
		argIdx++
	}

	query += " ORDER BY timestamp DESC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
	}

	var alerts []models.Alert
	if err := s.db.SelectContext(ctx, &alerts, query, args...); err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	return alerts, nil
}

// GetUserDepartment resolves a user's home department.
func (s *Store) GetUserDepartment(ctx context.Context, userID string) (string, error) {
	var dept string
	err := s.db.GetContext(ctx, &dept, `SELECT department FROM users WHERE id = $1`, userID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up user department: %w", err)
	}
	return dept, nil
}

// GetDocumentDepartment resolves a document's owning department, or nil when
// the document is unknown.
func (s *Store) GetDocumentDepartment(ctx context.Context, documentID uuid.UUID) (*string, error) {
	var dept string
	err := s.db.GetContext(ctx, &dept, `SELECT department FROM documents WHERE id = $1`, documentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up document department: %w", err)
	}
	return &dept, nil
}

// Migrate creates the engine's tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS access_logs (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			document_id UUID,
			document_name TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			user_department TEXT NOT NULL DEFAULT '',
			document_department TEXT,
			risk_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			anomaly_flag BOOLEAN NOT NULL DEFAULT false
		);
		CREATE INDEX IF NOT EXISTS idx_access_logs_user_time ON access_logs (user_id, timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_access_logs_time ON access_logs (timestamp DESC);

		CREATE TABLE IF NOT EXISTS alerts (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			document_name TEXT NOT NULL DEFAULT '',
			alert_type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			risk_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			severity TEXT NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT false,
			resolved_at TIMESTAMPTZ,
			timestamp TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_resolved_time ON alerts (resolved, timestamp DESC);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}
