package models

import (
	"time"

	"github.com/google/uuid"
)

// Action represents the type of document interaction recorded in the audit trail
type Action string

const (
	ActionRead     Action = "read"
	ActionDownload Action = "download"
	ActionUpload   Action = "upload"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionList     Action = "list"

	// Denied attempts are logged like any other access so the outlier model
	// sees them during training.
	ActionUnauthorizedAccess Action = "unauthorized_access_attempt"
	ActionUnauthorizedUpload Action = "unauthorized_upload_attempt"
	ActionUnauthorizedDelete Action = "unauthorized_delete_attempt"
)

// Unauthorized reports whether the action is a denied access attempt.
func (a Action) Unauthorized() bool {
	switch a {
	case ActionUnauthorizedAccess, ActionUnauthorizedUpload, ActionUnauthorizedDelete:
		return true
	}
	return false
}

// AlertType represents the category of a security alert
type AlertType string

const (
	AlertUnauthorizedAccess    AlertType = "unauthorized_access"
	AlertUnauthorizedUpload    AlertType = "unauthorized_upload"
	AlertUnauthorizedDelete    AlertType = "unauthorized_delete"
	AlertDataLeakAttempt       AlertType = "data_leak_attempt"
	AlertDataSabotageAttempt   AlertType = "data_sabotage_attempt"
	AlertDocumentTampering     AlertType = "document_tampering"
	AlertDocumentModified      AlertType = "document_modified"
	AlertDocumentDeleted       AlertType = "document_deleted"
	AlertCrossDepartmentAccess AlertType = "cross_department_access"
	AlertBulkOperations        AlertType = "bulk_operations"
	AlertHighRiskActivity      AlertType = "high_risk_activity"
)

// Severity represents the coarse alert classification
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AccessEvent is a single recorded user interaction with a document.
// Immutable once written; owned by the audit trail.
type AccessEvent struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	UserID             string     `json:"user_id" db:"user_id"`
	DocumentID         *uuid.UUID `json:"document_id,omitempty" db:"document_id"`
	DocumentName       string     `json:"document_name" db:"document_name"`
	Action             Action     `json:"action" db:"action"`
	Timestamp          time.Time  `json:"timestamp" db:"timestamp"`
	UserDepartment     string     `json:"user_department" db:"user_department"`
	DocumentDepartment *string    `json:"document_department,omitempty" db:"document_department"`
	RiskScore          float64    `json:"risk_score" db:"risk_score"`
	AnomalyFlag        bool       `json:"anomaly_flag" db:"anomaly_flag"`
}

// Alert is a severity-classified security alert derived from scored events.
// Severity is always computed by ClassifySeverity, never supplied by callers.
type Alert struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	UserID       string     `json:"user_id" db:"user_id"`
	DocumentName string     `json:"document_name,omitempty" db:"document_name"`
	AlertType    AlertType  `json:"alert_type" db:"alert_type"`
	Description  string     `json:"description" db:"description"`
	RiskScore    float64    `json:"risk_score" db:"risk_score"`
	Severity     Severity   `json:"severity" db:"severity"`
	Resolved     bool       `json:"resolved" db:"resolved"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	Timestamp    time.Time  `json:"timestamp" db:"timestamp"`
}

// Baseline is a user's typical historical behavior profile,
// recomputed on demand from access history.
type Baseline struct {
	UserID           string         `json:"user_id"`
	AvgDailyAccesses float64        `json:"avg_daily_accesses"`
	CommonHours      []int          `json:"common_hours"`
	CommonActions    map[Action]int `json:"common_actions"`
	AvgRiskScore     float64        `json:"avg_risk_score"`
	SampleSize       int            `json:"sample_size"`
}

// BulkOperationResult is the outcome of the bulk-operation detector.
type BulkOperationResult struct {
	BulkDetected  bool           `json:"bulk_detected"`
	Activities    map[Action]int `json:"activities"`
	RiskFactors   []string       `json:"risk_factors"`
	RiskScore     float64        `json:"risk_score"`
	WindowMinutes int            `json:"window_minutes"`
}

// RiskReport is the aggregated risk decision for a user. Ephemeral;
// callers persist derivative alerts, never the report itself.
type RiskReport struct {
	UserID               string              `json:"user_id"`
	OverallRiskScore     float64             `json:"overall_risk_score"`
	RiskFactors          []string            `json:"risk_factors"`
	Baseline             Baseline            `json:"baseline"`
	BulkOperations       BulkOperationResult `json:"bulk_operations"`
	DepartmentViolations []AccessEvent       `json:"department_violations"`
	GeneratedAt          time.Time           `json:"generated_at"`
}

// ClampScore bounds a risk score to [0,1]. Applied at every scoring boundary.
func ClampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// criticalTypes and highTypes drive the type-based severity tiers.
// A type match overrides any lower score-based tier.
var criticalTypes = map[AlertType]bool{
	AlertDataLeakAttempt:     true,
	AlertDataSabotageAttempt: true,
	AlertUnauthorizedUpload:  true,
	AlertUnauthorizedAccess:  true,
}

var highTypes = map[AlertType]bool{
	AlertDocumentTampering:     true,
	AlertCrossDepartmentAccess: true,
}

// ClassifySeverity derives the alert severity from type and risk score.
// First matching tier wins: critical, high, medium, low.
func ClassifySeverity(t AlertType, riskScore float64) Severity {
	switch {
	case criticalTypes[t] || riskScore >= 0.8:
		return SeverityCritical
	case highTypes[t] || riskScore >= 0.6:
		return SeverityHigh
	case riskScore >= 0.4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
