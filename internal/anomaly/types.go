package anomaly

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/docrisk/internal/models"
)

// EventFilters narrows audit-trail queries. Zero values mean "no filter".
type EventFilters struct {
	UserID        string
	Department    string
	AnomaliesOnly bool
	Since         time.Time
	Limit         int
}

// AuditTrail is the append-only access-event store the engine reads from
// and writes to. Queries return events most recent first; a query racing a
// write may miss the newest row.
type AuditTrail interface {
	AppendEvent(ctx context.Context, event *models.AccessEvent) error
	QueryEvents(ctx context.Context, filters EventFilters) ([]models.AccessEvent, error)
	CountActionsSince(ctx context.Context, userID string, since time.Time) (map[models.Action]int, error)
	ListCrossDepartmentEvents(ctx context.Context, userID, userDepartment string, limit int) ([]models.AccessEvent, error)
	CrossDepartmentSummary(ctx context.Context, days int) ([]CrossDepartmentSummaryRow, error)
}

// Directory resolves organizational metadata for users and documents.
type Directory interface {
	GetUserDepartment(ctx context.Context, userID string) (string, error)
	GetDocumentDepartment(ctx context.Context, documentID uuid.UUID) (*string, error)
}

// AlertSink receives alerts produced by the pipeline.
type AlertSink interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	ResolveAlert(ctx context.Context, id uuid.UUID) error
}

// CrossDepartmentSummaryRow aggregates access between one department pair.
type CrossDepartmentSummaryRow struct {
	UserDepartment     string  `json:"user_department" db:"user_department"`
	DocumentDepartment string  `json:"document_department" db:"document_department"`
	AccessCount        int     `json:"access_count" db:"access_count"`
	AvgRiskScore       float64 `json:"avg_risk_score" db:"avg_risk_score"`
	MaxRiskScore       float64 `json:"max_risk_score" db:"max_risk_score"`
	AnomalyCount       int     `json:"anomaly_count" db:"anomaly_count"`
}

// UserAccessPattern summarizes a user's recent behavior for review surfaces.
type UserAccessPattern struct {
	UserID                string               `json:"user_id"`
	TotalAccess           int                  `json:"total_access"`
	CrossDepartmentAccess int                  `json:"cross_department_access"`
	CrossDeptPercentage   float64              `json:"cross_dept_percentage"`
	AnomalyCount          int                  `json:"anomaly_count"`
	AnomalyPercentage     float64              `json:"anomaly_percentage"`
	AvgRiskScore          float64              `json:"avg_risk_score"`
	MostActiveHours       []HourActivity       `json:"most_active_hours"`
	RecentEvents          []models.AccessEvent `json:"recent_events"`
}

// HourActivity is an (hour, count) pair in a user's activity profile.
type HourActivity struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// AccessRequest describes one access attempt to be scored and recorded.
type AccessRequest struct {
	UserID       string
	DocumentID   *uuid.UUID
	DocumentName string
	Action       models.Action
	Department   string    // acting user's department per the caller
	OccurredAt   time.Time // when the access happened; zero means now
}

// bulkThresholds are the per-action counts that trip the bulk-operation
// detector within one window.
var bulkThresholds = map[models.Action]int{
	models.ActionRead:   20,
	models.ActionUpload: 10,
	models.ActionDelete: 5,
}

// bulkDefaultThreshold applies to actions without an explicit entry.
const bulkDefaultThreshold = 15

// bulkRiskContribution is the flat aggregate contribution of a bulk detection.
const bulkRiskContribution = 0.8

// violationRiskWeight is the per-violation aggregate contribution.
const violationRiskWeight = 0.2

// elevatedBaselineContribution applies when a user's historical mean risk
// exceeds elevatedBaselineThreshold.
const (
	elevatedBaselineThreshold    = 0.5
	elevatedBaselineContribution = 0.3
	elevatedBaselineFactor       = "Consistently high individual risk scores"
)
