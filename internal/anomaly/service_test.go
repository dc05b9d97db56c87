package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/docrisk/internal/artifact"
	"github.com/sentinelsec/docrisk/internal/models"
	"github.com/sentinelsec/docrisk/internal/outlier"
)

type fakeTrail struct {
	events     []models.AccessEvent
	counts     map[models.Action]int
	crossDept  []models.AccessEvent
	summary    []CrossDepartmentSummaryRow
	queryErr   error
	appended   []models.AccessEvent
}

func (f *fakeTrail) AppendEvent(_ context.Context, ev *models.AccessEvent) error {
	f.appended = append(f.appended, *ev)
	return nil
}

func (f *fakeTrail) QueryEvents(_ context.Context, filters EventFilters) ([]models.AccessEvent, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	out := f.events
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

func (f *fakeTrail) CountActionsSince(_ context.Context, _ string, _ time.Time) (map[models.Action]int, error) {
	if f.counts == nil {
		return map[models.Action]int{}, nil
	}
	return f.counts, nil
}

func (f *fakeTrail) ListCrossDepartmentEvents(_ context.Context, _, _ string, limit int) ([]models.AccessEvent, error) {
	out := f.crossDept
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTrail) CrossDepartmentSummary(_ context.Context, _ int) ([]CrossDepartmentSummaryRow, error) {
	return f.summary, nil
}

type fakeDirectory struct {
	userDept string
	docDept  *string
}

func (f *fakeDirectory) GetUserDepartment(_ context.Context, _ string) (string, error) {
	return f.userDept, nil
}

func (f *fakeDirectory) GetDocumentDepartment(_ context.Context, _ uuid.UUID) (*string, error) {
	return f.docDept, nil
}

type fakeSink struct {
	created  []models.Alert
	resolved []uuid.UUID
}

func (f *fakeSink) CreateAlert(_ context.Context, a *models.Alert) error {
	f.created = append(f.created, *a)
	return nil
}

func (f *fakeSink) ResolveAlert(_ context.Context, id uuid.UUID) error {
	f.resolved = append(f.resolved, id)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestService(trail *fakeTrail, dir *fakeDirectory, sink *fakeSink) *Service {
	model := outlier.New(outlier.Config{Trees: 30, Seed: 7}, artifact.NewMemStore(), quietLogger())
	svc := NewService(trail, dir, sink, model, Config{}, quietLogger())
	svc.now = func() time.Time { return time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC) }
	return svc
}

func historyEvents(n int, risk float64) []models.AccessEvent {
	events := make([]models.AccessEvent, 0, n)
	base := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		events = append(events, models.AccessEvent{
			UserID:         fmt.Sprintf("user-%d", i%4),
			Action:         models.ActionRead,
			Timestamp:      base.Add(time.Duration(i%8) * time.Hour).AddDate(0, 0, i/8),
			UserDepartment: "HR",
			RiskScore:      risk,
		})
	}
	return events
}

func TestDetectBulkOperations(t *testing.T) {
	tests := []struct {
		name       string
		counts     map[models.Action]int
		wantBulk   bool
		wantFactor string
	}{
		{"25 reads trips threshold 20", map[models.Action]int{models.ActionRead: 25}, true, "25 read operations in 30 minutes"},
		{"19 reads stays under", map[models.Action]int{models.ActionRead: 19}, false, ""},
		{"exactly at threshold trips", map[models.Action]int{models.ActionDelete: 5}, true, "5 delete operations in 30 minutes"},
		{"unknown action uses default 15", map[models.Action]int{models.ActionList: 15}, true, "15 list operations in 30 minutes"},
		{"empty window", nil, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trail := &fakeTrail{counts: tt.counts}
			svc := newTestService(trail, &fakeDirectory{userDept: "HR"}, &fakeSink{})

			result := svc.DetectBulkOperations(context.Background(), "u1", 30)

			if result.BulkDetected != tt.wantBulk {
				t.Errorf("bulk_detected = %v, want %v", result.BulkDetected, tt.wantBulk)
			}
			wantRisk := 0.0
			if tt.wantBulk {
				wantRisk = 0.8
			}
			if result.RiskScore != wantRisk {
				t.Errorf("risk = %v, want %v", result.RiskScore, wantRisk)
			}
			if tt.wantFactor != "" {
				found := false
				for _, f := range result.RiskFactors {
					if strings.Contains(f, tt.wantFactor) {
						found = true
					}
				}
				if !found {
					t.Errorf("factors %v missing %q", result.RiskFactors, tt.wantFactor)
				}
			}
		})
	}
}

func TestCheckDepartmentViolations(t *testing.T) {
	finance := "Finance"
	mk := func(minsAgo int) models.AccessEvent {
		return models.AccessEvent{
			UserID:             "u1",
			Action:             models.ActionRead,
			Timestamp:          time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC).Add(-time.Duration(minsAgo) * time.Minute),
			UserDepartment:     "HR",
			DocumentDepartment: &finance,
		}
	}

	// Trail returns only cross-department rows, most recent first.
	trail := &fakeTrail{crossDept: []models.AccessEvent{mk(1), mk(5), mk(30)}}
	svc := newTestService(trail, &fakeDirectory{userDept: "HR"}, &fakeSink{})

	violations := svc.CheckDepartmentViolations(context.Background(), "u1")
	if len(violations) != 3 {
		t.Fatalf("expected exactly 3 violations, got %d", len(violations))
	}
	for i := 1; i < len(violations); i++ {
		if violations[i].Timestamp.After(violations[i-1].Timestamp) {
			t.Error("violations not ordered most recent first")
		}
	}
}

func TestCheckDepartmentViolations_UnknownUser(t *testing.T) {
	svc := newTestService(&fakeTrail{}, &fakeDirectory{userDept: ""}, &fakeSink{})
	if v := svc.CheckDepartmentViolations(context.Background(), "ghost"); v != nil {
		t.Errorf("expected no violations for unknown user, got %v", v)
	}
}

func TestGenerateRiskReport_ElevatedBaselineOnly(t *testing.T) {
	trail := &fakeTrail{events: historyEvents(20, 0.6)}
	svc := newTestService(trail, &fakeDirectory{userDept: "HR"}, &fakeSink{})

	report := svc.GenerateRiskReport(context.Background(), "user-1")

	if report.OverallRiskScore != 0.3 {
		t.Errorf("overall risk = %v, want 0.3", report.OverallRiskScore)
	}
	want := []string{"Consistently high individual risk scores"}
	if !reflect.DeepEqual(report.RiskFactors, want) {
		t.Errorf("risk factors = %v, want %v", report.RiskFactors, want)
	}
}

func TestGenerateRiskReport_ClampedAtOne(t *testing.T) {
	finance := "Finance"
	var violations []models.AccessEvent
	for i := 0; i < 5; i++ {
		violations = append(violations, models.AccessEvent{
			UserID:             "u1",
			Timestamp:          time.Date(2024, 3, 5, 11, 0, 0, 0, time.UTC),
			UserDepartment:     "HR",
			DocumentDepartment: &finance,
		})
	}
	trail := &fakeTrail{
		events:    historyEvents(20, 0.9),
		counts:    map[models.Action]int{models.ActionRead: 40},
		crossDept: violations,
	}
	svc := newTestService(trail, &fakeDirectory{userDept: "HR"}, &fakeSink{})

	// 0.8 bulk + 5*0.2 violations + 0.3 baseline = 2.1, clamped.
	report := svc.GenerateRiskReport(context.Background(), "u1")
	if report.OverallRiskScore != 1.0 {
		t.Errorf("overall risk = %v, want clamp at 1.0", report.OverallRiskScore)
	}
	if len(report.RiskFactors) != 3 {
		t.Errorf("expected 3 risk factors, got %v", report.RiskFactors)
	}
}

func TestGenerateRiskReport_Idempotent(t *testing.T) {
	trail := &fakeTrail{
		events: historyEvents(30, 0.55),
		counts: map[models.Action]int{models.ActionRead: 25},
	}
	svc := newTestService(trail, &fakeDirectory{userDept: "HR"}, &fakeSink{})

	first := svc.GenerateRiskReport(context.Background(), "user-1")
	second := svc.GenerateRiskReport(context.Background(), "user-1")
	if !reflect.DeepEqual(first, second) {
		t.Error("report is not idempotent for unchanged history")
	}
}

func TestScore_ThinHistoryNeutral(t *testing.T) {
	trail := &fakeTrail{events: historyEvents(10, 0.2)}
	svc := newTestService(trail, &fakeDirectory{userDept: "HR"}, &fakeSink{})

	if risk := svc.Score(context.Background(), "u1", models.ActionDownload, "HR"); risk != 0.0 {
		t.Errorf("expected neutral score on thin history, got %v", risk)
	}
}

func TestScore_TrainsLazilyAndBounds(t *testing.T) {
	trail := &fakeTrail{events: historyEvents(80, 0.2)}
	svc := newTestService(trail, &fakeDirectory{userDept: "HR"}, &fakeSink{})

	risk := svc.Score(context.Background(), "u1", models.ActionDownload, "HR")
	if risk < 0 || risk > 1 {
		t.Errorf("score out of bounds: %v", risk)
	}
	if !svc.model.Fitted() {
		t.Error("scoring should have lazily trained the model")
	}
}

func TestScore_StorageFailureNeutral(t *testing.T) {
	trail := &fakeTrail{queryErr: fmt.Errorf("connection refused")}
	svc := newTestService(trail, &fakeDirectory{userDept: "HR"}, &fakeSink{})

	if risk := svc.Score(context.Background(), "u1", models.ActionRead, "HR"); risk != 0.0 {
		t.Errorf("expected neutral score on storage failure, got %v", risk)
	}
}

func TestRecordAccess_UnauthorizedAlwaysHighRisk(t *testing.T) {
	finance := "Finance"
	trail := &fakeTrail{}
	sink := &fakeSink{}
	docID := uuid.New()
	svc := newTestService(trail, &fakeDirectory{userDept: "HR", docDept: &finance}, sink)

	event := svc.RecordAccess(context.Background(), AccessRequest{
		UserID:       "u1",
		DocumentID:   &docID,
		DocumentName: "budget.xlsx",
		Action:       models.ActionUnauthorizedAccess,
		Department:   "HR",
	})

	if event.RiskScore < 0.8 {
		t.Errorf("unauthorized attempt risk = %v, want >= 0.8", event.RiskScore)
	}
	if !event.AnomalyFlag {
		t.Error("unauthorized attempt must be flagged")
	}
	if len(trail.appended) != 1 {
		t.Fatalf("expected 1 appended event, got %d", len(trail.appended))
	}
	if len(sink.created) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(sink.created))
	}
	alert := sink.created[0]
	if alert.AlertType != models.AlertUnauthorizedAccess {
		t.Errorf("alert type = %v, want %v", alert.AlertType, models.AlertUnauthorizedAccess)
	}
	if alert.Severity != models.SeverityCritical {
		t.Errorf("alert severity = %v, want critical", alert.Severity)
	}
}

func TestRecordAccess_AuthorizedLowRiskNoAlert(t *testing.T) {
	trail := &fakeTrail{events: historyEvents(10, 0.1)} // thin history: risk 0
	sink := &fakeSink{}
	svc := newTestService(trail, &fakeDirectory{userDept: "HR"}, sink)

	event := svc.RecordAccess(context.Background(), AccessRequest{
		UserID:       "u1",
		DocumentName: "notes.txt",
		Action:       models.ActionRead,
		Department:   "HR",
	})

	if event.AnomalyFlag {
		t.Error("low risk access must not be flagged")
	}
	if len(sink.created) != 0 {
		t.Errorf("expected no alerts, got %d", len(sink.created))
	}
	if len(trail.appended) != 1 {
		t.Errorf("event must still be appended, got %d", len(trail.appended))
	}
}

func TestRecordAccess_DepartmentResolvedFromDirectory(t *testing.T) {
	trail := &fakeTrail{}
	svc := newTestService(trail, &fakeDirectory{userDept: "Engineering"}, &fakeSink{})

	event := svc.RecordAccess(context.Background(), AccessRequest{
		UserID:     "u1",
		Action:     models.ActionRead,
		Department: "Marketing", // stale caller value, directory wins
	})

	if event.UserDepartment != "Engineering" {
		t.Errorf("user department = %q, want directory value Engineering", event.UserDepartment)
	}
}

func TestRecordAccess_UnknownUserKeepsCallerDepartment(t *testing.T) {
	trail := &fakeTrail{}
	svc := newTestService(trail, &fakeDirectory{}, &fakeSink{})

	event := svc.RecordAccess(context.Background(), AccessRequest{
		UserID:     "ghost",
		Action:     models.ActionRead,
		Department: "Marketing",
	})

	if event.UserDepartment != "Marketing" {
		t.Errorf("user department = %q, want caller fallback Marketing", event.UserDepartment)
	}
}

func TestRecordAccess_HonorsOccurredAt(t *testing.T) {
	trail := &fakeTrail{}
	svc := newTestService(trail, &fakeDirectory{userDept: "HR"}, &fakeSink{})

	occurred := time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC)
	event := svc.RecordAccess(context.Background(), AccessRequest{
		UserID:     "u1",
		Action:     models.ActionRead,
		Department: "HR",
		OccurredAt: occurred,
	})
	if !event.Timestamp.Equal(occurred) {
		t.Errorf("event timestamp = %v, want supplied %v", event.Timestamp, occurred)
	}

	// Zero OccurredAt falls back to the service clock.
	event = svc.RecordAccess(context.Background(), AccessRequest{
		UserID:     "u1",
		Action:     models.ActionRead,
		Department: "HR",
	})
	if !event.Timestamp.Equal(svc.now()) {
		t.Errorf("event timestamp = %v, want service clock %v", event.Timestamp, svc.now())
	}
}

func TestUserAccessPattern(t *testing.T) {
	finance := "Finance"
	ts := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	trail := &fakeTrail{events: []models.AccessEvent{
		{UserID: "u1", Action: models.ActionRead, Timestamp: ts, UserDepartment: "HR", RiskScore: 0.25, AnomalyFlag: true},
		{UserID: "u1", Action: models.ActionRead, Timestamp: ts.Add(-time.Hour), UserDepartment: "HR", RiskScore: 0.25, DocumentDepartment: &finance},
		{UserID: "u1", Action: models.ActionUpload, Timestamp: ts.Add(-2 * time.Hour), UserDepartment: "HR", RiskScore: 0.5},
		{UserID: "u1", Action: models.ActionRead, Timestamp: ts.Add(-26 * time.Hour), UserDepartment: "HR", RiskScore: 0.0},
	}}
	svc := newTestService(trail, &fakeDirectory{userDept: "HR"}, &fakeSink{})

	p := svc.UserAccessPattern(context.Background(), "u1", 30)

	if p.TotalAccess != 4 {
		t.Errorf("total = %d, want 4", p.TotalAccess)
	}
	if p.CrossDepartmentAccess != 1 {
		t.Errorf("cross dept = %d, want 1", p.CrossDepartmentAccess)
	}
	if p.CrossDeptPercentage != 25 {
		t.Errorf("cross dept %% = %v, want 25", p.CrossDeptPercentage)
	}
	if p.AnomalyCount != 1 {
		t.Errorf("anomalies = %d, want 1", p.AnomalyCount)
	}
	if p.AvgRiskScore != 0.25 {
		t.Errorf("avg risk = %v, want 0.25", p.AvgRiskScore)
	}
	if len(p.MostActiveHours) == 0 {
		t.Fatal("expected active hours")
	}
}
