package anomaly

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sentinelsec/docrisk/internal/models"
)

// DetectBulkOperations counts completed actions per type within the trailing
// window and compares each against its threshold. Any threshold met or
// exceeded marks the result detected with a 0.8 risk contribution.
func (s *Service) DetectBulkOperations(ctx context.Context, userID string, windowMinutes int) models.BulkOperationResult {
	if windowMinutes <= 0 {
		windowMinutes = s.cfg.BulkWindowMinutes
	}
	result := models.BulkOperationResult{
		Activities:    map[models.Action]int{},
		WindowMinutes: windowMinutes,
	}

	since := s.now().Add(-time.Duration(windowMinutes) * time.Minute)
	activities, err := s.trail.CountActionsSince(ctx, userID, since)
	if err != nil {
		s.logger.Warn("bulk detector degraded to empty window",
			"user_id", userID, "error", err, "degraded", true)
		return result
	}
	result.Activities = activities

	// Deterministic factor ordering.
	actions := make([]models.Action, 0, len(activities))
	for a := range activities {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })

	for _, action := range actions {
		count := activities[action]
		threshold, ok := bulkThresholds[action]
		if !ok {
			threshold = bulkDefaultThreshold
		}
		if count >= threshold {
			result.BulkDetected = true
			result.RiskFactors = append(result.RiskFactors,
				fmt.Sprintf("%d %s operations in %d minutes", count, action, windowMinutes))
		}
	}

	if result.BulkDetected {
		result.RiskScore = bulkRiskContribution
	}
	return result
}

// CheckDepartmentViolations lists the user's most recent accesses to
// documents whose department is known and differs from the user's own,
// most recent first, capped at 10. The caller decides severity.
func (s *Service) CheckDepartmentViolations(ctx context.Context, userID string) []models.AccessEvent {
	dept, err := s.dir.GetUserDepartment(ctx, userID)
	if err != nil || dept == "" {
		if err != nil {
			s.logger.Warn("department lookup failed",
				"user_id", userID, "error", err, "degraded", true)
		}
		return nil
	}

	violations, err := s.trail.ListCrossDepartmentEvents(ctx, userID, dept, violationListCap)
	if err != nil {
		s.logger.Warn("violation query degraded to empty list",
			"user_id", userID, "error", err, "degraded", true)
		return nil
	}
	return violations
}

const violationListCap = 10

// BuildBaseline derives the user's behavior profile from their most recent
// history (cap 100 rows). An empty history yields a zero baseline.
func (s *Service) BuildBaseline(ctx context.Context, userID string) models.Baseline {
	baseline := models.Baseline{UserID: userID, CommonActions: map[models.Action]int{}}

	events, err := s.trail.QueryEvents(ctx, EventFilters{UserID: userID, Limit: s.cfg.BaselineLimit})
	if err != nil {
		s.logger.Warn("baseline degraded to empty profile",
			"user_id", userID, "error", err, "degraded", true)
		return baseline
	}
	if len(events) == 0 {
		return baseline
	}

	days := map[string]bool{}
	hourCounts := map[int]int{}
	var riskSum float64

	for _, ev := range events {
		ts := ev.Timestamp.In(s.cfg.Location)
		days[ts.Format("2006-01-02")] = true
		hourCounts[ts.Hour()]++
		baseline.CommonActions[ev.Action]++
		riskSum += ev.RiskScore
	}

	baseline.SampleSize = len(events)
	baseline.AvgDailyAccesses = float64(len(events)) / float64(len(days))
	baseline.AvgRiskScore = riskSum / float64(len(events))
	baseline.CommonHours = modalHours(hourCounts)

	return baseline
}

// modalHours returns every hour tied for the highest activity count, sorted.
func modalHours(counts map[int]int) []int {
	max := 0
	for _, c := range counts {
		if c > max {
			max = c
		}
	}
	if max == 0 {
		return nil
	}
	var hours []int
	for h, c := range counts {
		if c == max {
			hours = append(hours, h)
		}
	}
	sort.Ints(hours)
	return hours
}

// GenerateRiskReport merges the baseline, bulk detector, and cross-department
// detector into one bounded score. Deterministic and idempotent for an
// unchanged history.
func (s *Service) GenerateRiskReport(ctx context.Context, userID string) models.RiskReport {
	baseline := s.BuildBaseline(ctx, userID)
	bulk := s.DetectBulkOperations(ctx, userID, s.cfg.BulkWindowMinutes)
	violations := s.CheckDepartmentViolations(ctx, userID)

	var factors []string
	var total float64

	if bulk.BulkDetected {
		factors = append(factors, bulk.RiskFactors...)
		total += bulk.RiskScore
	}

	if len(violations) > 0 {
		factors = append(factors, fmt.Sprintf("%d cross-department access violations", len(violations)))
		total += float64(len(violations)) * violationRiskWeight
	}

	if baseline.AvgRiskScore > elevatedBaselineThreshold {
		factors = append(factors, elevatedBaselineFactor)
		total += elevatedBaselineContribution
	}

	return models.RiskReport{
		UserID:               userID,
		OverallRiskScore:     models.ClampScore(total),
		RiskFactors:          factors,
		Baseline:             baseline,
		BulkOperations:       bulk,
		DepartmentViolations: violations,
		GeneratedAt:          s.now(),
	}
}
