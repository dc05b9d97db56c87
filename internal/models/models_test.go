package models

import "testing"

func TestClassifySeverity(t *testing.T) {
	tests := []struct {
		name      string
		alertType AlertType
		riskScore float64
		want      Severity
	}{
		{"data leak is critical at any score", AlertDataLeakAttempt, 0.0, SeverityCritical},
		{"sabotage is critical at any score", AlertDataSabotageAttempt, 0.1, SeverityCritical},
		{"unauthorized access is critical at low score", AlertUnauthorizedAccess, 0.1, SeverityCritical},
		{"unauthorized upload is critical", AlertUnauthorizedUpload, 0.2, SeverityCritical},
		{"high score is critical regardless of type", AlertDocumentModified, 0.8, SeverityCritical},
		{"tampering is high", AlertDocumentTampering, 0.1, SeverityHigh},
		{"cross department is high", AlertCrossDepartmentAccess, 0.0, SeverityHigh},
		{"score 0.6 is high", AlertDocumentModified, 0.6, SeverityHigh},
		{"score 0.79 is high not critical", AlertDocumentModified, 0.79, SeverityHigh},
		{"score 0.4 is medium", AlertDocumentModified, 0.4, SeverityMedium},
		{"score 0.59 is medium", AlertBulkOperations, 0.59, SeverityMedium},
		{"low otherwise", AlertDocumentDeleted, 0.1, SeverityLow},
		{"zero score unknown type is low", AlertHighRiskActivity, 0.0, SeverityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifySeverity(tt.alertType, tt.riskScore)
			if got != tt.want {
				t.Errorf("ClassifySeverity(%q, %v) = %v, want %v", tt.alertType, tt.riskScore, got, tt.want)
			}
			// Total and deterministic: repeat calls agree.
			if again := ClassifySeverity(tt.alertType, tt.riskScore); again != got {
				t.Error("severity classification is not deterministic")
			}
		})
	}
}

func TestClampScore(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{-0.5, 0}, {0, 0}, {0.5, 0.5}, {1, 1}, {1.7, 1},
	}
	for _, tt := range tests {
		if got := ClampScore(tt.in); got != tt.want {
			t.Errorf("ClampScore(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestActionUnauthorized(t *testing.T) {
	if !ActionUnauthorizedAccess.Unauthorized() || !ActionUnauthorizedUpload.Unauthorized() || !ActionUnauthorizedDelete.Unauthorized() {
		t.Error("denied attempts must classify as unauthorized")
	}
	if ActionRead.Unauthorized() || ActionDelete.Unauthorized() {
		t.Error("normal actions must not classify as unauthorized")
	}
}
