package store

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sentinelsec/docrisk/internal/models"
)

// FallbackLog is the append-only side log that absorbs audit writes when the
// primary store is unavailable after retries. Best effort: its own failures
// are reported but never propagated to the risk pipeline.
type FallbackLog struct {
	mu   sync.Mutex
	path string
}

// NewFallbackLog creates a fallback log writing to path.
func NewFallbackLog(path string) *FallbackLog {
	return &FallbackLog{path: path}
}

// AppendEvent records an access event as one line.
func (l *FallbackLog) AppendEvent(ev *models.AccessEvent) error {
	return l.append(fmt.Sprintf("%s: User %s - %s on %s (risk=%.2f anomaly=%v)",
		ev.Timestamp.Format(time.RFC3339), ev.UserID, ev.Action, ev.DocumentName, ev.RiskScore, ev.AnomalyFlag))
}

// AppendAlert records an alert as one line.
func (l *FallbackLog) AppendAlert(a *models.Alert) error {
	return l.append(fmt.Sprintf("%s: Alert %s [%s] for user %s - %s",
		a.Timestamp.Format(time.RFC3339), a.AlertType, a.Severity, a.UserID, a.Description))
}

func (l *FallbackLog) append(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening fallback log: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("writing fallback log: %w", err)
	}
	return nil
}
