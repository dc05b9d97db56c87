// Package features converts access events into the fixed-shape numeric
// vectors consumed by the outlier model.
package features

import (
	"fmt"
	"sort"
	"time"

	"github.com/sentinelsec/docrisk/internal/models"
)

// SchemaVersion identifies the feature layout. Bump when columns change
// so persisted models from older layouts are rejected at restore.
const SchemaVersion = 1

// Column order ahead of the per-action indicators.
const (
	colHour = iota
	colDayOfWeek
	colDeptMismatch
	numBaseColumns
)

// Schema is the versioned feature layout fixed at training time. The action
// vocabulary is frozen from the training corpus; at inference, actions outside
// the vocabulary map to all-zero indicators.
type Schema struct {
	Version int             `json:"version"`
	Actions []models.Action `json:"actions"`
}

// BuildSchema derives a schema from a training corpus. The vocabulary is
// sorted so the same corpus always yields the same column order.
func BuildSchema(events []models.AccessEvent) Schema {
	seen := make(map[models.Action]bool)
	for _, ev := range events {
		if ev.Action != "" {
			seen[ev.Action] = true
		}
	}
	actions := make([]models.Action, 0, len(seen))
	for a := range seen {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return Schema{Version: SchemaVersion, Actions: actions}
}

// Width returns the vector length produced under this schema.
func (s Schema) Width() int {
	return numBaseColumns + len(s.Actions)
}

// Extractor derives feature vectors under a fixed schema. Timestamps are
// normalized to a single canonical zone before hour and weekday are taken,
// so events recorded in different zones land on identical columns for the
// same instant.
type Extractor struct {
	schema Schema
	loc    *time.Location
}

// NewExtractor creates an extractor for the given schema and canonical zone.
func NewExtractor(schema Schema, loc *time.Location) *Extractor {
	if loc == nil {
		loc = time.UTC
	}
	return &Extractor{schema: schema, loc: loc}
}

// Schema returns the extractor's frozen schema.
func (e *Extractor) Schema() Schema { return e.schema }

// Extract converts a batch of events into feature vectors. Rows with a
// missing user ID or an unusable timestamp are dropped; the rest of the
// batch is processed. Pure function of its input and the frozen schema.
func (e *Extractor) Extract(events []models.AccessEvent) [][]float64 {
	vectors := make([][]float64, 0, len(events))
	for _, ev := range events {
		v, ok := e.extractOne(ev)
		if !ok {
			continue
		}
		vectors = append(vectors, v)
	}
	return vectors
}

func (e *Extractor) extractOne(ev models.AccessEvent) ([]float64, bool) {
	if ev.UserID == "" || ev.Timestamp.IsZero() {
		return nil, false
	}

	ts := ev.Timestamp.In(e.loc)

	v := make([]float64, e.schema.Width())
	v[colHour] = float64(ts.Hour())
	v[colDayOfWeek] = float64(dayOfWeek(ts))

	if ev.DocumentDepartment != nil && *ev.DocumentDepartment != "" &&
		ev.UserDepartment != "" && *ev.DocumentDepartment != ev.UserDepartment {
		v[colDeptMismatch] = 1
	}

	for i, a := range e.schema.Actions {
		if ev.Action == a {
			v[numBaseColumns+i] = 1
		}
	}

	return v, true
}

// dayOfWeek maps to Monday=0 .. Sunday=6.
func dayOfWeek(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// ParseTimestamp parses an audit-trail timestamp string. Offsets in the
// input are honored; bare timestamps are assumed UTC, so both forms yield
// the same instant for the same wall-clock reading.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
