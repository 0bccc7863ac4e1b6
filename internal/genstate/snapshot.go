package genstate

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Snapshot is one consistent read of the whole record.
type Snapshot struct {
	InProgress bool       `json:"in_progress"`
	Total      int        `json:"total"`
	Remaining  int        `json:"remaining"`
	Halted     bool       `json:"halted"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
	LastCheck  *time.Time `json:"last_check,omitempty"`
}

// Completed is the number of units of the current or last halted batch that
// have finished.
func (s Snapshot) Completed() int {
	if s.Total < s.Remaining {
		return 0
	}
	return s.Total - s.Remaining
}

// Snapshot reads every field in a single query.
func (s *State) Snapshot(ctx context.Context) (Snapshot, error) {
	fields, err := s.store.StateFields(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading generation state: %w", err)
	}

	var snap Snapshot
	snap.InProgress = fields[FieldInProgress] == "true"
	snap.Halted = fields[FieldHaltRequested] == "true"
	if snap.Total, err = atoiField(fields, FieldTotal); err != nil {
		return Snapshot{}, err
	}
	if snap.Remaining, err = atoiField(fields, FieldRemaining); err != nil {
		return Snapshot{}, err
	}
	for field, dst := range map[string]**time.Time{
		FieldStartedAt:  &snap.StartedAt,
		FieldLastRun:    &snap.LastRun,
		FieldLastUpdate: &snap.LastUpdate,
		FieldLastCheck:  &snap.LastCheck,
	} {
		v, ok := fields[field]
		if !ok {
			continue
		}
		t, err := time.Parse(timeFormat, v)
		if err != nil {
			return Snapshot{}, fmt.Errorf("parsing %s %q: %w", field, v, err)
		}
		*dst = &t
	}
	return snap, nil
}

func atoiField(fields map[string]string, field string) (int, error) {
	v, ok := fields[field]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", field, v, err)
	}
	return n, nil
}
