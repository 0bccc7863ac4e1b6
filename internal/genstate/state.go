// Package genstate holds the durable generation progress record.
//
// The record is a set of independent fields. Every accessor reads or writes
// exactly one of them, so an operator halt racing an in-flight job can never
// clobber a counter or timestamp it did not mean to touch.
package genstate

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

const (
	FieldInProgress    = "in_progress"
	FieldTotal         = "total"
	FieldRemaining     = "remaining"
	FieldHaltRequested = "halt_requested"
	FieldLastCheck     = "last_check"
	FieldLastUpdate    = "last_update"
	FieldLastRun       = "last_run"
	FieldStartedAt     = "started_at"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

// FieldStore persists named string fields. Implemented by storage.Store.
type FieldStore interface {
	GetStateField(ctx context.Context, field string) (string, bool, error)
	SetStateField(ctx context.Context, field, value string) error
	SetStateFieldIfAbsent(ctx context.Context, field, value string) (bool, error)
	DecrementStateField(ctx context.Context, field string) (int, error)
	DeleteStateFields(ctx context.Context, fields ...string) error
	StateFields(ctx context.Context) (map[string]string, error)
	ClearState(ctx context.Context) error
}

// State is the narrow-write accessor over the generation record.
type State struct {
	store FieldStore
	now   func() time.Time
}

func New(store FieldStore) *State {
	return &State{store: store, now: time.Now}
}

// SetClock replaces the wall clock used for timestamps.
func (s *State) SetClock(now func() time.Time) {
	s.now = now
}

// Now returns the current time of the state's clock.
func (s *State) Now() time.Time {
	return s.now().UTC()
}

// MarkInProgress starts a staggered batch of total units.
func (s *State) MarkInProgress(ctx context.Context, total int) error {
	if err := s.setInt(ctx, FieldTotal, total); err != nil {
		return err
	}
	if err := s.setInt(ctx, FieldRemaining, total); err != nil {
		return err
	}
	return s.set(ctx, FieldInProgress, "true")
}

// MarkStarted records at as the batch start unless one is already recorded.
func (s *State) MarkStarted(ctx context.Context, at time.Time) error {
	if _, err := s.store.SetStateFieldIfAbsent(ctx, FieldStartedAt, at.UTC().Format(timeFormat)); err != nil {
		return fmt.Errorf("setting %s: %w", FieldStartedAt, err)
	}
	return nil
}

func (s *State) StartedAt(ctx context.Context) (time.Time, bool, error) {
	return s.getTime(ctx, FieldStartedAt)
}

// MarkComplete clears the staggered-run fields after the last unit.
func (s *State) MarkComplete(ctx context.Context) error {
	return s.ClearRunFields(ctx)
}

// ClearRunFields removes every field describing the current batch.
func (s *State) ClearRunFields(ctx context.Context) error {
	if err := s.store.DeleteStateFields(ctx, FieldInProgress, FieldTotal, FieldRemaining, FieldStartedAt); err != nil {
		return fmt.Errorf("clearing run fields: %w", err)
	}
	return nil
}

// ClearInProgress drops the in-progress flag and batch start while keeping
// total and remaining as a record of where a halted batch stopped.
func (s *State) ClearInProgress(ctx context.Context) error {
	if err := s.store.DeleteStateFields(ctx, FieldInProgress, FieldStartedAt); err != nil {
		return fmt.Errorf("clearing in-progress flag: %w", err)
	}
	return nil
}

func (s *State) IsInProgress(ctx context.Context) (bool, error) {
	return s.getBool(ctx, FieldInProgress)
}

// DecrementRemaining lowers remaining by one, never below zero, and returns
// the new value.
func (s *State) DecrementRemaining(ctx context.Context) (int, error) {
	n, err := s.store.DecrementStateField(ctx, FieldRemaining)
	if err != nil {
		return 0, fmt.Errorf("decrementing %s: %w", FieldRemaining, err)
	}
	return n, nil
}

func (s *State) IsStopRequested(ctx context.Context) (bool, error) {
	return s.getBool(ctx, FieldHaltRequested)
}

func (s *State) RequestStop(ctx context.Context) error {
	return s.set(ctx, FieldHaltRequested, "true")
}

func (s *State) ClearStopRequest(ctx context.Context) error {
	if err := s.store.DeleteStateFields(ctx, FieldHaltRequested); err != nil {
		return fmt.Errorf("clearing %s: %w", FieldHaltRequested, err)
	}
	return nil
}

func (s *State) LastRun(ctx context.Context) (time.Time, bool, error) {
	return s.getTime(ctx, FieldLastRun)
}

func (s *State) SetLastRun(ctx context.Context, t time.Time) error {
	return s.set(ctx, FieldLastRun, t.UTC().Format(timeFormat))
}

func (s *State) LastUpdate(ctx context.Context) (time.Time, bool, error) {
	return s.getTime(ctx, FieldLastUpdate)
}

func (s *State) SetLastUpdate(ctx context.Context, t time.Time) error {
	return s.set(ctx, FieldLastUpdate, t.UTC().Format(timeFormat))
}

func (s *State) LastCheck(ctx context.Context) (time.Time, bool, error) {
	return s.getTime(ctx, FieldLastCheck)
}

func (s *State) SetLastCheck(ctx context.Context, t time.Time) error {
	return s.set(ctx, FieldLastCheck, t.UTC().Format(timeFormat))
}

// ClearAll wipes the whole record. Only an explicit operator reset calls it.
func (s *State) ClearAll(ctx context.Context) error {
	if err := s.store.ClearState(ctx); err != nil {
		return fmt.Errorf("clearing generation state: %w", err)
	}
	return nil
}

func (s *State) set(ctx context.Context, field, value string) error {
	if err := s.store.SetStateField(ctx, field, value); err != nil {
		return fmt.Errorf("setting %s: %w", field, err)
	}
	return nil
}

func (s *State) setInt(ctx context.Context, field string, v int) error {
	return s.set(ctx, field, strconv.Itoa(v))
}

func (s *State) getBool(ctx context.Context, field string) (bool, error) {
	v, ok, err := s.store.GetStateField(ctx, field)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", field, err)
	}
	return ok && v == "true", nil
}

func (s *State) getTime(ctx context.Context, field string) (time.Time, bool, error) {
	v, ok, err := s.store.GetStateField(ctx, field)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading %s: %w", field, err)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(timeFormat, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing %s %q: %w", field, v, err)
	}
	return t, true, nil
}
