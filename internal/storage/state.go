package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Generation state lives in one row per logical field so that every write
// touches exactly one field and never rewrites the record as a whole.

// GetStateField returns the value of field. ok is false when it is unset.
func (s *Store) GetStateField(ctx context.Context, field string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT value FROM generation_state WHERE field = ?`, field).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) SetStateField(ctx context.Context, field, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_state (field, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(field) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		field, value, formatTime(s.now()),
	)
	return err
}

// SetStateFieldIfAbsent writes value only when field is unset. set reports
// whether the write happened.
func (s *Store) SetStateFieldIfAbsent(ctx context.Context, field, value string) (set bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO generation_state (field, value, updated_at) VALUES (?, ?, ?)`,
		field, value, formatTime(s.now()),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DecrementStateField atomically decrements an integer field, flooring at
// zero, and returns the new value. An unset field reads as zero and stays unset.
func (s *Store) DecrementStateField(ctx context.Context, field string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `
		UPDATE generation_state
		SET value = CAST(MAX(CAST(value AS INTEGER) - 1, 0) AS TEXT), updated_at = ?
		WHERE field = ?
		RETURNING CAST(value AS INTEGER)`,
		formatTime(s.now()), field,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("decrementing %s: %w", field, err)
	}
	return v, nil
}

// DeleteStateFields unsets the named fields.
func (s *Store) DeleteStateFields(ctx context.Context, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(fields)-1)
	args := make([]any, len(fields))
	for i, f := range fields {
		args[i] = f
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM generation_state WHERE field IN (?`+placeholders+`)`, args...)
	return err
}

// StateFields reads every set field in one statement.
func (s *Store) StateFields(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM generation_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

// ClearState removes every generation state field.
func (s *Store) ClearState(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM generation_state`)
	return err
}
