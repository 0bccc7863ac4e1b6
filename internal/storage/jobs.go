package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// EnqueueJob inserts a pending job. When job.UniqueKey is set and a pending
// or running job with the same type and key exists, nothing is written and
// inserted is false.
func (s *Store) EnqueueJob(ctx context.Context, job Job) (inserted bool, err error) {
	now := s.now()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	payload := job.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	var uniqueKey sql.NullString
	if job.UniqueKey != "" {
		uniqueKey = sql.NullString{String: job.UniqueKey, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, unique_key)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, payload, maxAttempts, formatTime(runAfter), formatTime(now), formatTime(now), uniqueKey,
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

// ClaimNextJob moves the earliest due pending job of one of types to running
// and returns it. It returns nil when nothing is due.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(s.now())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error, unique_key
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError, uniqueKey sql.NullString
	err = tx.QueryRowContext(ctx, query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError, &uniqueKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	j.UniqueKey = uniqueKey.String
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is retried with exponential
// backoff until max_attempts is reached, then marked failed and dead is true.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) (dead bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	now := s.now().UTC()
	attempts++

	if attempts >= maxAttempts {
		dead = true
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(runAfter), formatTime(now), id)
	}

	if err != nil {
		return false, err
	}

	return dead, tx.Commit()
}

// CancelPendingJobs marks every pending job of jobType cancelled. Jobs that
// are already running are left alone.
func (s *Store) CancelPendingJobs(ctx context.Context, jobType string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'cancelled', updated_at = ? WHERE type = ? AND status = 'pending'`,
		formatTime(s.now()), jobType)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RequeueStaleJobs returns running jobs of jobType that have not been touched
// for longer than lease to pending, so a job whose runner died is delivered again.
func (s *Store) RequeueStaleJobs(ctx context.Context, jobType string, lease time.Duration) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', updated_at = ?
		WHERE type = ? AND status = 'running' AND updated_at < ?`,
		formatTime(now), jobType, formatTime(now.Add(-lease)))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingJobCount counts jobs of jobType that are pending or running.
func (s *Store) PendingJobCount(ctx context.Context, jobType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE type = ? AND status IN ('pending', 'running')`, jobType).Scan(&n)
	return n, err
}
