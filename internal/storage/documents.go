package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kalambet/datedocs/internal/bucket"
)

// UpsertDocument stores body as the document for key. created reports whether
// the row is new. Writing an identical body and count leaves the row
// untouched, including updated_at.
func (s *Store) UpsertDocument(ctx context.Context, key bucket.Key, body []byte, itemCount int) (created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(s.now())

	var oldBody []byte
	var oldCount int
	err = tx.QueryRowContext(ctx, `SELECT body, item_count FROM bucket_documents WHERE bucket = ?`, string(key)).Scan(&oldBody, &oldCount)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bucket_documents (bucket, body, item_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			string(key), body, itemCount, now, now,
		); err != nil {
			return false, fmt.Errorf("inserting document %s: %w", key, err)
		}
		created = true
	case err != nil:
		return false, fmt.Errorf("reading document %s: %w", key, err)
	default:
		if oldCount == itemCount && bytes.Equal(oldBody, body) {
			return false, tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE bucket_documents SET body = ?, item_count = ?, updated_at = ? WHERE bucket = ?`,
			body, itemCount, now, string(key),
		); err != nil {
			return false, fmt.Errorf("updating document %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing document %s: %w", key, err)
	}
	return created, nil
}

// DeleteDocument removes the document for key. deleted is false when there
// was nothing to remove.
func (s *Store) DeleteDocument(ctx context.Context, key bucket.Key) (deleted bool, err error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bucket_documents WHERE bucket = ?`, string(key))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) DocumentExists(ctx context.Context, key bucket.Key) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bucket_documents WHERE bucket = ?`, string(key)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DocumentItemCount returns the item count recorded when the document for
// key was last written.
func (s *Store) DocumentItemCount(ctx context.Context, key bucket.Key) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT item_count FROM bucket_documents WHERE bucket = ?`, string(key)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return n, err
}

// ExistingKeys returns every key with a stored document in chronological order.
func (s *Store) ExistingKeys(ctx context.Context) ([]bucket.Key, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket FROM bucket_documents ORDER BY bucket ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []bucket.Key
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, bucket.Key(k))
	}
	return keys, rows.Err()
}

// DocumentCounts returns the stored item count of every document.
func (s *Store) DocumentCounts(ctx context.Context) (map[bucket.Key]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, item_count FROM bucket_documents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[bucket.Key]int)
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		counts[bucket.Key(k)] = n
	}
	return counts, rows.Err()
}

func (s *Store) GetDocument(ctx context.Context, key bucket.Key) (Document, error) {
	var d Document
	var k, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT bucket, body, item_count, created_at, updated_at
		FROM bucket_documents WHERE bucket = ?`, string(key),
	).Scan(&k, &d.Body, &d.ItemCount, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	d.Bucket = bucket.Key(k)
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}

// ListDocuments pages through stored documents, newest bucket first.
func (s *Store) ListDocuments(ctx context.Context, limit, offset int) ([]DocumentInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket, item_count, created_at, updated_at
		FROM bucket_documents ORDER BY bucket DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []DocumentInfo
	for rows.Next() {
		var d DocumentInfo
		var k, createdAt, updatedAt string
		if err := rows.Scan(&k, &d.ItemCount, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		d.Bucket = bucket.Key(k)
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}
