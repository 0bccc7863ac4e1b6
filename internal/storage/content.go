package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kalambet/datedocs/internal/bucket"
)

// UpsertContentItem writes an item of the live content store. The bucket is
// derived from PublishedAt; a zero ModifiedAt is stamped with the current time.
func (s *Store) UpsertContentItem(ctx context.Context, item ContentItem) error {
	if item.ID == "" {
		return fmt.Errorf("content item id is required")
	}
	if item.PublishedAt.IsZero() {
		return fmt.Errorf("content item %s: published_at is required", item.ID)
	}
	modified := item.ModifiedAt
	if modified.IsZero() {
		modified = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_items (id, content_type, status, title, url, published_at, modified_at, bucket)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content_type = excluded.content_type,
			status = excluded.status,
			title = excluded.title,
			url = excluded.url,
			published_at = excluded.published_at,
			modified_at = excluded.modified_at,
			bucket = excluded.bucket`,
		item.ID, item.Type, item.Status, item.Title, item.URL,
		formatTime(item.PublishedAt), formatTime(modified), string(bucket.FromTime(item.PublishedAt)),
	)
	return err
}

func (s *Store) GetContentItem(ctx context.Context, id string) (ContentItem, error) {
	var it ContentItem
	var published, modified, key string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, content_type, status, title, url, published_at, modified_at, bucket
		FROM content_items WHERE id = ?`, id,
	).Scan(&it.ID, &it.Type, &it.Status, &it.Title, &it.URL, &published, &modified, &key)
	if errors.Is(err, sql.ErrNoRows) {
		return ContentItem{}, ErrNotFound
	}
	if err != nil {
		return ContentItem{}, err
	}
	it.Bucket = bucket.Key(key)
	if it.PublishedAt, err = parseTime(published); err != nil {
		return ContentItem{}, fmt.Errorf("parsing published_at: %w", err)
	}
	if it.ModifiedAt, err = parseTime(modified); err != nil {
		return ContentItem{}, fmt.Errorf("parsing modified_at: %w", err)
	}
	return it, nil
}

func (s *Store) DeleteContentItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM content_items WHERE id = ?`, id)
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
