// Package content answers read-only questions about the live content store:
// which buckets hold eligible content, how much, and what changed.
package content

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/datedocs/internal/bucket"
)

// timeFormat matches the storage package's fixed-width UTC layout.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Item is one eligible piece of content as handed to the renderer.
type Item struct {
	ID          string    `json:"id" yaml:"id"`
	Type        string    `json:"type" yaml:"type"`
	Title       string    `json:"title" yaml:"title"`
	URL         string    `json:"url" yaml:"url"`
	PublishedAt time.Time `json:"published_at" yaml:"published_at"`
	ModifiedAt  time.Time `json:"modified_at" yaml:"modified_at"`
}

// Filter decides which items are eligible.
type Filter struct {
	Types    []string // enabled content types; empty disables everything
	Statuses []string // eligible statuses, e.g. "published"
}

// SQLiteSource queries the content_items table.
type SQLiteSource struct {
	db     *sql.DB
	filter Filter
}

// NewSQLiteSource creates a source over db using filter for eligibility.
// If filter.Statuses is empty it defaults to "published".
func NewSQLiteSource(db *sql.DB, filter Filter) *SQLiteSource {
	if len(filter.Statuses) == 0 {
		filter.Statuses = []string{"published"}
	}
	return &SQLiteSource{db: db, filter: filter}
}

// EnabledTypes returns the content types that may produce documents.
func (s *SQLiteSource) EnabledTypes() []string {
	return s.filter.Types
}

// eligibleClause returns the WHERE fragment and args selecting eligible items.
func (s *SQLiteSource) eligibleClause() (string, []any) {
	args := make([]any, 0, len(s.filter.Types)+len(s.filter.Statuses))
	for _, t := range s.filter.Types {
		args = append(args, t)
	}
	for _, st := range s.filter.Statuses {
		args = append(args, st)
	}
	clause := "content_type IN (" + placeholders(len(s.filter.Types)) + ") AND status IN (" + placeholders(len(s.filter.Statuses)) + ")"
	return clause, args
}

// EligibleKeys returns every bucket holding at least one eligible item.
func (s *SQLiteSource) EligibleKeys(ctx context.Context) ([]bucket.Key, error) {
	if len(s.filter.Types) == 0 {
		return nil, nil
	}
	clause, args := s.eligibleClause()
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT bucket FROM content_items WHERE `+clause+` ORDER BY bucket ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying eligible buckets: %w", err)
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

// EligibleCount returns the number of eligible items in key.
func (s *SQLiteSource) EligibleCount(ctx context.Context, key bucket.Key) (int, error) {
	if len(s.filter.Types) == 0 {
		return 0, nil
	}
	clause, args := s.eligibleClause()
	args = append(args, string(key))
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_items WHERE `+clause+` AND bucket = ?`, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting items in %s: %w", key, err)
	}
	return n, nil
}

// ModifiedSince returns the members of keys holding an item of an enabled
// type modified after since. Status is ignored so that unpublishing counts
// as a change.
func (s *SQLiteSource) ModifiedSince(ctx context.Context, keys []bucket.Key, since time.Time) ([]bucket.Key, error) {
	if len(s.filter.Types) == 0 || len(keys) == 0 {
		return nil, nil
	}
	want := bucket.NewSet(keys...)

	args := make([]any, 0, len(s.filter.Types)+1)
	for _, t := range s.filter.Types {
		args = append(args, t)
	}
	args = append(args, since.UTC().Format(timeFormat))
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT bucket FROM content_items
		WHERE content_type IN (`+placeholders(len(s.filter.Types))+`) AND modified_at > ?
		ORDER BY bucket ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying modified buckets: %w", err)
	}
	defer rows.Close()

	var out []bucket.Key
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		if want.Has(bucket.Key(k)) {
			out = append(out, bucket.Key(k))
		}
	}
	return out, rows.Err()
}

// Items returns the eligible items of key ordered by publish time then id.
func (s *SQLiteSource) Items(ctx context.Context, key bucket.Key) ([]Item, error) {
	if len(s.filter.Types) == 0 {
		return nil, nil
	}
	clause, args := s.eligibleClause()
	args = append(args, string(key))
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content_type, title, url, published_at, modified_at
		FROM content_items WHERE `+clause+` AND bucket = ?
		ORDER BY published_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying items in %s: %w", key, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var published, modified string
		if err := rows.Scan(&it.ID, &it.Type, &it.Title, &it.URL, &published, &modified); err != nil {
			return nil, err
		}
		if it.PublishedAt, err = time.Parse(timeFormat, published); err != nil {
			return nil, fmt.Errorf("parsing published_at of %s: %w", it.ID, err)
		}
		if it.ModifiedAt, err = time.Parse(timeFormat, modified); err != nil {
			return nil, fmt.Errorf("parsing modified_at of %s: %w", it.ID, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return "?" + strings.Repeat(",?", n-1)
}
