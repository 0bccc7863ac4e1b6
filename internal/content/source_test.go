package content

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/datedocs/internal/bucket"
	"github.com/kalambet/datedocs/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func at(day, hour int) time.Time {
	return time.Date(2024, 7, day, hour, 0, 0, 0, time.UTC)
}

func seed(t *testing.T, s *storage.Store, items ...storage.ContentItem) {
	t.Helper()
	for _, it := range items {
		if it.ModifiedAt.IsZero() {
			it.ModifiedAt = it.PublishedAt
		}
		if err := s.UpsertContentItem(context.Background(), it); err != nil {
			t.Fatalf("UpsertContentItem(%s): %v", it.ID, err)
		}
	}
}

func fixture(t *testing.T) *storage.Store {
	s := openTestStore(t)
	seed(t, s,
		storage.ContentItem{ID: "a", Type: "post", Status: "published", Title: "A", PublishedAt: at(10, 9)},
		storage.ContentItem{ID: "b", Type: "post", Status: "published", Title: "B", PublishedAt: at(10, 8)},
		storage.ContentItem{ID: "c", Type: "page", Status: "published", Title: "C", PublishedAt: at(11, 9)},
		storage.ContentItem{ID: "d", Type: "post", Status: "draft", Title: "D", PublishedAt: at(12, 9)},
		storage.ContentItem{ID: "e", Type: "attachment", Status: "published", Title: "E", PublishedAt: at(13, 9)},
	)
	return s
}

func TestEligibleKeys(t *testing.T) {
	s := fixture(t)
	src := NewSQLiteSource(s.DB(), Filter{Types: []string{"post", "page"}})

	keys, err := src.EligibleKeys(context.Background())
	if err != nil {
		t.Fatalf("EligibleKeys: %v", err)
	}
	want := []bucket.Key{"2024-07-10", "2024-07-11"}
	if len(keys) != len(want) || keys[0] != want[0] || keys[1] != want[1] {
		t.Errorf("EligibleKeys = %v, want %v", keys, want)
	}
}

func TestEligibleKeys_NoTypesEnabled(t *testing.T) {
	s := fixture(t)
	src := NewSQLiteSource(s.DB(), Filter{})

	keys, err := src.EligibleKeys(context.Background())
	if err != nil {
		t.Fatalf("EligibleKeys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("EligibleKeys = %v, want none", keys)
	}
	if n, _ := src.EligibleCount(context.Background(), "2024-07-10"); n != 0 {
		t.Errorf("EligibleCount = %d, want 0", n)
	}
}

func TestEligibleCount(t *testing.T) {
	s := fixture(t)
	src := NewSQLiteSource(s.DB(), Filter{Types: []string{"post"}})
	ctx := context.Background()

	cases := map[bucket.Key]int{"2024-07-10": 2, "2024-07-11": 0, "2024-07-12": 0, "2024-07-13": 0}
	for key, want := range cases {
		got, err := src.EligibleCount(ctx, key)
		if err != nil {
			t.Fatalf("EligibleCount(%s): %v", key, err)
		}
		if got != want {
			t.Errorf("EligibleCount(%s) = %d, want %d", key, got, want)
		}
	}
}

func TestItems_OrderedByPublishTime(t *testing.T) {
	s := fixture(t)
	src := NewSQLiteSource(s.DB(), Filter{Types: []string{"post"}})

	items, err := src.Items(context.Background(), "2024-07-10")
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Items returned %d, want 2", len(items))
	}
	if items[0].ID != "b" || items[1].ID != "a" {
		t.Errorf("Items order = %s,%s; want b,a", items[0].ID, items[1].ID)
	}
	if !items[0].PublishedAt.Equal(at(10, 8)) {
		t.Errorf("PublishedAt = %v", items[0].PublishedAt)
	}
}

func TestModifiedSince(t *testing.T) {
	s := fixture(t)
	src := NewSQLiteSource(s.DB(), Filter{Types: []string{"post", "page"}})
	ctx := context.Background()

	// Unpublish "a" after the watermark: still a modification of 2024-07-10.
	seed(t, s, storage.ContentItem{ID: "a", Type: "post", Status: "draft", Title: "A", PublishedAt: at(10, 9), ModifiedAt: at(20, 0)})
	// Modified page in a bucket the caller did not ask about.
	seed(t, s, storage.ContentItem{ID: "c", Type: "page", Status: "published", Title: "C2", PublishedAt: at(11, 9), ModifiedAt: at(20, 0)})

	got, err := src.ModifiedSince(ctx, []bucket.Key{"2024-07-10", "2024-07-12"}, at(15, 0))
	if err != nil {
		t.Fatalf("ModifiedSince: %v", err)
	}
	if len(got) != 1 || got[0] != "2024-07-10" {
		t.Errorf("ModifiedSince = %v, want [2024-07-10]", got)
	}

	got, err = src.ModifiedSince(ctx, []bucket.Key{"2024-07-10"}, at(21, 0))
	if err != nil {
		t.Fatalf("ModifiedSince: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ModifiedSince after all changes = %v, want none", got)
	}
}
