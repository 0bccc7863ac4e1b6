// Package detect decides which buckets need generation work.
//
// Each detector is a read-only query comparing the live content store with
// the stored documents. Detectors are composed with Combine; none of them
// writes anything.
package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/datedocs/internal/bucket"
)

// Reason tags why a bucket was selected.
type Reason string

const (
	ReasonAll     Reason = "all"
	ReasonMissing Reason = "missing"
	ReasonStale   Reason = "stale"
)

// Detector produces candidate bucket keys for one reason.
type Detector interface {
	Reason() Reason
	Detect(ctx context.Context) ([]bucket.Key, error)
}

// ContentQuery is the read side of the live content store.
type ContentQuery interface {
	EnabledTypes() []string
	EligibleKeys(ctx context.Context) ([]bucket.Key, error)
	EligibleCount(ctx context.Context, key bucket.Key) (int, error)
	ModifiedSince(ctx context.Context, keys []bucket.Key, since time.Time) ([]bucket.Key, error)
}

// DocumentIndex enumerates stored documents.
type DocumentIndex interface {
	ExistingKeys(ctx context.Context) ([]bucket.Key, error)
	DocumentCounts(ctx context.Context) (map[bucket.Key]int, error)
}

// Watermark reports when the last batch finished.
type Watermark interface {
	LastRun(ctx context.Context) (time.Time, bool, error)
}

// AllDetector selects every bucket with eligible content, whether or not a
// document exists. It seeds a full rebuild.
type AllDetector struct {
	Content ContentQuery
}

func (d *AllDetector) Reason() Reason { return ReasonAll }

func (d *AllDetector) Detect(ctx context.Context) ([]bucket.Key, error) {
	if len(d.Content.EnabledTypes()) == 0 {
		return nil, nil
	}
	keys, err := d.Content.EligibleKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("all: %w", err)
	}
	return bucket.NewSet(keys...).Sorted(), nil
}

// MissingDetector selects buckets with eligible content and no document.
type MissingDetector struct {
	Content   ContentQuery
	Documents DocumentIndex
}

func (d *MissingDetector) Reason() Reason { return ReasonMissing }

func (d *MissingDetector) Detect(ctx context.Context) ([]bucket.Key, error) {
	if len(d.Content.EnabledTypes()) == 0 {
		return nil, nil
	}
	live, err := d.Content.EligibleKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("missing: eligible keys: %w", err)
	}
	existing, err := d.Documents.ExistingKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("missing: existing keys: %w", err)
	}
	stored := bucket.NewSet(existing...)

	out := bucket.NewSet()
	for _, k := range live {
		if !stored.Has(k) {
			out.Add(k)
		}
	}
	return out.Sorted(), nil
}

// StaleDetector selects buckets that have a document which no longer
// reflects the live content: either an item was modified after the last run,
// or the stored item count differs from the live eligible count.
//
// The count check is a heuristic. Swapping one item for another within the
// same day without touching either item's modified time keeps the count equal
// and goes unnoticed.
type StaleDetector struct {
	Content   ContentQuery
	Documents DocumentIndex
	Watermark Watermark
}

func (d *StaleDetector) Reason() Reason { return ReasonStale }

func (d *StaleDetector) Detect(ctx context.Context) ([]bucket.Key, error) {
	if len(d.Content.EnabledTypes()) == 0 {
		return nil, nil
	}
	lastRun, ok, err := d.Watermark.LastRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("stale: last run: %w", err)
	}
	if !ok {
		// Nothing has ever been generated, so nothing can be out of date.
		return nil, nil
	}

	counts, err := d.Documents.DocumentCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("stale: document counts: %w", err)
	}
	if len(counts) == 0 {
		return nil, nil
	}
	existing := make([]bucket.Key, 0, len(counts))
	for k := range counts {
		existing = append(existing, k)
	}
	bucket.SortKeys(existing)

	modified, err := d.Content.ModifiedSince(ctx, existing, lastRun)
	if err != nil {
		return nil, fmt.Errorf("stale: modified since: %w", err)
	}
	out := bucket.NewSet(modified...)

	for _, k := range existing {
		if out.Has(k) {
			continue
		}
		live, err := d.Content.EligibleCount(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("stale: counting %s: %w", k, err)
		}
		if live != counts[k] {
			out.Add(k)
		}
	}
	return out.Sorted(), nil
}
