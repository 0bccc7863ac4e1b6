// Package cleanup removes bucket documents whose content has disappeared.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/datedocs/internal/bucket"
	"github.com/kalambet/datedocs/internal/metrics"
)

// ContentQuery counts eligible content per bucket.
type ContentQuery interface {
	EnabledTypes() []string
	EligibleCount(ctx context.Context, key bucket.Key) (int, error)
}

// DocumentStore enumerates and deletes stored documents.
type DocumentStore interface {
	ExistingKeys(ctx context.Context) ([]bucket.Key, error)
	DeleteDocument(ctx context.Context, key bucket.Key) (bool, error)
}

// Reconciler deletes orphan documents: documents of buckets with no
// remaining eligible content.
type Reconciler struct {
	content ContentQuery
	docs    DocumentStore
	metrics *metrics.GenerationMetrics
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler. m may be nil.
func NewReconciler(content ContentQuery, docs DocumentStore, m *metrics.GenerationMetrics) *Reconciler {
	return &Reconciler{
		content: content,
		docs:    docs,
		metrics: m,
		logger:  slog.Default(),
	}
}

// Reconcile scans every stored document and deletes the orphans, returning
// how many were deleted. A failure on one key is logged and the scan goes on.
//
// With no content types enabled every document would look orphaned, so the
// scan is skipped instead.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	if len(r.content.EnabledTypes()) == 0 {
		r.logger.Debug("no content types enabled, skipping orphan cleanup")
		return 0, nil
	}

	keys, err := r.docs.ExistingKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing documents: %w", err)
	}

	deleted := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		n, err := r.content.EligibleCount(ctx, key)
		if err != nil {
			r.logger.Warn("orphan check failed", "bucket", key, "error", err)
			continue
		}
		if n > 0 {
			continue
		}

		ok, err := r.docs.DeleteDocument(ctx, key)
		if err != nil {
			r.logger.Warn("orphan delete failed", "bucket", key, "error", err)
			continue
		}
		if ok {
			deleted++
			r.logger.Info("orphan document deleted", "bucket", key)
		}
	}

	r.metrics.RecordCleanup(deleted)
	return deleted, nil
}
