// Package generate rebuilds the document of a single bucket.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/datedocs/internal/bucket"
	"github.com/kalambet/datedocs/internal/content"
	"github.com/kalambet/datedocs/internal/metrics"
	"github.com/kalambet/datedocs/internal/render"
)

// ErrDocumentExists is returned when a bucket already has a document and the
// caller did not ask to overwrite it.
var ErrDocumentExists = errors.New("document already exists")

// Outcome is what one execution did to the stored document.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

// Succeeded reports whether the outcome counts as useful work done.
func (o Outcome) Succeeded() bool {
	return o != OutcomeFailed
}

// Result describes one execution.
type Result struct {
	Key       bucket.Key `json:"bucket"`
	Outcome   Outcome    `json:"outcome"`
	ItemCount int        `json:"item_count"`
}

// ItemSource lists the eligible items of a bucket.
type ItemSource interface {
	Items(ctx context.Context, key bucket.Key) ([]content.Item, error)
}

// DocumentStore persists bucket documents. Implemented by storage.Store.
type DocumentStore interface {
	DocumentExists(ctx context.Context, key bucket.Key) (bool, error)
	UpsertDocument(ctx context.Context, key bucket.Key, body []byte, itemCount int) (bool, error)
	DeleteDocument(ctx context.Context, key bucket.Key) (bool, error)
}

// Executor re-derives a bucket's document from the live content.
// It is the only writer of bucket documents.
type Executor struct {
	items    ItemSource
	docs     DocumentStore
	renderer render.Renderer
	metrics  *metrics.GenerationMetrics
	logger   *slog.Logger
}

// NewExecutor creates an Executor. m may be nil.
func NewExecutor(items ItemSource, docs DocumentStore, renderer render.Renderer, m *metrics.GenerationMetrics) *Executor {
	return &Executor{
		items:    items,
		docs:     docs,
		renderer: renderer,
		metrics:  m,
		logger:   slog.Default(),
	}
}

// Execute brings the document of key in line with its eligible items.
//
// With no eligible items an existing document is deleted. With items and an
// existing document, force must be set or ErrDocumentExists is returned.
// Running Execute twice with force and unchanged content stores the same
// bytes both times.
func (e *Executor) Execute(ctx context.Context, key bucket.Key, force bool) (Result, error) {
	res, err := e.execute(ctx, key, force)
	if err != nil {
		res = Result{Key: key, Outcome: OutcomeFailed}
	}
	e.metrics.RecordExecution(string(res.Outcome))
	return res, err
}

func (e *Executor) execute(ctx context.Context, key bucket.Key, force bool) (Result, error) {
	if !key.Valid() {
		return Result{}, fmt.Errorf("execute %q: %w", key, bucket.ErrInvalidKey)
	}

	items, err := e.items.Items(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("loading items for %s: %w", key, err)
	}

	if len(items) == 0 {
		deleted, err := e.docs.DeleteDocument(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("deleting document %s: %w", key, err)
		}
		if deleted {
			e.logger.Info("bucket document deleted", "bucket", key)
			return Result{Key: key, Outcome: OutcomeDeleted}, nil
		}
		return Result{Key: key, Outcome: OutcomeUnchanged}, nil
	}

	if !force {
		exists, err := e.docs.DocumentExists(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("checking document %s: %w", key, err)
		}
		if exists {
			return Result{}, fmt.Errorf("generate %s: %w", key, ErrDocumentExists)
		}
	}

	body, err := e.renderer.Render(key, items)
	if err != nil {
		return Result{}, fmt.Errorf("rendering %s: %w", key, err)
	}
	created, err := e.docs.UpsertDocument(ctx, key, body, len(items))
	if err != nil {
		return Result{}, fmt.Errorf("storing document %s: %w", key, err)
	}

	outcome := OutcomeUpdated
	if created {
		outcome = OutcomeCreated
	}
	e.logger.Debug("bucket document written", "bucket", key, "outcome", outcome, "count", len(items))
	return Result{Key: key, Outcome: outcome, ItemCount: len(items)}, nil
}
