package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/datedocs/internal/bucket"
	"github.com/kalambet/datedocs/internal/generate"
	"github.com/kalambet/datedocs/internal/orchestrator"
	"github.com/kalambet/datedocs/internal/schedule"
	"github.com/kalambet/datedocs/internal/storage"
)

const maxContentBodySize = 1 << 20 // 1MB

// Generation is the control surface of the generation pipeline.
type Generation interface {
	RunFull(ctx context.Context) (orchestrator.RunReport, error)
	RunIncremental(ctx context.Context) (orchestrator.RunReport, error)
	Progress(ctx context.Context) (schedule.Progress, error)
	Cancel(ctx context.Context) (int, error)
	Reset(ctx context.Context) (int, error)
	GenerateBucket(ctx context.Context, key bucket.Key, force bool) (generate.Result, error)
	Reconcile(ctx context.Context) (int, error)
}

// DocumentReader lists and fetches stored bucket documents.
type DocumentReader interface {
	ListDocuments(ctx context.Context, limit, offset int) ([]storage.DocumentInfo, error)
	GetDocument(ctx context.Context, key bucket.Key) (storage.Document, error)
}

// ContentWriter feeds the live content store.
type ContentWriter interface {
	UpsertContentItem(ctx context.Context, item storage.ContentItem) error
	DeleteContentItem(ctx context.Context, id string) error
}

type AppDeps struct {
	Generation Generation
	Documents  DocumentReader
	Content    ContentWriter
	Token      string
	Metrics    http.Handler // optional; defaults to promhttp.Handler()
}

// ContentRequest is the body of PUT /content/{id}.
type ContentRequest struct {
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	ModifiedAt  time.Time `json:"modified_at"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/progress", handleProgress(deps))
		r.Post("/runs/full", handleRun(deps, orchestrator.ModeFull))
		r.Post("/runs/incremental", handleRun(deps, orchestrator.ModeIncremental))
		r.Post("/cancel", handleCancel(deps))
		r.Post("/reset", handleReset(deps))
		r.Post("/cleanup", handleCleanup(deps))
		r.Get("/buckets", handleListBuckets(deps))
		r.Get("/buckets/{key}", handleGetBucket(deps))
		r.Post("/buckets/{key}/generate", handleGenerateBucket(deps))
		r.Put("/content/{id}", handlePutContent(deps))
		r.Delete("/content/{id}", handleDeleteContent(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleProgress(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Generation.Progress(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading progress: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleRun(deps AppDeps, mode orchestrator.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			report orchestrator.RunReport
			err    error
		)
		if mode == orchestrator.ModeFull {
			report, err = deps.Generation.RunFull(r.Context())
		} else {
			report, err = deps.Generation.RunIncremental(r.Context())
		}
		if errors.Is(err, orchestrator.ErrGenerationInProgress) {
			httpError(w, http.StatusConflict, "conflict_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%s run failed: %v", mode, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleCancel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Generation.Cancel(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "cancel failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"cancelled_jobs": n})
	}
}

func handleReset(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Generation.Reset(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reset failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"cancelled_jobs": n})
	}
}

func handleCleanup(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Generation.Reconcile(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "cleanup failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

func handleListBuckets(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		offset := 0

		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit")
				return
			}
			if n > 500 {
				n = 500
			}
			limit = n
		}
		if v := r.URL.Query().Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid offset")
				return
			}
			offset = n
		}

		docs, err := deps.Documents.ListDocuments(r.Context(), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing buckets: %v", err)
			return
		}
		if docs == nil {
			docs = []storage.DocumentInfo{}
		}
		writeJSON(w, http.StatusOK, docs)
	}
}

func handleGetBucket(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := bucket.Parse(chi.URLParam(r, "key"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		doc, err := deps.Documents.GetDocument(r.Context(), key)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "no document for %s", key)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading document: %v", err)
			return
		}
		w.Header().Set("Last-Modified", doc.UpdatedAt.UTC().Format(http.TimeFormat))
		w.Header().Set("X-Item-Count", strconv.Itoa(doc.ItemCount))
		w.Write(doc.Body)
	}
}

func handleGenerateBucket(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := bucket.Parse(chi.URLParam(r, "key"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		force := false
		if v := r.URL.Query().Get("force"); v != "" {
			force, err = strconv.ParseBool(v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid force value %q", v)
				return
			}
		}

		res, err := deps.Generation.GenerateBucket(r.Context(), key, force)
		if errors.Is(err, generate.ErrDocumentExists) {
			httpError(w, http.StatusConflict, "conflict_error", "document for %s already exists; pass force=true to overwrite", key)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "generating %s: %v", key, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handlePutContent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxContentBodySize)
		defer r.Body.Close()

		var req ContentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Type == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "type is required")
			return
		}
		if req.PublishedAt.IsZero() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "published_at is required")
			return
		}
		if req.Status == "" {
			req.Status = "published"
		}

		item := storage.ContentItem{
			ID:          chi.URLParam(r, "id"),
			Type:        req.Type,
			Status:      req.Status,
			Title:       req.Title,
			URL:         req.URL,
			PublishedAt: req.PublishedAt,
			ModifiedAt:  req.ModifiedAt,
		}
		if err := deps.Content.UpsertContentItem(r.Context(), item); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "storing content: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"id":     item.ID,
			"bucket": string(bucket.FromTime(item.PublishedAt)),
		})
	}
}

func handleDeleteContent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Content.DeleteContentItem(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "content item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting content: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
