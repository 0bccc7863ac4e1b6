package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/datedocs/internal/bucket"
	"github.com/kalambet/datedocs/internal/storage"
)

// JobStore abstracts the job queue operations the worker needs.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) (bool, error)
	RequeueStaleJobs(ctx context.Context, jobType string, lease time.Duration) (int64, error)
}

// JobHandler receives delivered bucket jobs, and jobs the queue stopped
// retrying.
type JobHandler interface {
	HandleJob(ctx context.Context, key bucket.Key) error
	HandleDeadJob(ctx context.Context) error
}

// Worker delivers due bucket_generate jobs to a handler, one at a time.
type Worker struct {
	store       JobStore
	handler     JobHandler
	poll        time.Duration
	lease       time.Duration
	lastRequeue time.Time
	logger      *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms. If lease is <= 0, it
// defaults to 10 minutes.
func NewWorker(store JobStore, handler JobHandler, pollInterval, lease time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return &Worker{
		store:   store,
		handler: handler,
		poll:    pollInterval,
		lease:   lease,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		w.maybeRequeue(ctx)

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single bucket_generate job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		dead, failErr := w.store.FailJob(ctx, job.ID, err.Error())
		if failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
			return true, nil
		}
		if dead {
			w.logger.Error("job out of attempts", "job_id", job.ID, "attempts", job.Attempts+1)
			if err := w.handler.HandleDeadJob(ctx); err != nil {
				return true, fmt.Errorf("recording dead job %s: %w", job.ID, err)
			}
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// Drain processes jobs until none is due.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		done, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !done {
			return n, nil
		}
		n++
	}
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload jobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	key, err := bucket.Parse(payload.BucketKey)
	if err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	return w.handler.HandleJob(ctx, key)
}

// maybeRequeue hands jobs whose runner vanished back to the queue, at most
// once per half lease.
func (w *Worker) maybeRequeue(ctx context.Context) {
	if time.Since(w.lastRequeue) < w.lease/2 {
		return
	}
	w.lastRequeue = time.Now()
	n, err := w.store.RequeueStaleJobs(ctx, JobType, w.lease)
	if err != nil {
		w.logger.Error("requeueing stale jobs", "error", err)
		return
	}
	if n > 0 {
		w.logger.Warn("requeued stale jobs", "count", n)
	}
}
