// Package schedule turns a set of buckets into generation work, either run
// inline for small batches or spread out as staggered jobs on the job queue.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/datedocs/internal/bucket"
	"github.com/kalambet/datedocs/internal/generate"
	"github.com/kalambet/datedocs/internal/genstate"
	"github.com/kalambet/datedocs/internal/metrics"
	"github.com/kalambet/datedocs/internal/storage"
)

// JobType is the job queue type of a deferred bucket generation.
const JobType = "bucket_generate"

// DefaultInterval spaces consecutive jobs of a staggered batch.
const DefaultInterval = 5 * time.Second

// ErrBatchInProgress is returned by Schedule while a staggered batch is
// still working.
var ErrBatchInProgress = errors.New("generation already in progress")

// Executor regenerates one bucket.
type Executor interface {
	Execute(ctx context.Context, key bucket.Key, force bool) (generate.Result, error)
}

// Queue is the timer substrate: a durable job queue with deferred run times.
type Queue interface {
	EnqueueJob(ctx context.Context, job storage.Job) (bool, error)
	CancelPendingJobs(ctx context.Context, jobType string) (int64, error)
	PendingJobCount(ctx context.Context, jobType string) (int, error)
}

// Reconciler removes documents whose content is gone.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// Options tunes a Scheduler. Zero values select defaults.
type Options struct {
	Interval time.Duration
	Cleanup  Reconciler // run after every completed batch; may be nil
	Metrics  *metrics.GenerationMetrics
}

// Scheduler runs batches inline or as staggered jobs and keeps the
// generation state current as units complete.
type Scheduler struct {
	exec     Executor
	queue    Queue
	state    *genstate.State
	cleanup  Reconciler
	metrics  *metrics.GenerationMetrics
	interval time.Duration
	logger   *slog.Logger
}

func New(exec Executor, queue Queue, state *genstate.State, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Scheduler{
		exec:     exec,
		queue:    queue,
		state:    state,
		cleanup:  opts.Cleanup,
		metrics:  opts.Metrics,
		interval: opts.Interval,
		logger:   slog.Default(),
	}
}

// Interval returns the spacing between staggered jobs.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// NowResult reports an inline batch.
type NowResult struct {
	Success   bool              `json:"success"`
	Halted    bool              `json:"halted"`
	Generated int               `json:"generated_count"`
	Failed    int               `json:"failed_count"`
	Skipped   int               `json:"skipped_count"`
	Cleaned   int               `json:"cleaned_count"`
	Results   []generate.Result `json:"results,omitempty"`
}

// GenerateNow executes keys one after another in the calling goroutine.
//
// A stop request is checked before every unit; once seen, the remaining keys
// are skipped and the result is marked halted. Failing units are counted and
// never end the batch. last_run always advances, to the batch watermark,
// last_update only when at least one unit succeeded.
func (s *Scheduler) GenerateNow(ctx context.Context, keys []bucket.Key) (NowResult, error) {
	res := NowResult{}
	started, err := s.watermark(ctx)
	if err != nil {
		return res, err
	}

	for i, key := range keys {
		stop, err := s.state.IsStopRequested(ctx)
		if err != nil {
			return res, err
		}
		if stop || ctx.Err() != nil {
			res.Halted = true
			res.Skipped = len(keys) - i
			s.logger.Info("inline generation halted", "remaining", res.Skipped)
			break
		}

		r, err := s.exec.Execute(ctx, key, true)
		if err != nil {
			res.Failed++
			s.logger.Warn("bucket generation failed", "bucket", key, "error", err)
			continue
		}
		res.Generated++
		res.Results = append(res.Results, r)
	}

	if res.Generated > 0 {
		if err := s.state.SetLastUpdate(ctx, s.state.Now()); err != nil {
			return res, err
		}
	}
	if err := s.state.SetLastRun(ctx, started); err != nil {
		return res, err
	}

	if !res.Halted {
		res.Cleaned = s.reconcile(ctx)
	}
	res.Success = !res.Halted
	return res, nil
}

// ScheduleResult reports a staggered batch.
type ScheduleResult struct {
	Scheduled  int `json:"scheduled_count"`
	Duplicates int `json:"duplicate_count"`
}

type jobPayload struct {
	BucketKey string `json:"bucket_key"`
}

// UniqueKey is the job identity of key; at most one pending or running job
// exists per identity.
func UniqueKey(key bucket.Key) string {
	return JobType + ":" + string(key)
}

// Schedule enqueues one deferred job per key, the i-th firing at
// now + i*interval, and marks a batch of len(keys) in progress. Nothing is
// executed inline. A key whose job is already pending or running is not
// enqueued again. It returns ErrBatchInProgress while another batch runs.
// If any job cannot be enqueued the jobs already written are cancelled and
// the batch fields cleared, so a failed call never leaves a batch behind.
func (s *Scheduler) Schedule(ctx context.Context, keys []bucket.Key) (res ScheduleResult, err error) {
	if len(keys) == 0 {
		return res, nil
	}

	busy, err := s.state.IsInProgress(ctx)
	if err != nil {
		return res, err
	}
	if busy {
		return res, ErrBatchInProgress
	}
	started, err := s.watermark(ctx)
	if err != nil {
		return res, err
	}

	defer func() {
		if err != nil {
			s.abandon(ctx, err)
		}
	}()
	if err := s.state.MarkInProgress(ctx, len(keys)); err != nil {
		return res, err
	}
	if err := s.state.MarkStarted(ctx, started); err != nil {
		return res, err
	}

	now := s.state.Now()
	for i, key := range keys {
		payload, err := json.Marshal(jobPayload{BucketKey: string(key)})
		if err != nil {
			return res, fmt.Errorf("encoding payload for %s: %w", key, err)
		}
		inserted, err := s.queue.EnqueueJob(ctx, storage.Job{
			ID:          uuid.New().String(),
			Type:        JobType,
			PayloadJSON: string(payload),
			RunAfter:    now.Add(time.Duration(i) * s.interval),
			UniqueKey:   UniqueKey(key),
		})
		if err != nil {
			return res, fmt.Errorf("enqueueing %s: %w", key, err)
		}
		if inserted {
			res.Scheduled++
		} else {
			res.Duplicates++
		}
	}

	s.metrics.RecordScheduled(res.Scheduled)
	s.publishProgress(ctx)
	s.logger.Info("staggered batch scheduled",
		"count", res.Scheduled,
		"duplicates", res.Duplicates,
		"interval", s.interval,
	)
	return res, nil
}

// HandleJob is the completion entry point the job worker calls for each
// delivered job. Delivery is at least once, so it must tolerate repeats.
// Executor failures are recorded, not returned: a bad bucket must not be
// retried forever nor stop the batch.
func (s *Scheduler) HandleJob(ctx context.Context, key bucket.Key) error {
	stop, err := s.state.IsStopRequested(ctx)
	if err != nil {
		return err
	}
	if stop {
		s.logger.Debug("skipping job after stop request", "bucket", key)
		return nil
	}

	_, execErr := s.exec.Execute(ctx, key, true)
	if execErr != nil {
		s.logger.Warn("bucket generation failed", "bucket", key, "error", execErr)
	}
	return s.RecordDateCompletion(ctx, execErr == nil)
}

// HandleDeadJob accounts for a job the queue gave up on as a failed unit so
// the batch still finishes.
func (s *Scheduler) HandleDeadJob(ctx context.Context) error {
	return s.RecordDateCompletion(ctx, false)
}

// RecordDateCompletion accounts for one finished unit of a staggered batch.
// When the last unit finishes the run fields are cleared, last_run advances
// to the batch start and orphans are reconciled. It does nothing while a stop
// request is pending or when no batch is in progress.
func (s *Scheduler) RecordDateCompletion(ctx context.Context, success bool) error {
	stop, err := s.state.IsStopRequested(ctx)
	if err != nil {
		return err
	}
	if stop {
		return nil
	}
	inProgress, err := s.state.IsInProgress(ctx)
	if err != nil {
		return err
	}
	if !inProgress {
		return nil
	}

	remaining, err := s.state.DecrementRemaining(ctx)
	if err != nil {
		return err
	}
	if success {
		if err := s.state.SetLastUpdate(ctx, s.state.Now()); err != nil {
			return err
		}
	}
	if remaining > 0 {
		s.publishProgress(ctx)
		return nil
	}

	started, ok, err := s.state.StartedAt(ctx)
	if err != nil {
		return err
	}
	if !ok {
		started = s.state.Now()
	}
	if err := s.state.MarkComplete(ctx); err != nil {
		return err
	}
	if err := s.state.SetLastRun(ctx, started); err != nil {
		return err
	}
	s.publishProgress(ctx)
	s.logger.Info("staggered batch complete")

	s.reconcile(ctx)
	return nil
}

// Cancel removes every pending job, sets the stop flag so an inline batch
// stops at its next unit, and drops the in-progress flag. total and remaining
// are kept as a record of where the batch stopped.
func (s *Scheduler) Cancel(ctx context.Context) (int, error) {
	n, err := s.queue.CancelPendingJobs(ctx, JobType)
	if err != nil {
		return 0, fmt.Errorf("cancelling pending jobs: %w", err)
	}
	if err := s.state.RequestStop(ctx); err != nil {
		return int(n), err
	}
	if err := s.state.ClearInProgress(ctx); err != nil {
		return int(n), err
	}
	s.publishProgress(ctx)
	s.logger.Info("generation cancelled", "count", n)
	return int(n), nil
}

// Progress is a consistent view of the generation state.
type Progress struct {
	genstate.Snapshot
	Completed   int `json:"completed"`
	PendingJobs int `json:"pending_jobs"`
}

func (s *Scheduler) Progress(ctx context.Context) (Progress, error) {
	snap, err := s.state.Snapshot(ctx)
	if err != nil {
		return Progress{}, err
	}
	pending, err := s.queue.PendingJobCount(ctx, JobType)
	if err != nil {
		return Progress{}, fmt.Errorf("counting pending jobs: %w", err)
	}
	return Progress{Snapshot: snap, Completed: snap.Completed(), PendingJobs: pending}, nil
}

// watermark is the time a batch advances last_run to: the last_check taken
// before detection, so content modified while detection ran is picked up by
// the next incremental run. Without a recorded check it is now.
func (s *Scheduler) watermark(ctx context.Context) (time.Time, error) {
	t, ok, err := s.state.LastCheck(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return s.state.Now(), nil
	}
	return t, nil
}

// abandon undoes a partly scheduled batch.
func (s *Scheduler) abandon(ctx context.Context, cause error) {
	n, err := s.queue.CancelPendingJobs(ctx, JobType)
	if err != nil {
		s.logger.Error("cancelling jobs of failed batch", "error", err)
	}
	if err := s.state.ClearRunFields(ctx); err != nil {
		s.logger.Error("clearing state of failed batch", "error", err)
	}
	s.publishProgress(ctx)
	s.logger.Error("staggered batch abandoned", "cancelled", n, "error", cause)
}

func (s *Scheduler) reconcile(ctx context.Context) int {
	if s.cleanup == nil {
		return 0
	}
	n, err := s.cleanup.Reconcile(ctx)
	if err != nil {
		s.logger.Error("orphan cleanup failed", "error", err)
	}
	return n
}

func (s *Scheduler) publishProgress(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	snap, err := s.state.Snapshot(ctx)
	if err != nil {
		s.logger.Debug("reading state for metrics", "error", err)
		return
	}
	s.metrics.RecordProgress(snap.InProgress, snap.Total, snap.Remaining)
}
