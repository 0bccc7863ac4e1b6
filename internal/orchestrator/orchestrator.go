// Package orchestrator exposes the generation entry points: full and
// incremental runs, progress, cancellation and reset.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/datedocs/internal/bucket"
	"github.com/kalambet/datedocs/internal/detect"
	"github.com/kalambet/datedocs/internal/generate"
	"github.com/kalambet/datedocs/internal/genstate"
	"github.com/kalambet/datedocs/internal/metrics"
	"github.com/kalambet/datedocs/internal/schedule"
)

// ErrGenerationInProgress is returned when a run is requested while a
// staggered batch is still working.
var ErrGenerationInProgress = schedule.ErrBatchInProgress

// DefaultImmediateThreshold is the largest batch run inline.
const DefaultImmediateThreshold = 10

// Mode names the kind of run.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Strategy is how a batch was executed.
type Strategy string

const (
	StrategyInline    Strategy = "inline"
	StrategyStaggered Strategy = "staggered"
)

// Config wires an Orchestrator.
type Config struct {
	Content   detect.ContentQuery
	Documents detect.DocumentIndex
	State     *genstate.State
	Scheduler *schedule.Scheduler
	Executor  schedule.Executor
	Cleanup   schedule.Reconciler

	// ImmediateThreshold is the largest batch run inline; bigger batches
	// are staggered. Zero selects DefaultImmediateThreshold.
	ImmediateThreshold int
	Metrics            *metrics.GenerationMetrics
}

// Orchestrator ties detection to scheduling.
type Orchestrator struct {
	content   detect.ContentQuery
	docs      detect.DocumentIndex
	state     *genstate.State
	sched     *schedule.Scheduler
	exec      schedule.Executor
	cleanup   schedule.Reconciler
	threshold int
	metrics   *metrics.GenerationMetrics
	logger    *slog.Logger

	mu sync.Mutex // one run at a time in this process
}

func New(cfg Config) *Orchestrator {
	threshold := cfg.ImmediateThreshold
	if threshold <= 0 {
		threshold = DefaultImmediateThreshold
	}
	return &Orchestrator{
		content:   cfg.Content,
		docs:      cfg.Documents,
		state:     cfg.State,
		sched:     cfg.Scheduler,
		exec:      cfg.Executor,
		cleanup:   cfg.Cleanup,
		threshold: threshold,
		metrics:   cfg.Metrics,
		logger:    slog.Default(),
	}
}

// RunReport describes one run.
type RunReport struct {
	Mode      Mode                     `json:"mode"`
	Detected  int                      `json:"detected"`
	Reasons   map[detect.Reason]int    `json:"reasons"`
	Strategy  Strategy                 `json:"strategy"`
	Inline    *schedule.NowResult      `json:"inline,omitempty"`
	Staggered *schedule.ScheduleResult `json:"staggered,omitempty"`
}

// RunFull regenerates every bucket with eligible content.
func (o *Orchestrator) RunFull(ctx context.Context) (RunReport, error) {
	return o.run(ctx, ModeFull, &detect.AllDetector{Content: o.content})
}

// RunIncremental regenerates missing and stale buckets.
func (o *Orchestrator) RunIncremental(ctx context.Context) (RunReport, error) {
	return o.run(ctx, ModeIncremental,
		&detect.MissingDetector{Content: o.content, Documents: o.docs},
		&detect.StaleDetector{Content: o.content, Documents: o.docs, Watermark: o.state},
	)
}

func (o *Orchestrator) run(ctx context.Context, mode Mode, detectors ...detect.Detector) (RunReport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	busy, err := o.state.IsInProgress(ctx)
	if err != nil {
		return RunReport{}, err
	}
	if busy {
		return RunReport{}, ErrGenerationInProgress
	}

	// An explicit run supersedes any earlier halt and its leftover counters.
	if err := o.state.ClearStopRequest(ctx); err != nil {
		return RunReport{}, err
	}
	if err := o.state.ClearRunFields(ctx); err != nil {
		return RunReport{}, err
	}
	if err := o.state.SetLastCheck(ctx, o.state.Now()); err != nil {
		return RunReport{}, err
	}

	det, err := detect.Combine(ctx, detectors...)
	if err != nil {
		return RunReport{}, fmt.Errorf("%s run: detecting buckets: %w", mode, err)
	}
	o.recordDetection(det)

	report := RunReport{Mode: mode, Detected: det.Len(), Reasons: det.Counts}
	o.logger.Info("generation run started",
		"mode", mode,
		"count", det.Len(),
		"missing", len(det.Missing),
		"stale", len(det.Stale),
	)

	if det.Len() <= o.threshold {
		res, err := o.sched.GenerateNow(ctx, det.Union)
		if err != nil {
			return report, fmt.Errorf("%s run: %w", mode, err)
		}
		report.Strategy = StrategyInline
		report.Inline = &res
		return report, nil
	}

	res, err := o.sched.Schedule(ctx, det.Union)
	if err != nil {
		return report, fmt.Errorf("%s run: %w", mode, err)
	}
	report.Strategy = StrategyStaggered
	report.Staggered = &res
	return report, nil
}

func (o *Orchestrator) recordDetection(det detect.Result) {
	counts := make(map[string]int, len(det.Counts))
	for reason, n := range det.Counts {
		counts[string(reason)] = n
	}
	o.metrics.RecordDetection(counts)
}

// Progress returns a consistent snapshot of the generation state.
func (o *Orchestrator) Progress(ctx context.Context) (schedule.Progress, error) {
	return o.sched.Progress(ctx)
}

// Cancel stops the current batch and unschedules its remaining jobs.
func (o *Orchestrator) Cancel(ctx context.Context) (int, error) {
	return o.sched.Cancel(ctx)
}

func (o *Orchestrator) IsGenerationInProgress(ctx context.Context) (bool, error) {
	return o.state.IsInProgress(ctx)
}

// Reset unschedules every pending job and wipes the generation state,
// watermark included, so the next incremental run starts from scratch.
func (o *Orchestrator) Reset(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	n, err := o.sched.Cancel(ctx)
	if err != nil {
		return n, err
	}
	if err := o.state.ClearAll(ctx); err != nil {
		return n, err
	}
	o.metrics.RecordProgress(false, 0, 0)
	o.logger.Warn("generation state reset", "count", n)
	return n, nil
}

// GenerateBucket regenerates a single bucket outside any batch. Without
// force an existing document is left alone and generate.ErrDocumentExists
// is returned.
func (o *Orchestrator) GenerateBucket(ctx context.Context, key bucket.Key, force bool) (generate.Result, error) {
	return o.exec.Execute(ctx, key, force)
}

// Reconcile deletes orphan documents now.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	if o.cleanup == nil {
		return 0, nil
	}
	return o.cleanup.Reconcile(ctx)
}

// RunPeriodic runs an incremental pass immediately and then every interval
// until ctx is cancelled. Passes are skipped while an operator halt is
// recorded; only an explicit run or Reset lifts it.
func (o *Orchestrator) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	o.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	halted, err := o.state.IsStopRequested(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("periodic run: reading halt flag", "error", err)
		}
		return
	}
	if halted {
		o.logger.Info("periodic run skipped, generation halted")
		return
	}

	report, err := o.RunIncremental(ctx)
	switch {
	case errors.Is(err, ErrGenerationInProgress):
		o.logger.Debug("periodic run skipped, batch in progress")
	case err != nil:
		if ctx.Err() == nil {
			o.logger.Error("periodic incremental run failed", "error", err)
		}
	default:
		o.logger.Info("periodic incremental run", "count", report.Detected, "strategy", report.Strategy)
	}
}
