package orchestrator

import (
	"time"

	"github.com/kalambet/datedocs/internal/cleanup"
	"github.com/kalambet/datedocs/internal/content"
	"github.com/kalambet/datedocs/internal/generate"
	"github.com/kalambet/datedocs/internal/genstate"
	"github.com/kalambet/datedocs/internal/metrics"
	"github.com/kalambet/datedocs/internal/render"
	"github.com/kalambet/datedocs/internal/schedule"
	"github.com/kalambet/datedocs/internal/storage"
)

// Options tunes a SQLite-backed pipeline built by Open.
type Options struct {
	Filter             content.Filter
	Renderer           render.Renderer // nil selects JSON
	ImmediateThreshold int
	StaggerInterval    time.Duration
	Metrics            *metrics.GenerationMetrics
}

// Pipeline is the fully wired generation stack over one SQLite store.
type Pipeline struct {
	*Orchestrator
	Store     *storage.Store
	Content   *content.SQLiteSource
	State     *genstate.State
	Scheduler *schedule.Scheduler
}

// Open wires every component against store.
func Open(store *storage.Store, opts Options) *Pipeline {
	renderer := opts.Renderer
	if renderer == nil {
		renderer = render.JSON{}
	}

	src := content.NewSQLiteSource(store.DB(), opts.Filter)
	state := genstate.New(store)
	exec := generate.NewExecutor(src, store, renderer, opts.Metrics)
	rec := cleanup.NewReconciler(src, store, opts.Metrics)
	sched := schedule.New(exec, store, state, schedule.Options{
		Interval: opts.StaggerInterval,
		Cleanup:  rec,
		Metrics:  opts.Metrics,
	})

	orch := New(Config{
		Content:            src,
		Documents:          store,
		State:              state,
		Scheduler:          sched,
		Executor:           exec,
		Cleanup:            rec,
		ImmediateThreshold: opts.ImmediateThreshold,
		Metrics:            opts.Metrics,
	})
	return &Pipeline{
		Orchestrator: orch,
		Store:        store,
		Content:      src,
		State:        state,
		Scheduler:    sched,
	}
}

// Worker returns a job worker delivering staggered jobs to the scheduler.
func (p *Pipeline) Worker(poll, lease time.Duration) *schedule.Worker {
	return schedule.NewWorker(p.Store, p.Scheduler, poll, lease)
}
