package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/datedocs/internal/bucket"
	"github.com/kalambet/datedocs/internal/content"
	"github.com/kalambet/datedocs/internal/detect"
	"github.com/kalambet/datedocs/internal/generate"
	"github.com/kalambet/datedocs/internal/storage"
)

var epoch = time.Date(2024, 7, 10, 12, 0, 0, 0, time.UTC)

type testPipeline struct {
	*Pipeline
	now *time.Time
}

func (p *testPipeline) advance(d time.Duration) { *p.now = p.now.Add(d) }

func newTestPipeline(t *testing.T, types ...string) *testPipeline {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	now := epoch
	clock := func() time.Time { return now }
	s.SetClock(clock)

	p := Open(s, Options{
		Filter:             content.Filter{Types: types},
		ImmediateThreshold: 3,
		StaggerInterval:    time.Second,
	})
	p.State.SetClock(clock)
	return &testPipeline{Pipeline: p, now: &now}
}

func (p *testPipeline) put(t *testing.T, id string, day int, status string, modified time.Time) {
	t.Helper()
	published := time.Date(2024, 6, day, 9, 0, 0, 0, time.UTC)
	if modified.IsZero() {
		modified = published
	}
	err := p.Store.UpsertContentItem(context.Background(), storage.ContentItem{
		ID: id, Type: "post", Status: status, Title: id,
		PublishedAt: published, ModifiedAt: modified,
	})
	if err != nil {
		t.Fatalf("UpsertContentItem(%s): %v", id, err)
	}
}

func (p *testPipeline) itemCount(t *testing.T, key bucket.Key) int {
	t.Helper()
	n, err := p.Store.DocumentItemCount(context.Background(), key)
	if err != nil {
		t.Fatalf("DocumentItemCount(%s): %v", key, err)
	}
	return n
}

func TestRunIncremental_FirstRunGeneratesMissingInline(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, "post")
	p.put(t, "a", 1, "published", time.Time{})
	p.put(t, "b", 1, "published", time.Time{})
	p.put(t, "c", 2, "published", time.Time{})

	report, err := p.RunIncremental(ctx)
	if err != nil {
		t.Fatalf("RunIncremental: %v", err)
	}
	if report.Strategy != StrategyInline || report.Detected != 2 {
		t.Fatalf("report = %+v", report)
	}
	if report.Reasons[detect.ReasonMissing] != 2 || report.Reasons[detect.ReasonStale] != 0 {
		t.Errorf("reasons = %v", report.Reasons)
	}
	if !report.Inline.Success || report.Inline.Generated != 2 {
		t.Errorf("inline = %+v", report.Inline)
	}
	if n := p.itemCount(t, "2024-06-01"); n != 2 {
		t.Errorf("2024-06-01 item count = %d, want 2", n)
	}

	prog, err := p.Progress(ctx)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if prog.LastRun == nil || !prog.LastRun.Equal(epoch) || prog.LastCheck == nil {
		t.Errorf("progress = %+v", prog)
	}
}

func TestRunIncremental_DetectsStaleBuckets(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, "post")
	p.put(t, "a", 1, "published", time.Time{})
	p.put(t, "b", 1, "published", time.Time{})
	p.put(t, "c", 2, "published", time.Time{})
	p.put(t, "d", 3, "published", time.Time{})
	if _, err := p.RunIncremental(ctx); err != nil {
		t.Fatalf("RunIncremental: %v", err)
	}

	p.advance(time.Hour)
	// Edited after the watermark.
	p.put(t, "c", 2, "published", p.now.Add(-time.Minute))
	// Unpublished with an old modified time: only the count gives it away.
	p.put(t, "b", 1, "draft", epoch.Add(-time.Hour))

	report, err := p.RunIncremental(ctx)
	if err != nil {
		t.Fatalf("RunIncremental: %v", err)
	}
	if report.Reasons[detect.ReasonStale] != 2 || report.Detected != 2 {
		t.Errorf("report = %+v", report)
	}
	if n := p.itemCount(t, "2024-06-01"); n != 1 {
		t.Errorf("2024-06-01 item count = %d, want 1", n)
	}

	// Nothing changed since: steady state.
	p.advance(time.Hour)
	report, err = p.RunIncremental(ctx)
	if err != nil {
		t.Fatalf("RunIncremental: %v", err)
	}
	if report.Detected != 0 || !report.Inline.Success || report.Inline.Generated != 0 {
		t.Errorf("steady-state report = %+v", report)
	}
}

func TestRunIncremental_LargeBatchIsStaggered(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, "post")
	for day := 1; day <= 5; day++ {
		p.put(t, "item"+string(rune('0'+day)), day, "published", time.Time{})
	}

	report, err := p.RunIncremental(ctx)
	if err != nil {
		t.Fatalf("RunIncremental: %v", err)
	}
	if report.Strategy != StrategyStaggered || report.Staggered.Scheduled != 5 {
		t.Fatalf("report = %+v", report)
	}
	busy, err := p.IsGenerationInProgress(ctx)
	if err != nil || !busy {
		t.Fatalf("IsGenerationInProgress = %v, %v", busy, err)
	}

	if _, err := p.RunFull(ctx); !errors.Is(err, ErrGenerationInProgress) {
		t.Errorf("RunFull during batch err = %v, want ErrGenerationInProgress", err)
	}

	p.advance(time.Minute)
	n, err := p.Worker(time.Millisecond, time.Minute).Drain(ctx)
	if err != nil || n != 5 {
		t.Fatalf("Drain = %d, %v", n, err)
	}

	prog, _ := p.Progress(ctx)
	if prog.InProgress || prog.Remaining != 0 || prog.LastRun == nil || !prog.LastRun.Equal(epoch) {
		t.Errorf("progress after batch = %+v", prog)
	}
	keys, _ := p.Store.ExistingKeys(ctx)
	if len(keys) != 5 {
		t.Errorf("documents = %d, want 5", len(keys))
	}
}

func TestRunFull_RegeneratesEverything(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, "post")
	p.put(t, "a", 1, "published", time.Time{})
	p.put(t, "b", 2, "published", time.Time{})
	p.RunIncremental(ctx)

	report, err := p.RunFull(ctx)
	if err != nil {
		t.Fatalf("RunFull: %v", err)
	}
	if report.Reasons[detect.ReasonAll] != 2 || report.Inline.Generated != 2 {
		t.Errorf("report = %+v", report)
	}
}

func TestCancelThenRunClearsHalt(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, "post")
	for day := 1; day <= 6; day++ {
		p.put(t, "item"+string(rune('0'+day)), day, "published", time.Time{})
	}

	if _, err := p.RunIncremental(ctx); err != nil {
		t.Fatalf("RunIncremental: %v", err)
	}
	p.advance(time.Second)
	w := p.Worker(time.Millisecond, time.Minute)
	if n, _ := w.Drain(ctx); n != 2 {
		t.Fatalf("drained %d jobs, want 2", n)
	}

	cancelled, err := p.Cancel(ctx)
	if err != nil || cancelled != 4 {
		t.Fatalf("Cancel = %d, %v", cancelled, err)
	}
	prog, _ := p.Progress(ctx)
	if prog.InProgress || !prog.Halted || prog.Remaining != 4 {
		t.Errorf("progress after cancel = %+v", prog)
	}

	report, err := p.RunIncremental(ctx)
	if err != nil {
		t.Fatalf("RunIncremental after cancel: %v", err)
	}
	if report.Detected != 4 {
		t.Errorf("detected = %d, want the 4 unfinished buckets", report.Detected)
	}
	prog, _ = p.Progress(ctx)
	if prog.Halted {
		t.Error("halt flag survived a new run")
	}
	if report.Strategy == StrategyStaggered && (prog.Total != 4 || prog.Remaining != 4) {
		t.Errorf("new batch counters = %d/%d", prog.Remaining, prog.Total)
	}
}

func TestPeriodicRunKeepsHalt(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, "post")
	for day := 1; day <= 5; day++ {
		p.put(t, "item"+string(rune('0'+day)), day, "published", time.Time{})
	}

	report, err := p.RunFull(ctx)
	if err != nil || report.Strategy != StrategyStaggered {
		t.Fatalf("RunFull = %+v, %v", report, err)
	}
	if n, err := p.Cancel(ctx); err != nil || n != 5 {
		t.Fatalf("Cancel = %d, %v", n, err)
	}

	p.advance(time.Hour)
	p.tick(ctx)

	prog, _ := p.Progress(ctx)
	if !prog.Halted || prog.InProgress || prog.PendingJobs != 0 || prog.Total != 5 || prog.Remaining != 5 {
		t.Errorf("progress after periodic tick = %+v", prog)
	}

	if _, err := p.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	p.tick(ctx)
	prog, _ = p.Progress(ctx)
	if prog.Halted || !prog.InProgress || prog.PendingJobs != 5 {
		t.Errorf("progress after reset and tick = %+v", prog)
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, "post")
	for day := 1; day <= 5; day++ {
		p.put(t, "item"+string(rune('0'+day)), day, "published", time.Time{})
	}
	if _, err := p.RunIncremental(ctx); err != nil {
		t.Fatalf("RunIncremental: %v", err)
	}

	n, err := p.Reset(ctx)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if n != 5 {
		t.Errorf("Reset cancelled %d jobs, want 5", n)
	}
	prog, _ := p.Progress(ctx)
	if prog.InProgress || prog.Halted || prog.Total != 0 || prog.LastRun != nil || prog.PendingJobs != 0 {
		t.Errorf("progress after reset = %+v", prog)
	}
}

func TestNoEnabledTypesIsSteadyState(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t)
	p.put(t, "a", 1, "published", time.Time{})
	if _, err := p.Store.UpsertDocument(ctx, "2024-06-01", []byte("{}"), 1); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	report, err := p.RunIncremental(ctx)
	if err != nil {
		t.Fatalf("RunIncremental: %v", err)
	}
	if report.Detected != 0 || !report.Inline.Success {
		t.Errorf("report = %+v", report)
	}
	if ok, _ := p.Store.DocumentExists(ctx, "2024-06-01"); !ok {
		t.Error("misconfiguration must not delete documents")
	}
}

func TestGenerateBucket(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, "post")
	p.put(t, "a", 1, "published", time.Time{})

	res, err := p.GenerateBucket(ctx, "2024-06-01", false)
	if err != nil || res.Outcome != generate.OutcomeCreated {
		t.Fatalf("GenerateBucket = %+v, %v", res, err)
	}
	if _, err := p.GenerateBucket(ctx, "2024-06-01", false); !errors.Is(err, generate.ErrDocumentExists) {
		t.Errorf("err = %v, want ErrDocumentExists", err)
	}
	if res, err := p.GenerateBucket(ctx, "2024-06-01", true); err != nil || res.Outcome != generate.OutcomeUpdated {
		t.Errorf("forced GenerateBucket = %+v, %v", res, err)
	}
}

func TestRunPeriodic(t *testing.T) {
	p := newTestPipeline(t, "post")
	p.put(t, "a", 1, "published", time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.RunPeriodic(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		ok, err := p.Store.DocumentExists(context.Background(), "2024-06-01")
		if err == nil && ok {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("periodic run did not generate the missing bucket")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
