package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/datedocs/internal/bucket"
	"github.com/kalambet/datedocs/internal/storage"
)

type handlerFunc func(ctx context.Context, key bucket.Key) error

func (f handlerFunc) HandleJob(ctx context.Context, key bucket.Key) error { return f(ctx, key) }
func (f handlerFunc) HandleDeadJob(context.Context) error                 { return nil }

type deadCounter struct {
	handlerFunc
	dead int
}

func (d *deadCounter) HandleDeadJob(context.Context) error {
	d.dead++
	return nil
}

func openClockedStore(t *testing.T) (*storage.Store, *time.Time) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	now := epoch
	s.SetClock(func() time.Time { return now })
	return s, &now
}

func enqueue(t *testing.T, s *storage.Store, id, payload string) {
	t.Helper()
	if _, err := s.EnqueueJob(context.Background(), storage.Job{ID: id, Type: JobType, PayloadJSON: payload}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

func jobState(t *testing.T, s *storage.Store, id string) (status string, attempts int) {
	t.Helper()
	err := s.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = ?`, id).Scan(&status, &attempts)
	if err != nil {
		t.Fatalf("reading job %s: %v", id, err)
	}
	return status, attempts
}

func TestWorker_DeliversKey(t *testing.T) {
	s, _ := openClockedStore(t)
	var got bucket.Key
	w := NewWorker(s, handlerFunc(func(_ context.Context, key bucket.Key) error {
		got = key
		return nil
	}), 0, 0)

	enqueue(t, s, "job-1", `{"bucket_key":"2024-07-10"}`)
	done, err := w.RunOnce(context.Background())
	if err != nil || !done {
		t.Fatalf("RunOnce = %v, %v", done, err)
	}
	if got != "2024-07-10" {
		t.Errorf("handler got %q", got)
	}
	if status, _ := jobState(t, s, "job-1"); status != "completed" {
		t.Errorf("status = %s, want completed", status)
	}
}

func TestWorker_BadPayloadFailsJob(t *testing.T) {
	s, _ := openClockedStore(t)
	called := false
	w := NewWorker(s, handlerFunc(func(context.Context, bucket.Key) error {
		called = true
		return nil
	}), 0, 0)

	enqueue(t, s, "job-1", `{"bucket_key":"July 10th"}`)
	done, err := w.RunOnce(context.Background())
	if err != nil || !done {
		t.Fatalf("RunOnce = %v, %v", done, err)
	}
	if called {
		t.Error("handler called with an unparsable key")
	}
	status, attempts := jobState(t, s, "job-1")
	if status != "pending" || attempts != 1 {
		t.Errorf("job = %s/%d, want pending/1", status, attempts)
	}
}

func TestWorker_HandlerErrorRetries(t *testing.T) {
	s, _ := openClockedStore(t)
	w := NewWorker(s, handlerFunc(func(context.Context, bucket.Key) error {
		return errors.New("state store unavailable")
	}), 0, 0)

	enqueue(t, s, "job-1", `{"bucket_key":"2024-07-10"}`)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	status, attempts := jobState(t, s, "job-1")
	if status != "pending" || attempts != 1 {
		t.Errorf("job = %s/%d, want pending/1", status, attempts)
	}
}

func TestWorker_ExhaustedJobReportedDead(t *testing.T) {
	ctx := context.Background()
	s, now := openClockedStore(t)
	h := &deadCounter{handlerFunc: func(context.Context, bucket.Key) error {
		return errors.New("state store unavailable")
	}}
	w := NewWorker(s, h, 0, 0)

	if _, err := s.EnqueueJob(ctx, storage.Job{ID: "job-1", Type: JobType, PayloadJSON: `{"bucket_key":"2024-07-10"}`, MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if h.dead != 0 {
		t.Fatalf("dead = %d after a retryable failure", h.dead)
	}

	*now = now.Add(time.Minute)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if status, attempts := jobState(t, s, "job-1"); status != "failed" || attempts != 2 {
		t.Errorf("job = %s/%d, want failed/2", status, attempts)
	}
	if h.dead != 1 {
		t.Errorf("dead = %d, want 1", h.dead)
	}
}

func TestWorker_EmptyQueue(t *testing.T) {
	s, _ := openClockedStore(t)
	w := NewWorker(s, handlerFunc(func(context.Context, bucket.Key) error { return nil }), 0, 0)
	done, err := w.RunOnce(context.Background())
	if err != nil || done {
		t.Errorf("RunOnce on empty queue = %v, %v", done, err)
	}
}

func TestWorker_RequeuesJobsPastLease(t *testing.T) {
	ctx := context.Background()
	s, now := openClockedStore(t)
	w := NewWorker(s, handlerFunc(func(context.Context, bucket.Key) error { return nil }), 0, time.Minute)

	enqueue(t, s, "job-1", `{"bucket_key":"2024-07-10"}`)
	if _, err := s.ClaimNextJob(ctx, []string{JobType}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	*now = now.Add(2 * time.Minute)

	w.maybeRequeue(ctx)
	if status, _ := jobState(t, s, "job-1"); status != "pending" {
		t.Fatalf("status = %s, want pending", status)
	}

	done, err := w.RunOnce(ctx)
	if err != nil || !done {
		t.Fatalf("redelivery RunOnce = %v, %v", done, err)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	s, _ := openClockedStore(t)
	w := NewWorker(s, handlerFunc(func(context.Context, bucket.Key) error { return nil }), time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
