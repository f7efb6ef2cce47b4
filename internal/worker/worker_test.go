// Copyright 2025 James Ross
package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightweightqueue/lightweightqueue/internal/jobrunner"
	"github.com/lightweightqueue/lightweightqueue/internal/middleware"
	"github.com/lightweightqueue/lightweightqueue/internal/queue"
	"github.com/lightweightqueue/lightweightqueue/internal/registry"
	"go.uber.org/zap"
)

// fakeBackend always returns the same job until maxServed is reached, then
// always times out (returns nil, nil), simulating an empty queue.
type fakeBackend struct {
	job       *queue.Job
	served    atomic.Int32
	maxServed int32
	acked     atomic.Int32
}

func (f *fakeBackend) Startup(ctx context.Context, queueName string) error { return nil }
func (f *fakeBackend) Enqueue(ctx context.Context, job queue.Job, queueName string) error {
	return nil
}
func (f *fakeBackend) BulkEnqueue(ctx context.Context, jobs []queue.Job, queueName string) error {
	return nil
}

func (f *fakeBackend) Dequeue(ctx context.Context, queueName string, workerNumber int, timeoutSeconds int) (*queue.Job, error) {
	if f.job == nil || f.served.Load() >= f.maxServed {
		return nil, nil
	}
	f.served.Add(1)
	j := *f.job
	return &j, nil
}

func (f *fakeBackend) Length(ctx context.Context, queueName string) (int64, error) { return 0, nil }

func (f *fakeBackend) ProcessedJob(ctx context.Context, queueName string, workerNumber int, job queue.Job) error {
	f.acked.Add(1)
	return nil
}

func newTestRunner(t *testing.T, path string, fn registry.TaskFunc) *jobrunner.Runner {
	t.Helper()
	reg := registry.New()
	if err := reg.Register(path, fn, registry.TaskOptions{Queue: "q"}); err != nil {
		t.Fatal(err)
	}
	log := zap.NewNop()
	chain := middleware.NewChain(log)
	return jobrunner.New(reg, chain, nil, log)
}

func TestWorkerItemExitAfterLimit(t *testing.T) {
	job := queue.NewJob("mod.ok", nil, nil, nil, false)
	be := &fakeBackend{job: &job, maxServed: 3}
	runner := newTestRunner(t, "mod.ok", func(args []any, kwargs map[string]any) (any, error) {
		return nil, nil
	})

	w := &Worker{
		Queue:         "q",
		WorkerNumber:  1,
		Backend:       be,
		Runner:        runner,
		Log:           zap.NewNop(),
		ItemExitAfter: 3,
		IdleExitAfter: time.Hour,
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after item limit")
	}

	if be.acked.Load() != 3 {
		t.Fatalf("expected 3 processed acks, got %d", be.acked.Load())
	}
}

func TestWorkerIdleExitAfterTimeout(t *testing.T) {
	be := &fakeBackend{job: nil}
	runner := newTestRunner(t, "mod.unused", func(args []any, kwargs map[string]any) (any, error) {
		return nil, nil
	})

	w := &Worker{
		Queue:                 "q",
		WorkerNumber:          1,
		Backend:               be,
		Runner:                runner,
		Log:                   zap.NewNop(),
		IdleExitAfter:         50 * time.Millisecond,
		DequeueTimeoutSeconds: 1,
		ItemExitAfter:         1_000_000,
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after idle timeout")
	}
}

func TestWorkerTouchesMonitorFileOnSuccess(t *testing.T) {
	job := queue.NewJob("mod.ok", nil, nil, nil, false)
	be := &fakeBackend{job: &job, maxServed: 1}
	runner := newTestRunner(t, "mod.ok", func(args []any, kwargs map[string]any) (any, error) {
		return nil, nil
	})

	monitorPath := filepath.Join(t.TempDir(), "monitor")

	w := &Worker{
		Queue:         "q",
		WorkerNumber:  1,
		Backend:       be,
		Runner:        runner,
		Log:           zap.NewNop(),
		ItemExitAfter: 1,
		IdleExitAfter: time.Hour,

		MonitorFilePath: monitorPath,
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}

	if _, err := os.Stat(monitorPath); err != nil {
		t.Fatalf("expected monitor file to exist: %v", err)
	}
}

func TestWorkerContextCancellationStopsLoop(t *testing.T) {
	be := &fakeBackend{job: nil}
	runner := newTestRunner(t, "mod.unused", func(args []any, kwargs map[string]any) (any, error) {
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		Queue:                 "q",
		WorkerNumber:          1,
		Backend:               be,
		Runner:                runner,
		Log:                   zap.NewNop(),
		DequeueTimeoutSeconds: 1,
		IdleExitAfter:         time.Hour,
		ItemExitAfter:         1_000_000,
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after context cancellation")
	}
}
