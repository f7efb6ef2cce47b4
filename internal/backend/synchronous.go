// Copyright 2025 James Ross
package backend

import (
	"context"
	"time"

	"github.com/lightweightqueue/lightweightqueue/internal/jobrunner"
	"github.com/lightweightqueue/lightweightqueue/internal/queue"
)

// SynchronousBackend executes jobs inline on Enqueue (at-most-once,
// in-process). It is the default backend and is used heavily in tests,
// mirroring backends/synchronous.py.
type SynchronousBackend struct {
	Runner *jobrunner.Runner
}

// NewSynchronousBackend returns a SynchronousBackend that runs jobs through
// runner.
func NewSynchronousBackend(runner *jobrunner.Runner) *SynchronousBackend {
	return &SynchronousBackend{Runner: runner}
}

func (s *SynchronousBackend) Startup(ctx context.Context, queueName string) error {
	return nil
}

// Enqueue runs the job inline, blocking until it completes. Worker number 0
// is used since there is no real worker process for a synchronous run.
func (s *SynchronousBackend) Enqueue(ctx context.Context, job queue.Job, queueName string) error {
	s.Runner.Run(job, queueName, 0)
	return nil
}

func (s *SynchronousBackend) BulkEnqueue(ctx context.Context, jobs []queue.Job, queueName string) error {
	for _, j := range jobs {
		if err := s.Enqueue(ctx, j, queueName); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue sleeps for the given timeout and always returns nil: jobs never
// sit pending in this backend, they run at enqueue time.
func (s *SynchronousBackend) Dequeue(ctx context.Context, queueName string, workerNumber int, timeoutSeconds int) (*queue.Job, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(timeoutSeconds) * time.Second):
		return nil, nil
	}
}

func (s *SynchronousBackend) Length(ctx context.Context, queueName string) (int64, error) {
	return 0, nil
}

func (s *SynchronousBackend) ProcessedJob(ctx context.Context, queueName string, workerNumber int, job queue.Job) error {
	return nil
}
