// Copyright 2025 James Ross
package master

import (
	"context"
	"testing"
	"time"

	"github.com/lightweightqueue/lightweightqueue/internal/machine"
	"github.com/lightweightqueue/lightweightqueue/internal/queue"
	"go.uber.org/zap"
)

type fakeMachine struct {
	pairs []machine.WorkerPair
}

func (f *fakeMachine) RunCron() bool                    { return false }
func (f *fakeMachine) ConfigureCron() bool               { return false }
func (f *fakeMachine) WorkerNames() []machine.WorkerPair { return f.pairs }

type noopBackend struct{ startups []string }

func (b *noopBackend) Startup(ctx context.Context, queueName string) error {
	b.startups = append(b.startups, queueName)
	return nil
}
func (b *noopBackend) Enqueue(ctx context.Context, job queue.Job, queueName string) error {
	return nil
}
func (b *noopBackend) BulkEnqueue(ctx context.Context, jobs []queue.Job, queueName string) error {
	return nil
}
func (b *noopBackend) Dequeue(ctx context.Context, queueName string, workerNumber int, timeoutSeconds int) (*queue.Job, error) {
	return nil, nil
}
func (b *noopBackend) Length(ctx context.Context, queueName string) (int64, error) { return 0, nil }
func (b *noopBackend) ProcessedJob(ctx context.Context, queueName string, workerNumber int, job queue.Job) error {
	return nil
}

func TestSupervisorRunsStartupAndReturnsOnCancellation(t *testing.T) {
	m := &fakeMachine{pairs: []machine.WorkerPair{{Queue: "things", WorkerNumber: 1}}}
	be := &noopBackend{}

	s := &Supervisor{
		Machine:             m,
		Backend:             be,
		Log:                 zap.NewNop(),
		Executable:          "/bin/sh",
		WorkerArgs:          func(queueName string, workerNumber int) []string { return []string{"-c", "exit 0"} },
		SupervisionInterval: 20 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not return after context cancellation")
	}

	if len(be.startups) != 1 || be.startups[0] != "things" {
		t.Fatalf("expected startup called once for 'things', got %v", be.startups)
	}
}

func TestSupervisorRunsStartupForEveryDistinctQueue(t *testing.T) {
	m := &fakeMachine{pairs: []machine.WorkerPair{
		{Queue: "things", WorkerNumber: 1},
		{Queue: "things", WorkerNumber: 2},
		{Queue: "other", WorkerNumber: 1},
	}}
	be := &noopBackend{}
	s := &Supervisor{
		Machine:             m,
		Backend:             be,
		Log:                 zap.NewNop(),
		Executable:          "/bin/sh",
		WorkerArgs:          func(queueName string, workerNumber int) []string { return []string{"-c", "sleep 5"} },
		SupervisionInterval: 20 * time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	if len(be.startups) != 2 {
		t.Fatalf("expected startup called once per distinct queue, got %v", be.startups)
	}
}
