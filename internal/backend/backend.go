// Copyright 2025 James Ross
package backend

import (
	"context"
	"time"

	"github.com/lightweightqueue/lightweightqueue/internal/queue"
)

// Backend is the pluggable queue storage/transport interface, per
// spec.md §4.1.
type Backend interface {
	// Startup is called once per queue on master start; reconciles any
	// persistent state. Implementations for which this is a no-op need not
	// embed anything special; callers should tolerate backends that don't
	// need startup logic.
	Startup(ctx context.Context, queueName string) error

	// Enqueue appends a single job so that oldest jobs dequeue first.
	Enqueue(ctx context.Context, job queue.Job, queueName string) error

	// BulkEnqueue enqueues a batch of jobs, preserving their order.
	BulkEnqueue(ctx context.Context, jobs []queue.Job, queueName string) error

	// Dequeue blocks up to timeoutSeconds, returning nil if nothing became
	// available in time.
	Dequeue(ctx context.Context, queueName string, workerNumber int, timeoutSeconds int) (*queue.Job, error)

	// Length returns the instantaneous pending count, excluding in-flight
	// jobs.
	Length(ctx context.Context, queueName string) (int64, error)

	// ProcessedJob acknowledges that a dequeued job finished processing
	// (successfully or not). At-most-once backends may no-op this.
	ProcessedJob(ctx context.Context, queueName string, workerNumber int, job queue.Job) error
}

// Clearer is an optional capability: dropping all pending jobs on a queue.
type Clearer interface {
	Clear(ctx context.Context, queueName string) error
}

// PauseResumer is an optional capability: suspending and resuming dequeues
// on a queue.
type PauseResumer interface {
	Pause(ctx context.Context, queueName string, until time.Time) error
	Resume(ctx context.Context, queueName string) error
	IsPaused(ctx context.Context, queueName string) (bool, error)
}

// Deduplicator is an optional capability: collapsing duplicate pending jobs
// down to their oldest instance.
type Deduplicator interface {
	// Deduplicate returns (before, after) pending counts.
	Deduplicate(ctx context.Context, queueName string) (before, after int64, err error)
}

// AsClearer performs the runtime capability check the CLI layer uses to
// produce spec.md §6's "unsupported capability" diagnostic.
func AsClearer(b Backend) (Clearer, bool) {
	c, ok := b.(Clearer)
	return c, ok
}

// AsPauseResumer performs the analogous check for pause/resume.
func AsPauseResumer(b Backend) (PauseResumer, bool) {
	p, ok := b.(PauseResumer)
	return p, ok
}

// AsDeduplicator performs the analogous check for deduplication.
func AsDeduplicator(b Backend) (Deduplicator, bool) {
	d, ok := b.(Deduplicator)
	return d, ok
}
