// Copyright 2025 James Ross
package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/lightweightqueue/lightweightqueue/internal/queue"
	"go.uber.org/zap"
)

// Tx is an open transaction scope, as handed back by a TxRunner.
type Tx interface {
	Commit() error
	Rollback() error
}

// TxRunner is the abstract hook pair this module expects from a host ORM.
// The host ORM's concrete implementation (and its coupling to a specific
// database) is out of scope per spec.md §1; this is the seam a host
// application wires up.
type TxRunner interface {
	Begin(ctx context.Context) (Tx, error)
}

// AtomicMiddleware wraps every job in a transaction scope acquired from a
// TxRunner. It is deprecated in favour of TaskOptions.Atomic, which wraps
// only the task body (see jobrunner.Runner); this middleware wraps the whole
// process_job..process_result/process_exception span instead, which is
// broader than necessary and kept only for backward compatibility, mirroring
// middleware/transaction.py's deprecation notice.
type AtomicMiddleware struct {
	runner TxRunner
	log    *zap.Logger

	mu       sync.Mutex
	warned   bool
	inflight map[string]Tx
}

// NewAtomicMiddleware returns a deprecated AtomicMiddleware backed by runner.
func NewAtomicMiddleware(runner TxRunner, log *zap.Logger) *AtomicMiddleware {
	return &AtomicMiddleware{runner: runner, log: log, inflight: make(map[string]Tx)}
}

func (a *AtomicMiddleware) warnDeprecated() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.warned {
		return
	}
	a.warned = true
	a.log.Warn("using legacy AtomicMiddleware; set TaskOptions.Atomic on the task instead")
}

func (a *AtomicMiddleware) ProcessJob(job queue.Job, queueName string, workerNumber int) {
	a.warnDeprecated()
	tx, err := a.runner.Begin(context.Background())
	if err != nil {
		a.log.Error("atomic middleware failed to begin transaction", zap.Error(err))
		return
	}
	a.mu.Lock()
	a.inflight[job.String()] = tx
	a.mu.Unlock()
}

func (a *AtomicMiddleware) ProcessResult(job queue.Job, result any, duration time.Duration) {
	a.warnDeprecated()
	a.finish(job, nil)
}

func (a *AtomicMiddleware) ProcessException(job queue.Job, duration time.Duration, err error) {
	a.warnDeprecated()
	a.finish(job, err)
}

func (a *AtomicMiddleware) finish(job queue.Job, failure error) {
	a.mu.Lock()
	tx, ok := a.inflight[job.String()]
	delete(a.inflight, job.String())
	a.mu.Unlock()
	if !ok {
		return
	}
	if failure != nil {
		if err := tx.Rollback(); err != nil {
			a.log.Error("atomic middleware rollback failed", zap.Error(err))
		}
		return
	}
	if err := tx.Commit(); err != nil {
		a.log.Error("atomic middleware commit failed", zap.Error(err))
	}
}
