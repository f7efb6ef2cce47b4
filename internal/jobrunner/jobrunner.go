// Copyright 2025 James Ross
package jobrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/lightweightqueue/lightweightqueue/internal/middleware"
	"github.com/lightweightqueue/lightweightqueue/internal/queue"
	"github.com/lightweightqueue/lightweightqueue/internal/registry"
	"go.uber.org/zap"
)

// Runner executes jobs against a registry, running them through a
// middleware chain and an optional atomic (transactional) scope. It
// implements spec.md §4.6's Job.Run contract as a method on Runner rather
// than on queue.Job, to avoid a queue -> registry -> queue import
// cycle.
type Runner struct {
	Registry *registry.Registry
	Chain    *middleware.Chain
	TxRunner middleware.TxRunner
	Log      *zap.Logger
}

// New builds a Runner. txRunner may be nil if no task in the registry sets
// TaskOptions.Atomic.
func New(reg *registry.Registry, chain *middleware.Chain, txRunner middleware.TxRunner, log *zap.Logger) *Runner {
	return &Runner{Registry: reg, Chain: chain, TxRunner: txRunner, Log: log}
}

// Run executes job's task body, running process_job hooks first and
// process_result/process_exception hooks afterwards. Exceptions (Go errors
// or recovered panics) never propagate out of Run; it returns true on
// success and false on any failure, per spec.md §4.6.
func (r *Runner) Run(job queue.Job, queueName string, workerNumber int) (ok bool) {
	start := time.Now()
	r.Chain.RunProcessJob(job, queueName, workerNumber)

	task, found := r.Registry.Resolve(job.Path)
	if !found {
		r.Chain.RunProcessException(job, time.Since(start), fmt.Errorf("no task registered for path %q", job.Path))
		return false
	}

	result, err := r.invoke(task, job)
	duration := time.Since(start)
	if err != nil {
		r.Chain.RunProcessException(job, duration, err)
		return false
	}
	r.Chain.RunProcessResult(job, result, duration)
	return true
}

// invoke runs the task body, recovering panics into errors and wrapping the
// call in a transaction scope when the task declares Atomic=true.
func (r *Runner) invoke(task *registry.RegisteredTask, job queue.Job) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Path, rec)
		}
	}()

	if !task.Opts.Atomic {
		return task.Fn(job.Args, job.Kwargs)
	}
	if r.TxRunner == nil {
		return nil, fmt.Errorf("task %s is atomic but no TxRunner is configured", task.Path)
	}

	tx, beginErr := r.TxRunner.Begin(context.Background())
	if beginErr != nil {
		return nil, fmt.Errorf("begin transaction for %s: %w", task.Path, beginErr)
	}
	result, err = task.Fn(job.Args, job.Kwargs)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && r.Log != nil {
			r.Log.Error("rollback failed", zap.String("path", task.Path), zap.Error(rbErr))
		}
		return nil, err
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return nil, fmt.Errorf("commit transaction for %s: %w", task.Path, commitErr)
	}
	return result, nil
}
