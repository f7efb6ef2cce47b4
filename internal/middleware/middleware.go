// Copyright 2025 James Ross
package middleware

import (
	"time"

	"github.com/lightweightqueue/lightweightqueue/internal/queue"
	"go.uber.org/zap"
)

// Middleware exposes any subset of three hooks, probed via the optional
// interfaces below. This mirrors the original Python implementation's
// hasattr(instance, 'process_job') duck-typing, translated into Go's
// idiomatic type-assertion form.
type Middleware any

// JobProcessor is invoked before the task body runs.
type JobProcessor interface {
	ProcessJob(job queue.Job, queueName string, workerNumber int)
}

// ResultProcessor is invoked after a successful task return.
type ResultProcessor interface {
	ProcessResult(job queue.Job, result any, duration time.Duration)
}

// ExceptionProcessor is invoked when the task body returns an error or
// panics.
type ExceptionProcessor interface {
	ProcessException(job queue.Job, duration time.Duration, err error)
}

// Chain runs the process_job/process_result/process_exception protocol
// described in spec.md §4.5: ProcessJob hooks fire in declared order;
// ProcessResult/ProcessException fire in reverse order. Each hook is
// isolated so that a failing middleware (e.g. a logger that panics) cannot
// mask the job's actual outcome.
type Chain struct {
	middlewares []Middleware
	log         *zap.Logger
}

// NewChain builds a Chain from the given middlewares, in the order they
// should run process_job hooks. log may be nil, in which case hook panics
// are swallowed silently.
func NewChain(log *zap.Logger, middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares, log: log}
}

// RunProcessJob runs every ProcessJob hook in declared order.
func (c *Chain) RunProcessJob(job queue.Job, queueName string, workerNumber int) {
	for _, m := range c.middlewares {
		p, ok := m.(JobProcessor)
		if !ok {
			continue
		}
		c.safeguard(func() { p.ProcessJob(job, queueName, workerNumber) })
	}
}

// RunProcessResult runs every ProcessResult hook in reverse declared order.
func (c *Chain) RunProcessResult(job queue.Job, result any, duration time.Duration) {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		p, ok := c.middlewares[i].(ResultProcessor)
		if !ok {
			continue
		}
		c.safeguard(func() { p.ProcessResult(job, result, duration) })
	}
}

// RunProcessException runs every ProcessException hook in reverse declared
// order.
func (c *Chain) RunProcessException(job queue.Job, duration time.Duration, err error) {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		p, ok := c.middlewares[i].(ExceptionProcessor)
		if !ok {
			continue
		}
		c.safeguard(func() { p.ProcessException(job, duration, err) })
	}
}

// safeguard isolates a middleware hook's panics from the caller: a failing
// exception hook must not itself crash the worker.
func (c *Chain) safeguard(fn func()) {
	defer func() {
		if r := recover(); r != nil && c.log != nil {
			c.log.Error("middleware hook panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
