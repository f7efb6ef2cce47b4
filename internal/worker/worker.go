// Copyright 2025 James Ross

// Package worker implements a single (queue, worker#) processing loop, per
// spec.md §4.7. Each Worker is meant to run inside its own OS process,
// spawned and supervised by the master (internal/master); that is what lets
// a job timeout be enforced by terminating the process outright rather than
// attempting to interrupt arbitrary user code in-process.
package worker

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lightweightqueue/lightweightqueue/internal/backend"
	"github.com/lightweightqueue/lightweightqueue/internal/jobrunner"
	"github.com/lightweightqueue/lightweightqueue/internal/obs"
	"go.uber.org/zap"
)

const (
	defaultDequeueTimeoutSeconds = 15
	defaultIdleExitAfter         = 30 * time.Minute
	defaultItemExitAfter         = 1000
)

// Worker drives a single queue/worker# against a Backend. It owns the
// backend instance passed to it; backends are not shared across workers.
type Worker struct {
	Queue        string
	WorkerNumber int
	Backend      backend.Backend
	Runner       *jobrunner.Runner
	Log          *zap.Logger

	// MonitorFilePath, if set, is touched after every successfully run job.
	MonitorFilePath string

	// DequeueTimeoutSeconds, IdleExitAfter and ItemExitAfter default to
	// 15s/30m/1000 respectively when zero.
	DequeueTimeoutSeconds int
	IdleExitAfter         time.Duration
	ItemExitAfter         int
}

func (w *Worker) dequeueTimeoutSeconds() int {
	if w.DequeueTimeoutSeconds > 0 {
		return w.DequeueTimeoutSeconds
	}
	return defaultDequeueTimeoutSeconds
}

func (w *Worker) idleExitAfter() time.Duration {
	if w.IdleExitAfter > 0 {
		return w.IdleExitAfter
	}
	return defaultIdleExitAfter
}

func (w *Worker) itemExitAfter() int {
	if w.ItemExitAfter > 0 {
		return w.ItemExitAfter
	}
	return defaultItemExitAfter
}

// Run drives the worker loop until told to stop (cooperatively, via a
// non-sigkill termination signal), until it idles or has processed enough
// jobs to warrant a fresh process, or until ctx is cancelled. It returns nil
// in all of those cases: exit is the expected outcome, the master respawns.
//
// Signal semantics: while armed in sigkill mode (the default, and whenever
// the in-flight job has SigkillOnStop=true) a termination signal exits the
// process immediately; otherwise it only flips a flag so the current job
// finishes and the loop exits on its next iteration.
func (w *Worker) Run(ctx context.Context) error {
	var running atomic.Bool
	running.Store(true)
	var sigkillMode atomic.Bool
	sigkillMode.Store(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		for range sigCh {
			if sigkillMode.Load() {
				w.Log.Warn("received termination signal, exiting immediately",
					zap.String("queue", w.Queue), zap.Int("worker", w.WorkerNumber))
				os.Exit(1)
			}
			running.Store(false)
		}
	}()

	lastSuccess := time.Now()
	processed := 0

	for {
		if !running.Load() {
			w.Log.Info("worker stopping: termination requested",
				zap.String("queue", w.Queue), zap.Int("worker", w.WorkerNumber))
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(lastSuccess) > w.idleExitAfter() {
			w.Log.Info("worker exiting: idle timeout exceeded",
				zap.String("queue", w.Queue), zap.Int("worker", w.WorkerNumber))
			return nil
		}
		if processed >= w.itemExitAfter() {
			w.Log.Info("worker exiting: item limit reached",
				zap.String("queue", w.Queue), zap.Int("worker", w.WorkerNumber), zap.Int("processed", processed))
			return nil
		}

		// Arm cancellation state (timeout=none, sigkill_on_stop=true) while
		// idle between jobs.
		sigkillMode.Store(true)

		job, err := w.Backend.Dequeue(ctx, w.Queue, w.WorkerNumber, w.dequeueTimeoutSeconds())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Log.Error("dequeue failed", zap.String("queue", w.Queue), zap.Error(err))
			continue
		}
		if job == nil {
			continue
		}
		obs.JobsDequeued.WithLabelValues(w.Queue).Inc()

		// Re-arm cancellation with the job's own policy.
		sigkillMode.Store(job.SigkillOnStop)
		var timeoutTimer *time.Timer
		if job.Timeout != nil {
			timeout := *job.Timeout
			timeoutTimer = time.AfterFunc(time.Duration(timeout)*time.Second, func() {
				w.Log.Error("job exceeded timeout, terminating worker",
					zap.String("queue", w.Queue), zap.Int("worker", w.WorkerNumber),
					zap.String("job", job.String()), zap.Int("timeout_seconds", timeout))
				os.Exit(1)
			})
		}

		workerLabel := strconv.Itoa(w.WorkerNumber)
		obs.WorkerActive.WithLabelValues(w.Queue, workerLabel).Set(1)
		runStart := time.Now()
		ok := w.Runner.Run(*job, w.Queue, w.WorkerNumber)
		obs.JobProcessingDuration.WithLabelValues(w.Queue).Observe(time.Since(runStart).Seconds())
		obs.WorkerActive.WithLabelValues(w.Queue, workerLabel).Set(0)

		if timeoutTimer != nil {
			timeoutTimer.Stop()
		}

		if ok {
			obs.JobsCompleted.WithLabelValues(w.Queue).Inc()
			lastSuccess = time.Now()
			if w.MonitorFilePath != "" {
				w.touchMonitorFile()
			}
		} else {
			obs.JobsFailed.WithLabelValues(w.Queue).Inc()
		}

		if err := w.Backend.ProcessedJob(ctx, w.Queue, w.WorkerNumber, *job); err != nil {
			w.Log.Error("processed_job failed",
				zap.String("queue", w.Queue), zap.Int("worker", w.WorkerNumber), zap.Error(err))
		}

		processed++
	}
}

func (w *Worker) touchMonitorFile() {
	f, err := os.OpenFile(w.MonitorFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.Log.Warn("failed to touch monitor file", zap.String("path", w.MonitorFilePath), zap.Error(err))
		return
	}
	f.Close()
	now := time.Now()
	if err := os.Chtimes(w.MonitorFilePath, now, now); err != nil {
		w.Log.Warn("failed to update monitor file mtime", zap.String("path", w.MonitorFilePath), zap.Error(err))
	}
}
