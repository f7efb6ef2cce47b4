// Copyright 2025 James Ross
//
// Package master implements the supervisory process described in
// spec.md §4.8: it works out which (queue, worker#) pairs this host should
// run from a machine.Machine, spawns one OS subprocess per pair, and
// restarts any that exit. It is grounded on django_lightweight_queue's
// runner.py, translated from fork/exec + SIGUSR2 into os/exec and Go
// signals.
package master

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lightweightqueue/lightweightqueue/internal/backend"
	"github.com/lightweightqueue/lightweightqueue/internal/cron"
	"github.com/lightweightqueue/lightweightqueue/internal/machine"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// pairKey identifies a single worker slot.
type pairKey struct {
	queue  string
	worker int
}

// WorkerArgsFunc builds the argv (excluding argv[0]) used to exec a worker
// subprocess for (queue, workerNumber), e.g.
// []string{"queue_worker", queue, strconv.Itoa(workerNumber)}.
type WorkerArgsFunc func(queueName string, workerNumber int) []string

// Supervisor drives the startup sequence and 1s supervision loop of
// spec.md §4.8.
type Supervisor struct {
	Machine   machine.Machine
	Backend   backend.Backend
	Scheduler *cron.Scheduler // nil unless Machine.RunCron()
	Log       *zap.Logger

	// Executable is the binary to re-exec for each worker subprocess
	// (normally os.Executable()'s result).
	Executable string
	WorkerArgs WorkerArgsFunc

	// SupervisionInterval defaults to 1s, per spec.md §4.8.
	SupervisionInterval time.Duration
}

type slot struct {
	cmd      *exec.Cmd
	name     string
	exitCode int
	exited   chan struct{}
}

func (sl *slot) running() bool {
	select {
	case <-sl.exited:
		return false
	default:
		return true
	}
}

// Run executes the startup sequence, then blocks in the supervision loop
// until ctx is cancelled or a termination signal arrives, at which point it
// signals every worker subprocess to shut down and waits (unbounded) for
// each to exit.
func (s *Supervisor) Run(ctx context.Context) error {
	interval := s.SupervisionInterval
	if interval <= 0 {
		interval = time.Second
	}

	pairs := s.Machine.WorkerNames()
	queues := map[string]bool{}
	expected := map[string]map[int]bool{}
	for _, p := range pairs {
		queues[p.Queue] = true
		if expected[p.Queue] == nil {
			expected[p.Queue] = map[int]bool{}
		}
		expected[p.Queue][p.WorkerNumber] = true
	}
	for q := range queues {
		s.Log.Debug("running startup for queue", zap.String("queue", q))
		var err error
		if rb, ok := s.Backend.(interface {
			StartupWithExpectedWorkers(context.Context, string, map[int]bool) error
		}); ok {
			err = rb.StartupWithExpectedWorkers(ctx, q, expected[q])
		} else {
			err = s.Backend.Startup(ctx, q)
		}
		if err != nil {
			return fmt.Errorf("startup %s: %w", q, err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	if s.Scheduler != nil {
		g.Go(func() error {
			if err := s.Scheduler.Run(runCtx); err != nil && runCtx.Err() == nil {
				s.Log.Error("cron scheduler exited", zap.Error(err))
			}
			return nil
		})
	}

	slots := make(map[pairKey]*slot, len(pairs))
	var mu sync.Mutex

	go func() {
		select {
		case <-sigCh:
			s.Log.Info("master received termination signal, shutting down")
		case <-ctx.Done():
		}
		cancel()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
supervise:
	for {
		mu.Lock()
		for i, p := range pairs {
			key := pairKey{p.Queue, p.WorkerNumber}
			sl := slots[key]
			if sl != nil && sl.running() {
				continue
			}
			name := fmt.Sprintf("%s/%d", p.Queue, p.WorkerNumber)
			if sl == nil {
				s.Log.Info("starting worker", zap.String("worker", name), zap.Int("index", i+1))
			} else {
				s.Log.Info("restarting missing worker", zap.String("worker", name), zap.Int("exit_code", sl.exitCode))
			}
			cmd := exec.Command(s.Executable, s.WorkerArgs(p.Queue, p.WorkerNumber)...)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			if err := cmd.Start(); err != nil {
				s.Log.Error("failed to start worker", zap.String("worker", name), zap.Error(err))
				continue
			}
			newSlot := &slot{cmd: cmd, name: name, exited: make(chan struct{})}
			slots[key] = newSlot
			go func(sl *slot) {
				err := sl.cmd.Wait()
				if sl.cmd.ProcessState != nil {
					sl.exitCode = sl.cmd.ProcessState.ExitCode()
				} else if err != nil {
					sl.exitCode = -1
				}
				close(sl.exited)
			}(newSlot)
		}
		mu.Unlock()

		select {
		case <-runCtx.Done():
			break supervise
		case <-ticker.C:
		}
	}

	// Workers interpret SIGTERM per spec.md §4.7: finish the in-flight job
	// (unless armed in sigkill mode) then exit on their own.
	s.signalWorkers(slots, syscall.SIGTERM)
	for _, sl := range slots {
		if !sl.running() {
			continue
		}
		s.Log.Info("waiting for worker to terminate", zap.String("worker", sl.name))
		<-sl.exited
	}
	s.Log.Info("all worker processes finished")

	_ = g.Wait()
	return nil
}

func (s *Supervisor) signalWorkers(slots map[pairKey]*slot, sig os.Signal) {
	for _, sl := range slots {
		if sl.cmd.Process == nil {
			continue
		}
		if err := sl.cmd.Process.Signal(sig); err != nil {
			s.Log.Warn("failed to signal worker", zap.String("worker", sl.name), zap.Error(err))
		}
	}
}
