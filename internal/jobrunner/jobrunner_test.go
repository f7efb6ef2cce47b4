// Copyright 2025 James Ross
package jobrunner

import (
	"context"
	"errors"
	"testing"

	"github.com/lightweightqueue/lightweightqueue/internal/middleware"
	"github.com/lightweightqueue/lightweightqueue/internal/queue"
	"github.com/lightweightqueue/lightweightqueue/internal/registry"
	"go.uber.org/zap"
)

type fakeTx struct {
	committed, rolledBack bool
}

func (f *fakeTx) Commit() error   { f.committed = true; return nil }
func (f *fakeTx) Rollback() error { f.rolledBack = true; return nil }

type fakeTxRunner struct {
	last *fakeTx
}

func (f *fakeTxRunner) Begin(ctx context.Context) (middleware.Tx, error) {
	f.last = &fakeTx{}
	return f.last, nil
}

func newRunner(t *testing.T, txr middleware.TxRunner) (*Runner, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	log := zap.NewNop()
	chain := middleware.NewChain(log)
	return New(reg, chain, txr, log), reg
}

func TestRunSuccess(t *testing.T) {
	runner, reg := newRunner(t, nil)
	if err := reg.Register("mod.add", func(args []any, kwargs map[string]any) (any, error) {
		return args[0].(float64) + args[1].(float64), nil
	}, registry.TaskOptions{Queue: "default"}); err != nil {
		t.Fatal(err)
	}
	job := queue.NewJob("mod.add", []any{1.0, 2.0}, nil, nil, false)
	if !runner.Run(job, "default", 1) {
		t.Fatalf("expected success")
	}
}

func TestRunUnregisteredPathFails(t *testing.T) {
	runner, _ := newRunner(t, nil)
	job := queue.NewJob("mod.missing", nil, nil, nil, false)
	if runner.Run(job, "default", 1) {
		t.Fatalf("expected failure for unregistered path")
	}
}

func TestRunRecoversPanic(t *testing.T) {
	runner, reg := newRunner(t, nil)
	if err := reg.Register("mod.boom", func(args []any, kwargs map[string]any) (any, error) {
		panic("kaboom")
	}, registry.TaskOptions{Queue: "default"}); err != nil {
		t.Fatal(err)
	}
	job := queue.NewJob("mod.boom", nil, nil, nil, false)
	if runner.Run(job, "default", 1) {
		t.Fatalf("expected panic to surface as failure")
	}
}

func TestRunAtomicCommitsOnSuccessAndRollsBackOnError(t *testing.T) {
	txr := &fakeTxRunner{}
	runner, reg := newRunner(t, txr)
	if err := reg.Register("mod.ok", func(args []any, kwargs map[string]any) (any, error) {
		return nil, nil
	}, registry.TaskOptions{Queue: "default", Atomic: true}); err != nil {
		t.Fatal(err)
	}
	job := queue.NewJob("mod.ok", nil, nil, nil, false)
	if !runner.Run(job, "default", 1) {
		t.Fatalf("expected success")
	}
	if !txr.last.committed {
		t.Fatalf("expected transaction to be committed")
	}

	if err := reg.Register("mod.fail", func(args []any, kwargs map[string]any) (any, error) {
		return nil, errors.New("boom")
	}, registry.TaskOptions{Queue: "default", Atomic: true}); err != nil {
		t.Fatal(err)
	}
	job2 := queue.NewJob("mod.fail", nil, nil, nil, false)
	if runner.Run(job2, "default", 1) {
		t.Fatalf("expected failure")
	}
	if !txr.last.rolledBack {
		t.Fatalf("expected transaction to be rolled back")
	}
}
