// Copyright 2025 James Ross
package registry

import (
	"testing"

	"github.com/lightweightqueue/lightweightqueue/internal/queue"
)

func noop(args []any, kwargs map[string]any) (any, error) { return nil, nil }

func mustJob(t *testing.T, path string) queue.Job {
	t.Helper()
	return queue.NewJob(path, nil, nil, nil, false)
}

func TestRegisterResolveValidate(t *testing.T) {
	r := New()
	if err := r.Register("mod.fn", noop, TaskOptions{Queue: "default"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Resolve("mod.fn"); !ok {
		t.Fatalf("expected task to resolve")
	}
	if _, ok := r.Resolve("mod.missing"); ok {
		t.Fatalf("expected unregistered task to not resolve")
	}
	if err := r.Validate(mustJob(t, "mod.fn")); err != nil {
		t.Fatalf("expected registered job to validate: %v", err)
	}
}

func TestRegisterImpliesQueueWithDefaultConcurrency(t *testing.T) {
	r := New()
	if err := r.Register("mod.fn", noop, TaskOptions{Queue: "reports"}); err != nil {
		t.Fatal(err)
	}
	counts := r.GetQueueCounts()
	if counts["reports"] != 1 {
		t.Fatalf("expected implied concurrency 1 for reports, got %d", counts["reports"])
	}
}

func TestExplicitWorkerCountWins(t *testing.T) {
	r := New()
	if err := r.SetWorkerCount("reports", 4); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("mod.fn", noop, TaskOptions{Queue: "reports"}); err != nil {
		t.Fatal(err)
	}
	counts := r.GetQueueCounts()
	if counts["reports"] != 4 {
		t.Fatalf("expected explicit concurrency 4 to survive implicit contribution, got %d", counts["reports"])
	}
}

func TestWorkersMapFreezesOnFirstRead(t *testing.T) {
	r := New()
	if err := r.SetWorkerCount("a", 2); err != nil {
		t.Fatal(err)
	}
	_ = r.GetQueueCounts()

	if err := r.ContributeImpliedQueue("b"); err == nil {
		t.Fatalf("expected implicit contribution after freeze to fail loudly")
	}
	if err := r.SetWorkerCount("a", 3); err == nil {
		t.Fatalf("expected explicit mutation after freeze to fail loudly")
	}
}

func TestValidateRejectsUnregisteredPath(t *testing.T) {
	r := New()
	j := mustJob(t, "mod.missing")
	if err := r.Validate(j); err == nil {
		t.Fatalf("expected validation error for unregistered path")
	}
}
