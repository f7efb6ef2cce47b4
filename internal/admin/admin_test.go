// Copyright 2025 James Ross
package admin

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/lightweightqueue/lightweightqueue/internal/backend"
	"github.com/lightweightqueue/lightweightqueue/internal/jobrunner"
	"github.com/lightweightqueue/lightweightqueue/internal/middleware"
	"github.com/lightweightqueue/lightweightqueue/internal/queue"
	"github.com/lightweightqueue/lightweightqueue/internal/registry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestStatsReportsQueueAndProcessingLengths(t *testing.T) {
	client := newTestRedis(t)
	b := backend.NewReliableRedisBackend(client, "")
	ctx := context.Background()

	if err := b.Enqueue(ctx, queue.NewJob("a", nil, nil, nil, false), "things"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := b.Enqueue(ctx, queue.NewJob("b", nil, nil, nil, false), "things"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := b.Dequeue(ctx, "things", 1, 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	stats, err := Stats(ctx, client, b.Key, []string{"things"})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Queues["things"] != 1 {
		t.Fatalf("expected 1 pending job, got %d", stats.Queues["things"])
	}
	procKey := b.Key("things") + ":processing:1"
	if stats.ProcessingLists[procKey] != 1 {
		t.Fatalf("expected 1 in-flight job on %s, got %d", procKey, stats.ProcessingLists[procKey])
	}
}

func TestConfigurationReportsFrozenWorkersAndMiddleware(t *testing.T) {
	reg := registry.New()
	if err := reg.Register("tasks.send_email", noopTask, registry.TaskOptions{Queue: "mail"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	cfg := Configuration("redis", reg, []string{"logging", "atomic"}, nil)
	if cfg.Backend != "redis" {
		t.Fatalf("expected backend redis, got %s", cfg.Backend)
	}
	if cfg.Workers["mail"] != 1 {
		t.Fatalf("expected implied concurrency 1 for mail, got %d", cfg.Workers["mail"])
	}
	if len(cfg.Middleware) != 2 || cfg.Middleware[0] != "logging" {
		t.Fatalf("unexpected middleware list: %v", cfg.Middleware)
	}
}

func TestSortedQueueNames(t *testing.T) {
	names := SortedQueueNames(map[string]int{"c": 1, "a": 2, "b": 3})
	if names[0] != "a" || names[1] != "b" || names[2] != "c" {
		t.Fatalf("expected sorted names, got %v", names)
	}
}

func TestEnsureCapabilitiesRejectUnsupportedBackend(t *testing.T) {
	reg := registry.New()
	runner := jobrunner.New(reg, middleware.NewChain(zap.NewNop()), nil, zap.NewNop())
	sync := backend.NewSynchronousBackend(runner)
	if _, err := EnsureClearer(sync); err == nil {
		t.Fatalf("expected capability error for clear on synchronous backend")
	}
	if _, err := EnsurePauseResumer(sync); err == nil {
		t.Fatalf("expected capability error for pause/resume on synchronous backend")
	}
	if _, err := EnsureDeduplicator(sync); err == nil {
		t.Fatalf("expected capability error for deduplicate on synchronous backend")
	}
}

func noopTask(args []any, kwargs map[string]any) (any, error) { return nil, nil }
