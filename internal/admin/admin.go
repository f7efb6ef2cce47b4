// Copyright 2025 James Ross
//
// Package admin collects read-only introspection queries against a running
// system: per-queue/processing-list lengths (Stats, which no CLI subcommand
// calls at present), and the resolved configuration dump for
// queue_configuration. There is no HTTP surface here, only plain data.
package admin

import (
	"context"
	"fmt"
	"sort"

	"github.com/lightweightqueue/lightweightqueue/internal/backend"
	"github.com/lightweightqueue/lightweightqueue/internal/cron"
	"github.com/lightweightqueue/lightweightqueue/internal/registry"
	"github.com/redis/go-redis/v9"
)

// StatsResult summarises the pending and in-flight depth of every known
// queue, the data the old debug web view would have shown.
type StatsResult struct {
	Queues          map[string]int64 `json:"queues"`
	ProcessingLists map[string]int64 `json:"processing_lists"`
}

// Stats scans the managed keyspace for every queue named in queueNames plus
// any "{queue}:processing:*" lists beneath it. keyFn maps a bare queue name
// to its backend storage key (RedisBackend.Key / ReliableRedisBackend.Key).
func Stats(ctx context.Context, rdb *redis.Client, keyFn func(queueName string) string, queueNames []string) (StatsResult, error) {
	res := StatsResult{Queues: map[string]int64{}, ProcessingLists: map[string]int64{}}
	for _, q := range queueNames {
		key := keyFn(q)
		n, err := rdb.LLen(ctx, key).Result()
		if err != nil {
			return res, fmt.Errorf("llen %s: %w", key, err)
		}
		res.Queues[q] = n

		var cursor uint64
		pattern := key + ":processing:*"
		for {
			keys, cur, err := rdb.Scan(ctx, cursor, pattern, 200).Result()
			if err != nil {
				return res, fmt.Errorf("scan %s: %w", pattern, err)
			}
			cursor = cur
			for _, pk := range keys {
				n, err := rdb.LLen(ctx, pk).Result()
				if err != nil {
					return res, fmt.Errorf("llen %s: %w", pk, err)
				}
				res.ProcessingLists[pk] = n
			}
			if cursor == 0 {
				break
			}
		}
	}
	return res, nil
}

// ConfigurationResult is queue_configuration's JSON payload: the resolved
// WORKERS map, the middleware chain in registration order, and the loaded
// cron entries, grounded on command_utils.py's management-command listing.
type ConfigurationResult struct {
	Backend    string         `json:"backend"`
	Workers    map[string]int `json:"workers"`
	Middleware []string       `json:"middleware"`
	Cron       []cron.Entry   `json:"cron,omitempty"`
}

// Configuration assembles queue_configuration's payload from a frozen
// registry snapshot, the ordered middleware names, and any loaded cron
// entries (nil if cron is not configured for this machine).
func Configuration(backendName string, reg *registry.Registry, middlewareNames []string, cronEntries []cron.Entry) ConfigurationResult {
	workers := reg.GetQueueCounts()
	return ConfigurationResult{
		Backend:    backendName,
		Workers:    workers,
		Middleware: middlewareNames,
		Cron:       cronEntries,
	}
}

// SortedQueueNames is a small convenience for CLI commands that want a
// deterministic iteration order over a WORKERS map without duplicating
// registry.Registry.QueueNames's freeze semantics.
func SortedQueueNames(workers map[string]int) []string {
	names := make([]string, 0, len(workers))
	for k := range workers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// EnsureClearer/EnsurePauseResumer/EnsureDeduplicator surface spec.md §7's
// "capability error" diagnostic: a CLI command invoked against a backend
// that doesn't implement the optional interface it needs.

func EnsureClearer(b backend.Backend) (backend.Clearer, error) {
	c, ok := backend.AsClearer(b)
	if !ok {
		return nil, fmt.Errorf("backend %T does not support clear", b)
	}
	return c, nil
}

func EnsurePauseResumer(b backend.Backend) (backend.PauseResumer, error) {
	p, ok := backend.AsPauseResumer(b)
	if !ok {
		return nil, fmt.Errorf("backend %T does not support pause/resume", b)
	}
	return p, nil
}

func EnsureDeduplicator(b backend.Backend) (backend.Deduplicator, error) {
	d, ok := backend.AsDeduplicator(b)
	if !ok {
		return nil, fmt.Errorf("backend %T does not support deduplicate", b)
	}
	return d, nil
}
