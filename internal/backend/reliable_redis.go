// Copyright 2025 James Ross
package backend

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lightweightqueue/lightweightqueue/internal/obs"
	"github.com/lightweightqueue/lightweightqueue/internal/queue"
	"github.com/redis/go-redis/v9"
)

// ReliableRedisBackend extends RedisBackend with per-worker processing
// lists, giving at-least-once delivery, per spec.md §4.4. It is grounded
// directly on backends/reliable_redis.py.
//
// For a queue "things" with workers 1 and 2 this maintains:
//
//	lightweightqueue:things                   (main queue)
//	lightweightqueue:things:processing:1      (worker 1's in-flight job)
//	lightweightqueue:things:processing:2      (worker 2's in-flight job)
type ReliableRedisBackend struct {
	*RedisBackend
}

// NewReliableRedisBackend returns a ReliableRedisBackend using client.
func NewReliableRedisBackend(client *redis.Client, prefix string) *ReliableRedisBackend {
	return &ReliableRedisBackend{RedisBackend: NewRedisBackend(client, prefix)}
}

func (r *ReliableRedisBackend) processingKey(queueName string, workerNumber int) string {
	return fmt.Sprintf("%s:processing:%d", r.key(queueName), workerNumber)
}

// Startup reconciles processing lists left behind by workers that are no
// longer expected to run on this machine (e.g. because concurrency was
// turned down). Their contents are moved to the tail of the main queue
// (processed next) under a WATCH/MULTI transaction, retried on conflicts,
// then the orphaned keys are deleted.
//
// expectedWorkers is the set of worker numbers this machine currently
// expects to run for queueName; any processing list for a worker number not
// in this set is considered abandoned.
func (r *ReliableRedisBackend) StartupWithExpectedWorkers(ctx context.Context, queueName string, expectedWorkers map[int]bool) error {
	pattern := r.key(queueName) + ":processing:*"
	var orphaned []string

	iter := r.Client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		wn, ok := workerNumberFromProcessingKey(key)
		if ok && expectedWorkers[wn] {
			continue
		}
		orphaned = append(orphaned, key)
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan processing keys for %s: %w", queueName, err)
	}
	if len(orphaned) == 0 {
		return nil
	}

	mainKey := r.key(queueName)
	const maxRetries = 10
	for attempt := 0; attempt < maxRetries; attempt++ {
		var reconciled int
		err := r.Client.Watch(ctx, func(tx *redis.Tx) error {
			var allData []string
			for _, key := range orphaned {
				vals, err := tx.LRange(ctx, key, 0, -1).Result()
				if err != nil && err != redis.Nil {
					return err
				}
				allData = append(allData, vals...)
			}
			reconciled = len(allData)

			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if len(allData) > 0 {
					args := make([]any, len(allData))
					for i, d := range allData {
						args[i] = d
					}
					pipe.RPush(ctx, mainKey, args...)
				}
				pipe.Del(ctx, orphaned...)
				return nil
			})
			return err
		}, orphaned...)
		if err == nil {
			if reconciled > 0 {
				obs.StartupReconciledJobs.WithLabelValues(queueName).Add(float64(reconciled))
			}
			return nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return fmt.Errorf("startup reconciliation for %s: %w", queueName, err)
	}
	return fmt.Errorf("startup reconciliation for %s: too many WATCH conflicts", queueName)
}

// Startup satisfies the Backend interface with no expected-worker
// knowledge; callers that know the machine's worker assignment should
// prefer StartupWithExpectedWorkers (the master supervisor does).
func (r *ReliableRedisBackend) Startup(ctx context.Context, queueName string) error {
	return r.StartupWithExpectedWorkers(ctx, queueName, map[int]bool{})
}

func workerNumberFromProcessingKey(key string) (int, bool) {
	const marker = ":processing:"
	idx := lastIndex(key, marker)
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(key[idx+len(marker):])
	if err != nil {
		return 0, false
	}
	return n, true
}

func lastIndex(s, sub string) int {
	for i := len(s) - len(sub); i >= 0; i-- {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// Dequeue first checks this worker's own processing list for a job left
// behind by a crashed prior incarnation (without blocking); failing that, it
// atomically moves a job from the tail of the main queue into the
// processing list, blocking up to timeoutSeconds.
func (r *ReliableRedisBackend) Dequeue(ctx context.Context, queueName string, workerNumber int, timeoutSeconds int) (*queue.Job, error) {
	if waited, err := r.waitWhilePaused(ctx, queueName, timeoutSeconds); waited || err != nil {
		return nil, err
	}

	procKey := r.processingKey(queueName, workerNumber)

	leftover, err := r.Client.LIndex(ctx, procKey, -1).Result()
	if err == nil {
		job, uerr := queue.UnmarshalJob([]byte(leftover))
		if uerr != nil {
			return nil, fmt.Errorf("unmarshal leftover job: %w", uerr)
		}
		return &job, nil
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("lindex %s: %w", procKey, err)
	}

	data, err := r.Client.BRPopLPush(ctx, r.key(queueName), procKey, time.Duration(timeoutSeconds)*time.Second).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("brpoplpush %s -> %s: %w", queueName, procKey, err)
	}
	job, err := queue.UnmarshalJob([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal dequeued job: %w", err)
	}
	return &job, nil
}

// ProcessedJob removes one occurrence of job from the worker's processing
// list, acknowledging it.
func (r *ReliableRedisBackend) ProcessedJob(ctx context.Context, queueName string, workerNumber int, job queue.Job) error {
	data, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := r.Client.LRem(ctx, r.processingKey(queueName, workerNumber), 1, data).Err(); err != nil {
		return fmt.Errorf("lrem processing list: %w", err)
	}
	return nil
}

// Deduplicate groups pending jobs by their IdentityWithoutCreated, keeps
// the oldest (tail-most, added first) occurrence of each group, and removes
// the rest. It is not atomic; callers should pause the queue first.
func (r *ReliableRedisBackend) Deduplicate(ctx context.Context, queueName string) (before, after int64, err error) {
	mainKey := r.key(queueName)

	originalSize, err := r.Client.LLen(ctx, mainKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen %s: %w", queueName, err)
	}
	if originalSize == 0 {
		return 0, 0, nil
	}

	raw, err := r.Client.LRange(ctx, mainKey, 0, -1).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("lrange %s: %w", queueName, err)
	}

	// Jobs are newest-first (head of list, per LPUSH); group by identity,
	// keeping entries newest-to-oldest within each group so the last entry
	// in each group is the oldest (added first).
	grouped := make(map[string][]string)
	order := make([]string, 0)
	for _, data := range raw {
		job, uerr := queue.UnmarshalJob([]byte(data))
		if uerr != nil {
			continue
		}
		id, ierr := job.IdentityWithoutCreated()
		if ierr != nil {
			continue
		}
		if _, seen := grouped[id]; !seen {
			order = append(order, id)
		}
		grouped[id] = append(grouped[id], data)
	}

	for _, id := range order {
		entries := grouped[id]
		// Remove all but the last (oldest) entry, one at a time.
		for _, data := range entries[:len(entries)-1] {
			if err := r.Client.LRem(ctx, mainKey, 1, data).Err(); err != nil {
				return originalSize, 0, fmt.Errorf("lrem duplicate: %w", err)
			}
		}
	}

	newSize, err := r.Client.LLen(ctx, mainKey).Result()
	if err != nil {
		return originalSize, 0, fmt.Errorf("llen %s after dedupe: %w", queueName, err)
	}
	return originalSize, newSize, nil
}
