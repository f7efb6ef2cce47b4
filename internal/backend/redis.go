// Copyright 2025 James Ross
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/lightweightqueue/lightweightqueue/internal/obs"
	"github.com/lightweightqueue/lightweightqueue/internal/queue"
	"github.com/redis/go-redis/v9"
)

// RedisBackend is a list-based FIFO, at-most-once backend, per spec.md §4.3.
// Keys are laid out as "{prefix:}lightweightqueue:{queue}", with a pause
// marker at "...:{queue}:pause".
type RedisBackend struct {
	Client *redis.Client
	Prefix string
}

// NewRedisBackend returns a RedisBackend using client, with an optional key
// prefix.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{Client: client, Prefix: prefix}
}

func (r *RedisBackend) key(queueName string) string {
	k := "lightweightqueue:" + queueName
	if r.Prefix != "" {
		return r.Prefix + ":" + k
	}
	return k
}

// Key returns the storage key for queueName, exported for callers outside
// this package that need to address the underlying Redis list directly
// (e.g. the queue-length gauge updater, admin tooling).
func (r *RedisBackend) Key(queueName string) string {
	return r.key(queueName)
}

func (r *RedisBackend) pauseKey(queueName string) string {
	return r.key(queueName) + ":pause"
}

func (r *RedisBackend) Startup(ctx context.Context, queueName string) error {
	return nil
}

// Enqueue LPUSHes the job so that it is the newest item; BRPOP below pops
// the oldest (FIFO) item first.
func (r *RedisBackend) Enqueue(ctx context.Context, job queue.Job, queueName string) error {
	return r.BulkEnqueue(ctx, []queue.Job{job}, queueName)
}

func (r *RedisBackend) BulkEnqueue(ctx context.Context, jobs []queue.Job, queueName string) error {
	if len(jobs) == 0 {
		return nil
	}
	payloads := make([]any, 0, len(jobs))
	for _, j := range jobs {
		b, err := j.Marshal()
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		payloads = append(payloads, b)
	}
	if err := r.Client.LPush(ctx, r.key(queueName), payloads...).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", queueName, err)
	}
	obs.JobsEnqueued.WithLabelValues(queueName).Add(float64(len(jobs)))
	return nil
}

// Dequeue blocks up to timeoutSeconds via BRPOP. If the queue is paused, it
// instead cooperatively waits for the pause marker to clear (or the timeout
// to elapse) without touching the list, and always returns nil.
func (r *RedisBackend) Dequeue(ctx context.Context, queueName string, workerNumber int, timeoutSeconds int) (*queue.Job, error) {
	if waited, err := r.waitWhilePaused(ctx, queueName, timeoutSeconds); waited || err != nil {
		return nil, err
	}

	res, err := r.Client.BRPop(ctx, time.Duration(timeoutSeconds)*time.Second, r.key(queueName)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("brpop %s: %w", queueName, err)
	}
	// BRPop returns [key, value].
	job, err := queue.UnmarshalJob([]byte(res[1]))
	if err != nil {
		return nil, fmt.Errorf("unmarshal dequeued job: %w", err)
	}
	return &job, nil
}

func (r *RedisBackend) Length(ctx context.Context, queueName string) (int64, error) {
	n, err := r.Client.LLen(ctx, r.key(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", queueName, err)
	}
	return n, nil
}

// ProcessedJob is a no-op: at-most-once backends never held an
// acknowledgement record to clear.
func (r *RedisBackend) ProcessedJob(ctx context.Context, queueName string, workerNumber int, job queue.Job) error {
	return nil
}

func (r *RedisBackend) Clear(ctx context.Context, queueName string) error {
	if err := r.Client.Del(ctx, r.key(queueName)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", queueName, err)
	}
	return nil
}

func (r *RedisBackend) Pause(ctx context.Context, queueName string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return fmt.Errorf("pause: until %s is not in the future", until)
	}
	if err := r.Client.Set(ctx, r.pauseKey(queueName), until.UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("setex pause marker for %s: %w", queueName, err)
	}
	return nil
}

func (r *RedisBackend) Resume(ctx context.Context, queueName string) error {
	if err := r.Client.Del(ctx, r.pauseKey(queueName)).Err(); err != nil {
		return fmt.Errorf("del pause marker for %s: %w", queueName, err)
	}
	return nil
}

func (r *RedisBackend) IsPaused(ctx context.Context, queueName string) (bool, error) {
	n, err := r.Client.Exists(ctx, r.pauseKey(queueName)).Result()
	if err != nil {
		return false, fmt.Errorf("exists pause marker for %s: %w", queueName, err)
	}
	return n > 0, nil
}

// waitWhilePaused polls the pause marker at a short interval until either
// it disappears or timeoutSeconds elapses, then reports whether it waited
// out a pause (in which case the caller must return (nil, nil) without
// touching the main list).
func (r *RedisBackend) waitWhilePaused(ctx context.Context, queueName string, timeoutSeconds int) (bool, error) {
	paused, err := r.IsPaused(ctx, queueName)
	if err != nil {
		return false, err
	}
	if !paused {
		return false, nil
	}

	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	const pollInterval = 100 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if time.Now().After(deadline) {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-ticker.C:
			stillPaused, err := r.IsPaused(ctx, queueName)
			if err != nil {
				return true, err
			}
			if !stillPaused {
				return true, nil
			}
		}
	}
}
