// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartQueueLengthUpdater samples the pending length of each queue in
// queueNames on a fixed interval and updates the QueueLength gauge. keyFn
// maps a bare queue name to its backend storage key (e.g.
// backend.RedisBackend's key layout). Only meaningful against a
// Redis-backed backend; synchronous backends never have pending jobs.
func StartQueueLengthUpdater(ctx context.Context, rdb *redis.Client, keyFn func(queueName string) string, queueNames []string, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, q := range queueNames {
					n, err := rdb.LLen(ctx, keyFn(q)).Result()
					if err != nil {
						log.Debug("queue length poll error", String("queue", q), Err(err))
						continue
					}
					QueueLength.WithLabelValues(q).Set(float64(n))
				}
			}
		}
	}()
}
