// Copyright 2025 James Ross
package redisclient

import (
	"runtime"

	"github.com/lightweightqueue/lightweightqueue/internal/config"
	"github.com/redis/go-redis/v9"
)

// New returns a configured go-redis v9 client whose pool is sized off the
// host's CPU count, mirroring the teacher's per-core pool sizing; retries and
// timeouts come from cfg.Redis.
func New(cfg *config.Config) *redis.Client {
	poolSize := 10 * runtime.NumCPU()
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     poolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		MaxRetries:   cfg.Redis.MaxRetries,
	})
}
