// Copyright 2025 James Ross

// Package config loads the runtime's layered configuration (YAML file, env
// var overrides, built-in defaults) the same way the teacher's config
// package does, via viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// settingNamePrefix mirrors django_lightweight_queue's app_settings.py:
// every option the runtime recognises lives under one common prefix so an
// extra-settings file can be merged over a host application's own
// namespace without colliding with unrelated keys.
const settingNamePrefix = "LIGHTWEIGHTQUEUE_"

// Redis holds connection settings for the backend's go-redis client.
type Redis struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// Worker holds per-worker-process lifecycle settings, per spec.md §4.7.
type Worker struct {
	DequeueTimeoutSeconds int           `mapstructure:"dequeue_timeout_seconds"`
	IdleExitAfter         time.Duration `mapstructure:"idle_exit_after"`
	ItemExitAfter         int           `mapstructure:"item_exit_after"`
	// MonitorFilePattern is loaded but not read by any command: the
	// per-worker touch-file path comes from queue_runner's -touchfile flag,
	// formatted with the queue name only.
	MonitorFilePattern string `mapstructure:"monitor_file_pattern"`
}

// Cron holds the scheduler's config-file location, per spec.md §4.8-4.9.
// Whether this process configures or runs cron is decided by the machine
// policy, not by this struct.
type Cron struct {
	ConfigPath string `mapstructure:"config_path"`
}

// Observability holds logging and Prometheus exposition settings.
type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

// Machine holds the pool-partitioning settings for this host, per
// spec.md §4.8.
type Machine struct {
	// DirectlyConfigured selects the DirectlyConfiguredMachine policy
	// (every configured worker runs here, no cron). When false, the Pooled
	// policy is used with MachineNumber/MachineCount/OnlyQueue.
	DirectlyConfigured bool   `mapstructure:"directly_configured"`
	MachineNumber      int    `mapstructure:"machine_number"`
	MachineCount       int    `mapstructure:"machine_count"`
	OnlyQueue          string `mapstructure:"only_queue"`
}

// Backend selects which backend.Backend implementation to construct.
type Backend string

const (
	BackendSynchronous  Backend = "synchronous"
	BackendRedis        Backend = "redis"
	BackendReliableRedis Backend = "reliable_redis"
)

type Config struct {
	Backend       Backend       `mapstructure:"backend"`
	RedisKeyPrefix string       `mapstructure:"redis_key_prefix"`
	Redis         Redis         `mapstructure:"redis"`
	Worker        Worker        `mapstructure:"worker"`
	Cron          Cron          `mapstructure:"cron"`
	Observability Observability `mapstructure:"observability"`
	Machine       Machine       `mapstructure:"machine"`
}

func defaultConfig() *Config {
	return &Config{
		Backend: BackendSynchronous,
		Redis: Redis{
			Addr:         "localhost:6379",
			MinIdleConns: 5,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			MaxRetries:   3,
		},
		Worker: Worker{
			DequeueTimeoutSeconds: 15,
			IdleExitAfter:         30 * time.Minute,
			ItemExitAfter:         1000,
		},
		Cron: Cron{
			ConfigPath: "",
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
		Machine: Machine{
			DirectlyConfigured: false,
			MachineNumber:      1,
			MachineCount:       1,
		},
	}
}

// Load reads configuration from a YAML file (if it exists) plus
// environment-variable overrides, layered on top of built-in defaults, then
// merges an optional extra-settings file on top, per spec.md §6's "Settings
// discovery": recognised prefixed names in extraPath override the primary
// file, unknown prefixed names produce a warning, unprefixed names are
// ignored. extraPath may be empty to skip this step.
func Load(path, extraPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LIGHTWEIGHTQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("backend", string(def.Backend))
	v.SetDefault("redis_key_prefix", def.RedisKeyPrefix)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("worker.dequeue_timeout_seconds", def.Worker.DequeueTimeoutSeconds)
	v.SetDefault("worker.idle_exit_after", def.Worker.IdleExitAfter)
	v.SetDefault("worker.item_exit_after", def.Worker.ItemExitAfter)
	v.SetDefault("worker.monitor_file_pattern", def.Worker.MonitorFilePattern)

	v.SetDefault("cron.config_path", def.Cron.ConfigPath)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	v.SetDefault("machine.directly_configured", def.Machine.DirectlyConfigured)
	v.SetDefault("machine.machine_number", def.Machine.MachineNumber)
	v.SetDefault("machine.machine_count", def.Machine.MachineCount)
	v.SetDefault("machine.only_queue", def.Machine.OnlyQueue)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if extraPath != "" {
		if err := mergeExtraSettings(v, extraPath); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeExtraSettings loads a flat name/value YAML file and applies it over
// v. Keys are matched case-insensitively against settingNamePrefix: a
// recognised prefixed name (one that, once the prefix is stripped, names a
// known dotted config key) overrides that key; an unknown prefixed name
// produces a stderr warning and is otherwise ignored; a name without the
// prefix at all is silently ignored, since it belongs to the host
// application's own namespace, not ours.
func mergeExtraSettings(v *viper.Viper, extraPath string) error {
	data, err := os.ReadFile(extraPath)
	if err != nil {
		return fmt.Errorf("read extra settings %s: %w", extraPath, err)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse extra settings %s: %w", extraPath, err)
	}

	known := make(map[string]bool)
	for _, k := range v.AllKeys() {
		known[strings.ToUpper(k)] = true
	}

	for name, value := range raw {
		upper := strings.ToUpper(name)
		if !strings.HasPrefix(upper, settingNamePrefix) {
			continue
		}
		key := strings.TrimPrefix(upper, settingNamePrefix)
		if !known[key] {
			fmt.Fprintf(os.Stderr, "config: %s: unrecognised setting %q, ignoring\n", extraPath, name)
			continue
		}
		v.Set(strings.ToLower(key), value)
	}
	return nil
}

// Validate checks config constraints and returns an error on invalid
// settings.
func Validate(cfg *Config) error {
	switch cfg.Backend {
	case BackendSynchronous, BackendRedis, BackendReliableRedis:
	default:
		return fmt.Errorf("backend must be one of %q, %q, %q", BackendSynchronous, BackendRedis, BackendReliableRedis)
	}
	if cfg.Worker.DequeueTimeoutSeconds < 1 {
		return fmt.Errorf("worker.dequeue_timeout_seconds must be >= 1")
	}
	if cfg.Worker.IdleExitAfter <= 0 {
		return fmt.Errorf("worker.idle_exit_after must be > 0")
	}
	if cfg.Worker.ItemExitAfter < 1 {
		return fmt.Errorf("worker.item_exit_after must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if !cfg.Machine.DirectlyConfigured {
		if cfg.Machine.MachineCount < 1 {
			return fmt.Errorf("machine.machine_count must be >= 1")
		}
		if cfg.Machine.MachineNumber < 1 || cfg.Machine.MachineNumber > cfg.Machine.MachineCount {
			return fmt.Errorf("machine.machine_number must be within [1, machine_count]")
		}
	}
	return nil
}
