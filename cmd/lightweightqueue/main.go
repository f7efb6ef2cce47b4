// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/lightweightqueue/lightweightqueue/internal/admin"
	"github.com/lightweightqueue/lightweightqueue/internal/backend"
	"github.com/lightweightqueue/lightweightqueue/internal/config"
	"github.com/lightweightqueue/lightweightqueue/internal/cron"
	"github.com/lightweightqueue/lightweightqueue/internal/jobrunner"
	"github.com/lightweightqueue/lightweightqueue/internal/machine"
	"github.com/lightweightqueue/lightweightqueue/internal/master"
	"github.com/lightweightqueue/lightweightqueue/internal/middleware"
	"github.com/lightweightqueue/lightweightqueue/internal/obs"
	"github.com/lightweightqueue/lightweightqueue/internal/queue"
	"github.com/lightweightqueue/lightweightqueue/internal/redisclient"
	"github.com/lightweightqueue/lightweightqueue/internal/registry"
	"github.com/lightweightqueue/lightweightqueue/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var version = "dev"

// registeredTasks is the seam a host application overrides (by vendoring this
// command and calling registry.Register before Run) to add its own tasks.
// Shipped as-is, the WORKERS map is empty and queue_runner supervises no
// workers, matching an unconfigured install.
var registeredTasks func(*registry.Registry)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: lightweightqueue <subcommand> [flags]")
		fmt.Fprintln(os.Stderr, "subcommands: queue_runner, queue_worker, queue_configuration, queue_pause, queue_resume, queue_clear, queue_deduplicate")
		os.Exit(1)
	}

	sub := os.Args[1]
	args := os.Args[2:]

	var err error
	switch sub {
	case "-version", "--version":
		fmt.Println(version)
		return
	case "queue_runner":
		err = runQueueRunner(args)
	case "queue_worker":
		err = runQueueWorker(args)
	case "queue_configuration":
		err = runQueueConfiguration(args)
	case "queue_pause":
		err = runQueuePause(args)
	case "queue_resume":
		err = runQueueResume(args)
	case "queue_clear":
		err = runQueueClear(args)
	case "queue_deduplicate":
		err = runQueueDeduplicate(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", sub)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRuntime loads config, logging and the registry common to every
// subcommand that touches the queue system.
func buildRuntime(configPath, extraSettingsPath string) (*config.Config, *zap.Logger, *registry.Registry, error) {
	cfg, err := config.Load(configPath, extraSettingsPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	reg := registry.New()
	if registeredTasks != nil {
		registeredTasks(reg)
	}
	return cfg, log, reg, nil
}

func buildBackend(cfg *config.Config, reg *registry.Registry, log *zap.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendSynchronous:
		chain := middleware.NewChain(log, middleware.NewLoggingMiddleware(log))
		runner := jobrunner.New(reg, chain, nil, log)
		return backend.NewSynchronousBackend(runner), nil
	case config.BackendRedis:
		return backend.NewRedisBackend(redisclient.New(cfg), cfg.RedisKeyPrefix), nil
	case config.BackendReliableRedis:
		return backend.NewReliableRedisBackend(redisclient.New(cfg), cfg.RedisKeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// redisKeyspaceOf extracts the Redis client and key function from be, for
// queue-length gauge polling. Only the Redis-backed implementations expose
// a keyspace; the synchronous backend has no pending-queue depth to sample.
func redisKeyspaceOf(be backend.Backend) (*redis.Client, func(string) string, bool) {
	switch b := be.(type) {
	case *backend.ReliableRedisBackend:
		return b.Client, b.Key, true
	case *backend.RedisBackend:
		return b.Client, b.Key, true
	default:
		return nil, nil, false
	}
}

func buildMachine(cfg *config.Config, reg *registry.Registry) machine.Machine {
	if cfg.Machine.DirectlyConfigured {
		return machine.NewDirectlyConfiguredMachine(reg)
	}
	return machine.NewPooledMachine(cfg.Machine.MachineNumber, cfg.Machine.MachineCount, cfg.Machine.OnlyQueue, reg)
}

func loadCronEntries(cfg *config.Config) ([]cron.Entry, error) {
	if cfg.Cron.ConfigPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(cfg.Cron.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("read cron config %s: %w", cfg.Cron.ConfigPath, err)
	}
	return cron.LoadConfig(data)
}

// runQueueRunner starts the master supervisor, per spec.md §6's
// `queue_runner` subcommand.
func runQueueRunner(args []string) error {
	fs := flag.NewFlagSet("queue_runner", flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "path to YAML config")
	pidFile := fs.String("pidfile", "", "write the master's PID to this file")
	touchFile := fs.String("touchfile", "", "printf-style pattern (queue) for per-worker monitor files")
	machineNumber := fs.Int("machine", 0, "machine number, for parallelism (overrides config)")
	machineCount := fs.Int("of", 0, "total number of machines (overrides config)")
	onlyQueue := fs.String("only-queue", "", "only run the given queue (overrides config)")
	exact := fs.Bool("exact-configuration", false, "run every configured worker on this machine; never run cron")
	extraSettings := fs.String("extra-settings", "", "optional extra-settings file merged over -config, per spec.md §6")
	_ = fs.Parse(args)

	cfg, log, reg, err := buildRuntime(*configPath, *extraSettings)
	if err != nil {
		return err
	}
	if *exact {
		cfg.Machine.DirectlyConfigured = true
	}
	if *machineNumber > 0 {
		cfg.Machine.MachineNumber = *machineNumber
	}
	if *machineCount > 0 {
		cfg.Machine.MachineCount = *machineCount
	}
	if *onlyQueue != "" {
		cfg.Machine.OnlyQueue = *onlyQueue
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if *pidFile != "" {
		if err := os.WriteFile(*pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("write pidfile: %w", err)
		}
	}

	m := buildMachine(cfg, reg)

	var cronEntries []cron.Entry
	if m.ConfigureCron() {
		cronEntries, err = loadCronEntries(cfg)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		for _, e := range cronEntries {
			if err := reg.ContributeImpliedQueue(e.Queue); err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
		}
	}

	be, err := buildBackend(cfg, reg, log)
	if err != nil {
		return err
	}

	var scheduler *cron.Scheduler
	if m.RunCron() {
		if cronEntries == nil {
			cronEntries, err = loadCronEntries(cfg)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
		}
		scheduler = &cron.Scheduler{
			Entries: cronEntries,
			Log:     log,
			Enqueue: func(ctx context.Context, queueName string, job queue.Job) error {
				return be.Enqueue(ctx, job, queueName)
			},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Observability.MetricsPort > 0 {
		readiness := func(c context.Context) error { return nil }
		httpSrv := obs.StartHTTPServer(cfg, readiness)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	if rdb, keyFn, ok := redisKeyspaceOf(be); ok {
		queueNames := admin.SortedQueueNames(reg.GetQueueCounts())
		obs.StartQueueLengthUpdater(ctx, rdb, keyFn, queueNames, 2*time.Second, log)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}

	sup := &master.Supervisor{
		Machine:   m,
		Backend:   be,
		Scheduler: scheduler,
		Log:       log,
		Executable: self,
		WorkerArgs: func(queueName string, workerNumber int) []string {
			wargs := []string{"queue_worker", "-config", *configPath, queueName, strconv.Itoa(workerNumber)}
			if *touchFile != "" {
				wargs = append(wargs, "-touch-file", fmt.Sprintf(*touchFile, queueName))
			}
			return wargs
		},
	}
	return sup.Run(ctx)
}

// runQueueWorker starts a single worker subprocess, per spec.md §6's
// `queue_worker` subcommand.
func runQueueWorker(args []string) error {
	fs := flag.NewFlagSet("queue_worker", flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "path to YAML config")
	touchFile := fs.String("touch-file", "", "touch this file after every successfully run job")
	_ = fs.String("prometheus-port", "", "unused: metrics are exposed once by the master, not per worker")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) != 2 {
		return fmt.Errorf("usage: queue_worker <queue> <number>")
	}
	queueName := rest[0]
	workerNumber, err := strconv.Atoi(rest[1])
	if err != nil {
		return fmt.Errorf("worker number must be an integer: %w", err)
	}

	cfg, log, reg, err := buildRuntime(*configPath, "")
	if err != nil {
		return err
	}
	be, err := buildBackend(cfg, reg, log)
	if err != nil {
		return err
	}
	chain := middleware.NewChain(log, middleware.NewLoggingMiddleware(log))
	runner := jobrunner.New(reg, chain, nil, log)

	w := &worker.Worker{
		Queue:                 queueName,
		WorkerNumber:          workerNumber,
		Backend:               be,
		Runner:                runner,
		Log:                   log,
		MonitorFilePath:       *touchFile,
		DequeueTimeoutSeconds: cfg.Worker.DequeueTimeoutSeconds,
		IdleExitAfter:         cfg.Worker.IdleExitAfter,
		ItemExitAfter:         cfg.Worker.ItemExitAfter,
	}
	return w.Run(context.Background())
}

// runQueueConfiguration prints the resolved WORKERS map, middleware chain,
// and cron entries as JSON.
func runQueueConfiguration(args []string) error {
	fs := flag.NewFlagSet("queue_configuration", flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "path to YAML config")
	_ = fs.Parse(args)

	cfg, _, reg, err := buildRuntime(*configPath, "")
	if err != nil {
		return err
	}
	cronEntries, err := loadCronEntries(cfg)
	if err != nil {
		return err
	}
	for _, e := range cronEntries {
		_ = reg.ContributeImpliedQueue(e.Queue)
	}

	result := admin.Configuration(string(cfg.Backend), reg, []string{"logging"}, cronEntries)
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(payload))
	return nil
}

func runQueuePause(args []string) error {
	fs := flag.NewFlagSet("queue_pause", flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "path to YAML config")
	forDuration := fs.String("for", "", "pause duration, e.g. 1h30m")
	until := fs.String("until", "", "pause until this timestamp, e.g. 2006-01-02T15:04:05+0000 (numeric offset without colon, or Z)")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: queue_pause <queue> (--for DURATION | --until TIME)")
	}
	queueName := rest[0]

	deadline, err := resolvePauseDeadline(*forDuration, *until)
	if err != nil {
		return err
	}

	cfg, log, reg, err := buildRuntime(*configPath, "")
	if err != nil {
		return err
	}
	be, err := buildBackend(cfg, reg, log)
	if err != nil {
		return err
	}
	pr, err := admin.EnsurePauseResumer(be)
	if err != nil {
		return err
	}
	if err := pr.Pause(context.Background(), queueName, deadline); err != nil {
		return err
	}
	fmt.Printf("paused %s until %s\n", queueName, deadline.UTC().Format(time.RFC3339))
	return nil
}

func resolvePauseDeadline(forDuration, until string) (time.Time, error) {
	switch {
	case forDuration != "" && until != "":
		return time.Time{}, fmt.Errorf("specify exactly one of --for or --until")
	case forDuration != "":
		d, err := time.ParseDuration(forDuration)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --for duration: %w", err)
		}
		return time.Now().Add(d), nil
	case until != "":
		t, err := time.Parse("2006-01-02T15:04:05Z0700", until)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --until time: %w", err)
		}
		if !t.After(time.Now()) {
			return time.Time{}, fmt.Errorf("--until time %s is not in the future", until)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("specify one of --for or --until")
	}
}

func runQueueResume(args []string) error {
	fs := flag.NewFlagSet("queue_resume", flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "path to YAML config")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: queue_resume <queue>")
	}
	queueName := rest[0]

	cfg, log, reg, err := buildRuntime(*configPath, "")
	if err != nil {
		return err
	}
	be, err := buildBackend(cfg, reg, log)
	if err != nil {
		return err
	}
	pr, err := admin.EnsurePauseResumer(be)
	if err != nil {
		return err
	}
	if err := pr.Resume(context.Background(), queueName); err != nil {
		return err
	}
	fmt.Printf("resumed %s\n", queueName)
	return nil
}

func runQueueClear(args []string) error {
	fs := flag.NewFlagSet("queue_clear", flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "path to YAML config")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: queue_clear <queue> [--yes]")
	}
	queueName := rest[0]

	if !*yes {
		fmt.Printf("clear all pending jobs on %q? [y/N] ", queueName)
		var answer string
		_, _ = fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("aborted")
			return nil
		}
	}

	cfg, log, reg, err := buildRuntime(*configPath, "")
	if err != nil {
		return err
	}
	be, err := buildBackend(cfg, reg, log)
	if err != nil {
		return err
	}
	c, err := admin.EnsureClearer(be)
	if err != nil {
		return err
	}
	if err := c.Clear(context.Background(), queueName); err != nil {
		return err
	}
	fmt.Printf("cleared %s\n", queueName)
	return nil
}

func runQueueDeduplicate(args []string) error {
	fs := flag.NewFlagSet("queue_deduplicate", flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "path to YAML config")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: queue_deduplicate <queue>")
	}
	queueName := rest[0]

	cfg, log, reg, err := buildRuntime(*configPath, "")
	if err != nil {
		return err
	}
	be, err := buildBackend(cfg, reg, log)
	if err != nil {
		return err
	}
	d, err := admin.EnsureDeduplicator(be)
	if err != nil {
		return err
	}
	before, after, err := d.Deduplicate(context.Background(), queueName)
	if err != nil {
		return err
	}
	fmt.Printf("deduplicated %s: %d -> %d\n", queueName, before, after)
	return nil
}
