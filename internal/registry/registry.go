// Copyright 2025 James Ross
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lightweightqueue/lightweightqueue/internal/queue"
)

// TaskFunc is the signature every registered task body must satisfy.
type TaskFunc func(args []any, kwargs map[string]any) (any, error)

// TaskOptions mirrors the keyword arguments accepted by the original
// `@task()` decorator: the queue a task's jobs land on by default, its
// wall-clock timeout, whether it may be SIGKILL'd on shutdown, and whether
// its body should run inside a database transaction scope.
type TaskOptions struct {
	Queue         string
	Timeout       *int
	SigkillOnStop bool
	Atomic        bool
}

// RegisteredTask is a task's callable plus its declared options.
type RegisteredTask struct {
	Path string
	Fn   TaskFunc
	Opts TaskOptions
}

// Registry maps dotted task paths to their callable and options, and tracks
// the desired worker concurrency (WORKERS map) per queue.
//
// A Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*RegisteredTask

	workersMu sync.Mutex
	workers   map[string]int
	frozen    bool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		tasks:   make(map[string]*RegisteredTask),
		workers: make(map[string]int),
	}
}

// Register adds a task under path, overwriting any previous registration at
// the same path. It implicitly contributes the task's queue to the WORKERS
// map with a default concurrency of 1, per spec.md's "tasks ... may imply a
// queue with default concurrency 1".
func (r *Registry) Register(path string, fn TaskFunc, opts TaskOptions) error {
	if path == "" {
		return fmt.Errorf("registry: path must not be empty")
	}
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	r.mu.Lock()
	r.tasks[path] = &RegisteredTask{Path: path, Fn: fn, Opts: opts}
	r.mu.Unlock()

	return r.ContributeImpliedQueue(opts.Queue)
}

// Resolve looks up a task by its dotted path.
func (r *Registry) Resolve(path string) (*RegisteredTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[path]
	return t, ok
}

// Validate checks that job.Path resolves in the registry and that the job
// is JSON-serialisable, per spec.md's Job.validate() invariant.
func (r *Registry) Validate(job queue.Job) error {
	if _, ok := r.Resolve(job.Path); !ok {
		return fmt.Errorf("registry: no task registered for path %q", job.Path)
	}
	if _, err := job.Marshal(); err != nil {
		return fmt.Errorf("registry: job is not serialisable: %w", err)
	}
	return nil
}

// ContributeImpliedQueue ensures queueName has at least a default
// concurrency of 1 in the WORKERS map, unless it is already present (an
// explicit configuration always wins) or the map has been frozen by a prior
// call to GetQueueCounts, in which case it fails loudly per spec.md's
// "WORKERS freeze" invariant.
func (r *Registry) ContributeImpliedQueue(queueName string) error {
	r.workersMu.Lock()
	defer r.workersMu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry: cannot imply queue %q after WORKERS map has been frozen", queueName)
	}
	if _, ok := r.workers[queueName]; !ok {
		r.workers[queueName] = 1
	}
	return nil
}

// SetWorkerCount explicitly configures the concurrency for a queue. It may
// only be called before the WORKERS map is frozen.
func (r *Registry) SetWorkerCount(queueName string, count int) error {
	r.workersMu.Lock()
	defer r.workersMu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry: cannot set worker count for %q after WORKERS map has been frozen", queueName)
	}
	if count < 1 {
		return fmt.Errorf("registry: worker count for %q must be >= 1", queueName)
	}
	r.workers[queueName] = count
	return nil
}

// GetQueueCounts freezes the WORKERS map on its first call and returns a
// snapshot copy. Subsequent ContributeImpliedQueue/SetWorkerCount calls fail.
func (r *Registry) GetQueueCounts() map[string]int {
	r.workersMu.Lock()
	defer r.workersMu.Unlock()
	r.frozen = true
	out := make(map[string]int, len(r.workers))
	for k, v := range r.workers {
		out[k] = v
	}
	return out
}

// QueueNames returns the sorted list of queue names currently in the
// WORKERS map, without freezing it.
func (r *Registry) QueueNames() []string {
	r.workersMu.Lock()
	defer r.workersMu.Unlock()
	names := make([]string, 0, len(r.workers))
	for k := range r.workers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
