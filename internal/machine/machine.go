// Copyright 2025 James Ross

// Package machine determines which (queue, worker#) pairs a host should
// run and whether it should run the cron scheduler, per spec.md §4.8. It is
// grounded directly on machine_types.py.
package machine

import (
	"sort"

	"github.com/lightweightqueue/lightweightqueue/internal/registry"
)

// CronQueueName is the synthetic queue name that stands for the cron
// scheduler itself; a Pooled machine only runs cron when its OnlyQueue is
// this name (or it has no queue restriction). Cron-enqueued jobs go to each
// entry's own queue, not to this name.
const CronQueueName = "cron_scheduler"

// WorkerPair identifies a single worker slot.
type WorkerPair struct {
	Queue        string
	WorkerNumber int
}

// Machine decides this host's responsibilities.
type Machine interface {
	RunCron() bool
	ConfigureCron() bool
	WorkerNames() []WorkerPair
}

// PooledMachine partitions the full set of configured workers across a pool
// of machine_count identical hosts, by round-robin job index.
type PooledMachine struct {
	MachineNumber int
	MachineCount  int
	// OnlyQueue restricts this machine to a single queue's workers when
	// non-empty.
	OnlyQueue string

	reg *registry.Registry

	cached []WorkerPair
}

// NewPooledMachine returns a PooledMachine that reads queue/worker counts
// from reg (which must already be registered and, ideally, frozen).
func NewPooledMachine(machineNumber, machineCount int, onlyQueue string, reg *registry.Registry) *PooledMachine {
	return &PooledMachine{
		MachineNumber: machineNumber,
		MachineCount:  machineCount,
		OnlyQueue:     onlyQueue,
		reg:           reg,
	}
}

func (m *PooledMachine) RunCron() bool {
	return m.MachineNumber == 1 && (m.OnlyQueue == "" || m.OnlyQueue == CronQueueName)
}

func (m *PooledMachine) ConfigureCron() bool {
	return true
}

// WorkerNames enumerates every configured (queue, worker#) pair, sorted by
// queue name, and assigns job index i (1-based) to machine ((i mod count)
// + 1), returning only the pairs assigned to this machine. Results are
// cached after the first call.
func (m *PooledMachine) WorkerNames() []WorkerPair {
	if m.cached != nil {
		return m.cached
	}

	counts := m.reg.GetQueueCounts()
	queues := make([]string, 0, len(counts))
	for q := range counts {
		if m.OnlyQueue != "" && m.OnlyQueue != q {
			continue
		}
		queues = append(queues, q)
	}
	sort.Strings(queues)

	var pairs []WorkerPair
	jobNumber := 1
	for _, q := range queues {
		for workerNum := 1; workerNum <= counts[q]; workerNum++ {
			if (jobNumber%m.MachineCount)+1 == m.MachineNumber {
				pairs = append(pairs, WorkerPair{Queue: q, WorkerNumber: workerNum})
			}
			jobNumber++
		}
	}

	m.cached = pairs
	return pairs
}

// DirectlyConfiguredMachine runs every configured worker on a single host
// and never runs cron (a separate host is expected to own scheduling).
type DirectlyConfiguredMachine struct {
	reg    *registry.Registry
	cached []WorkerPair
}

// NewDirectlyConfiguredMachine returns a DirectlyConfiguredMachine reading
// queue/worker counts from reg.
func NewDirectlyConfiguredMachine(reg *registry.Registry) *DirectlyConfiguredMachine {
	return &DirectlyConfiguredMachine{reg: reg}
}

func (m *DirectlyConfiguredMachine) RunCron() bool {
	return false
}

func (m *DirectlyConfiguredMachine) ConfigureCron() bool {
	return false
}

func (m *DirectlyConfiguredMachine) WorkerNames() []WorkerPair {
	if m.cached != nil {
		return m.cached
	}

	counts := m.reg.GetQueueCounts()
	queues := make([]string, 0, len(counts))
	for q := range counts {
		queues = append(queues, q)
	}
	sort.Strings(queues)

	var pairs []WorkerPair
	for _, q := range queues {
		for workerNum := 1; workerNum <= counts[q]; workerNum++ {
			pairs = append(pairs, WorkerPair{Queue: q, WorkerNumber: workerNum})
		}
	}
	m.cached = pairs
	return pairs
}
