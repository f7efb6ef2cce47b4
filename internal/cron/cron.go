// Copyright 2025 James Ross

// Package cron implements the background scheduler described in spec.md
// §4.9, grounded on cron_scheduler.py. Entries are declared in a YAML
// config file and enqueue an "execute" job onto their target queue when
// their minute/hour/isoday matchers all agree with the current UTC time.
package cron

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lightweightqueue/lightweightqueue/internal/obs"
	"github.com/lightweightqueue/lightweightqueue/internal/queue"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// defaultQueueName is the default queue cron-enqueued jobs land on when an entry
// does not declare one.
const defaultQueueName = "cron"

// entryConfig is the on-disk YAML shape of a single cron entry.
type entryConfig struct {
	Command       string         `yaml:"command"`
	CommandArgs   []any          `yaml:"command_args"`
	CommandKwargs map[string]any `yaml:"command_kwargs"`
	Queue         string         `yaml:"queue"`
	Minutes       string         `yaml:"minutes"`
	Hours         string         `yaml:"hours"`
	Days          string         `yaml:"days"`
	Timeout       *int           `yaml:"timeout"`
	SigkillOnStop bool           `yaml:"sigkill_on_stop"`
}

// Entry is a compiled cron configuration row.
type Entry struct {
	Command       string
	CommandArgs   []any
	CommandKwargs map[string]any
	Queue         string
	Timeout       *int
	SigkillOnStop bool

	schedule cron.Schedule
}

var fieldParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// LoadConfig reads a YAML file containing a list of cron entries and
// compiles each entry's minute/hour/isoday matchers once.
func LoadConfig(data []byte) ([]Entry, error) {
	var raw []entryConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("cron: parse config: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, row := range raw {
		e, err := compileEntry(row)
		if err != nil {
			return nil, fmt.Errorf("cron: compile entry %q: %w", row.Command, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func compileEntry(row entryConfig) (Entry, error) {
	queueName := row.Queue
	if queueName == "" {
		queueName = defaultQueueName
	}
	days := row.Days
	if days == "" {
		days = "*"
	}
	minutes := fieldOrStar(row.Minutes)
	hours := fieldOrStar(row.Hours)

	if err := validateField(minutes, 0, 59); err != nil {
		return Entry{}, fmt.Errorf("minutes: %w", err)
	}
	if err := validateField(hours, 0, 23); err != nil {
		return Entry{}, fmt.Errorf("hours: %w", err)
	}
	if err := validateField(days, 1, 7); err != nil {
		return Entry{}, fmt.Errorf("days: %w", err)
	}

	spec := fmt.Sprintf("%s %s * * %s", minutes, hours, isoToCronDow(days))
	schedule, err := fieldParser.Parse(spec)
	if err != nil {
		return Entry{}, fmt.Errorf("compile schedule %q: %w", spec, err)
	}

	return Entry{
		Command:       row.Command,
		CommandArgs:   row.CommandArgs,
		CommandKwargs: row.CommandKwargs,
		Queue:         queueName,
		Timeout:       row.Timeout,
		SigkillOnStop: row.SigkillOnStop,
		schedule:      schedule,
	}, nil
}

func fieldOrStar(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

func validateField(s string, minVal, maxVal int) error {
	if s == "*" {
		return nil
	}
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("invalid value %q", part)
		}
		if n < minVal || n > maxVal {
			return fmt.Errorf("value %d out of range [%d,%d]", n, minVal, maxVal)
		}
	}
	return nil
}

// isoToCronDow converts a comma-list (or "*") of ISO weekdays (1=Monday ...
// 7=Sunday) into robfig/cron's day-of-week field (0=Sunday ... 6=Saturday).
func isoToCronDow(days string) string {
	if days == "*" {
		return "*"
	}
	parts := strings.Split(days, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		n, _ := strconv.Atoi(strings.TrimSpace(p))
		if n == 7 {
			n = 0
		}
		out[i] = strconv.Itoa(n)
	}
	return strings.Join(out, ",")
}

// matches reports whether the entry is due to fire at minute-granular time t
// (t should already be truncated to the minute boundary).
func (e Entry) matches(t time.Time) bool {
	minuteBefore := t.Add(-time.Second)
	next := e.schedule.Next(minuteBefore)
	return !next.After(t) && !next.Before(t)
}

// EnqueueFunc enqueues job onto queueName; the master wires this to a
// backend.Backend's Enqueue method.
type EnqueueFunc func(ctx context.Context, queueName string, job queue.Job) error

// Scheduler runs a set of compiled Entries against the wall clock.
type Scheduler struct {
	Entries []Entry
	Enqueue EnqueueFunc
	Log     *zap.Logger
}

// Run realigns to each second boundary and calls Tick, logging and
// swallowing any error so a transient backend failure never kills the
// scheduler. It returns when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		now := time.Now().UTC()
		if err := s.Tick(ctx, now); err != nil {
			s.Log.Error("cron tick failed", zap.Error(err))
		}

		next := now.Truncate(time.Second).Add(time.Second)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
		}
	}
}

// Tick checks whether t lands on a minute boundary (second zero) and, if so, enqueues an
// "execute" job for every entry whose matchers agree. It stops processing
// remaining entries (but does not propagate) on the first enqueue error in
// a tick, mirroring cron_scheduler.py's broad per-tick exception handling.
func (s *Scheduler) Tick(ctx context.Context, t time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cron: tick panicked: %v", r)
		}
	}()

	if t.Second() != 0 {
		return nil
	}
	minute := t.Truncate(time.Minute)

	for _, e := range s.Entries {
		if !e.matches(minute) {
			continue
		}

		args := append([]any{e.Command}, e.CommandArgs...)
		job := queue.NewJob("execute", args, e.CommandKwargs, e.Timeout, e.SigkillOnStop)

		if err := s.Enqueue(ctx, e.Queue, job); err != nil {
			s.Log.Error("cron enqueue failed",
				zap.String("command", e.Command), zap.String("queue", e.Queue), zap.Error(err))
			return nil
		}
		obs.CronEnqueued.WithLabelValues(e.Command).Inc()
		s.Log.Info("cron enqueued", zap.String("command", e.Command), zap.String("queue", e.Queue))
	}
	return nil
}
