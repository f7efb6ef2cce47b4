// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// createdTimeLayout matches the original Python implementation's
// datetime.isoformat(' ') with microsecond precision, e.g.
// "2025-01-02 15:04:05.000000".
const createdTimeLayout = "2006-01-02 15:04:05.000000"

// Job is a serialisable unit of work: a dotted task path plus positional
// and keyword arguments. Jobs are immutable after construction.
type Job struct {
	Path          string         `json:"path"`
	Args          []any          `json:"args"`
	Kwargs        map[string]any `json:"kwargs"`
	Timeout       *int           `json:"timeout"`
	SigkillOnStop bool           `json:"sigkill_on_stop"`
	CreatedTime   string         `json:"created_time"`

	// raw caches the exact bytes this Job was parsed from, so that
	// Marshal() round-trips byte-for-byte when the Job came from JSON
	// (to_json(from_json(x)) == x). Constructing a Job directly via NewJob
	// leaves this empty and Marshal falls back to re-encoding.
	raw []byte
}

// NewJob constructs a Job with CreatedTime set to now, in UTC.
func NewJob(path string, args []any, kwargs map[string]any, timeout *int, sigkillOnStop bool) Job {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return Job{
		Path:          path,
		Args:          args,
		Kwargs:        kwargs,
		Timeout:       timeout,
		SigkillOnStop: sigkillOnStop,
		CreatedTime:   time.Now().UTC().Format(createdTimeLayout),
	}
}

// jobWire exists purely so Marshal/UnmarshalJob can (de)serialise the
// exported fields of Job without recursing through the raw-bytes cache.
type jobWire Job

// Marshal returns the job's wire form. If the Job was produced by
// UnmarshalJob, the original bytes are returned verbatim so that
// to_json(from_json(x)) == x.
func (j Job) Marshal() ([]byte, error) {
	if j.raw != nil {
		return j.raw, nil
	}
	b, err := json.Marshal(jobWire(j))
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return b, nil
}

// UnmarshalJob parses the wire form of a Job, caching the original bytes so
// that Marshal() on the result is byte-identical to the input.
func UnmarshalJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, (*jobWire)(&j)); err != nil {
		return Job{}, fmt.Errorf("unmarshal job: %w", err)
	}
	if j.Args == nil {
		j.Args = []any{}
	}
	if j.Kwargs == nil {
		j.Kwargs = map[string]any{}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	j.raw = cp
	return j, nil
}

// IdentityWithoutCreated returns a deterministic canonical form of the job
// excluding CreatedTime, used to group duplicate jobs during deduplication.
func (j Job) IdentityWithoutCreated() (string, error) {
	b, err := json.Marshal(struct {
		Path          string         `json:"path"`
		Args          []any          `json:"args"`
		Kwargs        map[string]any `json:"kwargs"`
		Timeout       *int           `json:"timeout"`
		SigkillOnStop bool           `json:"sigkill_on_stop"`
	}{j.Path, j.Args, j.Kwargs, j.Timeout, j.SigkillOnStop})
	if err != nil {
		return "", fmt.Errorf("identity: %w", err)
	}
	return string(b), nil
}

func (j Job) String() string {
	return fmt.Sprintf("%s(*%v, **%v)", j.Path, j.Args, j.Kwargs)
}
