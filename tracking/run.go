// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracking records experiment runs: the run configuration, a history of logged rows
// (one per call to Run.Log) and a summary with the last value logged for each key.
//
// A Run fans out everything it records to its sinks: a LocalSink writes the run to a local directory
// (which can be read back with LoadHistory, LoadConfig, LoadSummary and FindRuns), and a RemoteSink
// posts it to an HTTP tracking service.
//
// Example:
//
//	run, err := tracking.Init("cifar10-cnn", tracking.WithSinks(tracking.NewLocalSink("./runs")))
//	if err != nil { ... }
//	defer func() { _ = run.Finish() }()
//	_ = run.UpdateConfig(map[string]any{"depth": 2})
//	_ = run.Log(map[string]any{"epoch": 0, "loss": 1.23})
package tracking

import (
	"maps"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrFinished is returned by Run methods called after Run.Finish.
var ErrFinished = errors.New("tracking run already finished")

const (
	// StepKey is the key stamped in every history row with the 0-based index of the row.
	StepKey = "_step"

	// TimestampKey is the key stamped in every history row with the unix time (in seconds) of the call to Log.
	TimestampKey = "_timestamp"

	// RuntimeKey is the key stamped in every history row with the seconds elapsed since the run started.
	RuntimeKey = "_runtime"

	idLength = 8
)

// Row is one entry of the history of a run.
type Row map[string]any

// Metadata identifies a run.
type Metadata struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Project   string    `json:"project"`
	StartedAt time.Time `json:"started_at"`
}

// Run is an experiment-tracking run. It is safe for concurrent use.
type Run struct {
	mu       sync.Mutex
	meta     Metadata
	sinks    []Sink
	config   map[string]any
	summary  map[string]any
	step     int
	finished bool
}

// Option configures a Run in Init.
type Option func(r *Run)

// WithSinks adds sinks to the run.
func WithSinks(sinks ...Sink) Option {
	return func(r *Run) {
		r.sinks = append(r.sinks, sinks...)
	}
}

// WithConfig sets the initial configuration of the run.
func WithConfig(config map[string]any) Option {
	return func(r *Run) {
		maps.Copy(r.config, config)
	}
}

// WithName overrides the generated run name.
func WithName(name string) Option {
	return func(r *Run) {
		r.meta.Name = name
	}
}

// NewID returns a random run id: 8 lowercase hexadecimal characters.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:idLength]
}

// Init creates a new run for the project and opens its sinks.
//
// The run gets a random id (see NewID) and, unless WithName is given, the name "run-YYYYMMDD_HHMMSS-<id>".
func Init(project string, opts ...Option) (*Run, error) {
	if project == "" {
		return nil, errors.New("tracking run requires a project name")
	}
	now := time.Now()
	r := &Run{
		meta: Metadata{
			ID:        NewID(),
			Project:   project,
			StartedAt: now,
		},
		config:  make(map[string]any),
		summary: make(map[string]any),
	}
	r.meta.Name = "run-" + now.Format("20060102_150405") + "-" + r.meta.ID
	for _, opt := range opts {
		opt(r)
	}
	if r.meta.Name == "" || strings.ContainsAny(r.meta.Name, `/\`) {
		return nil, errors.Errorf("invalid tracking run name %q", r.meta.Name)
	}
	for ii, sink := range r.sinks {
		if err := sink.Open(r.meta); err != nil {
			for _, opened := range r.sinks[:ii] {
				_ = opened.Close()
			}
			return nil, errors.WithMessagef(err, "opening sink #%d of run %q", ii, r.meta.Name)
		}
	}
	if len(r.config) > 0 {
		if err := r.fanOut(func(s Sink) error { return s.Config(r.config) }); err != nil {
			for _, sink := range r.sinks {
				_ = sink.Close()
			}
			return nil, err
		}
	}
	klog.V(1).Infof("Tracking run %q (project %q) started with %d sink(s)", r.meta.Name, project, len(r.sinks))
	return r, nil
}

// ID of the run.
func (r *Run) ID() string { return r.meta.ID }

// Name of the run.
func (r *Run) Name() string { return r.meta.Name }

// Project of the run.
func (r *Run) Project() string { return r.meta.Project }

// Metadata returns the run identification.
func (r *Run) Metadata() Metadata { return r.meta }

// Config returns a copy of the current configuration.
func (r *Run) Config() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.config)
}

// Summary returns a copy of the current summary: the last value logged for each key.
func (r *Run) Summary() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.summary)
}

// Step returns the number of rows logged so far.
func (r *Run) Step() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.step
}

// UpdateConfig merges values into the run configuration, overwriting existing keys, and sends the full
// configuration to the sinks.
func (r *Run) UpdateConfig(values map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrFinished
	}
	for key, value := range values {
		r.config[key] = sanitizeValue(value)
	}
	return r.fanOut(func(s Sink) error { return s.Config(r.config) })
}

// Log appends a row to the history of the run.
//
// The row is stamped with StepKey, TimestampKey and RuntimeKey, and the summary is updated with its values.
func (r *Run) Log(values map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrFinished
	}
	now := time.Now()
	row := make(Row, len(values)+3)
	for key, value := range values {
		row[key] = sanitizeValue(value)
	}
	row[StepKey] = r.step
	row[TimestampKey] = float64(now.UnixNano()) / 1e9
	row[RuntimeKey] = now.Sub(r.meta.StartedAt).Seconds()
	r.step++
	maps.Copy(r.summary, row)
	return r.fanOut(func(s Sink) error { return s.History(row) })
}

// Finish writes the summary and closes the sinks. Further calls to the Run return ErrFinished.
func (r *Run) Finish() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrFinished
	}
	r.finished = true
	err := r.fanOut(func(s Sink) error { return s.Summary(r.summary) })
	if closeErr := r.fanOut(func(s Sink) error { return s.Close() }); err == nil {
		err = closeErr
	}
	klog.V(1).Infof("Tracking run %q finished after %d step(s)", r.meta.Name, r.step)
	return err
}

// fanOut calls fn on every sink, even if some fail, and returns the first error.
func (r *Run) fanOut(fn func(s Sink) error) error {
	var firstErr error
	for _, sink := range r.sinks {
		if err := fn(sink); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sanitizeValue converts non-finite floats, which JSON can't represent, to the strings "NaN", "Infinity"
// and "-Infinity". ParseFloat reads them back.
func sanitizeValue(value any) any {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	default:
		return value
	}
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return value
}
