// Package runlog records pipeline runs and per-feature loads in SQLite so
// operators can see which sources were fetched, which came from cache and
// which training set version a run produced.
package runlog

import (
	"context"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Run is one pipeline invocation for a country.
type Run struct {
	ID         string
	Country    string
	Features   []string
	Status     Status
	Version    int // 0 until a training set is saved
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// FeatureLoad is one feature loaded and joined within a run.
type FeatureLoad struct {
	ID       string
	RunID    string
	Feature  string
	Strategy string
	CacheHit bool
	Rows     int
	Dropped  int
	Duration time.Duration
	Error    string
	LoadedAt time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Country string
	Limit   int
}

// Recorder is the part of the run log the pipeline writes to.
type Recorder interface {
	StartRun(ctx context.Context, country string, features []string) (*Run, error)
	RecordLoad(ctx context.Context, load FeatureLoad) error
	FinishRun(ctx context.Context, runID string, version int, runErr error) error
}

// Nop discards everything; it is used when no run log path is configured.
type Nop struct{}

func (Nop) StartRun(_ context.Context, country string, features []string) (*Run, error) {
	return &Run{Country: country, Features: features, Status: StatusRunning, StartedAt: time.Now().UTC()}, nil
}

func (Nop) RecordLoad(context.Context, FeatureLoad) error { return nil }

func (Nop) FinishRun(context.Context, string, int, error) error { return nil }
