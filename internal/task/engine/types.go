// Package engine executes named tasks on a bounded worker pool with
// per-task timeout, retry with jittered backoff and overlap gating.
package engine

import (
	"context"
	"sync"
	"time"
)

type Config struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	RetryMax       int
	HistorySize    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

type Options struct {
	Overlap OverlapPolicy
	// RetryMax overrides Config.RetryMax when > 0; -1 disables retries.
	RetryMax  int
	RetryBase time.Duration
	RetryCap  time.Duration
}

// RunState gates overlap. A task counts as running from enqueue until its
// last attempt returns, so a fast trigger cannot pile up queued copies.
type RunState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *RunState) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *RunState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

// Task is one unit of work. State is shared across runs of the same logical
// task; when nil the engine keeps one per Name.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     Options
	State   *RunState
}

// Event is the bus payload for task lifecycle events.
type Event struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Attempts int           `json:"attempts,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type HistoryItem struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

type Snapshot struct {
	Running  bool          `json:"running"`
	Workers  int           `json:"workers"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	Dropped  uint64        `json:"dropped"`
	Skipped  uint64        `json:"skipped"`
	Failed   uint64        `json:"failed"`
	History  []HistoryItem `json:"history"`
}
