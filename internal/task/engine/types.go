package engine

import (
	"context"
	"sync"
	"time"

	"mailsched/internal/domain"
)

// Config for the task engine.
type Config struct {
	// DefaultTimeout bounds a run when the task sets none. 0 means no bound.
	DefaultTimeout time.Duration
	// HistorySize is the number of runs kept in memory for diagnostics.
	HistorySize int
	// RecordTimeout bounds the execution history write after a run.
	RecordTimeout time.Duration
}

// Func is a unit of scheduled work. now is the trigger time.
type Func func(ctx context.Context, now time.Time) error

// Task is one run request.
type Task struct {
	Name    string
	Run     Func
	Timeout time.Duration
	// State gates overlapping runs of the same job. nil disables the gate.
	State *RunState
}

// ExecutionRecorder persists one row per run.
type ExecutionRecorder interface {
	InsertExecution(ctx context.Context, e domain.Execution) error
}

// RunState tracks whether a job is already in flight. A trigger that
// arrives while a run is in progress is skipped, never queued.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Running reports whether a run holds the gate.
func (s *RunState) Running() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

type HistoryItem struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Started  time.Time         `json:"started"`
	Duration time.Duration     `json:"duration"`
	Status   domain.ExecStatus `json:"status"`
	Error    string            `json:"error"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	InFlight int           `json:"in_flight"`
	Stopping bool          `json:"stopping"`
	Skipped  uint64        `json:"skipped"`
	History  []HistoryItem `json:"history"`
}
