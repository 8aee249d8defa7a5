package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mailsched/internal/task/engine"
	logx "mailsched/pkg/logx"
)

type Config struct {
	Enabled bool
	// Timezone is an IANA name such as "Europe/Moscow". Empty means Local.
	Timezone string
}

// Job is the function a schedule runs. now is the trigger time in the
// scheduler timezone.
type Job func(ctx context.Context, now time.Time) error

type HistoryItem = engine.HistoryItem

// entry is one named schedule. gate outlives re-registration so a reload
// cannot start a second concurrent run of the same job.
type entry struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	gate    *engine.RunState
	id      cron.EntryID
}

// Service fires registered jobs from a cron instance and hands every run to
// the task engine.
type Service struct {
	log    logx.Logger
	engine *engine.Service

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	cr      *cron.Cron
	entries map[string]*entry
	// runCtx carries values (not cancellation) into cron-fired runs.
	runCtx context.Context
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
	Running bool          `json:"running"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Started   bool           `json:"started"`
	Timezone  string         `json:"timezone"`
	InFlight  int            `json:"in_flight"`
	Skipped   uint64         `json:"skipped"`
	Schedules []ScheduleInfo `json:"schedules"`
	History   []HistoryItem  `json:"history"`
}
