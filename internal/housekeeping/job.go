// Package housekeeping prunes scheduler execution history.
package housekeeping

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"mailsched/internal/errs"
	"mailsched/internal/metrics"
	logx "mailsched/pkg/logx"
)

// DefaultRetention keeps one week of history (604800s).
const DefaultRetention = 7 * 24 * time.Hour

// Pruner deletes history rows that started strictly before cutoff.
type Pruner interface {
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Job struct {
	store     Pruner
	retention atomic.Int64
	log       logx.Logger
}

func New(store Pruner, retention time.Duration, log logx.Logger) *Job {
	if log.IsZero() {
		log = logx.Nop()
	}
	j := &Job{store: store, log: log.With(logx.String("comp", "housekeeping"))}
	j.SetRetention(retention)
	return j
}

func (j *Job) Retention() time.Duration { return time.Duration(j.retention.Load()) }

// SetRetention changes the window for subsequent runs. Non-positive values
// restore the default.
func (j *Job) SetRetention(d time.Duration) {
	if d <= 0 {
		d = DefaultRetention
	}
	j.retention.Store(int64(d))
}

// Run deletes execution rows older than the retention window at now and
// returns how many were removed.
func (j *Job) Run(ctx context.Context, now time.Time) (int64, error) {
	retention := j.Retention()
	cutoff := now.Add(-retention)
	n, err := j.store.DeleteExecutionsBefore(ctx, cutoff)
	if err != nil {
		j.log.Warn("execution history prune failed", logx.Time("cutoff", cutoff), logx.Err(err))
		return 0, fmt.Errorf("%w: prune executions: %w", errs.ErrPersistence, err)
	}
	metrics.AddHousekeepingDeleted(n)
	j.log.Info("execution history pruned",
		logx.Int64("deleted", n),
		logx.Time("cutoff", cutoff),
		logx.Duration("retention", retention),
	)
	return n, nil
}
