package storage

import (
	"context"
	"database/sql"
	"time"

	"mailsched/internal/domain"
)

type executionRow struct {
	ID         int64          `db:"id"`
	RunID      string         `db:"run_id"`
	Job        string         `db:"job"`
	StartedAt  int64          `db:"started_at"`
	FinishedAt int64          `db:"finished_at"`
	DurationMS int64          `db:"duration_ms"`
	Status     string         `db:"status"`
	Error      sql.NullString `db:"error"`
}

func (r executionRow) toDomain() domain.Execution {
	return domain.Execution{
		ID:         r.ID,
		RunID:      r.RunID,
		Job:        r.Job,
		StartedAt:  fromMillis(r.StartedAt),
		FinishedAt: fromMillis(r.FinishedAt),
		Duration:   time.Duration(r.DurationMS) * time.Millisecond,
		Status:     domain.ExecStatus(r.Status),
		Error:      r.Error.String,
	}
}

// InsertExecution appends one scheduler job history row.
func (s *Store) InsertExecution(ctx context.Context, e domain.Execution) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO job_executions (run_id, job, started_at, finished_at, duration_ms, status, error)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.RunID, e.Job, toMillis(e.StartedAt), toMillis(e.FinishedAt), e.Duration.Milliseconds(),
		string(e.Status), nullStr(e.Error),
	)
	if err != nil {
		return persistErr("insert execution", err)
	}
	return nil
}

// DeleteExecutionsBefore removes history rows that started strictly before
// cutoff and returns how many were removed.
func (s *Store) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM job_executions WHERE started_at < ?`), toMillis(cutoff))
	if err != nil {
		return 0, persistErr("delete executions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr("delete executions", err)
	}
	return n, nil
}

// ListExecutions returns the newest history rows first, optionally filtered
// by job name.
func (s *Store) ListExecutions(ctx context.Context, job string, limit int) ([]domain.Execution, error) {
	q := `SELECT id, run_id, job, started_at, finished_at, duration_ms, status, error FROM job_executions`
	args := make([]any, 0, 2)
	if job != "" {
		q += ` WHERE job = ?`
		args = append(args, job)
	}
	q += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, persistErr("list executions", err)
	}
	out := make([]domain.Execution, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}
