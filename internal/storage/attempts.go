package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"mailsched/internal/domain"
)

// attemptBatchSize keeps a single INSERT under SQLite's bound-variable limit.
const attemptBatchSize = 500

type attemptRow struct {
	ID           int64          `db:"id"`
	CampaignID   int64          `db:"campaign_id"`
	LastAttempt  int64          `db:"last_attempt"`
	IsSuccess    sql.NullBool   `db:"is_success"`
	ServerAnswer sql.NullString `db:"server_answer"`
}

func attemptToRow(a domain.Attempt) attemptRow {
	r := attemptRow{
		CampaignID:   a.CampaignID,
		LastAttempt:  toMillis(a.LastAttempt),
		ServerAnswer: sql.NullString{String: a.ServerAnswer, Valid: a.ServerAnswer != ""},
	}
	if a.IsSuccess != nil {
		r.IsSuccess = sql.NullBool{Bool: *a.IsSuccess, Valid: true}
	}
	return r
}

func (r attemptRow) toDomain() domain.Attempt {
	a := domain.Attempt{
		ID:           r.ID,
		CampaignID:   r.CampaignID,
		LastAttempt:  fromMillis(r.LastAttempt),
		ServerAnswer: r.ServerAnswer.String,
	}
	if r.IsSuccess.Valid {
		ok := r.IsSuccess.Bool
		a.IsSuccess = &ok
	}
	return a
}

// InsertAttempts writes all attempts in one transaction. Either every row is
// stored or none is.
func (s *Store) InsertAttempts(ctx context.Context, attempts []domain.Attempt) error {
	if len(attempts) == 0 {
		return nil
	}
	rows := make([]attemptRow, 0, len(attempts))
	for _, a := range attempts {
		rows = append(rows, attemptToRow(a))
	}
	return s.Transact(ctx, func(tx *sqlx.Tx) error {
		for start := 0; start < len(rows); start += attemptBatchSize {
			end := min(start+attemptBatchSize, len(rows))
			if _, err := tx.NamedExecContext(ctx, `
INSERT INTO attempts (campaign_id, last_attempt, is_success, server_answer)
VALUES (:campaign_id, :last_attempt, :is_success, :server_answer)`, rows[start:end]); err != nil {
				return persistErr("insert attempts", err)
			}
		}
		return nil
	})
}

// ListAttempts returns the newest attempts of a campaign first. A
// non-positive limit returns every row.
func (s *Store) ListAttempts(ctx context.Context, campaignID int64, limit int) ([]domain.Attempt, error) {
	q := `SELECT id, campaign_id, last_attempt, is_success, server_answer
FROM attempts WHERE campaign_id = ? ORDER BY last_attempt DESC, id DESC`
	args := []any{campaignID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []attemptRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, persistErr("list attempts", err)
	}
	out := make([]domain.Attempt, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// CountAttemptsSince counts attempts of a campaign at or after since.
func (s *Store) CountAttemptsSince(ctx context.Context, campaignID int64, since time.Time) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		s.db.Rebind(`SELECT COUNT(*) FROM attempts WHERE campaign_id = ? AND last_attempt >= ?`),
		campaignID, toMillis(since))
	if err != nil {
		return 0, persistErr("count attempts", err)
	}
	return n, nil
}
