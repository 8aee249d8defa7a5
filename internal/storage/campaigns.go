package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"mailsched/internal/domain"
	"mailsched/internal/errs"
	logx "mailsched/pkg/logx"
)

type campaignRow struct {
	ID             int64         `db:"id"`
	FirstSentAt    sql.NullInt64 `db:"first_sent_at"`
	Status         string        `db:"status"`
	CreatorID      sql.NullInt64 `db:"creator_id"`
	RecurrenceID   int64         `db:"recurrence_id"`
	RecurrenceName string        `db:"recurrence_name"`
	DaysUntilNext  int           `db:"days_until_next"`
	MessageID      int64         `db:"message_id"`
	Title          string        `db:"title"`
	Body           string        `db:"body"`
	MessageCreator sql.NullInt64 `db:"message_creator_id"`
}

func (r campaignRow) toDomain() domain.Campaign {
	c := domain.Campaign{
		ID:        r.ID,
		Status:    domain.Status(r.Status),
		CreatorID: r.CreatorID.Int64,
		Recurrence: domain.Recurrence{
			ID:            r.RecurrenceID,
			Name:          r.RecurrenceName,
			DaysUntilNext: r.DaysUntilNext,
		},
		Message: domain.Message{
			ID:        r.MessageID,
			Title:     r.Title,
			Body:      r.Body,
			CreatorID: r.MessageCreator.Int64,
		},
	}
	if r.FirstSentAt.Valid {
		c.FirstSentAt = fromMillis(r.FirstSentAt.Int64)
	}
	return c
}

type recipientRow struct {
	CampaignID int64  `db:"campaign_id"`
	ClientID   int64  `db:"client_id"`
	Email      string `db:"email"`
}

const campaignSelect = `
SELECT c.id, c.first_sent_at, c.status, c.creator_id,
	r.id AS recurrence_id, r.name AS recurrence_name, r.days_until_next,
	m.id AS message_id, m.title, m.body, m.creator_id AS message_creator_id
FROM campaigns c
JOIN recurrences r ON r.id = c.recurrence_id
JOIN messages m ON m.id = c.message_id
`

// DueCandidates returns campaigns in a dispatchable status whose
// first_sent_at is set and not after now, with recipients resolved. This is
// a coarse filter; exact due-ness is decided by the recurrence policy.
func (s *Store) DueCandidates(ctx context.Context, now time.Time) ([]domain.Campaign, error) {
	statuses := make([]string, 0, 2)
	for _, st := range domain.DispatchableStatuses() {
		statuses = append(statuses, string(st))
	}
	q, args, err := sqlx.In(campaignSelect+`
WHERE c.status IN (?) AND c.first_sent_at IS NOT NULL AND c.first_sent_at <= ?
ORDER BY c.id`, statuses, toMillis(now))
	if err != nil {
		return nil, persistErr("build due query", err)
	}

	var rows []campaignRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, persistErr("select due campaigns", err)
	}
	out := make([]domain.Campaign, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	if err := s.attachRecipients(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) attachRecipients(ctx context.Context, q querier, campaigns []domain.Campaign) error {
	if len(campaigns) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(campaigns))
	idx := make(map[int64]int, len(campaigns))
	for i, c := range campaigns {
		ids = append(ids, c.ID)
		idx[c.ID] = i
	}
	query, args, err := sqlx.In(`
SELECT cr.campaign_id, cl.id AS client_id, cl.email
FROM campaign_recipients cr
JOIN clients cl ON cl.id = cr.client_id
WHERE cr.campaign_id IN (?)
ORDER BY cr.campaign_id, cl.id`, ids)
	if err != nil {
		return persistErr("build recipients query", err)
	}
	var rows []recipientRow
	if err := q.SelectContext(ctx, &rows, q.Rebind(query), args...); err != nil {
		return persistErr("select recipients", err)
	}
	for _, r := range rows {
		i, ok := idx[r.CampaignID]
		if !ok {
			continue
		}
		campaigns[i].Recipients = append(campaigns[i].Recipients, r.Email)
		campaigns[i].RecipientIDs = append(campaigns[i].RecipientIDs, r.ClientID)
	}
	return nil
}

// TransitionStatus moves a campaign from one status to another with a single
// conditional update. If the row already holds to, the call is a no-op; if
// it holds anything else, ErrConflict is returned and nothing changes.
func (s *Store) TransitionStatus(ctx context.Context, id int64, from, to domain.Status) error {
	if err := domain.Transition(from, to); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE campaigns SET status = ? WHERE id = ? AND status = ?`),
		string(to), id, string(from),
	)
	if err != nil {
		return persistErr("update campaign status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("update campaign status", err)
	}
	if n == 1 {
		return nil
	}

	var cur string
	err = s.db.GetContext(ctx, &cur, s.db.Rebind(`SELECT status FROM campaigns WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: campaign %d", errs.ErrNotFound, id)
	}
	if err != nil {
		return persistErr("read campaign status", err)
	}
	if domain.Status(cur) == to {
		return nil
	}
	return fmt.Errorf("%w: campaign %d is %s, expected %s", errs.ErrConflict, id, cur, from)
}

// CreateCampaign inserts a campaign in status New with its recipients.
func (s *Store) CreateCampaign(ctx context.Context, c domain.Campaign) (int64, error) {
	var id int64
	err := s.Transact(ctx, func(tx *sqlx.Tx) error {
		var firstSent any
		if c.Scheduled() {
			firstSent = toMillis(c.FirstSentAt)
		}
		err := tx.QueryRowxContext(ctx, tx.Rebind(`
INSERT INTO campaigns (first_sent_at, recurrence_id, status, message_id, creator_id)
VALUES (?, ?, ?, ?, ?) RETURNING id`),
			firstSent, c.Recurrence.ID, string(domain.StatusNew), c.Message.ID, nullID(c.CreatorID),
		).Scan(&id)
		if err != nil {
			return persistErr("insert campaign", err)
		}
		return insertRecipients(ctx, tx, id, c.RecipientIDs)
	})
	if err != nil {
		return 0, err
	}
	s.log.Debug("campaign created", logx.Int64("campaign_id", id), logx.Int("recipients", len(c.RecipientIDs)))
	return id, nil
}

// SetRecipients replaces the recipient set of a campaign.
func (s *Store) SetRecipients(ctx context.Context, campaignID int64, clientIDs []int64) error {
	return s.Transact(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM campaign_recipients WHERE campaign_id = ?`), campaignID); err != nil {
			return persistErr("clear recipients", err)
		}
		return insertRecipients(ctx, tx, campaignID, clientIDs)
	})
}

func insertRecipients(ctx context.Context, tx *sqlx.Tx, campaignID int64, clientIDs []int64) error {
	if len(clientIDs) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(clientIDs))
	rows := make([]map[string]any, 0, len(clientIDs))
	for _, id := range clientIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		rows = append(rows, map[string]any{"campaign_id": campaignID, "client_id": id})
	}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO campaign_recipients (campaign_id, client_id) VALUES (:campaign_id, :client_id)`, rows); err != nil {
		return persistErr("insert recipients", err)
	}
	return nil
}

// GetCampaign loads one campaign with recipients.
func (s *Store) GetCampaign(ctx context.Context, id int64) (domain.Campaign, error) {
	var r campaignRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(campaignSelect+`WHERE c.id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Campaign{}, fmt.Errorf("%w: campaign %d", errs.ErrNotFound, id)
	}
	if err != nil {
		return domain.Campaign{}, persistErr("select campaign", err)
	}
	out := []domain.Campaign{r.toDomain()}
	if err := s.attachRecipients(ctx, s.db, out); err != nil {
		return domain.Campaign{}, err
	}
	return out[0], nil
}

// ListCampaigns returns campaigns ordered by id, newest last.
func (s *Store) ListCampaigns(ctx context.Context, f CampaignFilter) ([]domain.Campaign, error) {
	q := campaignSelect + `WHERE 1 = 1`
	args := make([]any, 0, 3)
	if f.Status != "" {
		q += ` AND c.status = ?`
		args = append(args, f.Status)
	}
	if f.CreatorID != 0 {
		q += ` AND c.creator_id = ?`
		args = append(args, f.CreatorID)
	}
	q += ` ORDER BY c.id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []campaignRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, persistErr("list campaigns", err)
	}
	out := make([]domain.Campaign, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	if err := s.attachRecipients(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats counts campaigns, non-finished campaigns and distinct clients.
func (s *Store) Stats(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	err := s.db.GetContext(ctx, &st.Campaigns, `SELECT COUNT(*) FROM campaigns`)
	if err == nil {
		err = s.db.GetContext(ctx, &st.ActiveCampaigns,
			s.db.Rebind(`SELECT COUNT(*) FROM campaigns WHERE status <> ?`), string(domain.StatusFinished))
	}
	if err == nil {
		err = s.db.GetContext(ctx, &st.UniqueClients, `SELECT COUNT(DISTINCT email) FROM clients`)
	}
	if err != nil {
		return domain.Stats{}, persistErr("stats", err)
	}
	return st, nil
}
