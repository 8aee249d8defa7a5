package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"mailsched/internal/domain"
	"mailsched/internal/errs"
)

// CreateClient inserts a client. A duplicate email returns ErrConflict.
func (s *Store) CreateClient(ctx context.Context, c domain.Client) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
INSERT INTO clients (email, last_name, first_name, middle_name, comment, creator_id)
VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		strings.TrimSpace(c.Email), c.LastName, c.FirstName, c.MiddleName, c.Comment, nullID(c.CreatorID),
	).Scan(&id)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("%w: client email %q already exists", errs.ErrConflict, c.Email)
	}
	if err != nil {
		return 0, persistErr("insert client", err)
	}
	return id, nil
}

// CreateMessage inserts a message.
func (s *Store) CreateMessage(ctx context.Context, m domain.Message) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
INSERT INTO messages (title, body, creator_id) VALUES (?, ?, ?) RETURNING id`),
		strings.TrimSpace(m.Title), m.Body, nullID(m.CreatorID),
	).Scan(&id)
	if err != nil {
		return 0, persistErr("insert message", err)
	}
	return id, nil
}

// CreateRecurrence inserts a recurrence descriptor.
func (s *Store) CreateRecurrence(ctx context.Context, r domain.Recurrence) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
INSERT INTO recurrences (name, days_until_next) VALUES (?, ?) RETURNING id`),
		strings.TrimSpace(r.Name), r.DaysUntilNext,
	).Scan(&id)
	if err != nil {
		return 0, persistErr("insert recurrence", err)
	}
	return id, nil
}

// Exists reports whether a row with id exists in one of the entity tables.
func (s *Store) Exists(ctx context.Context, table string, id int64) (bool, error) {
	switch table {
	case "clients", "messages", "recurrences", "campaigns":
	default:
		return false, fmt.Errorf("%w: unknown table %q", errs.ErrInvalidParameter, table)
	}
	var n int64
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM `+table+` WHERE id = ?`), id); err != nil {
		return false, persistErr("exists "+table, err)
	}
	return n > 0, nil
}

// CreatorOf returns the creator of a client or message row, 0 when the row
// has none. A missing row returns ErrNotFound.
func (s *Store) CreatorOf(ctx context.Context, table string, id int64) (int64, error) {
	switch table {
	case "clients", "messages", "campaigns":
	default:
		return 0, fmt.Errorf("%w: table %q has no creator", errs.ErrInvalidParameter, table)
	}
	var creator sql.NullInt64
	err := s.db.GetContext(ctx, &creator, s.db.Rebind(`SELECT creator_id FROM `+table+` WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s %d", errs.ErrNotFound, strings.TrimSuffix(table, "s"), id)
	}
	if err != nil {
		return 0, persistErr("creator of "+table, err)
	}
	return creator.Int64, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
