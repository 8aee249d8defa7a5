package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsched/internal/domain"
	"mailsched/internal/errs"
	logx "mailsched/pkg/logx"
)

func nopLog() logx.Logger { return logx.Nop() }

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "sqlmock"), DriverSQLite, nopLog()), mock
}

func TestInsertAttemptsRollsBackWholeBatch(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO attempts").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := st.InsertAttempts(context.Background(), []domain.Attempt{
		{CampaignID: 1, LastAttempt: time.Now()},
		{CampaignID: 2, LastAttempt: time.Now()},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAttemptsCommitFailure(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO attempts").WillReturnResult(sqlmock.NewResult(2, 2))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err := st.InsertAttempts(context.Background(), []domain.Attempt{
		{CampaignID: 1, LastAttempt: time.Now()},
		{CampaignID: 2, LastAttempt: time.Now()},
	})
	assert.ErrorIs(t, err, errs.ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAttemptsEmptyIsNoop(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)
	require.NoError(t, st.InsertAttempts(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionStatusWriteFailure(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectExec("UPDATE campaigns SET status").
		WithArgs("launched", int64(7), "new").
		WillReturnError(errors.New("connection reset"))

	err := st.TransitionStatus(context.Background(), 7, domain.StatusNew, domain.StatusLaunched)
	assert.ErrorIs(t, err, errs.ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExecutionsBeforeUsesMillis(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)
	cutoff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM job_executions WHERE started_at < ?")).
		WithArgs(cutoff.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := st.DeleteExecutionsBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
