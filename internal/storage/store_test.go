package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsched/internal/domain"
	"mailsched/internal/errs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "mailsched.db")}, nopLog())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

type seeded struct {
	recurrenceID int64
	messageID    int64
	clientIDs    []int64
}

func seed(t *testing.T, st *Store, days int, emails ...string) seeded {
	t.Helper()
	ctx := context.Background()
	var out seeded
	var err error
	out.recurrenceID, err = st.CreateRecurrence(ctx, domain.Recurrence{Name: "every n", DaysUntilNext: days})
	require.NoError(t, err)
	out.messageID, err = st.CreateMessage(ctx, domain.Message{Title: "Hello", Body: "Body text"})
	require.NoError(t, err)
	for _, e := range emails {
		id, err := st.CreateClient(ctx, domain.Client{Email: e})
		require.NoError(t, err)
		out.clientIDs = append(out.clientIDs, id)
	}
	return out
}

func (s seeded) campaign(first time.Time) domain.Campaign {
	return domain.Campaign{
		FirstSentAt:  first,
		Recurrence:   domain.Recurrence{ID: s.recurrenceID},
		Message:      domain.Message{ID: s.messageID},
		RecipientIDs: s.clientIDs,
	}
}

func TestDueCandidatesFiltersStatusAndFirstSentAt(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	sd := seed(t, st, 1, "a@x.com", "b@x.com")

	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	dueID, err := st.CreateCampaign(ctx, sd.campaign(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	_, err = st.CreateCampaign(ctx, sd.campaign(now.Add(time.Hour)))
	require.NoError(t, err)
	_, err = st.CreateCampaign(ctx, sd.campaign(time.Time{}))
	require.NoError(t, err)
	finishedID, err := st.CreateCampaign(ctx, sd.campaign(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	require.NoError(t, st.TransitionStatus(ctx, finishedID, domain.StatusNew, domain.StatusFinished))

	got, err := st.DueCandidates(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, dueID, c.ID)
	assert.Equal(t, domain.StatusNew, c.Status)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, c.Recipients)
	assert.Equal(t, "Hello", c.Message.Title)
	assert.Equal(t, 1, c.Recurrence.DaysUntilNext)
	assert.True(t, c.FirstSentAt.Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)))
}

func TestTransitionStatusIsConditional(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	sd := seed(t, st, 1, "a@x.com")
	id, err := st.CreateCampaign(ctx, sd.campaign(time.Now()))
	require.NoError(t, err)

	require.NoError(t, st.TransitionStatus(ctx, id, domain.StatusNew, domain.StatusLaunched))
	// Re-entry is a no-op, not a regression.
	require.NoError(t, st.TransitionStatus(ctx, id, domain.StatusNew, domain.StatusLaunched))

	c, err := st.GetCampaign(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLaunched, c.Status)

	require.NoError(t, st.TransitionStatus(ctx, id, domain.StatusLaunched, domain.StatusFinished))
	err = st.TransitionStatus(ctx, id, domain.StatusNew, domain.StatusLaunched)
	assert.ErrorIs(t, err, errs.ErrConflict)

	err = st.TransitionStatus(ctx, id, domain.StatusFinished, domain.StatusNew)
	assert.ErrorIs(t, err, errs.ErrIllegalTransition)

	err = st.TransitionStatus(ctx, 9999, domain.StatusNew, domain.StatusLaunched)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestInsertAndListAttempts(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	sd := seed(t, st, 1, "a@x.com")
	id, err := st.CreateCampaign(ctx, sd.campaign(time.Now()))
	require.NoError(t, err)

	ok, fail := true, false
	at := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, st.InsertAttempts(ctx, []domain.Attempt{
		{CampaignID: id, LastAttempt: at, IsSuccess: &ok, ServerAnswer: "250 accepted"},
		{CampaignID: id, LastAttempt: at.Add(24 * time.Hour), IsSuccess: &fail, ServerAnswer: "dial tcp: refused"},
		{CampaignID: id, LastAttempt: at.Add(48 * time.Hour)},
	}))

	got, err := st.ListAttempts(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Nil(t, got[0].IsSuccess)
	assert.Empty(t, got[0].ServerAnswer)
	assert.False(t, got[1].Succeeded())
	assert.Equal(t, "dial tcp: refused", got[1].ServerAnswer)
	assert.True(t, got[2].Succeeded())

	n, err := st.CountAttemptsSince(ctx, id, at.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestInsertAttemptsLargeBatch(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	sd := seed(t, st, 1, "a@x.com")
	id, err := st.CreateCampaign(ctx, sd.campaign(time.Now()))
	require.NoError(t, err)

	batch := make([]domain.Attempt, attemptBatchSize*2+7)
	for i := range batch {
		batch[i] = domain.Attempt{CampaignID: id, LastAttempt: time.Unix(int64(i), 0)}
	}
	require.NoError(t, st.InsertAttempts(ctx, batch))
	got, err := st.ListAttempts(ctx, id, 0)
	require.NoError(t, err)
	assert.Len(t, got, len(batch))
}

func TestDeleteExecutionsBefore(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	retention := 604800 * time.Second

	ages := []time.Duration{retention + time.Hour, retention + time.Second, retention, retention - time.Minute, time.Hour}
	for i, age := range ages {
		start := now.Add(-age)
		require.NoError(t, st.InsertExecution(ctx, domain.Execution{
			RunID: "run-" + string(rune('a'+i)), Job: "dispatch", StartedAt: start, FinishedAt: start.Add(time.Second),
			Duration: time.Second, Status: domain.ExecSuccess,
		}))
	}

	n, err := st.DeleteExecutionsBefore(ctx, now.Add(-retention))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	left, err := st.ListExecutions(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, left, 3)
	for _, e := range left {
		assert.LessOrEqual(t, now.Sub(e.StartedAt), retention)
	}
}

func TestCreateClientDuplicateEmail(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.CreateClient(ctx, domain.Client{Email: "a@x.com"})
	require.NoError(t, err)
	_, err = st.CreateClient(ctx, domain.Client{Email: "a@x.com"})
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestCreatorOf(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	owned, err := st.CreateMessage(ctx, domain.Message{Title: "Owned", Body: "x", CreatorID: 7})
	require.NoError(t, err)
	shared, err := st.CreateClient(ctx, domain.Client{Email: "shared@x.com"})
	require.NoError(t, err)

	got, err := st.CreatorOf(ctx, "messages", owned)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got)

	got, err = st.CreatorOf(ctx, "clients", shared)
	require.NoError(t, err)
	assert.Zero(t, got)

	_, err = st.CreatorOf(ctx, "clients", 404)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = st.CreatorOf(ctx, "recurrences", 1)
	assert.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func TestStatsAndListCampaigns(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	sd := seed(t, st, 7, "a@x.com", "b@x.com", "c@x.com")
	first, err := st.CreateCampaign(ctx, sd.campaign(time.Now()))
	require.NoError(t, err)
	_, err = st.CreateCampaign(ctx, sd.campaign(time.Now()))
	require.NoError(t, err)
	require.NoError(t, st.TransitionStatus(ctx, first, domain.StatusNew, domain.StatusFinished))
	require.NoError(t, st.SetRecipients(ctx, first, sd.clientIDs[:1]))

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Stats{Campaigns: 2, ActiveCampaigns: 1, UniqueClients: 3}, stats)

	finished, err := st.ListCampaigns(ctx, CampaignFilter{Status: string(domain.StatusFinished)})
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, []string{"a@x.com"}, finished[0].Recipients)
}
