package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsched/internal/domain"
	"mailsched/internal/errs"
	"mailsched/internal/mail"
	logx "mailsched/pkg/logx"
)

// memStore is an in-memory Store with injectable failures.
type memStore struct {
	mu        sync.Mutex
	campaigns map[int64]*domain.Campaign
	attempts  []domain.Attempt
	inserts   int

	candidatesErr error
	transitionErr map[int64]error
	insertErr     error
}

func newMemStore(cs ...domain.Campaign) *memStore {
	m := &memStore{campaigns: map[int64]*domain.Campaign{}, transitionErr: map[int64]error{}}
	for i := range cs {
		c := cs[i]
		m.campaigns[c.ID] = &c
	}
	return m
}

func (m *memStore) DueCandidates(_ context.Context, now time.Time) ([]domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.candidatesErr != nil {
		return nil, m.candidatesErr
	}
	var out []domain.Campaign
	for _, c := range m.campaigns {
		if !c.Status.Dispatchable() || !c.Scheduled() || c.FirstSentAt.After(now) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) TransitionStatus(_ context.Context, id int64, from, to domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transitionErr[id]; err != nil {
		return err
	}
	c, ok := m.campaigns[id]
	if !ok {
		return errs.ErrNotFound
	}
	if c.Status == to {
		return nil
	}
	if c.Status != from {
		return errs.ErrConflict
	}
	if err := domain.Transition(from, to); err != nil {
		return err
	}
	c.Status = to
	return nil
}

func (m *memStore) InsertAttempts(_ context.Context, attempts []domain.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	if m.insertErr != nil {
		return m.insertErr
	}
	m.attempts = append(m.attempts, attempts...)
	return nil
}

func (m *memStore) status(id int64) domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.campaigns[id].Status
}

func (m *memStore) attemptsFor(id int64) []domain.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Attempt
	for _, a := range m.attempts {
		if a.CampaignID == id {
			out = append(out, a)
		}
	}
	return out
}

// fakeTransport fails for subjects listed in failFor.
type fakeTransport struct {
	mu      sync.Mutex
	failFor map[string]bool
	panicOn string
	sent    []mail.Envelope
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(_ context.Context, env mail.Envelope) mail.Result {
	if env.Subject == f.panicOn && f.panicOn != "" {
		panic("provider exploded")
	}
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	if f.failFor[env.Subject] {
		return mail.Failed(errors.New("421 service not available"))
	}
	return mail.Delivered("250 queued as " + env.Subject)
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func campaign(id int64, title string, days int, status domain.Status, recipients ...string) domain.Campaign {
	return domain.Campaign{
		ID:          id,
		FirstSentAt: t0,
		Recurrence:  domain.Recurrence{ID: 1, Name: "r", DaysUntilNext: days},
		Status:      status,
		Message:     domain.Message{ID: id, Title: title, Body: title + " body"},
		Recipients:  recipients,
	}
}

func newTestEngine(st Store, tr mail.Transport, concurrency int) *Engine {
	return NewEngine(Config{From: "noreply@mailsched.local", Concurrency: concurrency}, st, tr, logx.Nop())
}

func TestRunTickDailyScenario(t *testing.T) {
	t.Parallel()
	st := newMemStore(campaign(1, "digest", 1, domain.StatusNew, "a@x.com", "b@x.com"))
	tr := &fakeTransport{}
	e := newTestEngine(st, tr, 1)

	rep, err := e.RunTick(context.Background(), time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Due)
	assert.Equal(t, 1, rep.Launched)
	assert.Equal(t, 1, rep.Written)
	assert.NotEmpty(t, rep.TickID)

	assert.Equal(t, domain.StatusLaunched, st.status(1))
	require.Len(t, tr.sent, 1)
	env := tr.sent[0]
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, env.To)
	assert.Equal(t, "digest", env.Subject)
	assert.Equal(t, "digest body", env.Body)
	assert.Equal(t, "noreply@mailsched.local", env.From)

	attempts := st.attemptsFor(1)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Succeeded())
	assert.Equal(t, "250 queued as digest", attempts[0].ServerAnswer)
}

func TestRunTickMinuteMismatchDoesNothing(t *testing.T) {
	t.Parallel()
	st := newMemStore(campaign(1, "digest", 1, domain.StatusNew, "a@x.com", "b@x.com"))
	tr := &fakeTransport{}
	e := newTestEngine(st, tr, 1)

	rep, err := e.RunTick(context.Background(), time.Date(2024, 1, 2, 9, 5, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Candidates)
	assert.Zero(t, rep.Due)
	assert.Equal(t, domain.StatusNew, st.status(1))
	assert.Zero(t, tr.sentCount())
	assert.Empty(t, st.attemptsFor(1))
	assert.Zero(t, st.inserts, "no bulk write for an empty batch")
}

func TestRunTickLaunchesOnceAcrossTicks(t *testing.T) {
	t.Parallel()
	st := newMemStore(campaign(1, "digest", 1, domain.StatusNew, "a@x.com"))
	tr := &fakeTransport{}
	e := newTestEngine(st, tr, 1)

	launched := 0
	for day := 1; day <= 4; day++ {
		rep, err := e.RunTick(context.Background(), t0.AddDate(0, 0, day))
		require.NoError(t, err)
		launched += rep.Launched
		assert.Equal(t, domain.StatusLaunched, st.status(1))
	}
	assert.Equal(t, 1, launched)
	assert.Len(t, st.attemptsFor(1), 4)
}

func TestRunTickOneAttemptPerDueCampaign(t *testing.T) {
	t.Parallel()
	st := newMemStore(
		campaign(1, "one", 1, domain.StatusNew, "a@x.com"),
		campaign(2, "two", 1, domain.StatusLaunched, "b@x.com"),
		campaign(3, "three", 2, domain.StatusLaunched, "c@x.com"), // not on a boundary
	)
	tr := &fakeTransport{}
	e := newTestEngine(st, tr, 1)

	rep, err := e.RunTick(context.Background(), t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Due)
	assert.Equal(t, 1, st.inserts)
	assert.Len(t, st.attemptsFor(1), 1)
	assert.Len(t, st.attemptsFor(2), 1)
	assert.Empty(t, st.attemptsFor(3))
}

func TestRunTickTransportFailureIsolated(t *testing.T) {
	t.Parallel()
	for _, concurrency := range []int{1, 4} {
		st := newMemStore(
			campaign(1, "broken", 1, domain.StatusLaunched, "a@x.com"),
			campaign(2, "fine", 1, domain.StatusLaunched, "b@x.com"),
		)
		tr := &fakeTransport{failFor: map[string]bool{"broken": true}}
		e := newTestEngine(st, tr, concurrency)

		rep, err := e.RunTick(context.Background(), t0.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Sent)
		assert.Equal(t, 1, rep.Failed)

		a := st.attemptsFor(1)
		require.Len(t, a, 1)
		assert.False(t, a[0].Succeeded())
		assert.Contains(t, a[0].ServerAnswer, "421 service not available")

		b := st.attemptsFor(2)
		require.Len(t, b, 1)
		assert.True(t, b[0].Succeeded())
	}
}

func TestRunTickTransportPanicIsolated(t *testing.T) {
	t.Parallel()
	st := newMemStore(
		campaign(1, "boom", 1, domain.StatusLaunched, "a@x.com"),
		campaign(2, "fine", 1, domain.StatusLaunched, "b@x.com"),
	)
	tr := &fakeTransport{panicOn: "boom"}
	e := newTestEngine(st, tr, 2)

	rep, err := e.RunTick(context.Background(), t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.NoError(t, rep.Err)
	assert.Equal(t, 1, rep.Failed)

	a := st.attemptsFor(1)
	require.Len(t, a, 1)
	assert.False(t, a[0].Succeeded())
	assert.Contains(t, a[0].ServerAnswer, "transport panic")
	assert.Len(t, st.attemptsFor(2), 1)
}

func TestRunTickStatusWriteFailureSkipsCampaign(t *testing.T) {
	t.Parallel()
	st := newMemStore(
		campaign(1, "one", 1, domain.StatusNew, "a@x.com"),
		campaign(2, "two", 1, domain.StatusNew, "b@x.com"),
	)
	st.transitionErr[1] = errs.ErrPersistence
	tr := &fakeTransport{}
	e := newTestEngine(st, tr, 1)

	rep, err := e.RunTick(context.Background(), t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.StatusErrors)
	assert.ErrorIs(t, rep.Err, errs.ErrPersistence)

	assert.Equal(t, domain.StatusNew, st.status(1))
	assert.Empty(t, st.attemptsFor(1))
	assert.Equal(t, domain.StatusLaunched, st.status(2))
	assert.Len(t, st.attemptsFor(2), 1)
	assert.Equal(t, 1, tr.sentCount())
}

func TestRunTickBulkWriteFailureLosesBatch(t *testing.T) {
	t.Parallel()
	st := newMemStore(
		campaign(1, "one", 1, domain.StatusNew, "a@x.com"),
		campaign(2, "two", 1, domain.StatusLaunched, "b@x.com"),
	)
	st.insertErr = errs.ErrPersistence
	e := newTestEngine(st, &fakeTransport{}, 1)

	rep, err := e.RunTick(context.Background(), t0.AddDate(0, 0, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrPersistence)
	assert.Equal(t, 2, rep.Lost)
	assert.Zero(t, rep.Written)
	assert.Empty(t, st.attemptsFor(1))
	// The launch is kept; the next due tick sends again.
	assert.Equal(t, domain.StatusLaunched, st.status(1))
}

func TestRunTickCandidateQueryFailure(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	st.candidatesErr = errs.ErrPersistence
	_, err := newTestEngine(st, &fakeTransport{}, 1).RunTick(context.Background(), t0)
	assert.ErrorIs(t, err, errs.ErrPersistence)
}

func TestRunTickInvalidRecurrenceFlagged(t *testing.T) {
	t.Parallel()
	st := newMemStore(campaign(1, "zero", 0, domain.StatusNew, "a@x.com"))
	tr := &fakeTransport{}
	rep, err := newTestEngine(st, tr, 1).RunTick(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Misconfigured)
	assert.Zero(t, rep.Due)
	assert.Equal(t, domain.StatusNew, st.status(1))
	assert.Zero(t, tr.sentCount())
}

func TestRunTickNoRecipientsRecordsFailure(t *testing.T) {
	t.Parallel()
	st := newMemStore(campaign(1, "empty", 1, domain.StatusLaunched))
	tr := &fakeTransport{}
	rep, err := newTestEngine(st, tr, 1).RunTick(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Zero(t, tr.sentCount())
	a := st.attemptsFor(1)
	require.Len(t, a, 1)
	assert.Contains(t, a[0].ServerAnswer, "no recipients")
}

func TestRunTickEvaluatesInConfiguredLocation(t *testing.T) {
	t.Parallel()
	wib := time.FixedZone("WIB", 7*3600)
	c := campaign(1, "local", 1, domain.StatusNew, "a@x.com")
	c.FirstSentAt = time.Date(2024, 1, 1, 23, 30, 0, 0, wib) // 16:30 UTC
	st := newMemStore(c)
	e := NewEngine(Config{From: "x@y.z", Location: wib}, st, &fakeTransport{}, logx.Nop())

	rep, err := e.RunTick(context.Background(), time.Date(2024, 1, 2, 16, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Due)
}

func TestRecorderRejectsSecondAttempt(t *testing.T) {
	t.Parallel()
	r := NewRecorder()
	_, err := r.Record(1, t0, mail.Delivered("ok"))
	require.NoError(t, err)
	_, err = r.Record(1, t0, mail.Failed(errors.New("x")))
	assert.ErrorIs(t, err, errs.ErrConflict)
	assert.Equal(t, 1, r.Len())

	st := newMemStore()
	n, err := r.Flush(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, r.Len())
}

// repeatingStore returns every candidate row twice.
type repeatingStore struct{ *memStore }

func (r repeatingStore) DueCandidates(ctx context.Context, now time.Time) ([]domain.Campaign, error) {
	cs, err := r.memStore.DueCandidates(ctx, now)
	if err != nil {
		return nil, err
	}
	return append(cs, cs...), nil
}

func TestRunTickDuplicateCandidatesCounted(t *testing.T) {
	t.Parallel()
	st := newMemStore(
		campaign(1, "one", 1, domain.StatusLaunched, "a@x.com"),
		campaign(2, "two", 1, domain.StatusNew, "b@x.com"),
	)
	tr := &fakeTransport{}
	e := newTestEngine(repeatingStore{st}, tr, 4)

	rep, err := e.RunTick(context.Background(), t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Candidates)
	assert.Equal(t, 2, rep.Duplicates)
	assert.Equal(t, 2, rep.Due)
	assert.Equal(t, 1, rep.Launched)
	assert.Zero(t, rep.StatusErrors)
	assert.Equal(t, 2, tr.sentCount())
	assert.Len(t, st.attemptsFor(1), 1)
	assert.Len(t, st.attemptsFor(2), 1)
}
