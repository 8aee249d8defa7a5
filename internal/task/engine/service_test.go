package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsched/internal/domain"
	logx "mailsched/pkg/logx"
)

type memRecorder struct {
	mu   sync.Mutex
	rows []domain.Execution
	err  error
}

func (r *memRecorder) InsertExecution(_ context.Context, e domain.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.rows = append(r.rows, e)
	return nil
}

func (r *memRecorder) all() []domain.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Execution(nil), r.rows...)
}

func TestRunRecordsSuccess(t *testing.T) {
	rec := &memRecorder{}
	s := New(Config{}, rec, logx.Nop())
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return at })

	var got time.Time
	item, err := s.Run(context.Background(), Task{Name: "dispatch", Run: func(_ context.Context, now time.Time) error {
		got = now
		return nil
	}})
	require.NoError(t, err)
	assert.Equal(t, at, got)
	assert.Equal(t, domain.ExecSuccess, item.Status)
	assert.NotEmpty(t, item.ID)

	rows := rec.all()
	require.Len(t, rows, 1)
	assert.Equal(t, item.ID, rows[0].RunID)
	assert.Equal(t, "dispatch", rows[0].Job)
	assert.Equal(t, domain.ExecSuccess, rows[0].Status)
	assert.Equal(t, at, rows[0].StartedAt)
}

func TestRunRecoversPanic(t *testing.T) {
	rec := &memRecorder{}
	s := New(Config{}, rec, logx.Nop())

	item, err := s.Run(context.Background(), Task{Name: "dispatch", Run: func(context.Context, time.Time) error {
		panic("boom")
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, domain.ExecPanic, item.Status)

	// The engine is usable after a panic and the gate was released.
	st := &RunState{}
	_, err = s.Run(context.Background(), Task{Name: "dispatch", State: st, Run: func(context.Context, time.Time) error { return nil }})
	require.NoError(t, err)
	assert.False(t, st.Running())
	assert.Len(t, rec.all(), 2)
}

func TestRunFailureKeepsError(t *testing.T) {
	rec := &memRecorder{}
	s := New(Config{}, rec, logx.Nop())
	_, err := s.Run(context.Background(), Task{Name: "housekeeping", Run: func(context.Context, time.Time) error {
		return errors.New("db down")
	}})
	require.Error(t, err)
	rows := rec.all()
	require.Len(t, rows, 1)
	assert.Equal(t, domain.ExecFailed, rows[0].Status)
	assert.Equal(t, "db down", rows[0].Error)
}

func TestRunSkipsOverlap(t *testing.T) {
	rec := &memRecorder{}
	s := New(Config{}, rec, logx.Nop())
	st := &RunState{}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), Task{Name: "dispatch", State: st, Run: func(context.Context, time.Time) error {
			close(started)
			<-release
			return nil
		}})
		done <- err
	}()
	<-started

	calls := 0
	item, err := s.Run(context.Background(), Task{Name: "dispatch", State: st, Run: func(context.Context, time.Time) error {
		calls++
		return nil
	}})
	assert.ErrorIs(t, err, ErrOverlapSkip)
	assert.Equal(t, domain.ExecSkipped, item.Status)
	assert.Zero(t, calls)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), s.Snapshot().Skipped)

	statuses := map[domain.ExecStatus]int{}
	for _, r := range rec.all() {
		statuses[r.Status]++
	}
	assert.Equal(t, 1, statuses[domain.ExecSkipped])
	assert.Equal(t, 1, statuses[domain.ExecSuccess])
}

func TestRunTimeout(t *testing.T) {
	s := New(Config{DefaultTimeout: 20 * time.Millisecond}, nil, logx.Nop())
	_, err := s.Run(context.Background(), Task{Name: "slow", Run: func(ctx context.Context, _ time.Time) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunIgnoresParentCancel(t *testing.T) {
	s := New(Config{}, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Run(ctx, Task{Name: "dispatch", Run: func(ctx context.Context, _ time.Time) error {
		return ctx.Err()
	}})
	assert.NoError(t, err)
}

func TestDrainWaitsAndRejects(t *testing.T) {
	s := New(Config{}, nil, logx.Nop())
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = s.Run(context.Background(), Task{Name: "dispatch", Run: func(context.Context, time.Time) error {
			close(started)
			<-release
			return nil
		}})
	}()
	<-started

	drained := make(chan error, 1)
	go func() { drained <- s.Drain(context.Background()) }()

	select {
	case <-drained:
		t.Fatal("Drain returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := s.Run(context.Background(), Task{Name: "late", Run: func(context.Context, time.Time) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)

	close(release)
	select {
	case err := <-drained:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Drain did not return")
	}

	s.Resume()
	_, err = s.Run(context.Background(), Task{Name: "again", Run: func(context.Context, time.Time) error { return nil }})
	assert.NoError(t, err)
}

func TestDrainRacingRunsNeverStartLate(t *testing.T) {
	s := New(Config{}, nil, logx.Nop())
	var drained atomic.Bool
	var late atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Run(context.Background(), Task{Name: "dispatch", Run: func(context.Context, time.Time) error {
				if drained.Load() {
					late.Add(1)
				}
				time.Sleep(time.Millisecond)
				return nil
			}})
		}()
	}

	require.NoError(t, s.Drain(context.Background()))
	drained.Store(true)
	wg.Wait()

	assert.Zero(t, late.Load())
	_, err := s.Run(context.Background(), Task{Name: "after", Run: func(context.Context, time.Time) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Zero(t, s.Snapshot().InFlight)
}

func TestDrainTimeout(t *testing.T) {
	s := New(Config{}, nil, logx.Nop())
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go func() {
		_, _ = s.Run(context.Background(), Task{Name: "stuck", Run: func(context.Context, time.Time) error {
			close(started)
			<-release
			return nil
		}})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Drain(ctx)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHistoryBounded(t *testing.T) {
	s := New(Config{HistorySize: 3}, nil, logx.Nop())
	for i := 0; i < 5; i++ {
		_, _ = s.Run(context.Background(), Task{Name: "dispatch", Run: func(context.Context, time.Time) error { return nil }})
	}
	assert.Len(t, s.Snapshot().History, 3)
}
