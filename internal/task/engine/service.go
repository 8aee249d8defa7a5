package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mailsched/internal/domain"
	"mailsched/internal/metrics"
	logx "mailsched/pkg/logx"
)

const defaultHistorySize = 200

// Service runs jobs in the caller's goroutine with overlap skipping, panic
// recovery, an optional timeout and one execution row per run.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	rec ExecutionRecorder

	now func() time.Time

	// gate orders admission against Drain: a run is counted in inflight
	// before stopping can be observed as set.
	gate     sync.Mutex
	inflight sync.WaitGroup
	running  int32
	stopping atomic.Bool
	skipped  atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

// New creates the engine. rec may be nil, in which case runs are only kept
// in memory.
func New(cfg Config, rec ExecutionRecorder, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "taskengine")),
		rec: rec,
		now: time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() (Config, func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 5 * time.Second
	}
	return cfg, s.now
}

// Resume re-opens the engine after Drain.
func (s *Service) Resume() {
	s.gate.Lock()
	s.stopping.Store(false)
	s.gate.Unlock()
}

// admit counts a run as in flight unless the engine is draining.
func (s *Service) admit() bool {
	s.gate.Lock()
	defer s.gate.Unlock()
	if s.stopping.Load() {
		return false
	}
	s.inflight.Add(1)
	return true
}

// Run executes t synchronously.
//
// The run is detached from ctx cancellation so a shutdown lets it finish;
// only the task timeout bounds it. An overlapping trigger returns
// ErrOverlapSkip and a skipped history item.
func (s *Service) Run(ctx context.Context, t Task) (HistoryItem, error) {
	if t.Run == nil {
		return HistoryItem{}, fmt.Errorf("task Run is nil")
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return HistoryItem{}, fmt.Errorf("task Name is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.admit() {
		return HistoryItem{}, ErrStopped
	}
	defer s.inflight.Done()
	cfg, clock := s.config()
	start := clock()

	if !t.State.tryAcquire() {
		s.skipped.Add(1)
		item := HistoryItem{ID: uuid.NewString(), Name: name, Started: start, Status: domain.ExecSkipped, Error: ErrOverlapSkip.Error()}
		s.log.Warn("task.skipped", logx.String("task", name), logx.String("reason", "overlap"))
		s.finish(ctx, cfg, item, start)
		return item, ErrOverlapSkip
	}
	defer t.State.release()

	atomic.AddInt32(&s.running, 1)
	defer atomic.AddInt32(&s.running, -1)

	item := HistoryItem{ID: uuid.NewString(), Name: name, Started: start, Status: domain.ExecSuccess}
	log := s.log.With(logx.String("task", name), logx.String("run_id", item.ID))
	log.Debug("task.started")

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
	}

	var err error
	panicked := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				err = fmt.Errorf("panic: %v", r)
				log.Error("task.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = t.Run(runCtx, start)
	}()
	if cancel != nil {
		cancel()
	}

	item.Duration = clock().Sub(start)
	switch {
	case panicked:
		item.Status = domain.ExecPanic
	case err != nil:
		item.Status = domain.ExecFailed
	}
	if err != nil {
		item.Error = err.Error()
		log.Warn("task.failed", logx.Duration("took", item.Duration), logx.Err(err))
	} else {
		log.Debug("task.done", logx.Duration("took", item.Duration))
	}
	s.finish(ctx, cfg, item, start)
	return item, err
}

func (s *Service) finish(ctx context.Context, cfg Config, item HistoryItem, start time.Time) {
	metrics.ObserveJob(item.Name, string(item.Status), item.Duration)

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()

	if s.rec == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.RecordTimeout)
	defer cancel()
	err := s.rec.InsertExecution(rctx, domain.Execution{
		RunID:      item.ID,
		Job:        item.Name,
		StartedAt:  start,
		FinishedAt: start.Add(item.Duration),
		Duration:   item.Duration,
		Status:     item.Status,
		Error:      item.Error,
	})
	if err != nil {
		s.log.Warn("execution history write failed", logx.String("task", item.Name), logx.String("run_id", item.ID), logx.Err(err))
	}
}

// Drain rejects new runs and waits for in-flight ones or ctx.
func (s *Service) Drain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.gate.Lock()
	s.stopping.Store(true)
	s.gate.Unlock()
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.log.Warn("task engine drain timed out", logx.Int("in_flight", int(atomic.LoadInt32(&s.running))), logx.Err(ctx.Err()))
		return errors.Join(ErrStopped, ctx.Err())
	}
}

func (s *Service) Snapshot() Snapshot {
	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()
	return Snapshot{
		InFlight: int(atomic.LoadInt32(&s.running)),
		Stopping: s.stopping.Load(),
		Skipped:  s.skipped.Load(),
		History:  h,
	}
}
