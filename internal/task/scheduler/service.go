package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"mailsched/internal/task/engine"
	logx "mailsched/pkg/logx"
)

func New(cfg Config, eng *engine.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "scheduler")),
		engine:  eng,
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
	s.loc = s.resolveLocation(cfg.Timezone)
	return s
}

// Enabled reports the configured flag; it does not say whether cron runs.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Started reports whether cron triggering is active.
func (s *Service) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cr != nil
}

// Location is the timezone triggers and job times are computed in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) resolveLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Apply swaps the config. A timezone change rebuilds the running cron
// instance so every schedule fires on the new wall clock.
// The old instance is drained after mu is released; its jobs never take mu.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if !tzChanged {
		s.mu.Unlock()
		return
	}
	s.loc = s.resolveLocation(cfg.Timezone)
	old := s.cr
	if old != nil {
		s.startCronLocked()
	}
	loc := s.loc
	s.mu.Unlock()

	if old == nil {
		return
	}
	<-old.Stop().Done()
	s.log.Info("timezone changed; schedules rebuilt", logx.String("tz", loc.String()))
}

// Start begins triggering. Cron-fired runs inherit ctx values but not its
// cancellation; Stop ends them.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cr != nil {
		return
	}
	if s.engine != nil {
		s.engine.Resume()
	}
	s.runCtx = context.WithoutCancel(ctx)
	s.startCronLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

func (s *Service) startCronLocked() {
	s.cr = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, e := range s.entries {
		_ = s.bindLocked(e)
	}
	s.cr.Start()
}

// Stop ends triggering, then waits until ctx for in-flight runs, including
// RunNow calls. Registrations survive so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	s.mu.Lock()
	cr := s.cr
	s.cr = nil
	for _, e := range s.entries {
		e.id = 0
	}
	s.mu.Unlock()

	var err error
	if cr != nil {
		select {
		case <-cr.Stop().Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if s.engine != nil {
		if derr := s.engine.Drain(ctx); derr != nil && err == nil {
			err = derr
		}
	}
	if err != nil {
		s.log.Warn("scheduler stop timed out", logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// RunNow runs a registered schedule in the caller's goroutine through the
// same gate as cron triggers; a run already in flight yields
// engine.ErrOverlapSkip.
func (s *Service) RunNow(ctx context.Context, name string) (HistoryItem, error) {
	e, ok := s.lookup(name)
	if !ok {
		return HistoryItem{}, engine.ErrUnknownTask
	}
	return s.run(ctx, e, s.Location())
}

func (s *Service) run(ctx context.Context, e entry, loc *time.Location) (HistoryItem, error) {
	if s.engine == nil {
		return HistoryItem{}, engine.ErrStopped
	}
	return s.engine.Run(ctx, engine.Task{
		Name:    e.name,
		Timeout: e.timeout,
		State:   e.gate,
		Run: func(ctx context.Context, now time.Time) error {
			return e.job(ctx, now.In(loc))
		},
	})
}
