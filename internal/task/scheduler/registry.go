package scheduler

import (
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"mailsched/internal/task/engine"
	logx "mailsched/pkg/logx"
)

// AddSchedule registers job under name, replacing any schedule already
// registered with that name. See ParseSchedule for the accepted formats.
// timeout 0 uses the engine default.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return errors.New("schedule job required")
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{name: name, spec: sched.CronSpec(), timeout: timeout, job: job, gate: &engine.RunState{}}
	if old, ok := s.entries[name]; ok {
		e.gate = old.gate
		s.unbindLocked(old)
	}
	s.entries[name] = e
	if s.cr == nil {
		return nil
	}
	if err := s.bindLocked(e); err != nil {
		delete(s.entries, name)
		return err
	}
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("schedule registered",
			logx.String("name", name),
			logx.String("spec", e.spec),
			logx.String("next", upcoming(e.spec, s.loc, 3)),
		)
	}
	return nil
}

// Remove drops the named schedule. A run already in flight is not affected.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[strings.TrimSpace(name)]
	if !ok {
		return false
	}
	s.unbindLocked(e)
	delete(s.entries, e.name)
	return true
}

func (s *Service) lookup(name string) (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return entry{}, false
	}
	return *e, true
}

// bindLocked adds e to the running cron instance. The job captures the run
// context and location current at bind time so firing never takes mu; a
// timezone change rebinds every entry on a fresh instance.
func (s *Service) bindLocked(e *entry) error {
	snapshot := *e
	ctx, loc := s.runCtx, s.loc
	id, err := s.cr.AddJob(e.spec, cron.FuncJob(func() {
		// The engine logs and records every outcome.
		_, _ = s.run(ctx, snapshot, loc)
	}))
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", e.name), logx.String("spec", e.spec), logx.Err(err))
		return err
	}
	e.id = id
	return nil
}

func (s *Service) unbindLocked(e *entry) {
	if s.cr != nil && e.id != 0 {
		s.cr.Remove(e.id)
	}
	e.id = 0
}

// upcoming formats the next n fire times of spec for debug logs.
func upcoming(spec string, loc *time.Location, n int) string {
	sched, err := cronParser.Parse(spec)
	if err != nil || loc == nil {
		return ""
	}
	out := make([]string, 0, n)
	for t := time.Now().In(loc); len(out) < n; {
		if t = sched.Next(t); t.IsZero() {
			break
		}
		out = append(out, t.Format(time.DateTime))
	}
	return strings.Join(out, ", ")
}
