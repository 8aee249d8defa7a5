// Package dispatch runs one mailing tick: it selects due campaigns, launches
// new ones, sends through the mail transport and stores one attempt per
// campaign in a single batch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"mailsched/internal/domain"
	"mailsched/internal/mail"
	"mailsched/internal/metrics"
	logx "mailsched/pkg/logx"
)

// Store is the persistence the engine needs.
type Store interface {
	AttemptWriter
	DueCandidates(ctx context.Context, now time.Time) ([]domain.Campaign, error)
	TransitionStatus(ctx context.Context, id int64, from, to domain.Status) error
}

// Config controls the engine. It may be swapped at runtime with Apply.
type Config struct {
	// From is the fixed sender address.
	From string
	// Concurrency bounds parallel sends within one tick. Values below 1 mean 1.
	Concurrency int
	// SendTimeout bounds one transport call. 0 disables the bound.
	SendTimeout time.Duration
	// Location is the zone due-ness is evaluated in. nil means UTC.
	Location *time.Location
}

// Report summarizes one tick.
type Report struct {
	TickID        string
	Now           time.Time
	Candidates    int
	Due           int
	Launched      int
	Sent          int
	Failed        int
	Misconfigured int
	StatusErrors  int
	// Duplicates counts candidate rows repeating a campaign already
	// processed this tick.
	Duplicates int
	Written    int
	Lost       int
	Took       time.Duration
	// Err aggregates per-campaign status write failures. They never abort
	// the tick.
	Err error
}

type Engine struct {
	store     Store
	transport mail.Transport
	log       logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func NewEngine(cfg Config, store Store, transport mail.Transport, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		store:     store,
		transport: transport,
		log:       log.With(logx.String("comp", "dispatch")),
		cfg:       cfg,
	}
}

// Apply swaps the engine config. A running tick keeps the config it started with.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cfg := e.cfg
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return cfg
}

// tally collects per-campaign results from concurrent sends.
type tally struct {
	mu  sync.Mutex
	rep *Report
	err error
}

func (t *tally) add(fn func(r *Report)) {
	t.mu.Lock()
	fn(t.rep)
	t.mu.Unlock()
}

func (t *tally) fail(err error) {
	t.mu.Lock()
	t.rep.StatusErrors++
	t.err = multierror.Append(t.err, err)
	t.mu.Unlock()
}

// RunTick processes every due campaign at now.
//
// A transport failure is recorded as a failed attempt. A status write
// failure skips that campaign and is reported in Report.Err. The returned
// error is non-nil only when candidates cannot be loaded or the attempt
// batch cannot be written; in the latter case the whole batch is lost.
func (e *Engine) RunTick(ctx context.Context, now time.Time) (Report, error) {
	start := time.Now()
	cfg := e.config()
	local := now.In(cfg.Location)

	rep := Report{TickID: uuid.NewString(), Now: local}
	log := e.log.With(logx.String("tick_id", rep.TickID))

	candidates, err := e.store.DueCandidates(ctx, now)
	if err != nil {
		rep.Took = time.Since(start)
		return rep, fmt.Errorf("load candidates: %w", err)
	}
	rep.Candidates = len(candidates)

	candidates = dedupe(candidates, &rep, log)

	rec := NewRecorder()
	t := &tally{rep: &rep}

	var eg errgroup.Group
	eg.SetLimit(cfg.Concurrency)
	for _, c := range candidates {
		c := c
		eg.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					t.fail(fmt.Errorf("campaign %d: panic: %v", c.ID, p))
					log.Error("campaign processing panicked", logx.Int64("campaign_id", c.ID), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
				}
			}()
			e.process(ctx, cfg, local, c, rec, t, log)
			return nil
		})
	}
	_ = eg.Wait()
	rep.Err = t.err

	n, err := rec.Flush(ctx, e.store)
	rep.Took = time.Since(start)
	if err != nil {
		rep.Lost = n
		metrics.AddAttemptsLost(n)
		log.Warn("attempt batch lost; campaigns retry next due tick", logx.Int("attempts", n), logx.Err(err))
		return rep, fmt.Errorf("write %d attempts: %w", n, err)
	}
	rep.Written = n

	if rep.Due > 0 || rep.StatusErrors > 0 || rep.Misconfigured > 0 || rep.Duplicates > 0 {
		log.Info("tick done",
			logx.Int("candidates", rep.Candidates),
			logx.Int("due", rep.Due),
			logx.Int("launched", rep.Launched),
			logx.Int("sent", rep.Sent),
			logx.Int("failed", rep.Failed),
			logx.Int("misconfigured", rep.Misconfigured),
			logx.Int("status_errors", rep.StatusErrors),
			logx.Int("duplicates", rep.Duplicates),
			logx.Duration("took", rep.Took),
		)
	} else {
		log.Debug("tick done", logx.Int("candidates", rep.Candidates), logx.Duration("took", rep.Took))
	}
	return rep, nil
}

// dedupe drops candidate rows whose campaign id already appeared, so a
// campaign is sent at most once per tick.
func dedupe(cs []domain.Campaign, rep *Report, log logx.Logger) []domain.Campaign {
	seen := make(map[int64]struct{}, len(cs))
	out := cs[:0]
	for _, c := range cs {
		if _, dup := seen[c.ID]; dup {
			rep.Duplicates++
			metrics.IncCampaign("duplicate")
			log.Warn("duplicate candidate row dropped", logx.Int64("campaign_id", c.ID))
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

func (e *Engine) process(ctx context.Context, cfg Config, now time.Time, c domain.Campaign, rec *Recorder, t *tally, log logx.Logger) {
	log = log.With(logx.Int64("campaign_id", c.ID))

	if !c.Status.Dispatchable() {
		return
	}
	due, err := domain.IsDue(now, c.FirstSentAt, c.Recurrence.DaysUntilNext)
	if err != nil {
		metrics.IncCampaign("misconfigured")
		t.add(func(r *Report) { r.Misconfigured++ })
		log.Warn("campaign recurrence invalid; treated as never due",
			logx.Int64("recurrence_id", c.Recurrence.ID), logx.Err(err))
		return
	}
	if !due {
		metrics.IncCampaign("not_due")
		return
	}
	metrics.IncCampaign("due")
	t.add(func(r *Report) { r.Due++ })

	if c.Status == domain.StatusNew {
		if err := e.store.TransitionStatus(ctx, c.ID, domain.StatusNew, domain.StatusLaunched); err != nil {
			metrics.IncCampaign("status_error")
			t.fail(fmt.Errorf("campaign %d: %w", c.ID, err))
			log.Error("launch failed; campaign skipped this tick", logx.Err(err))
			return
		}
		metrics.IncCampaign("launched")
		t.add(func(r *Report) { r.Launched++ })
		log.Info("campaign launched")
	}

	res := e.send(ctx, cfg, c)
	if _, err := rec.Record(c.ID, now, res); err != nil {
		// The first attempt stands.
		metrics.IncCampaign("duplicate")
		t.add(func(r *Report) { r.Duplicates++ })
		log.Warn("attempt not recorded", logx.Err(err))
		return
	}
	metrics.IncAttempt(res.Success)
	if res.Success {
		t.add(func(r *Report) { r.Sent++ })
		log.Debug("campaign sent", logx.Int("recipients", len(c.Recipients)), logx.String("answer", res.Detail))
		return
	}
	t.add(func(r *Report) { r.Failed++ })
	log.Warn("campaign send failed", logx.Int("recipients", len(c.Recipients)), logx.String("answer", res.Detail))
}

func (e *Engine) send(ctx context.Context, cfg Config, c domain.Campaign) (res mail.Result) {
	defer func() {
		if p := recover(); p != nil {
			res = mail.Failed(fmt.Errorf("transport panic: %v", p))
		}
	}()
	if len(c.Recipients) == 0 {
		return mail.Failed(errors.New("no recipients"))
	}
	if cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
	}
	start := time.Now()
	res = e.transport.Send(ctx, mail.Envelope{
		From:    cfg.From,
		Subject: c.Message.Title,
		Body:    c.Message.Body,
		To:      append([]string(nil), c.Recipients...),
	})
	metrics.ObserveSend(e.transport.Name(), res.Success, time.Since(start))
	return res
}
