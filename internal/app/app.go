// Package app assembles the daemon: logging, storage, mail transport, the
// dispatch and housekeeping jobs, the scheduler and the ops server.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"mailsched/internal/campaign"
	"mailsched/internal/config"
	"mailsched/internal/dispatch"
	"mailsched/internal/housekeeping"
	"mailsched/internal/mail"
	"mailsched/internal/ops"
	"mailsched/internal/runtime/supervisor"
	"mailsched/internal/storage"
	"mailsched/internal/task/engine"
	"mailsched/internal/task/scheduler"
	logx "mailsched/pkg/logx"
)

// Job names used for schedules, execution history and metrics.
const (
	JobDispatch     = "dispatch"
	JobHousekeeping = "housekeeping"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store     *storage.Store
	router    *mail.Router
	dispatch  *dispatch.Engine
	house     *housekeeping.Job
	engine    *engine.Service
	sched     *scheduler.Service
	ops       *ops.Server
	campaigns *campaign.Service
}

// New loads the config and builds every component. Nothing is started and
// no migration runs yet.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	sender, err := newAlertSender(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, root := logx.New(mapLogConfig(cfg), sender)
	log := root.With(logx.String("comp", "app"))

	a, err := build(cfg, logSvc, root)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.log = log
	return a, nil
}

func build(cfg *config.Config, logSvc *logx.Service, root logx.Logger) (*App, error) {
	d, err := cfg.Durations()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(mapStorageConfig(cfg, d), root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	router := mail.NewRouter(providerName(cfg), buildTransports(cfg, d, root)...)
	if err := router.Use(providerName(cfg)); err != nil {
		_ = store.Close()
		return nil, err
	}

	eng := engine.New(mapEngineConfig(cfg, d), store, root)
	sched := scheduler.New(mapSchedulerConfig(cfg), eng, root)

	a := &App{
		logs:      logSvc,
		log:       root.With(logx.String("comp", "app")),
		store:     store,
		router:    router,
		dispatch:  dispatch.NewEngine(mapDispatchConfig(cfg, d, sched.Location()), store, router, root),
		house:     housekeeping.New(store, d.Retention, root),
		engine:    eng,
		sched:     sched,
		campaigns: campaign.New(store, root),
	}
	a.ops = ops.New(mapOpsConfig(cfg, d), store, a.status, root)

	if err := a.registerJobs(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// registerJobs installs (or replaces) both schedules. Replacing keeps the
// overlap gate of an in-flight run.
func (a *App) registerJobs(cfg *config.Config) error {
	err := a.sched.AddSchedule(JobDispatch, cfg.Scheduler.DispatchSchedule(), 0, func(ctx context.Context, now time.Time) error {
		_, err := a.dispatch.RunTick(ctx, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("scheduler.dispatch: %w", err)
	}
	err = a.sched.AddSchedule(JobHousekeeping, cfg.Scheduler.HousekeepingSchedule(), 0, func(ctx context.Context, now time.Time) error {
		_, err := a.house.Run(ctx, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("scheduler.housekeeping: %w", err)
	}
	return nil
}

// Status is the /status payload of the ops server.
type Status struct {
	Provider      string              `json:"provider"`
	AlertsDropped uint64              `json:"alerts_dropped"`
	Goroutines    supervisor.Counters `json:"goroutines"`
	Scheduler     scheduler.Snapshot  `json:"scheduler"`
}

func (a *App) status() any {
	return Status{
		Provider:      a.router.Name(),
		AlertsDropped: a.logs.DroppedAlerts(),
		Goroutines:    a.sup.Counters(),
		Scheduler:     a.sched.Snapshot(),
	}
}

func (a *App) Logger() logx.Logger           { return a.log }
func (a *App) Store() *storage.Store         { return a.store }
func (a *App) Campaigns() *campaign.Service  { return a.campaigns }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Config() *config.Config        { return a.cfgm.Get() }

// Prepare applies pending migrations when storage.auto_migrate allows it.
func (a *App) Prepare(ctx context.Context) error {
	if !a.cfgm.Get().Storage.Migrate() {
		return nil
	}
	return a.store.Migrate(ctx)
}

// RunJob runs one registered job immediately through the engine wrapper,
// so the run is gated, timed and recorded like a scheduled one.
func (a *App) RunJob(ctx context.Context, name string) (scheduler.HistoryItem, error) {
	return a.sched.RunNow(ctx, name)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if err := a.Prepare(ctx); err != nil {
		return err
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := scheduler.ParseSchedule(cfg.Scheduler.DispatchSchedule()); err != nil {
			return fmt.Errorf("scheduler.dispatch: %w", err)
		}
		if _, err := scheduler.ParseSchedule(cfg.Scheduler.HousekeepingSchedule()); err != nil {
			return fmt.Errorf("scheduler.housekeeping: %w", err)
		}
		return nil
	})

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Warn("scheduler disabled; no dispatch ticks will fire")
	}
	if err := a.ops.Start(); err != nil {
		// The daemon still dispatches without its ops endpoint.
		a.log.Error("ops server not started", logx.Err(err))
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started",
		logx.String("dispatch", a.cfgm.Get().Scheduler.DispatchSchedule()),
		logx.String("housekeeping", a.cfgm.Get().Scheduler.HousekeepingSchedule()),
		logx.String("provider", a.router.Name()),
		logx.String("tz", a.sched.Location().String()),
	)
	return nil
}

// applyConfig pushes a validated config into every live component.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}
	// The validator already parsed these.
	d, _ := next.Durations()

	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if changed["alert"] {
		sender, err := newAlertSender(next)
		if err != nil {
			a.log.Warn("invalid alert config; keeping previous sender", logx.Err(err))
		} else {
			a.logs.SetAlertSender(sender)
		}
	}
	if changed["logging"] || changed["alert"] {
		a.logs.Apply(mapLogConfig(next))
	}

	if changed["mail"] {
		for _, t := range buildTransports(next, d, a.log) {
			a.router.Replace(t)
		}
		if err := a.router.Use(providerName(next)); err != nil {
			a.log.Warn("mail provider not switched", logx.Err(err))
		}
	}

	if changed["scheduler"] {
		a.engine.Apply(mapEngineConfig(next, d))
		wasEnabled := a.sched.Enabled()
		a.sched.Apply(mapSchedulerConfig(next))
		if err := a.registerJobs(next); err != nil {
			a.log.Warn("schedules not updated", logx.Err(err))
		}
		switch {
		case wasEnabled && !next.Scheduler.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, d.StopTimeout)
			_ = a.sched.Stop(stopCtx)
			cancel()
		case !wasEnabled && next.Scheduler.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	if changed["mail"] || changed["dispatch"] || changed["scheduler"] {
		a.dispatch.Apply(mapDispatchConfig(next, d, a.sched.Location()))
	}
	if changed["housekeeping"] {
		a.house.SetRetention(d.Retention)
	}
	if changed["ops"] {
		if err := a.ops.Reconfigure(ctx, mapOpsConfig(next, d)); err != nil {
			a.log.Error("ops reconfigure failed", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}

// Stop shuts down in dependency order. An in-flight dispatch tick is given
// scheduler.stop_timeout to finish before storage closes.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.sup != nil {
		// Stop reacting to config changes first.
		a.sup.Cancel()
	}

	var firstErr error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			if firstErr == nil {
				firstErr = fmt.Errorf("stop %s: %w", name, err)
			}
			return
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	d, _ := a.cfgm.Get().Durations()
	step("scheduler", d.StopTimeout, a.sched.Stop)
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return firstErr
}

// Close releases storage and log sinks without running the shutdown
// sequence. Used by one-shot CLI commands.
func (a *App) Close() error {
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
