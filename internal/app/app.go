// Package app wires the daemon: config, logging, the UI loop with its
// build-tree scheduler, workload triggering, pass history, diagnostics and
// systemd integration, plus live config reload.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"treebuild/internal/config"
	"treebuild/internal/eventbus"
	"treebuild/internal/observability/diag"
	"treebuild/internal/passlog"
	rtsup "treebuild/internal/runtime/supervisor"
	"treebuild/internal/sdnotify"
	"treebuild/internal/storage"
	"treebuild/internal/uithread"
	"treebuild/internal/workload"
	logx "treebuild/pkg/logx"
)

const statusEvery = 10 * time.Second

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	loop    *uithread.Loop
	rec     *passlog.Recorder
	work    *workload.Service
	realize *workload.Realizer
	diag    *diag.Service
	sd      *sdnotify.Notifier

	mu        sync.Mutex
	specs     map[string]workload.Spec // registered workloads
	maint     maintenance
	sdStatus  bool
	startedAt time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	uiCfg, err := mapUIConfig(cfg)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	loop, err := uithread.New(uiCfg, log.With(logx.String("comp", "uithread")), bus, nil)
	if err != nil {
		return nil, closeOnErr(store, err)
	}

	var rec *passlog.Recorder
	if store != nil {
		rcfg, err := mapRecorderConfig(cfg)
		if err != nil {
			return nil, closeOnErr(store, err)
		}
		rec = passlog.New(rcfg, store, bus, log.With(logx.String("comp", "passlog")))
	}

	maint, err := mapMaintenance(cfg)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	dcfg, err := mapDiagConfig(cfg)
	if err != nil {
		return nil, closeOnErr(store, err)
	}

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		loop:     loop,
		rec:      rec,
		work:     workload.NewService(mapSchedulerConfig(cfg), log.With(logx.String("comp", "workload"))),
		realize:  workload.NewRealizer(loop, log.With(logx.String("comp", "realizer"))),
		sd:       sdnotify.New(cfg.Systemd.Enabled, log.With(logx.String("comp", "sdnotify"))),
		specs:    map[string]workload.Spec{},
		maint:    maint,
		sdStatus: cfg.Systemd.Status,
	}
	a.diag = diag.New(dcfg, diag.Deps{Loop: loop, Store: store, Extra: a.diagExtra}, log.With(logx.String("comp", "diag")))
	return a, nil
}

func closeOnErr(store storage.Store, err error) error {
	if store != nil {
		_ = store.Close()
	}
	return err
}

// Loop exposes the UI loop.
func (a *App) Loop() *uithread.Loop { return a.loop }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.sup.Go("ui.loop", a.loop.Run)
	if a.rec != nil {
		a.sup.Go("passlog", a.rec.Run)
	}

	cfg := a.cfgm.Get()
	if err := a.applyWorkloads(cfg); err != nil {
		return err
	}
	if err := a.applyMaintenance(a.maint); err != nil {
		return err
	}
	a.work.Start(a.sup.Context())

	dcfg, err := mapDiagConfig(cfg)
	if err != nil {
		return err
	}
	// A diagnostics failure is logged, never fatal.
	if err := a.diag.Reconfigure(a.sup.Context(), dcfg); err != nil {
		a.log.Warn("diag not started", logx.Err(err))
	}

	a.sup.Go("sdnotify.watchdog", func(c context.Context) error {
		return a.sd.RunWatchdog(c, a.loop.Post)
	})
	a.sup.Go0("sdnotify.status", a.statusLoop)

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				newCfg = latest(sub, newCfg)
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	// Watch recreates a broken watcher itself; a panic costs hot reload, not the daemon.
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	a.sd.Ready()
	a.log.Info("app started",
		logx.Int("workloads", len(a.specs)),
		logx.Bool("storage", a.store != nil),
		logx.String("diag", a.diag.Addr()),
	)
	return nil
}

func latest(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig applies a committed config. Everything except the storage
// backend, the loop name and its post queue is live.
func (a *App) applyConfig(ctx context.Context, old, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(old, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" || s == "systemd" {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(cfg))

	if ui, err := mapUIConfig(cfg); err != nil {
		a.log.Warn("invalid ui config; keeping previous", logx.Err(err))
	} else {
		a.loop.SetBudget(ui.Budget)
		a.loop.SetFPS(ui.FPS)
		if prev, _ := mapUIConfig(old); prev.Name != ui.Name || prev.PostQueue != ui.PostQueue {
			a.log.Warn("ui.name/ui.post_queue changed; restart required for changes to take effect")
		}
	}

	a.work.Apply(mapSchedulerConfig(cfg))
	if err := a.applyWorkloads(cfg); err != nil {
		a.log.Warn("invalid workloads; keeping previous", logx.Err(err))
	}
	if m, err := mapMaintenance(cfg); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else if err := a.applyMaintenance(m); err != nil {
		a.log.Warn("maintenance schedule not applied", logx.Err(err))
	}

	if dc, err := mapDiagConfig(cfg); err != nil {
		a.log.Warn("invalid diag config; keeping previous", logx.Err(err))
	} else if err := a.diag.Reconfigure(ctx, dc); err != nil {
		a.log.Warn("diag reconfigure failed", logx.Err(err))
	}

	a.mu.Lock()
	a.sdStatus = cfg.Systemd.Status
	a.mu.Unlock()

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyWorkloads reconciles registered schedules with cfg: removed or
// disabled workloads are unscheduled, new or changed ones (re)scheduled.
func (a *App) applyWorkloads(cfg *config.Config) error {
	want, err := mapWorkloads(cfg)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for name := range a.specs {
		if _, ok := want[name]; !ok {
			a.work.Remove(name)
			delete(a.specs, name)
			a.log.Info("workload removed", logx.String("workload", name))
		}
	}
	for name, spec := range want {
		if prev, ok := a.specs[name]; ok && prev == spec {
			continue
		}
		if err := a.work.AddSchedule(name, spec.Schedule, a.realize.Job(spec)); err != nil {
			return fmt.Errorf("workload %s: %w", name, err)
		}
		a.specs[name] = spec
		a.log.Debug("workload scheduled",
			logx.String("workload", name),
			logx.String("schedule", spec.Schedule),
			logx.Int("items", spec.Items),
			logx.Int("fanout", spec.Fanout),
		)
	}
	return nil
}

func (a *App) applyMaintenance(m maintenance) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maint = m
	if m.Schedule == "" || a.store == nil {
		a.work.Remove(maintenanceJob)
		return nil
	}
	return a.work.AddSchedule(maintenanceJob, m.Schedule, a.pruneJob(m.Retention))
}

func (a *App) pruneJob(retention time.Duration) workload.Job {
	return func(ctx context.Context) error {
		n, err := a.store.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			return fmt.Errorf("prune pass history: %w", err)
		}
		if n > 0 {
			a.log.Info("pass history pruned", logx.Int("removed", n), logx.Duration("retention", retention))
		}
		return nil
	}
}

func (a *App) statusLoop(ctx context.Context) {
	t := time.NewTicker(statusEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.mu.Lock()
			on := a.sdStatus
			a.mu.Unlock()
			if on {
				a.sd.Status(statusLine(a.loop.Snapshot()))
			}
		}
	}
}

func statusLine(s uithread.Snapshot) string {
	st := s.Scheduler
	return fmt.Sprintf("frames=%d passes=%d pending=%d yielded=%d budget=%s",
		s.Frames, st.Passes, st.Pending, st.Yielded, st.Budget)
}

func (a *App) diagExtra() map[string]any {
	out := map[string]any{
		"workloads":   a.realize.Counters(),
		"schedules":   a.work.Snapshot(),
		"bus_dropped": a.bus.Dropped(),
	}
	if a.rec != nil {
		out["passlog"] = a.rec.Stats()
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	if !a.startedAt.IsZero() {
		out["uptime"] = time.Since(a.startedAt).Round(time.Second).String()
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Stop triggering first so no job posts into a loop that is going away.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		a.stopStep(ctx, name, max, fn)
	}
	step("workloads", 2*time.Second, func(c context.Context) error { a.work.Stop(c); return nil })
	step("diag", 1*time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })

	// Cancel the run context: the UI loop discards pending work and exits.
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Any("loop", a.loop.Snapshot().Scheduler))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stopStep runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
