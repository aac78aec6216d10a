// Package app wires configuration, storage, the proxy pool, the execution
// engine, the dispatcher and the ambient services into one daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"pacebot/internal/config"
	"pacebot/internal/dispatch"
	"pacebot/internal/eventbus"
	"pacebot/internal/executor"
	"pacebot/internal/metrics"
	"pacebot/internal/notifier"
	"pacebot/internal/proxypool"
	rtsup "pacebot/internal/runtime/supervisor"
	"pacebot/internal/storage"
	"pacebot/internal/task/engine"
	"pacebot/internal/task/scheduler"
	logx "pacebot/pkg/logx"
)

const (
	jobDispatchTick = "dispatch.tick"
	jobCheckpoint   = "store.checkpoint"
)

type options struct {
	exec   executor.Executor
	sender notifier.Sender
	now    func() time.Time
}

type Option func(*options)

// WithExecutor replaces the built-in noop executor.
func WithExecutor(e executor.Executor) Option { return func(o *options) { o.exec = e } }

// WithSender replaces the Telegram sender built from notifier.token.
func WithSender(s notifier.Sender) Option { return func(o *options) { o.sender = s } }

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	redis   io.Closer
	proxies *proxypool.Pool
	books   *accountBook

	engine  *engine.Service
	sched   *scheduler.Service
	disp    *dispatch.Dispatcher
	notif   *notifier.Service
	metrics *metrics.Collector

	dset dispatcherSettings
	now  func() time.Time
}

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), nil)
	bus := eventbus.New()

	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: bus, now: o.now}
	if err := a.build(cfg, o); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, o options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	root := a.logs.Logger()

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		a.log.Warn("storage disabled; task progress will not survive a restart")
	}

	var claims proxypool.Claims
	if url := strings.TrimSpace(cfg.Proxies.RedisURL); url != "" {
		rc, err := proxypool.DialRedis(ctx, url)
		if err != nil {
			return err
		}
		a.redis = rc
		claims = proxypool.NewRedisClaims(rc, cfg.Proxies.RedisKey)
		a.log.Info("proxy claims shared through redis")
	}
	var persister proxypool.Persister
	if a.store != nil {
		persister = a.store
	}
	a.proxies = proxypool.New(claims, persister, root)

	accounts, err := mapAccounts(cfg)
	if err != nil {
		return err
	}
	a.books = newAccountBook()
	if err := a.books.load(ctx, a.store, accounts, a.now, a.log); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	if err := a.loadProxies(ctx, cfg); err != nil {
		return err
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, root.With(logx.String("comp", "taskengine")), a.bus)

	a.dset, err = mapDispatcherConfig(cfg)
	if err != nil {
		return err
	}
	exec := o.exec
	if exec == nil {
		exec = executor.Noop{Log: root.With(logx.String("comp", "executor")), Latency: a.dset.ExecutorLatency}
	}
	a.disp, err = dispatch.New(a.dset.Config, dispatch.Deps{
		Runner:   a.engine,
		Executor: exec,
		Store:    a.store,
		Proxies:  a.proxies,
		Accounts: a.books,
		Bus:      a.bus,
		Log:      root,
		Clock:    a.now,
	})
	if err != nil {
		return err
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(schedCfg, a.engine, root.With(logx.String("comp", "scheduler")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	sender := o.sender
	if sender == nil && ncfg.Enabled {
		if sender, err = notifier.NewTelegram(ncfg.Token, ncfg.ChatID, ncfg.ThreadID); err != nil {
			return fmt.Errorf("notifier: %w", err)
		}
	}
	a.notif = notifier.New(ncfg, sender, root, a.bus)
	a.logs.SetRemote(a.notif)

	a.metrics = metrics.New(a.bus, root)
	return nil
}

// loadProxies restores persisted bindings first so configured entries only
// add what is new.
func (a *App) loadProxies(ctx context.Context, cfg *config.Config) error {
	if a.store != nil {
		persisted, err := a.store.LoadProxies(ctx)
		if err != nil {
			return fmt.Errorf("load proxies: %w", err)
		}
		for _, px := range persisted {
			if err := a.proxies.Add(ctx, px); err != nil {
				a.log.Warn("persisted proxy binding rejected", logx.String("proxy", px.ID), logx.Err(err))
			}
		}
	}
	a.seedProxies(ctx, cfg)
	return nil
}

func (a *App) seedProxies(ctx context.Context, cfg *config.Config) {
	for _, px := range mapProxies(cfg) {
		if cur, ok := a.proxies.ForAccount(px.AccountID); ok && cur.ID == px.ID {
			continue
		}
		if err := a.proxies.Add(ctx, px); err != nil {
			a.log.Warn("proxy not added", logx.String("proxy", px.ID), logx.Err(err))
		}
	}
	accounts, _ := mapAccounts(cfg)
	for _, acc := range accounts {
		if acc.ProxyID == "" {
			continue
		}
		if err := a.proxies.Assign(ctx, acc.ProxyID, acc.ID); err != nil {
			a.log.Warn("proxy binding rejected", logx.String("account", acc.ID), logx.String("proxy", acc.ProxyID), logx.Err(err))
		}
	}
}

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }
func (a *App) Logger() logx.Logger              { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or
// Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Healthy reports whether the daemon loops are alive; the systemd watchdog
// only pings while this holds.
func (a *App) Healthy() bool {
	if a.sup == nil || a.sup.Context().Err() != nil {
		return false
	}
	return !a.engine.Enabled() || a.engine.Supervisor() != nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(ValidateConfig)
	runCtx := a.sup.Context()

	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}

	if _, err := a.disp.Restore(runCtx); err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}
	a.log.Info("directory loaded", logx.Int("accounts", a.books.Len()), logx.Int("proxies", len(a.proxies.List())))
	a.syncTasks(runCtx, a.cfgm.Get())

	if err := a.registerJobs(); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	} else {
		a.log.Warn("scheduler disabled; tasks will not progress")
	}

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.sup.Go0("notifier.watch", func(c context.Context) { _ = a.notif.Watch(c, a.bus) })

	a.sup.Go0("metrics.collect", func(c context.Context) { _ = a.metrics.Run(c, a.bus) })
	if mc := mapMetricsConfig(a.cfgm.Get()); mc.Enabled {
		a.sup.Go("metrics.serve", func(c context.Context) error { return a.metrics.Serve(c, mc) })
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Duration("tick", a.dset.Tick))
	return nil
}

// registerJobs upserts the periodic jobs. Re-registering after a reload
// replaces them by name.
func (a *App) registerJobs() error {
	skip := engine.JobOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1}
	if _, err := a.sched.AddIntervalOpt(jobDispatchTick, a.dset.Tick, 2*a.dset.Tick, skip, a.disp.Tick); err != nil {
		return fmt.Errorf("register %s: %w", jobDispatchTick, err)
	}
	if a.store == nil {
		a.sched.Remove(jobCheckpoint)
		return nil
	}
	if _, err := a.sched.AddIntervalOpt(jobCheckpoint, a.dset.Checkpoint, a.dset.Checkpoint, skip, a.disp.Checkpoint); err != nil {
		return fmt.Errorf("register %s: %w", jobCheckpoint, err)
	}
	return nil
}

// syncTasks creates configured tasks the daemon has never seen. IDs already
// in storage in any status are left alone, so a deleted or finished task is
// not recreated by a restart.
func (a *App) syncTasks(ctx context.Context, cfg *config.Config) {
	if cfg == nil || len(cfg.Tasks) == 0 {
		return
	}
	known := map[string]bool{}
	if a.store != nil {
		all, err := a.store.LoadTasks(ctx)
		if err != nil {
			a.log.Warn("task sync skipped", logx.Err(err))
			return
		}
		for _, t := range all {
			known[t.ID] = true
		}
	}
	for _, tc := range cfg.Tasks {
		if known[tc.ID] {
			continue
		}
		if _, err := a.disp.Task(tc.ID); err == nil {
			continue
		}
		def, err := MapTask(tc)
		if err != nil {
			a.log.Warn("task definition rejected", logx.String("task", tc.ID), logx.Err(err))
			continue
		}
		created, err := a.disp.Create(ctx, def)
		if err != nil {
			a.log.Warn("task not created", logx.String("task", tc.ID), logx.Err(err))
			continue
		}
		a.log.Info("task created from config", logx.String("task", created.ID), logx.String("kind", string(created.Kind)))
		if !tc.Start {
			continue
		}
		if err := a.disp.Start(ctx, created.ID); err != nil {
			a.log.Warn("task not started", logx.String("task", created.ID), logx.Err(err))
		}
	}
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			// Ticks fire every second; keep this at trace.
			a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}
	for _, s := range []string{"storage", "metrics"} {
		if changed[s] {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}
	if changed["proxies"] && oldCfg != nil && oldCfg.Proxies.RedisURL != newCfg.Proxies.RedisURL {
		a.log.Warn("proxies.redis_url changed; restart required for it to take effect")
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if engCfg, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.engine.Enabled()
		a.engine.Apply(c, engCfg)
		if !wasEnabled && engCfg.Enabled {
			a.engine.Start(c)
		}
	}

	if ds, err := mapDispatcherConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(ds.Config)
		if ds.Tick != a.dset.Tick || ds.Checkpoint != a.dset.Checkpoint {
			a.dset = ds
			if err := a.registerJobs(); err != nil {
				a.log.Warn("job re-registration failed", logx.Err(err))
			}
		}
		a.dset = ds
	}

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.sched.Enabled()
		a.sched.Apply(sc)
		switch {
		case wasEnabled && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !wasEnabled && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(c)
		}
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.applyNotifier(c, oldCfg, ncfg)
	}

	if changed["accounts"] {
		if accounts, err := mapAccounts(newCfg); err == nil {
			if err := a.books.load(c, a.store, accounts, a.now, a.log); err != nil {
				a.log.Warn("account reload failed", logx.Err(err))
			}
		}
	}
	if changed["proxies"] || changed["accounts"] {
		a.seedProxies(c, newCfg)
	}
	if changed["tasks"] {
		a.syncTasks(c, newCfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(c context.Context, oldCfg *config.Config, ncfg notifier.Config) {
	prev := oldCfg.Notifier
	tokenChanged := prev == nil || prev.Token != ncfg.Token || prev.ChatID != ncfg.ChatID || prev.ThreadID != ncfg.ThreadID
	if ncfg.Enabled && tokenChanged {
		sender, err := notifier.NewTelegram(ncfg.Token, ncfg.ChatID, ncfg.ThreadID)
		if err != nil {
			a.log.Warn("notifier sender not rebuilt; keeping previous", logx.Err(err))
		} else {
			a.notif.SetSender(sender)
		}
	}
	wasEnabled := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(c)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop triggers first so no tick races the final checkpoint.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.sup.Cancel()
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "checkpoint", 5*time.Second, a.disp.Checkpoint)
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	a.log.Info("stopped")
	a.closeResources()
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.redis != nil {
		_ = a.redis.Close()
		a.redis = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
