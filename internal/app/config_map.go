package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pacebot/internal/config"
	"pacebot/internal/dispatch"
	"pacebot/internal/metrics"
	"pacebot/internal/model"
	"pacebot/internal/notifier"
	"pacebot/internal/rate"
	"pacebot/internal/storage"
	"pacebot/internal/task"
	"pacebot/internal/task/engine"
	"pacebot/internal/task/scheduler"
	logx "pacebot/pkg/logx"
)

// ValidateConfig runs every check a reload must pass before it is
// committed: field constraints, duration parsing, timezones and each
// declarative task definition.
func ValidateConfig(_ context.Context, cfg *config.Config) error {
	if err := config.ValidateStruct(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Addr) == "" {
		return errors.New("metrics.addr is required when metrics.enabled is true")
	}
	if cfg.Metrics.Enabled {
		if err := mapMetricsConfig(cfg).Validate(); err != nil {
			return err
		}
	}
	if _, err := mapAccounts(cfg); err != nil {
		return err
	}
	seen := make(map[string]bool, len(cfg.Tasks))
	for i, tc := range cfg.Tasks {
		if seen[tc.ID] {
			return fmt.Errorf("tasks[%d]: duplicate id %q", i, tc.ID)
		}
		seen[tc.ID] = true
		t, err := MapTask(tc)
		if err != nil {
			return fmt.Errorf("tasks[%d]: %w", i, err)
		}
		task.Normalize(&t)
		if err := task.Validate(&t); err != nil {
			return fmt.Errorf("tasks[%d] (%s): %w", i, tc.ID, err)
		}
	}
	return nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Remote: logx.RemoteConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if _, err := rate.LoadLocation(tz); err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: tz}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     true,
		Workers:     4,
		QueueSize:   256,
		HistorySize: 200,
		RetryMax:    3,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	// The dispatcher runs on the engine; a disabled engine with an enabled
	// trigger service would silently drop every tick.
	if cfg.Scheduler.Enabled && !out.Enabled {
		return engine.Config{}, errors.New("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax != 0 {
		out.RetryMax = te.RetryMax
	}
	out.CircuitTripFailures = te.CircuitTripFailures

	var d config.Durations
	out.DefaultTimeout = d.Get("task_engine.default_timeout", te.DefaultTimeout, 0)
	out.MaxQueueDelay = d.Get("task_engine.max_queue_delay", te.MaxQueueDelay, 0)
	out.RetryBase = d.Get("task_engine.retry_base", te.RetryBase, 0)
	out.RetryMaxDelay = d.Get("task_engine.retry_max_delay", te.RetryMaxDelay, 0)
	out.CircuitBaseDelay = d.Get("task_engine.circuit_base_delay", te.CircuitBaseDelay, 0)
	out.CircuitMaxDelay = d.Get("task_engine.circuit_max_delay", te.CircuitMaxDelay, 0)
	out.CircuitResetAfter = d.Get("task_engine.circuit_reset_after", te.CircuitResetAfter, 0)
	return out, d.Err()
}

// dispatcherSettings is the dispatcher config plus the loop cadence owned
// by the app.
type dispatcherSettings struct {
	dispatch.Config
	Tick            time.Duration
	Checkpoint      time.Duration
	ExecutorLatency time.Duration
}

func mapDispatcherConfig(cfg *config.Config) (dispatcherSettings, error) {
	dc := cfg.Dispatcher
	var d config.Durations
	out := dispatcherSettings{
		Config: dispatch.Config{
			MaxConcurrentAccounts: dc.MaxConcurrentAccounts,
			InflightTimeout:       d.Get("dispatcher.inflight_timeout", dc.InflightTimeout, 0),
			ActionTimeout:         d.Get("dispatcher.action_timeout", dc.ActionTimeout, 0),
			DispatchRate:          dc.DispatchRate,
			DispatchBurst:         dc.DispatchBurst,
			TimeoutRequeues:       dc.TimeoutRequeues,
			RetryMax:              dc.RetryMax,
			AutoStart:             dc.AutoStart,
		},
		Tick:            d.Get("dispatcher.tick", dc.Tick, time.Second),
		Checkpoint:      d.Get("dispatcher.checkpoint", dc.Checkpoint, 30*time.Second),
		ExecutorLatency: d.Get("dispatcher.executor_latency", dc.ExecutorLatency, 0),
	}
	if err := d.Err(); err != nil {
		return dispatcherSettings{}, err
	}
	if out.Tick < 100*time.Millisecond {
		return dispatcherSettings{}, fmt.Errorf("dispatcher.tick must be >= 100ms, got %s", out.Tick)
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{}, nil
	}
	nc := cfg.Notifier
	var d config.Durations
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Token:           strings.TrimSpace(nc.Token),
		ChatID:          nc.ChatID,
		ThreadID:        nc.ThreadID,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       d.Get("notifier.retry_base", nc.RetryBase, 0),
		RetryMaxDelay:   d.Get("notifier.retry_max_delay", nc.RetryMaxDelay, 0),
		DedupWindow:     d.Get("notifier.dedup_window", nc.DedupWindow, 0),
		DedupMaxEntries: nc.DedupMaxEntries,
		NotifyOn:        nc.NotifyOn,
	}
	return out, d.Err()
}

func mapMetricsConfig(cfg *config.Config) metrics.Config {
	m := cfg.Metrics
	return metrics.Config{Enabled: m.Enabled, Addr: m.Addr, Path: m.Path, Pprof: m.Pprof, Token: m.Token}
}

func mapAccounts(cfg *config.Config) ([]model.Account, error) {
	out := make([]model.Account, 0, len(cfg.Accounts))
	for i, ac := range cfg.Accounts {
		a := model.Account{
			ID:      strings.TrimSpace(ac.ID),
			Handle:  ac.Handle,
			Active:  ac.Active == nil || *ac.Active,
			GroupID: ac.Group,
			ProxyID: ac.ProxyID,
		}
		if s := strings.TrimSpace(ac.CreatedAt); s != "" {
			ts, err := time.Parse(time.RFC3339, s)
			if err != nil {
				ts, err = time.Parse(time.DateOnly, s)
			}
			if err != nil {
				return nil, fmt.Errorf("accounts[%d].created_at: invalid time %q", i, s)
			}
			a.CreatedAt = ts
		}
		out = append(out, a)
	}
	return out, nil
}

func mapProxies(cfg *config.Config) []model.Proxy {
	out := make([]model.Proxy, 0, len(cfg.Proxies.List))
	for _, pc := range cfg.Proxies.List {
		proto := pc.Protocol
		if proto == "" {
			proto = "http"
		}
		out = append(out, model.Proxy{
			ID:        pc.ID,
			Host:      pc.Host,
			Port:      pc.Port,
			Protocol:  proto,
			Username:  pc.Username,
			Password:  pc.Password,
			Healthy:   true,
			AccountID: pc.Account,
		})
	}
	return out
}

// MapTask converts a declarative definition into a task. Normalization and
// validation are left to the caller.
func MapTask(tc config.TaskConfig) (model.Task, error) {
	t := model.Task{
		ID:         strings.TrimSpace(tc.ID),
		Name:       tc.Name,
		Kind:       model.Kind(strings.ToLower(strings.TrimSpace(tc.Kind))),
		AccountIDs: append([]string(nil), tc.Accounts...),
		Action:     model.ActionType(tc.Action),
		Window:     model.WindowPolicy(tc.Window),
		Strategy:   model.Strategy(strings.ToLower(tc.Strategy)),
		Limits: model.Limits{
			PerHour: tc.Limits.PerHour,
			PerDay:  tc.Limits.PerDay,
			Total:   tc.Limits.Total,
		},
		Targets: model.TargetSpec{Source: tc.Targets.Source, Values: append([]string(nil), tc.Targets.Values...)},
		Params:  tc.Params,
	}

	wh := tc.WorkingHours
	t.WorkingHours.Timezone = strings.TrimSpace(wh.Timezone)
	if wh.Start != "" || wh.End != "" {
		start, err := rate.ParseClock(wh.Start)
		if err != nil {
			return model.Task{}, fmt.Errorf("working_hours.start: %w", err)
		}
		end, err := rate.ParseClock(wh.End)
		if err != nil {
			return model.Task{}, fmt.Errorf("working_hours.end: %w", err)
		}
		t.WorkingHours.Start, t.WorkingHours.End = start, end
	}

	var d config.Durations
	t.Breaks.WorkPeriod = d.Get("breaks.work_period", tc.Breaks.WorkPeriod, 0)
	t.Breaks.BreakDuration = d.Get("breaks.break_duration", tc.Breaks.BreakDuration, 0)
	t.Delay.Min = d.Get("delay.min", tc.Delay.Min, 0)
	t.Delay.Max = d.Get("delay.max", tc.Delay.Max, 0)
	for i, pc := range tc.Phases {
		ph := model.Phase{
			Number:   pc.Number,
			Enabled:  !pc.Disabled,
			MinDaily: pc.MinDaily,
			MaxDaily: pc.MaxDaily,
			Duration: d.Get(fmt.Sprintf("phases[%d].duration", i), pc.Duration, 0),
		}
		if ph.Number == 0 {
			ph.Number = i + 1
		}
		for _, a := range pc.Actions {
			ph.Actions = append(ph.Actions, model.ActionType(a))
		}
		t.Phases = append(t.Phases, ph)
	}
	return t, d.Err()
}
