package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pacebot/internal/config"
	"pacebot/internal/executor"
	"pacebot/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	body = strings.ReplaceAll(body, "$DIR", filepath.ToSlash(dir))
	path := filepath.Join(dir, "pacebot.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const appConfig = `{
  "logging": {"level": "error"},
  "scheduler": {"enabled": true},
  "task_engine": {"workers": 2},
  "dispatcher": {"tick": "200ms", "checkpoint": "1s"},
  "storage": {"driver": "file", "path": "$DIR/store"},
  "proxies": {"list": [{"id": "p1", "host": "10.0.0.1", "port": 3128, "account": "a1"}]},
  "accounts": [{"id": "a1", "handle": "one"}, {"id": "a2", "handle": "two", "created_at": "2025-01-01"}],
  "tasks": [{
    "id": "t1", "kind": "follow", "accounts": ["a1", "a2"], "start": true,
    "strategy": "unique", "targets": {"values": ["x", "y"]}
  }]
}`

func TestAppRunsConfiguredTaskToCompletion(t *testing.T) {
	var calls atomic.Int32
	exec := executor.Func(func(ctx context.Context, req executor.Request) error {
		calls.Add(1)
		if req.AccountID == "a1" && (req.Proxy == nil || req.Proxy.ID != "p1") {
			t.Errorf("a1 executed without its proxy: %+v", req.Proxy)
		}
		return nil
	})
	a, err := New(writeConfig(t, appConfig), WithExecutor(exec))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(15 * time.Second)
	for {
		snap, err := a.Dispatcher().Snapshot("t1")
		if err != nil {
			t.Fatal(err)
		}
		if snap.Status == model.StatusCompleted {
			if snap.Executed != 2 || snap.Successes != 2 {
				t.Fatalf("snapshot = %+v", snap)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task did not complete: %+v", snap)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("executor calls = %d, want 2", got)
	}
	if st := a.Dispatcher().Stats(); st.Tasks != 1 || st.Running != 0 || st.Pending != 0 {
		t.Fatalf("stats = %+v", st)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatal(err)
	}
}

func TestTaskNotRecreatedAfterRestart(t *testing.T) {
	path := writeConfig(t, strings.Replace(appConfig, `"start": true`, `"start": false`, 1))
	run := func() *App {
		a, err := New(path, WithExecutor(executor.Func(func(context.Context, executor.Request) error { return nil })))
		if err != nil {
			t.Fatal(err)
		}
		if err := a.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		return a
	}

	a := run()
	if err := a.Dispatcher().Cancel(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	_ = a.Stop(context.Background(), StopAppStop)

	b := run()
	defer func() { _ = b.Stop(context.Background(), StopAppStop) }()
	if _, err := b.Dispatcher().Task("t1"); err == nil {
		t.Fatal("cancelled task came back from config")
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	base := func() *config.Config {
		cfg, err := config.Decode("c.json", []byte(strings.ReplaceAll(appConfig, "$DIR", "/tmp")))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}
	off := false
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"ok", func(*config.Config) {}, ""},
		{"tick too small", func(c *config.Config) { c.Dispatcher.Tick = "10ms" }, "dispatcher.tick"},
		{"bad duration", func(c *config.Config) { c.Dispatcher.InflightTimeout = "soon" }, "dispatcher.inflight_timeout"},
		{"bad timezone", func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"engine off", func(c *config.Config) { c.TaskEngine.Enabled = &off }, "task_engine.enabled"},
		{"duplicate task", func(c *config.Config) { c.Tasks = append(c.Tasks, c.Tasks[0]) }, "duplicate id"},
		{"inverted delay", func(c *config.Config) { c.Tasks[0].Delay = config.DelayConfig{Min: "10s", Max: "1s"} }, "tasks[0]"},
		{"bad clock", func(c *config.Config) { c.Tasks[0].WorkingHours = config.WorkingHoursConfig{Start: "9", End: "17:00"} }, "working_hours.start"},
		{"metrics without addr", func(c *config.Config) { c.Metrics.Enabled = true }, "metrics.addr"},
		{"public pprof without token", func(c *config.Config) {
			c.Metrics = config.MetricsConfig{Enabled: true, Addr: "0.0.0.0:9464", Pprof: true}
		}, "pprof"},
		{"sqlite without path", func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "sqlite"} }, "storage.path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(cfg)
			err := ValidateConfig(context.Background(), cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestMapTask(t *testing.T) {
	t.Parallel()
	got, err := MapTask(config.TaskConfig{
		ID:           "w",
		Kind:         "Warmup",
		Accounts:     []string{"a1"},
		WorkingHours: config.WorkingHoursConfig{Start: "22:00", End: "06:30", Timezone: "Europe/Berlin"},
		Delay:        config.DelayConfig{Min: "30s", Max: "2m"},
		Phases: []config.PhaseConfig{
			{MinDaily: 5, MaxDaily: 15, Duration: "168h"},
			{Disabled: true, MinDaily: 10, MaxDaily: 20, Duration: "72h", Actions: []string{"like"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != model.KindWarmup {
		t.Errorf("kind = %q", got.Kind)
	}
	if got.WorkingHours.Start != 22*60 || got.WorkingHours.End != 6*60+30 {
		t.Errorf("working hours = %+v", got.WorkingHours)
	}
	if got.Delay.Min != 30*time.Second || got.Delay.Max != 2*time.Minute {
		t.Errorf("delay = %+v", got.Delay)
	}
	if len(got.Phases) != 2 || got.Phases[0].Number != 1 || got.Phases[1].Number != 2 {
		t.Fatalf("phases = %+v", got.Phases)
	}
	if !got.Phases[0].Enabled || got.Phases[1].Enabled || got.Phases[1].Actions[0] != model.ActionLike {
		t.Errorf("phase flags = %+v", got.Phases)
	}
	if got.Phases[0].Duration != 7*24*time.Hour {
		t.Errorf("duration = %v", got.Phases[0].Duration)
	}
}
