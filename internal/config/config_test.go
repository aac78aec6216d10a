package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: UTC
dispatcher:
  tick: 1s
  max_concurrent_accounts: 5
storage:
  driver: sqlite
  path: ./pacebot.db
proxies:
  list:
    - id: p1
      host: 10.0.0.1
      port: 8080
      account: a1
metrics:
  enabled: true
  addr: 127.0.0.1:9464
accounts:
  - id: a1
    handle: alice
tasks:
  - id: t1
    kind: follow
    accounts: [a1]
    working_hours: {start: "09:00", end: "18:00", timezone: Europe/Berlin}
    targets: {values: [x, y]}
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dispatcher.MaxConcurrentAccounts != 5 || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected decode: %+v", cfg)
	}
	if len(cfg.Tasks) != 1 || cfg.Tasks[0].WorkingHours.Start != "09:00" {
		t.Fatalf("tasks = %+v", cfg.Tasks)
	}
	if err := ValidateStruct(cfg); err != nil {
		t.Fatalf("ValidateStruct: %v", err)
	}

	js, err := Decode("c.json", []byte(`{"scheduler":{"enabled":true}}`))
	if err != nil {
		t.Fatal(err)
	}
	if !js.Scheduler.Enabled {
		t.Fatal("scheduler.enabled lost")
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, path, body string
	}{
		{"unknown json key", "c.json", `{"schedulr":{}}`},
		{"unknown yaml key", "c.yml", "dispatcher:\n  tik: 1s\n"},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "a: [1,"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.path, []byte(tc.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidateStructReportsConfigKeys(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Storage:  &StorageConfig{Driver: "postgres"},
		Metrics:  MetricsConfig{Enabled: true, Addr: "nope"},
		Notifier: &NotifierConfig{Enabled: true},
	}
	err := ValidateStruct(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"storage.driver", "metrics.addr", "notifier.token", "notifier.chat_id"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestDurationsKeepsFirstError(t *testing.T) {
	t.Parallel()
	var d Durations
	if got := d.Get("a", "", time.Second); got != time.Second {
		t.Fatalf("default = %v", got)
	}
	d.Get("b", "soon", 0)
	d.Get("c", "-1s", 0)
	if err := d.Err(); err == nil || !strings.HasPrefix(err.Error(), "b:") {
		t.Fatalf("err = %v, want the b error", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Notifier: &NotifierConfig{Token: "secret-1"}}
	b := &Config{Notifier: &NotifierConfig{Token: "secret-2"}, Dispatcher: DispatcherConfig{Tick: "2s"}}
	sections, attrs := SummarizeConfigChange(a, b)
	if !slices.Equal(sections, []string{"dispatcher", "notifier"}) {
		t.Fatalf("sections = %v", sections)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if s, _ := SummarizeConfigChange(b, b); len(s) != 0 {
		t.Fatalf("identical configs reported %v", s)
	}
}

func TestManagerWatchPublishesValidReloads(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pacebot.json")
	write := func(s string) {
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"dispatcher":{"tick":"1s"}}`)

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Dispatcher.Tick == "bad" {
			return os.ErrInvalid
		}
		return nil
	})
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	write(`{"dispatcher":{"tick":"bad"}}`)
	time.Sleep(150 * time.Millisecond)
	if m.Get().Dispatcher.Tick != "1s" {
		t.Fatal("rejected config was committed")
	}

	write(`{"dispatcher":{"tick":"3s"}}`)
	select {
	case c := <-sub:
		if c.Dispatcher.Tick != "3s" {
			t.Fatalf("published tick = %q", c.Dispatcher.Tick)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload not published")
	}
	m.Unsubscribe(sub)
}
