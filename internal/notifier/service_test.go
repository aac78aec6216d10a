package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pacebot/internal/dispatch"
	"pacebot/internal/eventbus"
	"pacebot/internal/model"
	logx "pacebot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []string
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("boom")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testConfig() Config {
	return Config{Enabled: true, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestNotifyRetriesThenDelivers(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 2}
	s := New(testConfig(), snd, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), Notification{Priority: PriorityAlert, Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(snd.messages()) == 1 })
	if got := snd.messages()[0]; !strings.HasSuffix(got, "hello") || got == "hello" {
		t.Fatalf("message %q lacks priority prefix", got)
	}
	if len(s.Snapshot()) != 1 {
		t.Fatalf("history = %d, want 1", len(s.Snapshot()))
	}
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DedupWindow = time.Hour
	snd := &fakeSender{}
	s := New(cfg, snd, logx.Nop(), nil)
	s.Start(context.Background())

	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), Notification{Text: "same"}); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.Notify(context.Background(), Notification{Text: "other"})
	s.Stop(context.Background())

	if got := len(snd.messages()); got != 2 {
		t.Fatalf("sent %d, want 2", got)
	}
}

func TestStopRejectsNewWork(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), &fakeSender{}, logx.Nop(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), Notification{Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestWatchFormatsTaskEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	snd := &fakeSender{}
	s := New(testConfig(), snd, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Watch(ctx, bus) }()

	// Subscription is asynchronous; keep publishing until something lands.
	waitFor(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TaskStatus, Data: dispatch.StatusChange{TaskID: "t1", Name: "follow", From: model.StatusPending, To: model.StatusRunning}})
		bus.Publish(eventbus.Event{Type: eventbus.TaskStatus, Data: dispatch.StatusChange{TaskID: "t1", Name: "follow", From: model.StatusRunning, To: model.StatusFailed, Error: "all accounts failed"}})
		return len(snd.messages()) > 0
	})

	msgs := snd.messages()
	for _, m := range msgs {
		if strings.Contains(m, "running") {
			t.Fatalf("non-terminal status notified: %q", m)
		}
	}
	if !strings.Contains(msgs[0], `"follow" (t1) failed: all accounts failed`) {
		t.Fatalf("unexpected message %q", msgs[0])
	}
}

func TestNotifyOnFilter(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.NotifyOn = []string{"running"}
	s := New(cfg, nil, logx.Nop(), nil)

	cases := []struct {
		to   model.Status
		want bool
	}{
		{model.StatusRunning, true},
		{model.StatusCompleted, false},
	}
	for _, tc := range cases {
		_, ok := s.format(eventbus.Event{Type: eventbus.TaskStatus, Data: dispatch.StatusChange{TaskID: "t", To: tc.to}})
		if ok != tc.want {
			t.Errorf("%s: notify = %v, want %v", tc.to, ok, tc.want)
		}
	}
}
