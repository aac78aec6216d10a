package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) SendLog(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("nothing happens", String("k", "v"))
	if Nop().IsZero() {
		t.Fatalf("Nop should not be zero")
	}
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	l.Info("tick", Int("n", 3), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["comp"] != "dispatch" || m["message"] != "tick" || m["n"] != float64(3) {
		t.Fatalf("unexpected line: %v", m)
	}
	if _, ok := m["err"]; ok {
		t.Fatalf("nil error should not add a field")
	}
}

func TestFormatRemote(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"json", `{"level":"warn","message":"proxy down","proxy":"p1"}`, []string{"[WARN] proxy down", "- proxy=p1"}},
		{"raw", "not json at all\n", []string{"not json at all"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := formatRemote([]byte(tc.in))
			for _, w := range tc.want {
				if !strings.Contains(got, w) {
					t.Fatalf("formatRemote(%q) = %q, missing %q", tc.in, got, w)
				}
			}
		})
	}
	if got := truncate(strings.Repeat("x", 50), 20); len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate = %q", got)
	}
}

func TestRemoteSinkHonorsMinLevel(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	svc, log := New(Config{
		Level:  "debug",
		Remote: RemoteConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, sink)
	defer svc.Close()

	log.Info("quiet")
	log.Warn("loud")

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.msgs) != 1 || !strings.Contains(sink.msgs[0], "loud") {
		t.Fatalf("remote got %q", sink.msgs)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	if parseLevel("warning", LevelInfo) != LevelWarn {
		t.Fatalf("warning should map to warn")
	}
	if parseLevel("bogus", LevelError) != LevelError {
		t.Fatalf("unknown level should fall back")
	}
}
