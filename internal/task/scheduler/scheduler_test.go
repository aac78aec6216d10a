package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pacebot/internal/task/engine"
	logx "pacebot/pkg/logx"
)

type fakeRunner struct {
	mu   sync.Mutex
	jobs []engine.Job
	err  error
}

func (r *fakeRunner) Enqueue(j engine.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
	return r.err
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func noop(context.Context) error { return nil }

func TestUpsertByName(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, &fakeRunner{}, logx.Nop())

	if _, err := s.AddSchedule("dispatch.tick", "5s", time.Second, noop); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if _, err := s.AddSchedule("dispatch.tick", "*/2 * * * *", time.Second, noop); err != nil {
		t.Fatalf("AddSchedule again: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "*/2 * * * *" {
		t.Fatalf("schedules = %+v, want the replacement only", snap.Schedules)
	}
	if !s.Remove("dispatch.tick") || s.Remove("dispatch.tick") {
		t.Fatal("Remove should report true once")
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeRunner{}, logx.Nop())
	if _, err := s.AddSchedule("", "5s", 0, noop); err == nil {
		t.Fatal("empty name accepted")
	}
	if _, err := s.AddSchedule("x", "61 * * * *", 0, noop); err == nil {
		t.Fatal("bad cron accepted")
	}
	if _, err := s.AddDaily("x", "25:00", 0, noop); err == nil {
		t.Fatal("bad HH:MM accepted")
	}
	if _, err := s.AddSchedule("x", "5s", 0, nil); err == nil {
		t.Fatal("nil job accepted")
	}
}

func TestStartRegistersAndTriggers(t *testing.T) {
	t.Parallel()
	run := &fakeRunner{err: engine.ErrOverlapSkip}
	s := New(Config{Enabled: true, Timezone: "UTC"}, run, logx.Nop())
	if _, err := s.AddSchedule("store.checkpoint", "1s", time.Second, noop); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("snapshot = %+v, want a next run", snap)
	}

	deadline := time.Now().Add(5 * time.Second)
	for run.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if run.count() == 0 {
		t.Fatal("interval schedule never triggered")
	}
	run.mu.Lock()
	j := run.jobs[0]
	run.mu.Unlock()
	if j.Name != "store.checkpoint" || j.Opt.Overlap != engine.OverlapSkipIfRunning || j.State == nil {
		t.Fatalf("job = %+v", j)
	}
}

func TestReportEnqueueErrorThrottles(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	s.reportEnqueueError("a", errors.New("queue full"))
	first := s.lastEnqWarn["a"]
	s.reportEnqueueError("a", errors.New("queue full"))
	if !s.lastEnqWarn["a"].Equal(first) {
		t.Fatal("second warning inside the throttle window was not suppressed")
	}
}
