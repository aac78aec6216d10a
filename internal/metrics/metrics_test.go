package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"pacebot/internal/dispatch"
	"pacebot/internal/eventbus"
	"pacebot/internal/model"
	"pacebot/internal/task/engine"
	logx "pacebot/pkg/logx"
)

func TestObserveCountsEvents(t *testing.T) {
	t.Parallel()
	c := New(nil, logx.Nop())

	c.Observe(eventbus.Event{Type: eventbus.ActionDispatched, Data: dispatch.ActionEvent{Action: model.ActionLike, InFlight: 3}})
	c.Observe(eventbus.Event{Type: eventbus.ActionDispatched, Data: dispatch.ActionEvent{Action: model.ActionLike, InFlight: 4}})
	c.Observe(eventbus.Event{Type: eventbus.ActionOutcome, Data: dispatch.ActionEvent{Action: model.ActionLike, Outcome: model.OutcomeSuccess, InFlight: 2}})
	c.Observe(eventbus.Event{Type: eventbus.TaskStatus, Data: dispatch.StatusChange{To: model.StatusCompleted}})
	c.Observe(eventbus.Event{Type: eventbus.AccountDown})
	c.Observe(eventbus.Event{Type: "job.finished", Data: engine.JobEvent{Name: "action.like", Duration: time.Second}})

	if got := testutil.ToFloat64(c.dispatched.WithLabelValues("like")); got != 2 {
		t.Fatalf("dispatched = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.outcomes.WithLabelValues("like", "success")); got != 1 {
		t.Fatalf("outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.inflight); got != 2 {
		t.Fatalf("inflight = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.transitions.WithLabelValues("completed")); got != 1 {
		t.Fatalf("transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.accountDown); got != 1 {
		t.Fatalf("account down = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.jobDuration); n != 1 {
		t.Fatalf("job duration series = %d, want 1", n)
	}
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	c := New(bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(c.proxySwaps) == 0 && time.Now().Before(deadline) {
		bus.Publish(eventbus.Event{Type: eventbus.ProxyReplaced})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	if testutil.ToFloat64(c.proxySwaps) == 0 {
		t.Fatal("proxy replacement never counted")
	}

	expected := `
# HELP pacebot_eventbus_dropped_total Events dropped because a subscriber was slow.
# TYPE pacebot_eventbus_dropped_total gauge
pacebot_eventbus_dropped_total 0
`
	if err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "pacebot_eventbus_dropped_total"); err != nil {
		t.Fatal(err)
	}
}
