package planner

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"pacebot/internal/model"
)

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

func TestUniqueThreeWorkersSevenTargets(t *testing.T) {
	t.Parallel()
	d, err := Plan(ids("w", 3), ids("t", 7), model.StrategyUnique, 0)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if d.CrossProduct != 21 {
		t.Fatalf("CrossProduct = %d, want 21", d.CrossProduct)
	}
	if len(d.Assignments) != 7 {
		t.Fatalf("len(Assignments) = %d, want 7", len(d.Assignments))
	}
	want := map[string][]string{
		"w0": {"t0", "t3", "t6"},
		"w1": {"t1", "t4"},
		"w2": {"t2", "t5"},
	}
	if got := d.ByWorker(); !reflect.DeepEqual(got, want) {
		t.Fatalf("ByWorker = %v, want %v", got, want)
	}
	again, _ := Plan(ids("w", 3), ids("t", 7), model.StrategyUnique, 0)
	if !reflect.DeepEqual(d, again) {
		t.Fatal("plan is not deterministic")
	}
}

func TestUniqueBalanceProperties(t *testing.T) {
	t.Parallel()
	for w := 1; w <= 9; w++ {
		for tg := 1; tg <= 9; tg++ {
			d, err := Plan(ids("w", w), ids("t", tg), model.StrategyUnique, 0)
			if err != nil {
				t.Fatalf("Plan(%d,%d): %v", w, tg, err)
			}
			seen := map[Assignment]bool{}
			for _, a := range d.Assignments {
				if seen[a] {
					t.Fatalf("W=%d T=%d: duplicate pair %+v", w, tg, a)
				}
				seen[a] = true
			}
			for _, ws := range d.ByTarget() {
				if len(ws) < w/tg || len(ws) > (w+tg-1)/tg {
					t.Fatalf("W=%d T=%d: target has %d workers", w, tg, len(ws))
				}
			}
			for _, ts := range d.ByWorker() {
				if len(ts) < tg/w || len(ts) > (tg+w-1)/w {
					t.Fatalf("W=%d T=%d: worker has %d targets", w, tg, len(ts))
				}
			}
			if len(d.ByTarget()) != tg || len(d.ByWorker()) != w {
				t.Fatalf("W=%d T=%d: incomplete coverage", w, tg)
			}
		}
	}
}

func TestSharedCrossProductWithCap(t *testing.T) {
	t.Parallel()
	d, err := Plan(ids("w", 2), ids("t", 4), model.StrategyShared, 0)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(d.Assignments) != 8 {
		t.Fatalf("len = %d, want 8", len(d.Assignments))
	}
	capped, _ := Plan(ids("w", 2), ids("t", 4), model.StrategyShared, 3)
	for w, ts := range capped.ByWorker() {
		if len(ts) != 3 {
			t.Fatalf("worker %s got %d targets, want 3", w, len(ts))
		}
	}
}

func TestPlanRejectsBadInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		workers  []string
		targets  []string
		strategy model.Strategy
		want     error
	}{
		{"no workers", nil, ids("t", 1), model.StrategyShared, ErrNoWorkers},
		{"no targets", ids("w", 1), nil, model.StrategyShared, ErrNoTargets},
		{"dup", []string{"a", "a"}, ids("t", 1), model.StrategyUnique, ErrDuplicateInput},
		{"strategy", ids("w", 1), ids("t", 1), "random", ErrUnknownStrategy},
	}
	for _, tt := range tests {
		if _, err := Plan(tt.workers, tt.targets, tt.strategy, 0); !errors.Is(err, tt.want) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}
