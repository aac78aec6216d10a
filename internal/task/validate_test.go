package task

import (
	"errors"
	"strings"
	"testing"
	"time"

	"pacebot/internal/model"
)

func followTask() *model.Task {
	return &model.Task{
		Kind:       model.KindFollow,
		AccountIDs: []string{"a1", " a2 ", "a1", ""},
		Targets:    model.TargetSpec{Source: "list", Values: []string{"t1", "t2"}},
		Delay:      model.Delay{Min: time.Second, Max: 5 * time.Second},
	}
}

func warmupTask() *model.Task {
	return &model.Task{
		Kind:       model.KindWarmup,
		AccountIDs: []string{"a1"},
		Phases: []model.Phase{
			{Number: 1, Enabled: true, MinDaily: 5, MaxDaily: 15, Duration: 7 * 24 * time.Hour},
			{Number: 2, Enabled: false, MinDaily: 10, MaxDaily: 20, Duration: 24 * time.Hour},
		},
	}
}

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()
	tk := followTask()
	Normalize(tk)
	if tk.Window != model.WindowFixed || tk.Strategy != model.StrategyShared || tk.Action != model.ActionFollow {
		t.Fatalf("defaults not applied: %+v", tk)
	}
	if strings.Join(tk.AccountIDs, ",") != "a1,a2" {
		t.Fatalf("AccountIDs = %v", tk.AccountIDs)
	}
	if err := Validate(tk); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*model.Task)
		want   string
	}{
		{"no accounts", func(tk *model.Task) { tk.AccountIDs = nil }, "AccountIDs"},
		{"bad kind", func(tk *model.Task) { tk.Kind = "dm_blast" }, "Kind"},
		{"inverted delay", func(tk *model.Task) { tk.Delay = model.Delay{Min: 10 * time.Second, Max: time.Second} }, "delay"},
		{"no targets", func(tk *model.Task) { tk.Targets.Values = nil }, "targets"},
		{"bad hours", func(tk *model.Task) { tk.WorkingHours.Start = 2000 }, "Start"},
		{"bad tz", func(tk *model.Task) { tk.WorkingHours.Timezone = "Mars/Olympus" }, "timezone"},
		{"break without duration", func(tk *model.Task) { tk.Breaks.WorkPeriod = time.Hour }, "break"},
		{"dup unique target", func(tk *model.Task) {
			tk.Strategy = model.StrategyUnique
			tk.Targets.Values = []string{"x", "x"}
		}, "duplicate target"},
		{"unknown action", func(tk *model.Task) { tk.Action = "poke" }, "unknown action"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tk := followTask()
			Normalize(tk)
			tc.mutate(tk)
			err := Validate(tk)
			if !errors.Is(err, ErrInvalidTask) {
				t.Fatalf("Validate = %v, want ErrInvalidTask", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateWarmupPhases(t *testing.T) {
	t.Parallel()
	ok := warmupTask()
	Normalize(ok)
	if err := Validate(ok); err != nil {
		t.Fatalf("valid warmup rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*model.Task)
		want   string
	}{
		{"min over max", func(tk *model.Task) { tk.Phases[0].MinDaily = 20 }, "min_daily"},
		{"descending numbers", func(tk *model.Task) { tk.Phases[1].Number = 1 }, "ascending"},
		{"all disabled", func(tk *model.Task) { tk.Phases[0].Enabled = false }, "enabled phase"},
		{"zero max", func(tk *model.Task) { tk.Phases[0].MinDaily, tk.Phases[0].MaxDaily = 0, 0 }, "max_daily > 0"},
		{"zero duration", func(tk *model.Task) { tk.Phases[0].Duration = 0 }, "Duration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tk := warmupTask()
			Normalize(tk)
			tc.mutate(tk)
			err := Validate(tk)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate = %v, want mention of %q", err, tc.want)
			}
		})
	}
}
