package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pacebot/internal/model"
	logx "pacebot/pkg/logx"
)

func openDriver(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	return st
}

var drivers = []struct {
	name string
	file string
}{
	{"file", "state.json"},
	{"sqlite", "state.db"},
}

func sampleTask(id string, st model.Status, created time.Time) *model.Task {
	return &model.Task{
		ID:         id,
		Kind:       model.KindFollow,
		Status:     st,
		AccountIDs: []string{"a1", "a2"},
		CreatedAt:  created,
		Limits:     model.Limits{PerHour: 5, PerDay: 20},
		Targets:    model.TargetSpec{Source: "list", Values: []string{"t1", "t2"}},
		Progress: model.Progress{
			Executed:  3,
			Successes: 2,
			PerAction: map[model.ActionType]int{model.ActionFollow: 3},
			Cursors:   map[string]int{"a1": 2, "a2": 1},
		},
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Logger{})
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver should fail")
	}
}

func TestTasksRoundTripAcrossReopen(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), d.file)
			base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

			st := openDriver(t, d.name, path)
			for i, s := range []model.Status{model.StatusRunning, model.StatusCompleted, model.StatusPaused} {
				task := sampleTask(string(rune('a'+i)), s, base.Add(time.Duration(i)*time.Minute))
				if err := st.SaveTask(ctx, task); err != nil {
					t.Fatalf("SaveTask: %v", err)
				}
			}
			// Upsert overwrites.
			upd := sampleTask("a", model.StatusRunning, base)
			upd.Progress.Executed = 9
			if err := st.SaveTask(ctx, upd); err != nil {
				t.Fatalf("SaveTask upsert: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st = openDriver(t, d.name, path)
			defer st.Close()

			all, err := st.LoadTasks(ctx)
			if err != nil || len(all) != 3 {
				t.Fatalf("LoadTasks() = %d tasks, %v", len(all), err)
			}
			if all[0].ID != "a" || all[0].Progress.Executed != 9 || all[0].Progress.Cursors["a1"] != 2 {
				t.Fatalf("first task = %+v", all[0])
			}

			live, err := st.LoadTasks(ctx, model.StatusPending, model.StatusRunning, model.StatusPaused)
			if err != nil || len(live) != 2 {
				t.Fatalf("LoadTasks(live) = %d, %v", len(live), err)
			}

			if err := st.DeleteTask(ctx, "b"); err != nil {
				t.Fatalf("DeleteTask: %v", err)
			}
			if err := st.DeleteTask(ctx, "b"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second DeleteTask = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestActionsAuditTrail(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openDriver(t, d.name, filepath.Join(t.TempDir(), d.file))
			defer st.Close()

			base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				at := base.Add(time.Duration(i) * time.Minute)
				rec := model.ActionRecord{
					ID:          string(rune('0' + i)),
					TaskID:      "t1",
					AccountID:   "a1",
					Type:        model.ActionLike,
					Target:      "post",
					ScheduledAt: at,
					ExecutedAt:  &at,
					Outcome:     model.OutcomeSuccess,
					Attempts:    1,
				}
				if err := st.AppendAction(ctx, rec); err != nil {
					t.Fatalf("AppendAction: %v", err)
				}
			}
			_ = st.AppendAction(ctx, model.ActionRecord{ID: "x", TaskID: "t2", AccountID: "a1", Type: model.ActionLike, ScheduledAt: base, Outcome: model.OutcomeFailed, Error: "private"})

			got, err := st.ListActions(ctx, "t1", 2)
			if err != nil {
				t.Fatalf("ListActions: %v", err)
			}
			if len(got) != 2 || got[0].ID != "3" || got[1].ID != "4" {
				t.Fatalf("ListActions(limit 2) = %+v", got)
			}
			if got[1].ExecutedAt == nil || !got[1].ExecutedAt.Equal(base.Add(4*time.Minute)) {
				t.Fatalf("ExecutedAt lost: %+v", got[1])
			}

			other, _ := st.ListActions(ctx, "t2", 0)
			if len(other) != 1 || other[0].Error != "private" {
				t.Fatalf("ListActions(t2) = %+v", other)
			}
		})
	}
}

func TestAccountsAndProxies(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), d.file)
			st := openDriver(t, d.name, path)

			_ = st.SaveAccount(ctx, model.Account{ID: "b", Handle: "bee", Active: true})
			_ = st.SaveAccount(ctx, model.Account{ID: "a", Handle: "ay", Active: true})
			_ = st.SaveAccount(ctx, model.Account{ID: "a", Handle: "ay", Active: false})
			_ = st.SaveProxy(ctx, model.Proxy{ID: "p1", Host: "10.0.0.1", Port: 8080, Healthy: true, AccountID: "a"})
			if err := st.SaveAccount(ctx, model.Account{}); err == nil {
				t.Fatalf("empty account id should fail")
			}
			_ = st.Close()

			st = openDriver(t, d.name, path)
			defer st.Close()
			accs, err := st.LoadAccounts(ctx)
			if err != nil || len(accs) != 2 || accs[0].ID != "a" || accs[0].Active {
				t.Fatalf("LoadAccounts = %+v, %v", accs, err)
			}
			ps, err := st.LoadProxies(ctx)
			if err != nil || len(ps) != 1 || ps[0].AccountID != "a" {
				t.Fatalf("LoadProxies = %+v, %v", ps, err)
			}
		})
	}
}

func TestFileJournalSurvivesWithoutClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	st := openDriver(t, "file", path)
	_ = st.SaveTask(ctx, sampleTask("j", model.StatusRunning, time.Now()))

	// A second open replays the journal the first store left behind.
	again := openDriver(t, "file", path)
	defer again.Close()
	got, _ := again.LoadTasks(ctx)
	if len(got) != 1 || got[0].ID != "j" {
		t.Fatalf("LoadTasks after crash = %+v", got)
	}
	_ = st.Close()
}
