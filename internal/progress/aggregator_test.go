package progress

import (
	"math"
	"testing"
	"time"

	"pacebot/internal/model"
)

var t0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func TestSuccessRateIgnoresTransient(t *testing.T) {
	t.Parallel()
	a := New()
	for i := 0; i < 3; i++ {
		a.RecordOutcome("t", "acc", model.ActionLike, model.OutcomeSuccess, t0)
	}
	a.RecordOutcome("t", "acc", model.ActionLike, model.OutcomeFailed, t0)
	a.RecordOutcome("t", "acc", model.ActionLike, model.OutcomeTimeout, t0)
	a.RecordOutcome("t", "acc", model.ActionLike, model.OutcomeTimeout, t0)
	a.RecordOutcome("t", "acc", model.ActionLike, model.OutcomeDiscarded, t0.Add(time.Hour))

	s, ok := a.Snapshot("t")
	if !ok {
		t.Fatal("snapshot missing")
	}
	if math.Abs(s.SuccessRate-0.75) > 1e-9 {
		t.Fatalf("SuccessRate = %v, want 0.75", s.SuccessRate)
	}
	if s.Executed != 4 || s.TransientFailures != 2 {
		t.Fatalf("Executed=%d Transient=%d, want 4 and 2", s.Executed, s.TransientFailures)
	}
	if s.PerAction[model.ActionLike] != 3 {
		t.Fatalf("PerAction[like] = %d, want 3", s.PerAction[model.ActionLike])
	}
	if !s.LastActivity.Equal(t0) {
		t.Fatal("discarded outcomes must not touch LastActivity")
	}
}

func TestAccountDownMarksFailedAccount(t *testing.T) {
	t.Parallel()
	a := New()
	a.RecordOutcome("t", "b", model.ActionFollow, model.OutcomeAccountDown, t0)
	a.RecordOutcome("t", "a", model.ActionFollow, model.OutcomeAccountDown, t0)
	a.RecordOutcome("t", "a", model.ActionFollow, model.OutcomeAccountDown, t0)
	s, _ := a.Snapshot("t")
	if len(s.FailedAccounts) != 2 || s.FailedAccounts[0] != "a" {
		t.Fatalf("FailedAccounts = %v", s.FailedAccounts)
	}
}

func TestAdvanceByCountAndDuration(t *testing.T) {
	t.Parallel()
	phases := []model.Phase{
		{Number: 1, Enabled: true, MinDaily: 1, MaxDaily: 2, Duration: 24 * time.Hour},
		{Number: 2, Enabled: false, MinDaily: 1, MaxDaily: 5, Duration: 24 * time.Hour},
		{Number: 3, Enabled: true, MinDaily: 1, MaxDaily: 5, Duration: 48 * time.Hour},
	}
	a := New()
	if adv, done := a.Advance("t", phases, []string{"x"}, t0); adv || done {
		t.Fatalf("first Advance = %v, %v", adv, done)
	}
	a.RecordOutcome("t", "x", model.ActionLike, model.OutcomeSuccess, t0)
	a.RecordOutcome("t", "x", model.ActionLike, model.OutcomeSuccess, t0)

	adv, done := a.Advance("t", phases, []string{"x"}, t0.Add(time.Hour))
	if !adv || done {
		t.Fatalf("max count reached: Advance = %v, %v", adv, done)
	}
	s, _ := a.Snapshot("t")
	if s.CurrentPhase != 3 {
		t.Fatalf("CurrentPhase = %d, want 3 (phase 2 disabled)", s.CurrentPhase)
	}
	if s.PhaseCount != 0 || s.Executed != 2 {
		t.Fatalf("PhaseCount=%d Executed=%d, want reset phase count and kept totals", s.PhaseCount, s.Executed)
	}

	adv, done = a.Advance("t", phases, []string{"x"}, t0.Add(time.Hour+48*time.Hour))
	if !adv || !done {
		t.Fatalf("duration elapsed: Advance = %v, %v", adv, done)
	}
	s, _ = a.Snapshot("t")
	if s.CurrentPhase != 0 {
		t.Fatalf("CurrentPhase after completion = %d, want 0", s.CurrentPhase)
	}
}

func TestAdvanceCapAppliesPerAccount(t *testing.T) {
	t.Parallel()
	phases := []model.Phase{
		{Number: 1, Enabled: true, MinDaily: 1, MaxDaily: 2, Duration: 24 * time.Hour},
		{Number: 2, Enabled: true, MinDaily: 1, MaxDaily: 2, Duration: 24 * time.Hour},
	}
	live := []string{"x", "y", "z"}
	a := New()
	a.Advance("t", phases, live, t0)
	for i := 0; i < 2; i++ {
		a.RecordOutcome("t", "x", model.ActionLike, model.OutcomeSuccess, t0)
		a.RecordOutcome("t", "y", model.ActionLike, model.OutcomeSuccess, t0)
	}
	a.RecordOutcome("t", "z", model.ActionLike, model.OutcomeSuccess, t0)

	// Task-wide count is 5, above the cap of 2, but z has only one.
	if adv, _ := a.Advance("t", phases, live, t0.Add(time.Hour)); adv {
		t.Fatal("advanced before every account reached the cap")
	}
	if got := a.PhaseCount("t", "x"); got != 2 {
		t.Fatalf("PhaseCount(x) = %d, want 2", got)
	}
	// A down account no longer holds the phase open.
	if adv, done := a.Advance("t", phases, []string{"x", "y"}, t0.Add(2*time.Hour)); !adv || done {
		t.Fatalf("Advance without z = %v, %v", adv, done)
	}
	if got := a.PhaseCount("t", "x"); got != 0 {
		t.Fatalf("PhaseCount(x) after advance = %d, want 0", got)
	}
	// With no live accounts only the duration ends a phase.
	for i := 0; i < 2; i++ {
		a.RecordOutcome("t", "x", model.ActionLike, model.OutcomeSuccess, t0)
	}
	if adv, _ := a.Advance("t", phases, nil, t0.Add(3*time.Hour)); adv {
		t.Fatal("advanced with no live accounts before the duration")
	}
	if adv, done := a.Advance("t", phases, nil, t0.Add(26*time.Hour)); !adv || !done {
		t.Fatalf("Advance after duration = %v, %v", adv, done)
	}
}

func TestAdvanceSkipsLeadingDisabled(t *testing.T) {
	t.Parallel()
	phases := []model.Phase{
		{Number: 1, Enabled: false, MaxDaily: 1, Duration: time.Hour},
		{Number: 2, Enabled: true, MaxDaily: 1, Duration: time.Hour},
	}
	a := New()
	a.Advance("t", phases, []string{"x"}, t0)
	idx, start := a.Phase("t")
	if idx != 1 || !start.Equal(t0) {
		t.Fatalf("Phase = %d, %v; want 1 starting at t0", idx, start)
	}
}

func TestExportRestoreRoundTrip(t *testing.T) {
	t.Parallel()
	a := New()
	a.RecordOutcome("t", "x", model.ActionComment, model.OutcomeSuccess, t0)
	a.SetCursor("t", "x", 4)
	p := a.Export("t")

	b := New()
	b.Restore("t", model.StatusPaused, p, nil, "proxy down")
	s, _ := b.Snapshot("t")
	if s.Status != model.StatusPaused || s.Successes != 1 || s.LastError != "proxy down" {
		t.Fatalf("restored snapshot = %+v", s)
	}
	if b.Cursor("t", "x") != 4 {
		t.Fatalf("Cursor = %d, want 4", b.Cursor("t", "x"))
	}
}
