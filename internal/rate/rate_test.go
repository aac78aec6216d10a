package rate

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"pacebot/internal/model"
)

func at(h, m int) time.Time {
	return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
}

func TestWorkingHoursWindow(t *testing.T) {
	t.Parallel()
	day := model.WorkingHours{Start: 9 * 60, End: 17 * 60}
	night := model.WorkingHours{Start: 22 * 60, End: 6 * 60}

	tests := []struct {
		name     string
		wh       model.WorkingHours
		now      time.Time
		allowed  bool
		nextOpen time.Time
	}{
		{name: "before open", wh: day, now: at(8, 30), nextOpen: at(9, 0)},
		{name: "inside", wh: day, now: at(12, 0), allowed: true},
		{name: "at close", wh: day, now: at(17, 0), nextOpen: at(9, 0).AddDate(0, 0, 1)},
		{name: "overnight late", wh: night, now: at(23, 0), allowed: true},
		{name: "overnight early", wh: night, now: at(5, 59), allowed: true},
		{name: "overnight gap", wh: night, now: at(12, 0), nextOpen: at(22, 0)},
		{name: "always open", wh: model.WorkingHours{}, now: at(3, 0), allowed: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			d := Check(Policy{Hours: tt.wh}, History{}, tt.now)
			if d.Allowed != tt.allowed {
				t.Fatalf("Allowed = %v, want %v", d.Allowed, tt.allowed)
			}
			if !tt.allowed {
				if d.Reason != ReasonOutsideHours {
					t.Fatalf("Reason = %q, want %q", d.Reason, ReasonOutsideHours)
				}
				if !d.NextEligibleAt.Equal(tt.nextOpen) {
					t.Fatalf("NextEligibleAt = %v, want %v", d.NextEligibleAt, tt.nextOpen)
				}
			}
		})
	}
}

func TestWorkingHoursRespectLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	p := Policy{Hours: model.WorkingHours{Start: 9 * 60, End: 17 * 60}, Loc: loc}
	// 03:00 UTC is 10:00 at UTC+7.
	if d := Check(p, History{}, at(3, 0)); !d.Allowed {
		t.Fatalf("expected allowed in local working hours, got %+v", d)
	}
	if d := Check(p, History{}, at(12, 0)); d.Allowed {
		t.Fatal("19:00 local must be outside working hours")
	}
}

func TestValidateRejectsInvertedBounds(t *testing.T) {
	t.Parallel()
	p := Policy{Delay: model.Delay{Min: 10 * time.Second, Max: 5 * time.Second}}
	if err := p.Validate(); !errors.Is(err, ErrInvalidDelay) {
		t.Fatalf("Validate() = %v, want ErrInvalidDelay", err)
	}
	p = Policy{Breaks: model.BreakConfig{WorkPeriod: time.Hour}}
	if err := p.Validate(); !errors.Is(err, ErrInvalidBreak) {
		t.Fatalf("Validate() = %v, want ErrInvalidBreak", err)
	}
	p = Policy{Hours: model.WorkingHours{Start: 1440}}
	if err := p.Validate(); !errors.Is(err, ErrInvalidHours) {
		t.Fatalf("Validate() = %v, want ErrInvalidHours", err)
	}
}

func TestJitterStaysInRange(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	d := model.Delay{Min: 30 * time.Second, Max: 90 * time.Second}
	seen := map[time.Duration]bool{}
	for i := 0; i < 2000; i++ {
		got := Jitter(d, rng)
		if got < d.Min || got > d.Max {
			t.Fatalf("Jitter = %v, outside [%v, %v]", got, d.Min, d.Max)
		}
		seen[got] = true
	}
	if len(seen) < 10 {
		t.Fatalf("jitter looks deterministic: %d distinct values", len(seen))
	}
}

func TestEffectiveDelayHasFloor(t *testing.T) {
	t.Parallel()
	d := Policy{}.EffectiveDelay()
	if d.Min != MinSpacing || d.Max != MinSpacing {
		t.Fatalf("EffectiveDelay() = %+v, want both %v", d, MinSpacing)
	}
}

func TestBreakBlocksAfterWorkPeriod(t *testing.T) {
	t.Parallel()
	p := Policy{
		Breaks: model.BreakConfig{WorkPeriod: 30 * time.Minute, BreakDuration: 10 * time.Minute},
		Delay:  model.Delay{Min: time.Minute, Max: time.Minute},
	}
	var h History
	t0 := at(10, 0)
	for now := t0; now.Before(t0.Add(30 * time.Minute)); now = now.Add(5 * time.Minute) {
		if d := Check(p, h, now); !d.Allowed {
			t.Fatalf("unexpected block at %v: %+v", now, d)
		}
		h.Record(now, p, nil)
	}
	d := Check(p, h, t0.Add(31*time.Minute))
	if d.Allowed || d.Reason != ReasonBreak {
		t.Fatalf("expected break block, got %+v", d)
	}
	if want := t0.Add(40 * time.Minute); !d.NextEligibleAt.Equal(want) {
		t.Fatalf("NextEligibleAt = %v, want %v", d.NextEligibleAt, want)
	}
	h.Record(d.NextEligibleAt, p, nil)
	if !h.SessionStart.Equal(t0.Add(40 * time.Minute)) {
		t.Fatalf("break end should start a new session, got %v", h.SessionStart)
	}
}

func TestIdleGapStartsNewSession(t *testing.T) {
	t.Parallel()
	p := Policy{Breaks: model.BreakConfig{WorkPeriod: 30 * time.Minute, BreakDuration: 10 * time.Minute}}
	var h History
	h.Record(at(10, 0), p, nil)
	h.Record(at(10, 15), p, nil)
	if !h.SessionStart.Equal(at(10, 15)) {
		t.Fatalf("15m idle gap should reset session, got %v", h.SessionStart)
	}
}

func TestScheduledDelaysInRangeAndOutsideBreaks(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))
	p := Policy{
		Hours:  model.WorkingHours{Start: 8 * 60, End: 20 * 60},
		Breaks: model.BreakConfig{WorkPeriod: 45 * time.Minute, BreakDuration: 15 * time.Minute},
		Delay:  model.Delay{Min: 20 * time.Second, Max: 4 * time.Minute},
		Quota:  Quota{PerHour: 12, PerDay: 80},
	}
	var h History
	now := at(0, 0)
	for i := 0; i < 500; i++ {
		d := Check(p, h, now)
		if !d.Allowed {
			now = d.NextEligibleAt
			if again := Check(p, h, now); !again.Allowed {
				t.Fatalf("NextEligibleAt %v is not eligible: %+v", now, again)
			}
		}
		if start, end, ok := h.breakWindow(p); ok && !now.Before(start) && now.Before(end) {
			t.Fatalf("action at %v inside break [%v, %v)", now, start, end)
		}
		if !InWorkingHours(p.Hours, time.UTC, now) {
			t.Fatalf("action at %v outside working hours", now)
		}
		delay := h.Record(now, p, rng)
		if delay < p.Delay.Min || delay > p.Delay.Max {
			t.Fatalf("delay %v outside [%v, %v]", delay, p.Delay.Min, p.Delay.Max)
		}
	}
}

// Fixed windows reset at the calendar boundary, which allows a burst of
// 2*limit actions around :00. Rolling windows do not.
func TestFixedWindowBoundaryBurst(t *testing.T) {
	t.Parallel()
	stamps := []time.Time{
		at(10, 59).Add(0), at(10, 59).Add(10 * time.Second), at(10, 59).Add(20 * time.Second),
	}
	h := History{Stamps: stamps}
	now := at(10, 59).Add(30 * time.Second)

	fixed := Policy{Window: model.WindowFixed, Quota: Quota{PerHour: 3}}
	d := Check(fixed, h, now)
	if d.Allowed || d.Reason != ReasonHourlyQuota {
		t.Fatalf("fixed: expected hourly block, got %+v", d)
	}
	if !d.NextEligibleAt.Equal(at(11, 0)) {
		t.Fatalf("fixed: NextEligibleAt = %v, want 11:00", d.NextEligibleAt)
	}
	if !Check(fixed, h, at(11, 0)).Allowed {
		t.Fatal("fixed: new hour bucket should allow a burst")
	}

	rolling := Policy{Window: model.WindowRolling, Quota: Quota{PerHour: 3}}
	d = Check(rolling, h, now)
	if d.Allowed {
		t.Fatal("rolling: expected block")
	}
	if want := stamps[0].Add(time.Hour); !d.NextEligibleAt.Equal(want) {
		t.Fatalf("rolling: NextEligibleAt = %v, want %v", d.NextEligibleAt, want)
	}
	if Check(rolling, h, at(11, 0)).Allowed {
		t.Fatal("rolling: 11:00 is still within the trailing hour")
	}
}

func TestDailyQuotaFixedWindow(t *testing.T) {
	t.Parallel()
	p := Policy{Window: model.WindowFixed, Quota: Quota{PerDay: 2}}
	h := History{Stamps: []time.Time{at(9, 0), at(10, 0)}}
	d := Check(p, h, at(15, 0))
	if d.Allowed || d.Reason != ReasonDailyQuota {
		t.Fatalf("expected daily block, got %+v", d)
	}
	if want := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC); !d.NextEligibleAt.Equal(want) {
		t.Fatalf("NextEligibleAt = %v, want %v", d.NextEligibleAt, want)
	}
}

func TestDefaultQuotaTiers(t *testing.T) {
	t.Parallel()
	day := 24 * time.Hour
	tests := []struct {
		age  time.Duration
		want Quota
	}{
		{age: 2 * day, want: Quota{PerHour: 5, PerDay: 20}},
		{age: 10 * day, want: Quota{PerHour: 7, PerDay: 30}},
		{age: 60 * day, want: Quota{PerHour: 30, PerDay: 200}},
	}
	for _, tt := range tests {
		if got := DefaultQuota(model.ActionFollow, tt.age); got != tt.want {
			t.Fatalf("DefaultQuota(follow, %v) = %+v, want %+v", tt.age, got, tt.want)
		}
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	m, err := ParseClock("21:45")
	if err != nil || m != 21*60+45 {
		t.Fatalf("ParseClock = %d, %v", m, err)
	}
	if _, err := ParseClock("25:00"); err == nil {
		t.Fatal("expected error for invalid clock")
	}
}

func TestFromStampsKeepsTodaysQuota(t *testing.T) {
	t.Parallel()
	p := Policy{Quota: Quota{PerDay: 3}, Delay: model.Delay{Min: time.Minute, Max: 2 * time.Minute}}
	now := at(12, 0)
	stamps := []time.Time{at(11, 0), at(9, 0), now.Add(-72 * time.Hour), at(10, 0)}

	h := FromStamps(stamps, p, now)
	if len(h.Stamps) != 3 || !h.Stamps[0].Equal(at(9, 0)) {
		t.Fatalf("Stamps = %v, want the three recent ones sorted", h.Stamps)
	}
	if !h.LastAt.Equal(at(11, 0)) {
		t.Fatalf("LastAt = %v", h.LastAt)
	}
	if h.NextAt.Before(at(11, 0).Add(time.Minute)) {
		t.Fatalf("NextAt = %v, want at least the minimum delay after LastAt", h.NextAt)
	}
	if d := Check(p, h, now); d.Allowed || d.Reason != ReasonDailyQuota {
		t.Fatalf("Check = %+v, want daily quota block", d)
	}
	if h := FromStamps(nil, p, now); !h.LastAt.IsZero() || !h.NextAt.IsZero() {
		t.Fatalf("empty history = %+v", h)
	}
}
