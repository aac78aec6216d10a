package rate

import (
	"time"

	"pacebot/internal/model"
)

// Block reasons reported in Decision.Reason.
const (
	ReasonOutsideHours = "outside_working_hours"
	ReasonBreak        = "break"
	ReasonDelay        = "delay"
	ReasonHourlyQuota  = "hourly_quota"
	ReasonDailyQuota   = "daily_quota"
)

// maxProbe bounds the search for the next eligible instant. Each probe jumps
// to the end of the current block, so a handful is always enough.
const maxProbe = 32

// Decision is the result of Check.
type Decision struct {
	Allowed        bool
	NextEligibleAt time.Time
	// Reason names the first constraint that blocked at "now".
	Reason string
}

// Check reports whether an account with history h may act at now under p,
// and when it next may. It is pure and does not mutate h.
//
// With WindowFixed, quotas count per calendar hour/day in p.Loc, so an
// account that exhausts an hour at :59 may burst again at :00.
func Check(p Policy, h History, now time.Time) Decision {
	until, reason, blocked := blockedUntil(p, &h, now)
	if !blocked {
		return Decision{Allowed: true, NextEligibleAt: now}
	}
	t := until
	for i := 0; i < maxProbe; i++ {
		next, _, b := blockedUntil(p, &h, t)
		if !b {
			break
		}
		t = next
	}
	return Decision{Allowed: false, NextEligibleAt: t, Reason: reason}
}

// blockedUntil returns the end of the first constraint blocking at t.
func blockedUntil(p Policy, h *History, t time.Time) (time.Time, string, bool) {
	if !InWorkingHours(p.Hours, p.location(), t) {
		return NextWorkingStart(p.Hours, p.location(), t), ReasonOutsideHours, true
	}
	if start, end, ok := h.breakWindow(p); ok && !t.Before(start) && t.Before(end) {
		return end, ReasonBreak, true
	}
	if !h.NextAt.IsZero() && t.Before(h.NextAt) {
		return h.NextAt, ReasonDelay, true
	}
	if p.Quota.PerHour > 0 {
		if until, ok := quotaBlock(p, h.Stamps, t, time.Hour, p.Quota.PerHour); ok {
			return until, ReasonHourlyQuota, true
		}
	}
	if p.Quota.PerDay > 0 {
		if until, ok := quotaBlock(p, h.Stamps, t, 24*time.Hour, p.Quota.PerDay); ok {
			return until, ReasonDailyQuota, true
		}
	}
	return time.Time{}, "", false
}

func quotaBlock(p Policy, stamps []time.Time, t time.Time, span time.Duration, limit int) (time.Time, bool) {
	if p.Window == model.WindowRolling {
		from := t.Add(-span)
		in := stamps[firstAfter(stamps, from):]
		in = in[:countNotAfter(in, t)]
		if len(in) < limit {
			return time.Time{}, false
		}
		// The window opens once enough of the oldest stamps age out.
		return in[len(in)-limit].Add(span), true
	}

	start, next := bucket(t, p.location(), span)
	n := 0
	for _, s := range stamps {
		if !s.Before(start) && s.Before(next) {
			n++
		}
	}
	if n < limit {
		return time.Time{}, false
	}
	return next, true
}

// bucket returns the calendar hour or day containing t.
func bucket(t time.Time, loc *time.Location, span time.Duration) (time.Time, time.Time) {
	lt := t.In(loc)
	y, m, d := lt.Date()
	if span == time.Hour {
		start := time.Date(y, m, d, lt.Hour(), 0, 0, 0, loc)
		return start, start.Add(time.Hour)
	}
	return time.Date(y, m, d, 0, 0, 0, 0, loc), time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

func firstAfter(stamps []time.Time, from time.Time) int {
	for i, s := range stamps {
		if s.After(from) {
			return i
		}
	}
	return len(stamps)
}

func countNotAfter(stamps []time.Time, t time.Time) int {
	for i, s := range stamps {
		if s.After(t) {
			return i
		}
	}
	return len(stamps)
}

// InWorkingHours reports whether t falls in [Start, End) in loc. Start == End
// means always open; Start > End wraps past midnight.
func InWorkingHours(wh model.WorkingHours, loc *time.Location, t time.Time) bool {
	if wh.Start == wh.End {
		return true
	}
	lt := t.In(loc)
	m := lt.Hour()*60 + lt.Minute()
	if wh.Start < wh.End {
		return m >= wh.Start && m < wh.End
	}
	return m >= wh.Start || m < wh.End
}

// NextWorkingStart returns the next window opening strictly after t.
func NextWorkingStart(wh model.WorkingHours, loc *time.Location, t time.Time) time.Time {
	lt := t.In(loc)
	y, m, d := lt.Date()
	open := time.Date(y, m, d, wh.Start/60, wh.Start%60, 0, 0, loc)
	if !open.After(t) {
		open = time.Date(y, m, d+1, wh.Start/60, wh.Start%60, 0, 0, loc)
	}
	return open
}
