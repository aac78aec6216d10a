package rate

import (
	"math/rand"
	"sort"
	"time"

	"pacebot/internal/model"
)

// retain is how long stamps are kept; it covers a rolling day plus a fixed
// calendar day across any zone offset.
const retain = 48 * time.Hour

// History is the per-account memory the rate model needs.
type History struct {
	Stamps       []time.Time
	NextAt       time.Time
	SessionStart time.Time
	LastAt       time.Time
}

// Jitter draws a delay uniformly from [d.Min, d.Max].
func Jitter(d model.Delay, rng *rand.Rand) time.Duration {
	if d.Max <= d.Min {
		return d.Min
	}
	span := int64(d.Max - d.Min)
	var n int64
	if rng != nil {
		n = rng.Int63n(span + 1)
	} else {
		n = rand.Int63n(span + 1)
	}
	return d.Min + time.Duration(n)
}

// Record notes an action at now and schedules the earliest next action. It
// returns the drawn delay. A next instant that lands inside a break is pushed
// to the break end.
func (h *History) Record(now time.Time, p Policy, rng *rand.Rand) time.Duration {
	if h.newSession(p, now) {
		h.SessionStart = now
	}
	h.LastAt = now
	h.Stamps = append(h.Stamps, now)
	cut := now.Add(-retain)
	i := 0
	for i < len(h.Stamps) && h.Stamps[i].Before(cut) {
		i++
	}
	if i > 0 {
		h.Stamps = append([]time.Time(nil), h.Stamps[i:]...)
	}

	delay := Jitter(p.EffectiveDelay(), rng)
	next := now.Add(delay)
	if start, end, ok := h.breakWindow(p); ok && !next.Before(start) && next.Before(end) {
		next = end
	}
	h.NextAt = next
	return delay
}

func (h *History) newSession(p Policy, now time.Time) bool {
	if h.SessionStart.IsZero() {
		return true
	}
	if !p.breaksEnabled() {
		return false
	}
	if !now.Before(h.SessionStart.Add(p.Breaks.WorkPeriod + p.Breaks.BreakDuration)) {
		return true
	}
	// A long enough idle gap counts as a break already taken.
	return !h.LastAt.IsZero() && now.Sub(h.LastAt) >= p.Breaks.BreakDuration
}

// breakWindow returns the forced pause of the current session.
func (h *History) breakWindow(p Policy) (time.Time, time.Time, bool) {
	if !p.breaksEnabled() || h.SessionStart.IsZero() {
		return time.Time{}, time.Time{}, false
	}
	start := h.SessionStart.Add(p.Breaks.WorkPeriod)
	return start, start.Add(p.Breaks.BreakDuration), true
}

// FromStamps rebuilds a history from persisted dispatch times. Stamps
// older than the retention window are dropped. The next action waits at
// least the minimum delay after the last stamp.
func FromStamps(stamps []time.Time, p Policy, now time.Time) History {
	var h History
	cut := now.Add(-retain)
	for _, s := range stamps {
		if !s.Before(cut) && !s.After(now) {
			h.Stamps = append(h.Stamps, s)
		}
	}
	sort.Slice(h.Stamps, func(i, j int) bool { return h.Stamps[i].Before(h.Stamps[j]) })
	if n := len(h.Stamps); n > 0 {
		h.LastAt = h.Stamps[n-1]
		h.NextAt = h.LastAt.Add(p.EffectiveDelay().Min)
	}
	return h
}

// Clone returns an independent copy.
func (h History) Clone() History {
	h.Stamps = append([]time.Time(nil), h.Stamps...)
	return h
}
