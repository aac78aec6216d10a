package rate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pacebot/internal/model"
)

// MinSpacing is the floor applied to every inter-action delay.
const MinSpacing = 2 * time.Second

var (
	ErrInvalidDelay = errors.New("delay min exceeds max")
	ErrInvalidHours = errors.New("working hours out of range")
	ErrInvalidBreak = errors.New("break duration required when work period is set")
	ErrInvalidQuota = errors.New("quota must be >= 0")
)

// Quota caps actions per calendar or rolling hour/day. Zero disables a cap.
type Quota struct {
	PerHour int
	PerDay  int
}

// Policy is everything Check needs to decide whether one account may act.
type Policy struct {
	Quota  Quota
	Window model.WindowPolicy
	Hours  model.WorkingHours
	// Loc is the reference time zone for working hours and fixed windows.
	// Nil means UTC.
	Loc    *time.Location
	Breaks model.BreakConfig
	Delay  model.Delay
}

// Validate rejects configurations that can never schedule correctly.
// It runs at task creation, never inside the dispatch loop.
func (p Policy) Validate() error {
	if p.Delay.Min < 0 || p.Delay.Max < 0 || p.Delay.Min > p.Delay.Max {
		return fmt.Errorf("%w: min=%s max=%s", ErrInvalidDelay, p.Delay.Min, p.Delay.Max)
	}
	if p.Hours.Start < 0 || p.Hours.Start >= 1440 || p.Hours.End < 0 || p.Hours.End >= 1440 {
		return fmt.Errorf("%w: start=%d end=%d", ErrInvalidHours, p.Hours.Start, p.Hours.End)
	}
	if p.Breaks.WorkPeriod > 0 && p.Breaks.BreakDuration <= 0 {
		return ErrInvalidBreak
	}
	if p.Quota.PerHour < 0 || p.Quota.PerDay < 0 {
		return ErrInvalidQuota
	}
	switch p.Window {
	case "", model.WindowFixed, model.WindowRolling:
	default:
		return fmt.Errorf("unknown window policy %q", p.Window)
	}
	return nil
}

func (p Policy) location() *time.Location {
	if p.Loc == nil {
		return time.UTC
	}
	return p.Loc
}

func (p Policy) breaksEnabled() bool {
	return p.Breaks.WorkPeriod > 0 && p.Breaks.BreakDuration > 0
}

// EffectiveDelay applies MinSpacing to the configured delay range.
func (p Policy) EffectiveDelay() model.Delay {
	d := p.Delay
	if d.Min < MinSpacing {
		d.Min = MinSpacing
	}
	if d.Max < d.Min {
		d.Max = d.Min
	}
	return d
}

// LoadLocation resolves an IANA zone name; empty means UTC.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

// ParseClock parses "HH:MM" into minutes of day.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q, expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
