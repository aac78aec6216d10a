package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration. Empty is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Durations parses a run of fields and keeps the first error, so mapping
// code reads top to bottom without an if after every field.
type Durations struct {
	err error
}

func (d *Durations) Get(path, raw string, def time.Duration) time.Duration {
	if d.err != nil {
		return 0
	}
	v, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		d.err = err
	}
	return v
}

func (d *Durations) Err() error { return d.err }
