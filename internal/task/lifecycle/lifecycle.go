// Package lifecycle is the task state machine.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"pacebot/internal/model"
)

var ErrInvalidTransition = errors.New("invalid task transition")

type Event string

const (
	Start    Event = "start"
	Pause    Event = "pause"
	Resume   Event = "resume"
	Complete Event = "complete"
	Stop     Event = "stop"
	Fail     Event = "fail"
	Cancel   Event = "cancel"
)

var transitions = map[Event]map[model.Status]model.Status{
	Start:    {model.StatusPending: model.StatusRunning},
	Pause:    {model.StatusRunning: model.StatusPaused},
	Resume:   {model.StatusPaused: model.StatusRunning},
	Complete: {model.StatusRunning: model.StatusCompleted},
	Stop: {
		model.StatusPending: model.StatusStopped,
		model.StatusRunning: model.StatusStopped,
		model.StatusPaused:  model.StatusStopped,
	},
	Fail: {model.StatusRunning: model.StatusFailed},
	Cancel: {
		model.StatusPending: model.StatusCancelled,
		model.StatusRunning: model.StatusCancelled,
		model.StatusPaused:  model.StatusCancelled,
	},
}

// Next returns the status ev leads to from cur.
func Next(cur model.Status, ev Event) (model.Status, error) {
	to, ok := transitions[ev][cur]
	if !ok {
		return cur, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, cur)
	}
	return to, nil
}

// Can reports whether ev is accepted in cur.
func Can(cur model.Status, ev Event) bool {
	_, err := Next(cur, ev)
	return err == nil
}

// Apply moves t through ev, stamping StartedAt on first start and
// FinishedAt on any terminal state. t is left untouched on error.
func Apply(t *model.Task, ev Event, now time.Time) error {
	to, err := Next(t.Status, ev)
	if err != nil {
		return err
	}
	t.Status = to
	if to == model.StatusRunning && t.StartedAt == nil {
		ts := now
		t.StartedAt = &ts
	}
	if to.Terminal() {
		ts := now
		t.FinishedAt = &ts
	}
	return nil
}
