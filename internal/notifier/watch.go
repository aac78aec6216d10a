package notifier

import (
	"context"
	"fmt"
	"strings"

	"pacebot/internal/dispatch"
	"pacebot/internal/eventbus"
	"pacebot/internal/model"
	logx "pacebot/pkg/logx"
)

// Watch turns task status changes and account degradations into
// notifications until ctx ends.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256, eventbus.TaskStatus, eventbus.AccountDown)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			n, ok := s.format(e)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, n); err != nil && ctx.Err() == nil {
				s.log.Debug("notification not queued", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

func (s *Service) wants(st model.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.notify) == 0 {
		return st.Terminal()
	}
	return s.notify[string(st)]
}

func (s *Service) format(e eventbus.Event) (Notification, bool) {
	switch ev := e.Data.(type) {
	case dispatch.StatusChange:
		if !s.wants(ev.To) {
			return Notification{}, false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Task %s %s", taskLabel(ev.TaskID, ev.Name), ev.To)
		if ev.Error != "" {
			fmt.Fprintf(&b, ": %s", ev.Error)
		}
		prio := PriorityInfo
		if ev.To == model.StatusFailed {
			prio = PriorityAlert
		}
		return Notification{Priority: prio, Text: b.String(), Key: "status:" + ev.TaskID + ":" + string(ev.To)}, true
	case dispatch.ActionEvent:
		if e.Type != eventbus.AccountDown {
			return Notification{}, false
		}
		text := fmt.Sprintf("Account %s dropped from task %s", ev.AccountID, ev.TaskID)
		if ev.Error != "" {
			text += ": " + ev.Error
		}
		return Notification{Priority: PriorityWarn, Text: text, Key: "down:" + ev.TaskID + ":" + ev.AccountID}, true
	}
	return Notification{}, false
}

func taskLabel(id, name string) string {
	if name == "" || name == id {
		return id
	}
	return fmt.Sprintf("%q (%s)", name, id)
}
