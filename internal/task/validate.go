// Package task normalizes and validates task definitions before they are
// admitted to the dispatcher.
package task

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"pacebot/internal/model"
	"pacebot/internal/rate"
)

var ErrInvalidTask = errors.New("invalid task")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Normalize fills defaults in place: window policy, distribution strategy,
// the kind's default action, and de-duplicated account IDs.
func Normalize(t *model.Task) {
	if t.Window == "" {
		t.Window = model.WindowFixed
	}
	if t.Strategy == "" {
		t.Strategy = model.StrategyShared
	}
	if t.Action == "" {
		t.Action = t.Kind.DefaultAction()
	}
	seen := make(map[string]struct{}, len(t.AccountIDs))
	ids := t.AccountIDs[:0]
	for _, id := range t.AccountIDs {
		id = strings.TrimSpace(id)
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	t.AccountIDs = ids
}

// Validate rejects a definition that could never schedule correctly. All
// problems are reported at once, wrapped in ErrInvalidTask.
func Validate(t *model.Task) error {
	var problems []string
	if err := structValidator().Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	loc, err := rate.LoadLocation(t.WorkingHours.Timezone)
	if err != nil {
		problems = append(problems, err.Error())
	}
	pol := rate.Policy{
		Quota:  rate.Quota{PerHour: t.Limits.PerHour, PerDay: t.Limits.PerDay},
		Window: t.Window,
		Hours:  t.WorkingHours,
		Loc:    loc,
		Breaks: t.Breaks,
		Delay:  t.Delay,
	}
	if err := pol.Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	problems = append(problems, validatePhases(t)...)

	if t.Kind != model.KindWarmup {
		if len(t.Targets.Values) == 0 {
			problems = append(problems, "targets: at least one target is required")
		}
		if t.Action == "" {
			problems = append(problems, "action is required")
		}
	}
	if t.Action != "" && !knownAction(t.Action) {
		problems = append(problems, fmt.Sprintf("unknown action %q", t.Action))
	}
	seen := map[string]struct{}{}
	for _, v := range t.Targets.Values {
		if _, dup := seen[v]; dup && t.Strategy == model.StrategyUnique {
			problems = append(problems, fmt.Sprintf("duplicate target %q with unique strategy", v))
			break
		}
		seen[v] = struct{}{}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTask, strings.Join(problems, "; "))
	}
	return nil
}

func validatePhases(t *model.Task) []string {
	var out []string
	if t.Kind == model.KindWarmup {
		enabled := 0
		for _, ph := range t.Phases {
			if ph.Enabled {
				enabled++
			}
		}
		if enabled == 0 {
			out = append(out, "warmup requires at least one enabled phase")
		}
	}
	prev := 0
	for i, ph := range t.Phases {
		if ph.Number <= prev {
			out = append(out, fmt.Sprintf("phases[%d]: phase numbers must be strictly ascending", i))
		}
		prev = ph.Number
		if ph.MinDaily > ph.MaxDaily {
			out = append(out, fmt.Sprintf("phases[%d]: min_daily %d exceeds max_daily %d", i, ph.MinDaily, ph.MaxDaily))
		}
		if ph.Enabled && ph.MaxDaily <= 0 {
			out = append(out, fmt.Sprintf("phases[%d]: enabled phase needs max_daily > 0", i))
		}
		for _, a := range ph.Actions {
			if !knownAction(a) {
				out = append(out, fmt.Sprintf("phases[%d]: unknown action %q", i, a))
			}
		}
	}
	return out
}

func knownAction(a model.ActionType) bool {
	for _, k := range model.ActionTypes() {
		if k == a {
			return true
		}
	}
	return false
}
