package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
//
// Older clients sent mixed-case strings ("RUNNING", "running"); ParseStatus
// folds them into one value so the rest of the code compares enums only.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusStopped   Status = "stopped"
)

var allStatuses = []Status{
	StatusPending, StatusRunning, StatusPaused,
	StatusCompleted, StatusFailed, StatusCancelled, StatusStopped,
}

// ParseStatus normalizes a status string (any casing, surrounding spaces).
func ParseStatus(raw string) (Status, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "canceled" {
		s = string(StatusCancelled)
	}
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown task status %q", raw)
}

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusStopped:
		return true
	}
	return false
}

// Kind is the task variant.
type Kind string

const (
	KindFollow      Kind = "follow"
	KindWarmup      Kind = "warmup"
	KindPublish     Kind = "publish"
	KindMassLooking Kind = "mass_looking"
	KindCampaign    Kind = "campaign"
)

// DefaultAction is the action a task kind performs on each target when the
// task does not name one explicitly. Warm-up tasks draw from their phases.
func (k Kind) DefaultAction() ActionType {
	switch k {
	case KindFollow:
		return ActionFollow
	case KindPublish:
		return ActionPublishPost
	case KindMassLooking:
		return ActionViewStory
	case KindCampaign:
		return ActionComment
	}
	return ""
}

type ActionType string

const (
	ActionFollow      ActionType = "follow"
	ActionUnfollow    ActionType = "unfollow"
	ActionLike        ActionType = "like"
	ActionComment     ActionType = "comment"
	ActionViewStory   ActionType = "view_story"
	ActionPublishPost ActionType = "publish_post"
	ActionViewReel    ActionType = "view_reel"
)

// ActionTypes lists every supported action type.
func ActionTypes() []ActionType {
	return []ActionType{
		ActionFollow, ActionUnfollow, ActionLike, ActionComment,
		ActionViewStory, ActionPublishPost, ActionViewReel,
	}
}

// Outcome is the final result of one action after retries.
type Outcome string

const (
	OutcomePending Outcome = ""
	OutcomeSuccess Outcome = "success"
	// OutcomeFailed is a permanent failure of the action only (target
	// unavailable, retries exhausted).
	OutcomeFailed Outcome = "failed"
	// OutcomeAccountDown is a permanent account error (banned, login invalid).
	OutcomeAccountDown Outcome = "account_down"
	// OutcomeTimeout marks an action whose result never arrived in time.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeDiscarded marks a result that arrived after its task stopped.
	OutcomeDiscarded Outcome = "discarded"
)

// Strategy selects how worker accounts are matched to targets.
type Strategy string

const (
	StrategyShared Strategy = "shared"
	StrategyUnique Strategy = "unique"
)

// WindowPolicy selects how hourly/daily quotas are counted.
type WindowPolicy string

const (
	WindowFixed   WindowPolicy = "fixed"
	WindowRolling WindowPolicy = "rolling"
)

type Account struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle"`
	Active    bool      `json:"active"`
	ProxyID   string    `json:"proxy_id,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Proxy struct {
	ID        string `json:"id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Protocol  string `json:"protocol"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	Healthy   bool   `json:"healthy"`
	AccountID string `json:"account_id,omitempty"`
}

// Addr renders the proxy as a URL usable by HTTP clients.
func (p Proxy) Addr() string {
	proto := p.Protocol
	if proto == "" {
		proto = "http"
	}
	if p.Username != "" {
		return fmt.Sprintf("%s://%s:%s@%s:%d", proto, p.Username, p.Password, p.Host, p.Port)
	}
	return fmt.Sprintf("%s://%s:%d", proto, p.Host, p.Port)
}

// Phase is one stage of a warm-up ramp.
type Phase struct {
	Number   int           `json:"phase_number" validate:"gte=1"`
	Enabled  bool          `json:"enabled"`
	MinDaily int           `json:"min_daily" validate:"gte=0"`
	MaxDaily int           `json:"max_daily" validate:"gte=0,gtefield=MinDaily"`
	Duration time.Duration `json:"duration" validate:"gt=0"`
	Actions  []ActionType  `json:"actions,omitempty"`
}

// Days is the number of calendar days the phase spans (at least 1).
func (p Phase) Days() int {
	d := int((p.Duration + 24*time.Hour - 1) / (24 * time.Hour))
	if d < 1 {
		d = 1
	}
	return d
}

// MaxCount is the phase's total action cap.
func (p Phase) MaxCount() int { return p.MaxDaily * p.Days() }

// Limits are per-account rate parameters of a task. When PerHour and
// PerDay are both zero the account's age-tier default quota applies.
type Limits struct {
	PerHour int `json:"per_hour" validate:"gte=0"`
	PerDay  int `json:"per_day" validate:"gte=0"`
	// Total caps executed actions across all accounts of the task.
	Total int `json:"total" validate:"gte=0"`
}

// WorkingHours is a daily [Start, End) window in minutes of day.
// Start == End means "always open".
type WorkingHours struct {
	Start    int    `json:"start" validate:"gte=0,lt=1440"`
	End      int    `json:"end" validate:"gte=0,lt=1440"`
	Timezone string `json:"timezone,omitempty"`
}

// BreakConfig forces a pause of BreakDuration after WorkPeriod of activity.
// A zero WorkPeriod disables breaks.
type BreakConfig struct {
	WorkPeriod    time.Duration `json:"work_period" validate:"gte=0"`
	BreakDuration time.Duration `json:"break_duration" validate:"gte=0"`
}

// Delay is the jittered inter-action delay range.
type Delay struct {
	Min time.Duration `json:"min" validate:"gte=0"`
	Max time.Duration `json:"max" validate:"gte=0,gtefield=Min"`
}

// TargetSpec names where targets come from and the resolved values.
type TargetSpec struct {
	Source string   `json:"source"`
	Values []string `json:"values"`
}

type Task struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	Kind       Kind     `json:"kind" validate:"required,oneof=follow warmup publish mass_looking campaign"`
	Status     Status   `json:"status"`
	AccountIDs []string `json:"account_ids" validate:"min=1,dive,required"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Action       ActionType        `json:"action,omitempty"`
	Limits       Limits            `json:"limits"`
	Phases       []Phase           `json:"phases,omitempty" validate:"dive"`
	Window       WindowPolicy      `json:"window,omitempty" validate:"omitempty,oneof=fixed rolling"`
	WorkingHours WorkingHours      `json:"working_hours"`
	Breaks       BreakConfig       `json:"breaks"`
	Delay        Delay             `json:"delay"`
	Targets      TargetSpec        `json:"targets"`
	Strategy     Strategy          `json:"strategy,omitempty" validate:"omitempty,oneof=shared unique"`
	Params       map[string]string `json:"params,omitempty"`

	Progress  Progress `json:"progress"`
	LastError string   `json:"last_error,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.AccountIDs = append([]string(nil), t.AccountIDs...)
	cp.Phases = append([]Phase(nil), t.Phases...)
	cp.Targets.Values = append([]string(nil), t.Targets.Values...)
	if t.Params != nil {
		cp.Params = make(map[string]string, len(t.Params))
		for k, v := range t.Params {
			cp.Params[k] = v
		}
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		cp.FinishedAt = &v
	}
	cp.Progress = t.Progress.Clone()
	return &cp
}

// Progress is the persisted form of a task's counters.
type Progress struct {
	PerAction      map[ActionType]int `json:"per_action,omitempty"`
	Executed       int                `json:"executed"`
	Successes      int                `json:"successes"`
	Permanent      int                `json:"permanent_failures"`
	Transient      int                `json:"transient_failures"`
	PhaseIndex     int                `json:"phase_index"`
	PhaseStartedAt time.Time          `json:"phase_started_at"`
	PhaseCount     int                `json:"phase_count"`
	// PhaseCounts splits PhaseCount per account; a phase's MaxDaily x days
	// cap applies to each account separately.
	PhaseCounts    map[string]int `json:"phase_counts,omitempty"`
	FailedAccounts []string       `json:"failed_accounts,omitempty"`
	// Cursors records how many work items each account has drawn from
	// its target list, so a restart resumes without repeating targets.
	Cursors map[string]int `json:"cursors,omitempty"`
	// Stamps holds each account's recent dispatch times so a restart keeps
	// today's quota and daily goal.
	Stamps       map[string][]time.Time `json:"stamps,omitempty"`
	LastActivity time.Time              `json:"last_activity"`
}

func (p Progress) Clone() Progress {
	cp := p
	if p.PerAction != nil {
		cp.PerAction = make(map[ActionType]int, len(p.PerAction))
		for k, v := range p.PerAction {
			cp.PerAction[k] = v
		}
	}
	if p.Cursors != nil {
		cp.Cursors = make(map[string]int, len(p.Cursors))
		for k, v := range p.Cursors {
			cp.Cursors[k] = v
		}
	}
	if p.PhaseCounts != nil {
		cp.PhaseCounts = make(map[string]int, len(p.PhaseCounts))
		for k, v := range p.PhaseCounts {
			cp.PhaseCounts[k] = v
		}
	}
	if p.Stamps != nil {
		cp.Stamps = make(map[string][]time.Time, len(p.Stamps))
		for k, v := range p.Stamps {
			cp.Stamps[k] = append([]time.Time(nil), v...)
		}
	}
	cp.FailedAccounts = append([]string(nil), p.FailedAccounts...)
	return cp
}

// ActionRecord is one scheduled or executed atomic action.
type ActionRecord struct {
	ID          string            `json:"id"`
	TaskID      string            `json:"task_id"`
	AccountID   string            `json:"account_id"`
	Type        ActionType        `json:"action_type"`
	Target      string            `json:"target,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	ExecutedAt  *time.Time        `json:"executed_at,omitempty"`
	Outcome     Outcome           `json:"outcome,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`
	Error       string            `json:"error,omitempty"`
}
