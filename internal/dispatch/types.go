// Package dispatch is the control loop that turns running tasks into paced
// account actions and folds their results back into task progress.
package dispatch

import (
	"errors"
	"math/rand"
	"time"

	"pacebot/internal/eventbus"
	"pacebot/internal/executor"
	"pacebot/internal/model"
	"pacebot/internal/proxypool"
	"pacebot/internal/storage"
	"pacebot/internal/task/engine"
	logx "pacebot/pkg/logx"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskExists     = errors.New("task already exists")
	ErrNotTerminal    = errors.New("task is not in a terminal state")
	ErrTaskBusy       = errors.New("task has a command in progress")
	ErrUnknownAccount = errors.New("unknown or inactive account")
)

// Config is the dispatcher part of config.dispatcher.
type Config struct {
	// MaxConcurrentAccounts caps accounts with an action in flight.
	MaxConcurrentAccounts int
	// InflightTimeout releases an account whose result never came back.
	InflightTimeout time.Duration
	// ActionTimeout bounds one execution attempt in the engine.
	ActionTimeout time.Duration
	// DispatchRate limits dispatches per second across all tasks. <= 0
	// disables the global limiter.
	DispatchRate  float64
	DispatchBurst int
	// TimeoutRequeues is how many times a timed-out action goes back to the
	// front of its lane before it counts as failed.
	TimeoutRequeues int
	// RetryMax is passed to the engine per action. 0 uses the engine default.
	RetryMax int
	// AutoStart admits pending tasks on the next tick. Without it a task
	// waits for an explicit Start.
	AutoStart bool
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentAccounts <= 0 {
		c.MaxConcurrentAccounts = 10
	}
	if c.InflightTimeout <= 0 {
		c.InflightTimeout = 5 * time.Minute
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = time.Minute
	}
	if c.DispatchRate > 0 && c.DispatchBurst <= 0 {
		c.DispatchBurst = 1
	}
	if c.TimeoutRequeues < 0 {
		c.TimeoutRequeues = 0
	} else if c.TimeoutRequeues == 0 {
		c.TimeoutRequeues = 2
	}
	return c
}

// Runner executes jobs. *engine.Service satisfies it.
type Runner interface {
	Enqueue(j engine.Job) error
}

// circuitReporter is implemented by runners that expose breaker state.
type circuitReporter interface {
	CircuitOpen(key string) (bool, time.Time)
}

// AccountLookup resolves account metadata used for quota tiers.
type AccountLookup interface {
	Account(id string) (model.Account, bool)
}

// Deps are the collaborators of a Dispatcher. Runner and Executor are
// required; the rest are optional.
type Deps struct {
	Runner   Runner
	Executor executor.Executor
	Store    storage.Store
	Proxies  *proxypool.Pool
	Accounts AccountLookup
	Bus      eventbus.Bus
	Log      logx.Logger

	Clock func() time.Time
	Rand  *rand.Rand
}

// StatusChange is the payload of eventbus.TaskStatus.
type StatusChange struct {
	TaskID string       `json:"task_id"`
	Name   string       `json:"name,omitempty"`
	From   model.Status `json:"from"`
	To     model.Status `json:"to"`
	Error  string       `json:"error,omitempty"`
}

// ActionEvent is the payload of action.* and account.down events.
type ActionEvent struct {
	TaskID    string           `json:"task_id"`
	AccountID string           `json:"account_id"`
	ActionID  string           `json:"action_id"`
	Action    model.ActionType `json:"action"`
	Outcome   model.Outcome    `json:"outcome,omitempty"`
	Error     string           `json:"error,omitempty"`
	// InFlight is the number of accounts busy right after this event.
	InFlight int `json:"inflight"`
}

// PhaseChange is the payload of eventbus.TaskPhase.
type PhaseChange struct {
	TaskID     string `json:"task_id"`
	PhaseIndex int    `json:"phase_index"`
}

// ProxyChange is the payload of eventbus.ProxyReplaced.
type ProxyChange struct {
	AccountID string `json:"account_id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// BulkResult is one task's outcome in a bulk command.
type BulkResult struct {
	TaskID string       `json:"task_id"`
	Status model.Status `json:"status"`
	Err    error        `json:"-"`
}

// Stats is a point-in-time view for metrics and the status command.
type Stats struct {
	Tasks    int
	Running  int
	InFlight int
	Pending  int
}
