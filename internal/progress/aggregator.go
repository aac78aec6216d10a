// Package progress keeps per-task counters and phase position in memory so
// status polling never recomputes history.
package progress

import (
	"sort"
	"sync"
	"time"

	"pacebot/internal/model"
)

// Snapshot is the polling view of one task.
type Snapshot struct {
	TaskID            string                   `json:"task_id"`
	Status            model.Status             `json:"status"`
	PerAction         map[model.ActionType]int `json:"per_action"`
	Executed          int                      `json:"executed"`
	Successes         int                      `json:"successes"`
	PermanentFailures int                      `json:"permanent_failures"`
	TransientFailures int                      `json:"transient_failures"`
	// CurrentPhase is the phase number, 0 when the task has no phases or
	// all phases are done.
	CurrentPhase   int       `json:"current_phase"`
	PhaseIndex     int       `json:"phase_index"`
	PhaseCount     int       `json:"phase_count"`
	SuccessRate    float64   `json:"success_rate"`
	LastActivity   time.Time `json:"last_activity"`
	NextCheckAt    time.Time `json:"next_check_at"`
	LastError      string    `json:"last_error,omitempty"`
	FailedAccounts []string  `json:"failed_accounts,omitempty"`
}

type entry struct {
	status      model.Status
	p           model.Progress
	phaseNumber int
	nextCheck   time.Time
	lastError   string
}

type Aggregator struct {
	mu    sync.RWMutex
	tasks map[string]*entry
}

func New() *Aggregator {
	return &Aggregator{tasks: map[string]*entry{}}
}

func (a *Aggregator) get(taskID string) *entry {
	e := a.tasks[taskID]
	if e == nil {
		e = &entry{status: model.StatusPending}
		a.tasks[taskID] = e
	}
	return e
}

// RecordOutcome folds one final action outcome into the task's counters.
func (a *Aggregator) RecordOutcome(taskID, accountID string, action model.ActionType, outcome model.Outcome, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.get(taskID)
	switch outcome {
	case model.OutcomeSuccess:
		e.p.Successes++
		e.p.Executed++
		e.p.PhaseCount++
		if accountID != "" {
			if e.p.PhaseCounts == nil {
				e.p.PhaseCounts = map[string]int{}
			}
			e.p.PhaseCounts[accountID]++
		}
		if e.p.PerAction == nil {
			e.p.PerAction = map[model.ActionType]int{}
		}
		e.p.PerAction[action]++
	case model.OutcomeFailed:
		e.p.Permanent++
		e.p.Executed++
	case model.OutcomeAccountDown:
		e.p.Permanent++
		e.p.Executed++
		e.markFailed(accountID)
	case model.OutcomeTimeout:
		e.p.Transient++
	default:
		return
	}
	if at.After(e.p.LastActivity) {
		e.p.LastActivity = at
	}
}

func (e *entry) markFailed(accountID string) {
	if accountID == "" {
		return
	}
	for _, id := range e.p.FailedAccounts {
		if id == accountID {
			return
		}
	}
	e.p.FailedAccounts = append(e.p.FailedAccounts, accountID)
	sort.Strings(e.p.FailedAccounts)
}

// MarkAccountFailed records a permanently unusable account without an
// action outcome, e.g. when no replacement proxy exists.
func (a *Aggregator) MarkAccountFailed(taskID, accountID string) {
	a.mu.Lock()
	a.get(taskID).markFailed(accountID)
	a.mu.Unlock()
}

// Advance moves the task to its next enabled phase when the current one has
// run for its duration or every live account has reached MaxDaily x days
// successes in it. With no live accounts only the duration counts. Disabled
// phases are skipped. Totals are kept; only the per-phase counts reset.
// It reports whether the phase changed and whether all phases are done.
func (a *Aggregator) Advance(taskID string, phases []model.Phase, live []string, now time.Time) (advanced, done bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.get(taskID)
	if len(phases) == 0 {
		return false, false
	}
	idx := nextEnabled(phases, e.p.PhaseIndex)
	if idx != e.p.PhaseIndex {
		e.enterPhase(idx, now)
		advanced = true
	}
	if e.p.PhaseStartedAt.IsZero() {
		e.p.PhaseStartedAt = now
	}
	for idx < len(phases) {
		cur := phases[idx]
		if now.Sub(e.p.PhaseStartedAt) < cur.Duration && !e.capReached(live, cur.MaxCount()) {
			break
		}
		idx = nextEnabled(phases, idx+1)
		e.enterPhase(idx, now)
		advanced = true
	}
	e.phaseNumber = 0
	if idx < len(phases) {
		e.phaseNumber = phases[idx].Number
	}
	return advanced, idx >= len(phases)
}

func (e *entry) enterPhase(idx int, now time.Time) {
	e.p.PhaseIndex = idx
	e.p.PhaseStartedAt = now
	e.p.PhaseCount = 0
	e.p.PhaseCounts = nil
}

// capReached reports whether every live account has limit successes in the
// current phase.
func (e *entry) capReached(live []string, limit int) bool {
	if len(live) == 0 {
		return false
	}
	for _, acc := range live {
		if e.p.PhaseCounts[acc] < limit {
			return false
		}
	}
	return true
}

// PhaseCount returns accountID's successes in the task's current phase.
func (a *Aggregator) PhaseCount(taskID, accountID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if e := a.tasks[taskID]; e != nil {
		return e.p.PhaseCounts[accountID]
	}
	return 0
}

func nextEnabled(phases []model.Phase, from int) int {
	for i := from; i < len(phases); i++ {
		if phases[i].Enabled {
			return i
		}
	}
	return len(phases)
}

// Phase returns the task's current phase index and its start.
func (a *Aggregator) Phase(taskID string) (int, time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e := a.tasks[taskID]
	if e == nil {
		return 0, time.Time{}
	}
	return e.p.PhaseIndex, e.p.PhaseStartedAt
}

func (a *Aggregator) Executed(taskID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if e := a.tasks[taskID]; e != nil {
		return e.p.Executed
	}
	return 0
}

func (a *Aggregator) SetStatus(taskID string, st model.Status) {
	a.mu.Lock()
	a.get(taskID).status = st
	a.mu.Unlock()
}

func (a *Aggregator) SetNextCheck(taskID string, at time.Time) {
	a.mu.Lock()
	a.get(taskID).nextCheck = at
	a.mu.Unlock()
}

func (a *Aggregator) SetError(taskID, msg string) {
	a.mu.Lock()
	a.get(taskID).lastError = msg
	a.mu.Unlock()
}

// Cursor returns how many work items accountID has drawn for taskID.
func (a *Aggregator) Cursor(taskID, accountID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if e := a.tasks[taskID]; e != nil {
		return e.p.Cursors[accountID]
	}
	return 0
}

func (a *Aggregator) SetCursor(taskID, accountID string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.get(taskID)
	if e.p.Cursors == nil {
		e.p.Cursors = map[string]int{}
	}
	e.p.Cursors[accountID] = n
}

// Snapshot returns the current counters; ok is false for unknown tasks.
func (a *Aggregator) Snapshot(taskID string) (Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e := a.tasks[taskID]
	if e == nil {
		return Snapshot{}, false
	}
	p := e.p.Clone()
	s := Snapshot{
		TaskID:            taskID,
		Status:            e.status,
		PerAction:         p.PerAction,
		Executed:          p.Executed,
		Successes:         p.Successes,
		PermanentFailures: p.Permanent,
		TransientFailures: p.Transient,
		CurrentPhase:      e.phaseNumber,
		PhaseIndex:        p.PhaseIndex,
		PhaseCount:        p.PhaseCount,
		LastActivity:      p.LastActivity,
		NextCheckAt:       e.nextCheck,
		LastError:         e.lastError,
		FailedAccounts:    p.FailedAccounts,
	}
	if s.PerAction == nil {
		s.PerAction = map[model.ActionType]int{}
	}
	s.SuccessRate = SuccessRate(p.Successes, p.Permanent)
	return s, true
}

// SuccessRate is successes / (successes + permanent failures), or 0 when
// nothing has finished. Transient failures never count.
func SuccessRate(successes, permanent int) float64 {
	if successes+permanent == 0 {
		return 0
	}
	return float64(successes) / float64(successes+permanent)
}

// Export returns the persistable form of the task's counters.
func (a *Aggregator) Export(taskID string) model.Progress {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if e := a.tasks[taskID]; e != nil {
		return e.p.Clone()
	}
	return model.Progress{}
}

// Restore seeds the aggregator from persisted state.
func (a *Aggregator) Restore(taskID string, st model.Status, p model.Progress, phases []model.Phase, lastError string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := &entry{status: st, p: p.Clone(), lastError: lastError}
	// Dispatch stamps live in the dispatcher's lanes.
	e.p.Stamps = nil
	if e.p.PhaseIndex < len(phases) {
		e.phaseNumber = phases[e.p.PhaseIndex].Number
	}
	a.tasks[taskID] = e
}

func (a *Aggregator) Remove(taskID string) {
	a.mu.Lock()
	delete(a.tasks, taskID)
	a.mu.Unlock()
}
