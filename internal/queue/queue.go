// Package queue holds pending actions per account and tracks the single
// in-flight action each account may have.
package queue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"pacebot/internal/model"
)

var (
	ErrBusy        = errors.New("account already has an action in flight")
	ErrNotFound    = errors.New("action not found")
	ErrNotInFlight = errors.New("action is not in flight")
)

// InFlight describes an action currently executing for an account.
type InFlight struct {
	Record model.ActionRecord
	Since  time.Time
}

type lane struct {
	// pending per task, FIFO.
	pending  map[string][]model.ActionRecord
	inflight *InFlight
}

// Queue is safe for concurrent use. The dispatcher additionally serializes
// dispatch decisions under its own lock.
type Queue struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

func New() *Queue {
	return &Queue{lanes: map[string]*lane{}}
}

func (q *Queue) laneLocked(accountID string) *lane {
	l := q.lanes[accountID]
	if l == nil {
		l = &lane{pending: map[string][]model.ActionRecord{}}
		q.lanes[accountID] = l
	}
	return l
}

// Enqueue appends rec to the back of its (account, task) list.
func (q *Queue) Enqueue(rec model.ActionRecord) {
	q.mu.Lock()
	l := q.laneLocked(rec.AccountID)
	l.pending[rec.TaskID] = append(l.pending[rec.TaskID], rec)
	q.mu.Unlock()
}

// Requeue puts rec back at the front of its task list so per-account order
// is preserved after a retry or timeout.
func (q *Queue) Requeue(rec model.ActionRecord) {
	q.mu.Lock()
	l := q.laneLocked(rec.AccountID)
	l.pending[rec.TaskID] = append([]model.ActionRecord{rec}, l.pending[rec.TaskID]...)
	q.mu.Unlock()
}

// NextReady returns a copy of the account's earliest pending action (by
// ScheduledAt, then task ID) whose task passes eligible and whose
// ScheduledAt is not after now. It returns nil when the account is busy.
func (q *Queue) NextReady(accountID string, now time.Time, eligible func(taskID string) bool) *model.ActionRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.lanes[accountID]
	if l == nil || l.inflight != nil {
		return nil
	}
	var best *model.ActionRecord
	for taskID, list := range l.pending {
		if len(list) == 0 {
			continue
		}
		if eligible != nil && !eligible(taskID) {
			continue
		}
		head := list[0]
		if head.ScheduledAt.After(now) {
			continue
		}
		if best == nil || head.ScheduledAt.Before(best.ScheduledAt) ||
			(head.ScheduledAt.Equal(best.ScheduledAt) && head.TaskID < best.TaskID) {
			h := head
			best = &h
		}
	}
	return best
}

// MarkInFlight moves the head action actionID out of pending and occupies
// the account's in-flight slot.
func (q *Queue) MarkInFlight(accountID, actionID string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.lanes[accountID]
	if l == nil {
		return ErrNotFound
	}
	if l.inflight != nil {
		return ErrBusy
	}
	for taskID, list := range l.pending {
		for i, rec := range list {
			if rec.ID != actionID {
				continue
			}
			l.pending[taskID] = append(list[:i:i], list[i+1:]...)
			l.inflight = &InFlight{Record: rec, Since: now}
			return nil
		}
	}
	return ErrNotFound
}

// MarkComplete frees the account's in-flight slot if it holds actionID.
func (q *Queue) MarkComplete(accountID, actionID string) (model.ActionRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.lanes[accountID]
	if l == nil || l.inflight == nil || l.inflight.Record.ID != actionID {
		return model.ActionRecord{}, ErrNotInFlight
	}
	rec := l.inflight.Record
	l.inflight = nil
	return rec, nil
}

// RemoveTask drops every pending action of taskID and returns how many were
// removed. In-flight actions are left to finish.
func (q *Queue) RemoveTask(taskID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lanes {
		n += len(l.pending[taskID])
		delete(l.pending, taskID)
	}
	return n
}

// RemovePending drops the pending actions of one (account, task) list.
func (q *Queue) RemovePending(accountID, taskID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.lanes[accountID]
	if l == nil {
		return 0
	}
	n := len(l.pending[taskID])
	delete(l.pending, taskID)
	return n
}

// Expired returns in-flight actions started at or before now-timeout,
// oldest first.
func (q *Queue) Expired(now time.Time, timeout time.Duration) []InFlight {
	if timeout <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []InFlight
	for _, l := range q.lanes {
		if l.inflight != nil && !now.Before(l.inflight.Since.Add(timeout)) {
			out = append(out, *l.inflight)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

func (q *Queue) Busy(accountID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.lanes[accountID]
	return l != nil && l.inflight != nil
}

// InFlight returns the number of accounts with an action in flight.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lanes {
		if l.inflight != nil {
			n++
		}
	}
	return n
}

// Pending counts pending actions of taskID across all accounts.
func (q *Queue) Pending(taskID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lanes {
		n += len(l.pending[taskID])
	}
	return n
}

// PendingFor counts pending actions of one (account, task) list.
func (q *Queue) PendingFor(accountID, taskID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.lanes[accountID]
	if l == nil {
		return 0
	}
	return len(l.pending[taskID])
}

// Accounts returns the IDs of every account with a lane, sorted.
func (q *Queue) Accounts() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.lanes))
	for id := range q.lanes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
