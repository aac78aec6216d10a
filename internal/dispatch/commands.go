package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pacebot/internal/eventbus"
	"pacebot/internal/model"
	"pacebot/internal/planner"
	"pacebot/internal/progress"
	"pacebot/internal/rate"
	"pacebot/internal/storage"
	"pacebot/internal/task"
	"pacebot/internal/task/lifecycle"
	logx "pacebot/pkg/logx"
)

// Create validates def and admits it as a pending task. The task is
// persisted before it becomes visible; a store failure rejects it.
func (d *Dispatcher) Create(ctx context.Context, def model.Task) (*model.Task, error) {
	t := def.Clone()
	task.Normalize(t)
	if err := task.Validate(t); err != nil {
		return nil, err
	}
	if err := d.checkAccounts(t); err != nil {
		return nil, err
	}

	now := d.now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = model.StatusPending
	t.CreatedAt = now
	t.StartedAt, t.FinishedAt = nil, nil
	t.Progress = model.Progress{}
	t.LastError = ""

	d.mu.Lock()
	if _, ok := d.tasks[t.ID]; ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}
	ts := d.admitLocked(t.Clone(), now)
	ts.busy = true
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.SaveTask(ctx, t); err != nil {
			d.mu.Lock()
			delete(d.tasks, t.ID)
			d.agg.Remove(t.ID)
			d.mu.Unlock()
			return nil, fmt.Errorf("save task: %w", err)
		}
	}

	d.mu.Lock()
	ts.busy = false
	d.mu.Unlock()

	d.log.Info("task created", logx.String("task", t.ID), logx.String("kind", string(t.Kind)), logx.Int("accounts", len(t.AccountIDs)))
	d.bus.Publish(eventbus.Event{Type: eventbus.TaskCreated, Time: now, Data: StatusChange{TaskID: t.ID, Name: t.Name, To: t.Status}})
	return t, nil
}

func (d *Dispatcher) checkAccounts(t *model.Task) error {
	if d.accounts == nil {
		return nil
	}
	for _, id := range t.AccountIDs {
		a, ok := d.accounts.Account(id)
		if !ok || !a.Active {
			return fmt.Errorf("%w: %w: %s", task.ErrInvalidTask, ErrUnknownAccount, id)
		}
	}
	return nil
}

// admitLocked builds the runtime state of t from its persisted progress.
func (d *Dispatcher) admitLocked(t *model.Task, now time.Time) *taskState {
	loc, err := rate.LoadLocation(t.WorkingHours.Timezone)
	if err != nil {
		d.log.Warn("task timezone unusable, using UTC", logx.String("task", t.ID), logx.Err(err))
		loc = time.UTC
	}
	ts := &taskState{
		task:  t,
		loc:   loc,
		lanes: make(map[string]*lane, len(t.AccountIDs)),
		order: append([]string(nil), t.AccountIDs...),
	}

	var work map[string][]string
	if t.Kind != model.KindWarmup && len(t.Targets.Values) > 0 {
		dist, err := planner.Plan(t.AccountIDs, uniq(t.Targets.Values), t.Strategy, 0)
		if err != nil {
			d.log.Warn("task plan failed", logx.String("task", t.ID), logx.Err(err))
		}
		work = dist.ByWorker()
	}

	failed := make(map[string]bool, len(t.Progress.FailedAccounts))
	for _, acc := range t.Progress.FailedAccounts {
		failed[acc] = true
	}
	for _, acc := range ts.order {
		pol := d.policyFor(t, acc, loc, now)
		ts.lanes[acc] = &lane{
			account: acc,
			policy:  pol,
			hist:    rate.FromStamps(t.Progress.Stamps[acc], pol, now),
			work:    work[acc],
			cursor:  t.Progress.Cursors[acc],
			down:    failed[acc],
		}
	}
	d.tasks[t.ID] = ts
	d.agg.Restore(t.ID, t.Status, t.Progress, t.Phases, t.LastError)
	return ts
}

// policyFor maps task settings onto the rate model for one account. Tasks
// without explicit hourly or daily caps get the account's age-tier quota.
func (d *Dispatcher) policyFor(t *model.Task, accountID string, loc *time.Location, now time.Time) rate.Policy {
	q := rate.Quota{PerHour: t.Limits.PerHour, PerDay: t.Limits.PerDay}
	if q.PerHour == 0 && q.PerDay == 0 {
		var age time.Duration
		if d.accounts != nil {
			if a, ok := d.accounts.Account(accountID); ok && !a.CreatedAt.IsZero() {
				age = now.Sub(a.CreatedAt)
			}
		}
		q = rate.DefaultQuota(primaryAction(t), age)
	}
	return rate.Policy{
		Quota:  q,
		Window: t.Window,
		Hours:  t.WorkingHours,
		Loc:    loc,
		Breaks: t.Breaks,
		Delay:  t.Delay,
	}
}

func primaryAction(t *model.Task) model.ActionType {
	if t.Action != "" {
		return t.Action
	}
	for _, ph := range t.Phases {
		if ph.Enabled && len(ph.Actions) > 0 {
			return ph.Actions[0]
		}
	}
	return model.ActionLike
}

func uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func (d *Dispatcher) Start(ctx context.Context, id string) error {
	_, err := d.transition(ctx, id, lifecycle.Start)
	return err
}

func (d *Dispatcher) Pause(ctx context.Context, id string) error {
	_, err := d.transition(ctx, id, lifecycle.Pause)
	return err
}

func (d *Dispatcher) Resume(ctx context.Context, id string) error {
	_, err := d.transition(ctx, id, lifecycle.Resume)
	return err
}

// Stop ends the task. Pending actions are dropped; results of actions
// already in flight are audited as discarded.
func (d *Dispatcher) Stop(ctx context.Context, id string) error {
	_, err := d.transition(ctx, id, lifecycle.Stop)
	return err
}

func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	_, err := d.transition(ctx, id, lifecycle.Cancel)
	return err
}

// StopAll stops every non-terminal task. Each task is handled on its own:
// one failure leaves the others unaffected and is reported in its result.
func (d *Dispatcher) StopAll(ctx context.Context) []BulkResult {
	d.mu.Lock()
	states := make([]*taskState, 0, len(d.tasks))
	for _, ts := range d.tasks {
		if !ts.task.Status.Terminal() {
			states = append(states, ts)
		}
	}
	sortStates(states)
	ids := make([]string, len(states))
	for i, ts := range states {
		ids[i] = ts.task.ID
	}
	d.mu.Unlock()

	results := make([]BulkResult, len(ids))
	var g errgroup.Group
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			st, err := d.transition(ctx, id, lifecycle.Stop)
			results[i] = BulkResult{TaskID: id, Status: st, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// transition persists the task's next state first and commits it in
// memory only when the store accepted it, so the two never disagree.
func (d *Dispatcher) transition(ctx context.Context, id string, ev lifecycle.Event) (model.Status, error) {
	now := d.now()

	d.mu.Lock()
	ts := d.tasks[id]
	if ts == nil {
		d.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	from := ts.task.Status
	if ts.busy {
		d.mu.Unlock()
		return from, fmt.Errorf("%w: %s", ErrTaskBusy, id)
	}
	next := d.exportLocked(ts)
	if err := lifecycle.Apply(next, ev, now); err != nil {
		d.mu.Unlock()
		return from, err
	}
	ts.busy = true
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.SaveTask(ctx, next); err != nil {
			d.mu.Lock()
			ts.busy = false
			d.mu.Unlock()
			d.log.Warn("task transition not persisted", logx.String("task", id), logx.String("event", string(ev)), logx.Err(err))
			return from, fmt.Errorf("persist %s: %w", ev, err)
		}
	}

	var out outbox
	d.mu.Lock()
	ts.busy = false
	ts.task.Status = next.Status
	ts.task.StartedAt = next.StartedAt
	ts.task.FinishedAt = next.FinishedAt
	d.agg.SetStatus(id, next.Status)
	switch next.Status {
	case model.StatusRunning:
		if len(ts.task.Phases) > 0 {
			d.agg.Advance(id, ts.task.Phases, liveAccounts(ts), now)
		}
	case model.StatusPaused:
		d.agg.SetNextCheck(id, time.Time{})
	case model.StatusStopped, model.StatusCancelled:
		dropped := d.q.RemoveTask(id)
		for _, ln := range ts.lanes {
			ln.cursor = d.agg.Cursor(id, ln.account)
		}
		d.agg.SetNextCheck(id, time.Time{})
		d.log.Debug("pending actions dropped", logx.String("task", id), logx.Int("count", dropped))
	}
	out.event(eventbus.TaskStatus, now, StatusChange{TaskID: id, Name: ts.task.Name, From: from, To: next.Status})
	d.mu.Unlock()

	d.log.Info("task "+string(ev), logx.String("task", id), logx.String("from", string(from)), logx.String("to", string(next.Status)))
	d.flush(ctx, &out)
	return next.Status, nil
}

// Delete forgets a terminal task and its stored row. The audit trail stays.
func (d *Dispatcher) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	ts := d.tasks[id]
	if ts == nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !ts.task.Status.Terminal() {
		st := ts.task.Status
		d.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, id, st)
	}
	delete(d.tasks, id)
	d.agg.Remove(id)
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.DeleteTask(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete task: %w", err)
		}
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.TaskDeleted, Time: d.now(), Data: StatusChange{TaskID: id}})
	return nil
}

// Snapshot serves a task's progress from memory.
func (d *Dispatcher) Snapshot(id string) (progress.Snapshot, error) {
	s, ok := d.agg.Snapshot(id)
	if !ok {
		return progress.Snapshot{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return s, nil
}

// List returns snapshots of every known task in creation order.
func (d *Dispatcher) List() []progress.Snapshot {
	d.mu.Lock()
	states := make([]*taskState, 0, len(d.tasks))
	for _, ts := range d.tasks {
		states = append(states, ts)
	}
	d.mu.Unlock()
	sortStates(states)

	out := make([]progress.Snapshot, 0, len(states))
	for _, ts := range states {
		if s, ok := d.agg.Snapshot(ts.task.ID); ok {
			out = append(out, s)
		}
	}
	return out
}

// Task returns a copy of the task definition with live progress.
func (d *Dispatcher) Task(id string) (*model.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts := d.tasks[id]
	if ts == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return d.exportLocked(ts), nil
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{Tasks: len(d.tasks), InFlight: d.active}
	for id, ts := range d.tasks {
		if ts.task.Status == model.StatusRunning {
			s.Running++
		}
		s.Pending += d.q.Pending(id)
	}
	return s
}

// Restore re-admits pending, running and paused tasks from the store with
// their persisted progress. Tasks already known are left alone.
func (d *Dispatcher) Restore(ctx context.Context) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	tasks, err := d.store.LoadTasks(ctx, model.StatusPending, model.StatusRunning, model.StatusPaused)
	if err != nil {
		return 0, fmt.Errorf("load tasks: %w", err)
	}
	now := d.now()
	n := 0
	d.mu.Lock()
	for _, t := range tasks {
		if _, ok := d.tasks[t.ID]; ok {
			continue
		}
		task.Normalize(t)
		d.admitLocked(t, now)
		n++
	}
	d.mu.Unlock()
	d.log.Info("tasks restored", logx.Int("count", n))
	return n, nil
}

// Checkpoint saves the live progress of every non-terminal task.
func (d *Dispatcher) Checkpoint(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	d.mu.Lock()
	var snaps []*model.Task
	for _, ts := range d.tasks {
		if ts.task.Status.Terminal() || ts.busy {
			continue
		}
		snaps = append(snaps, d.exportLocked(ts))
	}
	d.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, t := range snaps {
		g.Go(func() error {
			if err := d.store.SaveTask(gctx, t); err != nil {
				return fmt.Errorf("checkpoint %s: %w", t.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
