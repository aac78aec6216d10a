package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	xrate "golang.org/x/time/rate"

	"pacebot/internal/eventbus"
	"pacebot/internal/executor"
	"pacebot/internal/model"
	"pacebot/internal/progress"
	"pacebot/internal/proxypool"
	"pacebot/internal/queue"
	"pacebot/internal/rate"
	"pacebot/internal/storage"
	"pacebot/internal/task/engine"
	"pacebot/internal/task/lifecycle"
	logx "pacebot/pkg/logx"
)

// lane is one (task, account) pair.
type lane struct {
	account string
	policy  rate.Policy
	hist    rate.History

	// work is the planned target list; nil for generated (warm-up) work.
	work []string
	// cursor counts work items generated so far, pending ones included.
	cursor int

	inflight bool
	down     bool

	dayKey  string
	dayGoal int
}

type taskState struct {
	task  *model.Task
	loc   *time.Location
	lanes map[string]*lane
	order []string

	inflight int
	// busy is set while a command's new state is being persisted.
	busy bool
}

type flight struct {
	rec     model.ActionRecord
	proxyID string
	// prev is the lane history before this dispatch was recorded.
	prev rate.History
}

// outbox collects side effects produced under the lock and flushed after it.
type outbox struct {
	events []eventbus.Event
	audits []model.ActionRecord
	saves  []*model.Task
}

func (o *outbox) event(typ string, at time.Time, data any) {
	o.events = append(o.events, eventbus.Event{Type: typ, Time: at, Data: data})
}

// Dispatcher owns every task admitted to this process.
//
// One mutex covers the task table, the in-flight counter and every dispatch
// decision. Jobs are submitted to the runner after the lock is released and
// results come back through complete.
type Dispatcher struct {
	mu       sync.Mutex
	cfg      Config
	tasks    map[string]*taskState
	flights  map[string]*flight
	timeouts map[string]int
	active   int

	q       *queue.Queue
	agg     *progress.Aggregator
	limiter *xrate.Limiter
	rng     *rand.Rand

	runner   Runner
	exec     executor.Executor
	store    storage.Store
	proxies  *proxypool.Pool
	accounts AccountLookup
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
}

func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Runner == nil {
		return nil, errors.New("dispatch: runner is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("dispatch: executor is required")
	}
	cfg = cfg.withDefaults()
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.New()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	d := &Dispatcher{
		cfg:      cfg,
		tasks:    map[string]*taskState{},
		flights:  map[string]*flight{},
		timeouts: map[string]int{},
		q:        queue.New(),
		agg:      progress.New(),
		rng:      deps.Rand,
		runner:   deps.Runner,
		exec:     deps.Executor,
		store:    deps.Store,
		proxies:  deps.Proxies,
		accounts: deps.Accounts,
		bus:      deps.Bus,
		log:      deps.Log.With(logx.String("comp", "dispatch")),
		now:      deps.Clock,
	}
	d.limiter = xrate.NewLimiter(limitOf(cfg), cfg.DispatchBurst)
	return d, nil
}

func limitOf(cfg Config) xrate.Limit {
	if cfg.DispatchRate <= 0 {
		return xrate.Inf
	}
	return xrate.Limit(cfg.DispatchRate)
}

// Apply swaps the runtime knobs. Work already in flight is unaffected.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	now := d.now()
	d.mu.Lock()
	d.cfg = cfg
	d.limiter.SetLimitAt(now, limitOf(cfg))
	d.limiter.SetBurstAt(now, cfg.DispatchBurst)
	d.mu.Unlock()
}

// Tick is one pass of the control loop. Problems with a single task are
// recorded on that task and never abort the pass.
func (d *Dispatcher) Tick(ctx context.Context) error {
	now := d.now()
	var out outbox

	d.mu.Lock()
	d.sweepLocked(now, &out)
	d.checkProxiesLocked(ctx, now, &out)
	if d.cfg.AutoStart {
		d.admitPendingLocked(now, &out)
	}
	for _, ts := range d.runningLocked() {
		d.evaluateLocked(ts, now, &out)
		if ts.task.Status == model.StatusRunning {
			d.topUpLocked(ts, now)
		}
	}
	jobs := d.selectLocked(now, &out)
	d.mu.Unlock()

	for _, j := range jobs {
		if err := d.runner.Enqueue(j); err != nil {
			d.rejected(ctx, j.ID, err)
		}
	}
	d.flush(ctx, &out)
	return ctx.Err()
}

// admitPendingLocked starts pending tasks in creation order. The new state is
// saved with the tick's outbox like other automatic transitions.
func (d *Dispatcher) admitPendingLocked(now time.Time, out *outbox) {
	var pending []*taskState
	for _, ts := range d.tasks {
		if ts.task.Status == model.StatusPending && !ts.busy {
			pending = append(pending, ts)
		}
	}
	sortStates(pending)
	for _, ts := range pending {
		id := ts.task.ID
		if err := lifecycle.Apply(ts.task, lifecycle.Start, now); err != nil {
			d.log.Warn("task auto start rejected", logx.String("task", id), logx.Err(err))
			continue
		}
		d.agg.SetStatus(id, ts.task.Status)
		if len(ts.task.Phases) > 0 {
			d.agg.Advance(id, ts.task.Phases, liveAccounts(ts), now)
		}
		d.log.Info("task auto started", logx.String("task", id))
		out.event(eventbus.TaskStatus, now, StatusChange{TaskID: id, Name: ts.task.Name, From: model.StatusPending, To: ts.task.Status})
		out.saves = append(out.saves, d.exportLocked(ts))
	}
}

// runningLocked returns running tasks in creation order.
func (d *Dispatcher) runningLocked() []*taskState {
	out := make([]*taskState, 0, len(d.tasks))
	for _, ts := range d.tasks {
		if ts.task.Status == model.StatusRunning {
			out = append(out, ts)
		}
	}
	sortStates(out)
	return out
}

func sortStates(s []*taskState) {
	sort.Slice(s, func(i, j int) bool {
		a, b := s[i].task, s[j].task
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// remainingLocked is how many more actions the task's Total still allows,
// counting the ones in flight.
func (d *Dispatcher) remainingLocked(ts *taskState) int {
	total := ts.task.Limits.Total
	if total <= 0 {
		return math.MaxInt
	}
	return total - d.agg.Executed(ts.task.ID) - ts.inflight
}

// topUpLocked keeps one pending action per idle lane and refreshes the
// task's next check time.
func (d *Dispatcher) topUpLocked(ts *taskState, now time.Time) {
	id := ts.task.ID
	var next time.Time
	for _, acc := range ts.order {
		ln := ts.lanes[acc]
		if ln == nil || ln.down {
			continue
		}
		dec := rate.Check(ln.policy, ln.hist, now)
		if next.IsZero() || dec.NextEligibleAt.Before(next) {
			next = dec.NextEligibleAt
		}
		if ln.inflight || d.q.PendingFor(acc, id) > 0 {
			continue
		}
		if d.remainingLocked(ts)-d.q.Pending(id) <= 0 {
			break
		}
		rec, ok := d.nextWorkLocked(ts, ln, now)
		if !ok {
			continue
		}
		rec.ScheduledAt = dec.NextEligibleAt
		d.q.Enqueue(rec)
		ln.cursor++
	}
	d.agg.SetNextCheck(id, next)
}

func (d *Dispatcher) nextWorkLocked(ts *taskState, ln *lane, now time.Time) (model.ActionRecord, bool) {
	t := ts.task
	var (
		action model.ActionType
		target string
	)
	if t.Kind == model.KindWarmup {
		idx, _ := d.agg.Phase(t.ID)
		if idx >= len(t.Phases) || !t.Phases[idx].Enabled {
			return model.ActionRecord{}, false
		}
		ph := t.Phases[idx]
		if d.dayDoneLocked(ts, ln, idx, ph, now) {
			return model.ActionRecord{}, false
		}
		action = pickAction(ph.Actions, t.Action, ln.cursor)
		if n := len(t.Targets.Values); n > 0 {
			target = t.Targets.Values[ln.cursor%n]
		}
	} else {
		if ln.cursor >= len(ln.work) {
			return model.ActionRecord{}, false
		}
		target = ln.work[ln.cursor]
		action = t.Action
	}
	return model.ActionRecord{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		AccountID: ln.account,
		Type:      action,
		Target:    target,
		Params:    cloneParams(t.Params),
	}, true
}

// dayDoneLocked reports whether the lane met today's warm-up goal. The goal
// is drawn once per calendar day (in the task's zone) and phase.
func (d *Dispatcher) dayDoneLocked(ts *taskState, ln *lane, idx int, ph model.Phase, now time.Time) bool {
	lt := now.In(ts.loc)
	key := fmt.Sprintf("%s/%d", lt.Format(time.DateOnly), idx)
	if ln.dayKey != key {
		ln.dayKey = key
		ln.dayGoal = ph.MinDaily
		if span := ph.MaxDaily - ph.MinDaily; span > 0 {
			ln.dayGoal += d.rng.Intn(span + 1)
		}
	}
	y, m, dd := lt.Date()
	start := time.Date(y, m, dd, 0, 0, 0, 0, ts.loc)
	n := 0
	for _, s := range ln.hist.Stamps {
		if !s.Before(start) {
			n++
		}
	}
	return n >= ln.dayGoal
}

func pickAction(actions []model.ActionType, fallback model.ActionType, i int) model.ActionType {
	if len(actions) > 0 {
		return actions[i%len(actions)]
	}
	if fallback != "" {
		return fallback
	}
	return model.ActionLike
}

// selectLocked picks at most one ready action per idle account, oldest
// first, and marks them in flight.
func (d *Dispatcher) selectLocked(now time.Time, out *outbox) []engine.Job {
	var cands []model.ActionRecord
	for _, acc := range d.q.Accounts() {
		rec := d.q.NextReady(acc, now, func(taskID string) bool {
			return d.eligibleLocked(taskID, acc, now)
		})
		if rec != nil {
			cands = append(cands, *rec)
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		return a.AccountID < b.AccountID
	})

	var jobs []engine.Job
	for _, rec := range cands {
		if d.active >= d.cfg.MaxConcurrentAccounts {
			break
		}
		ts := d.tasks[rec.TaskID]
		if ts == nil || d.remainingLocked(ts) <= 0 {
			continue
		}
		if !d.limiter.AllowN(now, 1) {
			break
		}
		job, err := d.dispatchLocked(ts, rec, now, out)
		if err != nil {
			d.log.Warn("dispatch skipped", logx.String("task", rec.TaskID), logx.String("account", rec.AccountID), logx.Err(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// eligibleLocked runs inside the queue's lock and must not call back into
// the queue.
func (d *Dispatcher) eligibleLocked(taskID, accountID string, now time.Time) bool {
	ts := d.tasks[taskID]
	if ts == nil || ts.busy || ts.task.Status != model.StatusRunning {
		return false
	}
	ln := ts.lanes[accountID]
	if ln == nil || ln.down || d.remainingLocked(ts) <= 0 {
		return false
	}
	if d.proxies != nil && !d.proxies.Healthy(accountID) {
		return false
	}
	return rate.Check(ln.policy, ln.hist, now).Allowed
}

func (d *Dispatcher) dispatchLocked(ts *taskState, rec model.ActionRecord, now time.Time, out *outbox) (engine.Job, error) {
	ln := ts.lanes[rec.AccountID]
	if err := d.q.MarkInFlight(rec.AccountID, rec.ID, now); err != nil {
		return engine.Job{}, err
	}
	prev := ln.hist.Clone()
	ln.hist.Record(now, ln.policy, d.rng)
	ln.inflight = true
	ts.inflight++
	d.active++

	req := executor.Request{
		ActionID:  rec.ID,
		TaskID:    rec.TaskID,
		AccountID: rec.AccountID,
		Action:    rec.Type,
		Target:    rec.Target,
		Params:    cloneParams(rec.Params),
	}
	fl := &flight{rec: rec, prev: prev}
	key := "account:" + rec.AccountID
	if d.proxies != nil {
		if px, ok := d.proxies.ForAccount(rec.AccountID); ok {
			req.Proxy = &px
			fl.proxyID = px.ID
			key = proxyKey(px.ID)
		}
	}
	d.flights[rec.ID] = fl
	out.event(eventbus.ActionDispatched, now, ActionEvent{
		TaskID: rec.TaskID, AccountID: rec.AccountID, ActionID: rec.ID, Action: rec.Type, InFlight: d.active,
	})

	exec := d.exec
	id := rec.ID
	return engine.Job{
		ID:         rec.ID,
		Name:       "action." + string(rec.Type),
		Timeout:    d.cfg.ActionTimeout,
		CircuitKey: key,
		Opt:        engine.JobOptions{RetryMax: d.cfg.RetryMax},
		Run: func(ctx context.Context) error {
			err := exec.Execute(ctx, req)
			if model.IsAccountError(err) || model.IsTargetError(err) {
				return engine.NoRetry(err)
			}
			return err
		},
		OnDone: func(r engine.Result) { d.complete(id, r) },
	}, nil
}

func proxyKey(id string) string { return "proxy:" + id }

// rejected undoes a dispatch the runner refused and puts the action back at
// the front of its lane. The lane's history is rolled back so the refusal
// costs no quota or delay.
func (d *Dispatcher) rejected(ctx context.Context, actionID string, err error) {
	d.mu.Lock()
	fl := d.flights[actionID]
	if fl == nil {
		d.mu.Unlock()
		return
	}
	ts, ln := d.releaseLocked(fl.rec)
	if ln != nil {
		ln.hist = fl.prev
	}
	if ts != nil && !ts.task.Status.Terminal() {
		d.q.Requeue(fl.rec)
	}
	d.mu.Unlock()

	d.log.Warn("runner rejected action",
		logx.String("task", fl.rec.TaskID),
		logx.String("account", fl.rec.AccountID),
		logx.Err(err),
	)
	if errors.Is(err, engine.ErrCircuitOpen) && fl.proxyID != "" && d.proxies != nil {
		if merr := d.proxies.MarkHealth(ctx, fl.proxyID, false); merr != nil {
			d.log.Warn("mark proxy unhealthy failed", logx.String("proxy", fl.proxyID), logx.Err(merr))
		}
	}
}

// releaseLocked frees the account slot held by rec.
func (d *Dispatcher) releaseLocked(rec model.ActionRecord) (*taskState, *lane) {
	if _, ok := d.flights[rec.ID]; ok {
		delete(d.flights, rec.ID)
		d.active--
	}
	_, _ = d.q.MarkComplete(rec.AccountID, rec.ID)
	ts := d.tasks[rec.TaskID]
	if ts == nil {
		return nil, nil
	}
	ln := ts.lanes[rec.AccountID]
	if ln != nil && ln.inflight {
		ln.inflight = false
		ts.inflight--
	}
	return ts, ln
}

// sweepLocked fails in-flight actions whose result is overdue. The action
// goes back to the front of its lane under a new ID so a late result of the
// old attempt cannot be mistaken for the new one.
func (d *Dispatcher) sweepLocked(now time.Time, out *outbox) {
	for _, inf := range d.q.Expired(now, d.cfg.InflightTimeout) {
		rec := inf.Record
		ts, ln := d.releaseLocked(rec)
		n := d.timeouts[rec.ID] + 1
		delete(d.timeouts, rec.ID)

		audit := rec
		audit.Outcome = model.OutcomeTimeout
		audit.Error = fmt.Sprintf("no result within %s", d.cfg.InflightTimeout)
		out.audits = append(out.audits, audit)
		d.agg.RecordOutcome(rec.TaskID, rec.AccountID, rec.Type, model.OutcomeTimeout, now)
		d.log.Warn("action timed out",
			logx.String("task", rec.TaskID),
			logx.String("account", rec.AccountID),
			logx.Int("timeouts", n),
		)

		if ts == nil || ts.task.Status.Terminal() {
			continue
		}
		if n <= d.cfg.TimeoutRequeues {
			rec.ID = uuid.NewString()
			d.timeouts[rec.ID] = n
			d.q.Requeue(rec)
			continue
		}
		d.finishLocked(ts, ln, rec, model.OutcomeFailed, errors.New(audit.Error), now, out)
		d.evaluateLocked(ts, now, out)
	}
}

// checkProxiesLocked rotates accounts off unhealthy proxies. An account
// left without a proxy is taken out of every running task it serves.
func (d *Dispatcher) checkProxiesLocked(ctx context.Context, now time.Time, out *outbox) {
	if d.proxies == nil {
		return
	}
	cr, _ := d.runner.(circuitReporter)

	users := map[string][]*taskState{}
	for _, ts := range d.runningLocked() {
		for _, acc := range ts.order {
			if ln := ts.lanes[acc]; ln != nil && !ln.down {
				users[acc] = append(users[acc], ts)
			}
		}
	}
	accounts := make([]string, 0, len(users))
	for acc := range users {
		accounts = append(accounts, acc)
	}
	sort.Strings(accounts)

	for _, acc := range accounts {
		px, ok := d.proxies.ForAccount(acc)
		if !ok {
			continue
		}
		if px.Healthy && cr != nil {
			if open, _ := cr.CircuitOpen(proxyKey(px.ID)); open {
				if err := d.proxies.MarkHealth(ctx, px.ID, false); err != nil {
					d.log.Warn("mark proxy unhealthy failed", logx.String("proxy", px.ID), logx.Err(err))
				}
				px.Healthy = false
			}
		}
		if px.Healthy {
			continue
		}
		np, err := d.proxies.Replace(ctx, acc)
		switch {
		case err == nil:
			d.log.Info("proxy replaced", logx.String("account", acc), logx.String("from", px.ID), logx.String("to", np.ID))
			out.event(eventbus.ProxyReplaced, now, ProxyChange{AccountID: acc, From: px.ID, To: np.ID})
		case errors.Is(err, proxypool.ErrNoProxy):
			for _, ts := range users[acc] {
				d.downLocked(ts, ts.lanes[acc], "no healthy proxy", now, out)
			}
		default:
			d.log.Warn("proxy replace failed", logx.String("account", acc), logx.Err(err))
			for _, ts := range users[acc] {
				d.setErrorLocked(ts, fmt.Sprintf("proxy replace for %s: %v", acc, err))
			}
		}
	}
}

func (d *Dispatcher) setErrorLocked(ts *taskState, msg string) {
	ts.task.LastError = msg
	d.agg.SetError(ts.task.ID, msg)
}

// downLocked takes an account out of a task for good.
func (d *Dispatcher) downLocked(ts *taskState, ln *lane, reason string, now time.Time, out *outbox) {
	if ln == nil || ln.down {
		return
	}
	id := ts.task.ID
	ln.down = true
	d.q.RemovePending(ln.account, id)
	ln.cursor = d.agg.Cursor(id, ln.account)
	d.agg.MarkAccountFailed(id, ln.account)
	d.setErrorLocked(ts, fmt.Sprintf("account %s: %s", ln.account, reason))
	d.log.Warn("account down", logx.String("task", id), logx.String("account", ln.account), logx.String("reason", reason))
	out.event(eventbus.AccountDown, now, ActionEvent{TaskID: id, AccountID: ln.account, Error: reason, InFlight: d.active})
}

// evaluateLocked moves a running task to completed or failed when due and
// advances warm-up phases.
func (d *Dispatcher) evaluateLocked(ts *taskState, now time.Time, out *outbox) {
	if ts.task.Status != model.StatusRunning || ts.busy {
		return
	}
	id := ts.task.ID
	if d.allDownLocked(ts) {
		d.finishTaskLocked(ts, lifecycle.Fail, "all accounts failed", now, out)
		return
	}
	if len(ts.task.Phases) > 0 {
		advanced, done := d.agg.Advance(id, ts.task.Phases, liveAccounts(ts), now)
		if advanced {
			idx, _ := d.agg.Phase(id)
			out.event(eventbus.TaskPhase, now, PhaseChange{TaskID: id, PhaseIndex: idx})
		}
		if done {
			d.finishTaskLocked(ts, lifecycle.Complete, "", now, out)
			return
		}
	}
	if lim := ts.task.Limits.Total; lim > 0 && d.agg.Executed(id) >= lim {
		d.finishTaskLocked(ts, lifecycle.Complete, "", now, out)
		return
	}
	if ts.task.Kind != model.KindWarmup && ts.inflight == 0 && d.q.Pending(id) == 0 && exhausted(ts) {
		d.finishTaskLocked(ts, lifecycle.Complete, "", now, out)
	}
}

func (d *Dispatcher) allDownLocked(ts *taskState) bool {
	for _, ln := range ts.lanes {
		if !ln.down {
			return false
		}
	}
	return len(ts.lanes) > 0
}

// liveAccounts lists the task's accounts that are not down, in task order.
func liveAccounts(ts *taskState) []string {
	live := make([]string, 0, len(ts.order))
	for _, acc := range ts.order {
		if ln := ts.lanes[acc]; ln != nil && !ln.down {
			live = append(live, acc)
		}
	}
	return live
}

func exhausted(ts *taskState) bool {
	for _, ln := range ts.lanes {
		if !ln.down && ln.cursor < len(ln.work) {
			return false
		}
	}
	return true
}

func (d *Dispatcher) finishTaskLocked(ts *taskState, ev lifecycle.Event, reason string, now time.Time, out *outbox) {
	id := ts.task.ID
	from := ts.task.Status
	if err := lifecycle.Apply(ts.task, ev, now); err != nil {
		d.log.Warn("task transition rejected", logx.String("task", id), logx.String("event", string(ev)), logx.Err(err))
		return
	}
	if reason != "" {
		d.setErrorLocked(ts, reason)
	}
	d.agg.SetStatus(id, ts.task.Status)
	d.agg.SetNextCheck(id, time.Time{})
	d.q.RemoveTask(id)
	d.log.Info("task finished", logx.String("task", id), logx.String("status", string(ts.task.Status)), logx.Int("executed", d.agg.Executed(id)))
	out.event(eventbus.TaskStatus, now, StatusChange{TaskID: id, Name: ts.task.Name, From: from, To: ts.task.Status, Error: reason})
	out.saves = append(out.saves, d.exportLocked(ts))
}

// exportLocked returns a persistable copy of the task with live progress.
func (d *Dispatcher) exportLocked(ts *taskState) *model.Task {
	cp := ts.task.Clone()
	cp.Progress = d.agg.Export(cp.ID)
	cp.Progress.Stamps = nil
	for acc, ln := range ts.lanes {
		if len(ln.hist.Stamps) == 0 {
			continue
		}
		if cp.Progress.Stamps == nil {
			cp.Progress.Stamps = make(map[string][]time.Time, len(ts.lanes))
		}
		cp.Progress.Stamps[acc] = append([]time.Time(nil), ln.hist.Stamps...)
	}
	return cp
}

// complete receives the final engine result of one action.
func (d *Dispatcher) complete(actionID string, res engine.Result) {
	now := d.now()
	var out outbox

	d.mu.Lock()
	fl := d.flights[actionID]
	if fl == nil {
		d.mu.Unlock()
		d.log.Debug("late action result dropped", logx.String("action", actionID), logx.Err(res.Err))
		return
	}
	rec := fl.rec
	ts, ln := d.releaseLocked(rec)
	timeouts := d.timeouts[rec.ID]
	delete(d.timeouts, rec.ID)
	rec.Attempts += res.Attempts

	switch {
	case ts == nil || ts.task.Status.Terminal():
		at := now
		rec.ExecutedAt = &at
		rec.Outcome = model.OutcomeDiscarded
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
		out.audits = append(out.audits, rec)
	case notExecuted(res.Err):
		d.timeouts[rec.ID] = timeouts
		d.q.Requeue(rec)
	default:
		d.finishLocked(ts, ln, rec, classify(res.Err), res.Err, now, &out)
		d.evaluateLocked(ts, now, &out)
	}
	d.mu.Unlock()

	d.flush(context.Background(), &out)
}

// notExecuted reports errors that mean the runner gave the action back
// without a verdict.
func notExecuted(err error) bool {
	return errors.Is(err, engine.ErrStale) ||
		errors.Is(err, engine.ErrStopped) ||
		errors.Is(err, engine.ErrStopping) ||
		errors.Is(err, context.Canceled)
}

func classify(err error) model.Outcome {
	switch {
	case err == nil:
		return model.OutcomeSuccess
	case model.IsAccountError(err):
		return model.OutcomeAccountDown
	default:
		return model.OutcomeFailed
	}
}

// finishLocked records a final outcome for rec.
func (d *Dispatcher) finishLocked(ts *taskState, ln *lane, rec model.ActionRecord, outcome model.Outcome, err error, now time.Time, out *outbox) {
	id := ts.task.ID
	at := now
	rec.ExecutedAt = &at
	rec.Outcome = outcome
	if err != nil {
		rec.Error = err.Error()
	}
	d.agg.RecordOutcome(id, rec.AccountID, rec.Type, outcome, now)
	d.agg.SetCursor(id, rec.AccountID, d.agg.Cursor(id, rec.AccountID)+1)
	out.audits = append(out.audits, rec)
	out.event(eventbus.ActionOutcome, now, ActionEvent{
		TaskID: id, AccountID: rec.AccountID, ActionID: rec.ID, Action: rec.Type,
		Outcome: outcome, Error: rec.Error, InFlight: d.active,
	})
	if outcome == model.OutcomeAccountDown {
		d.downLocked(ts, ln, rec.Error, now, out)
	}
}

func (d *Dispatcher) flush(ctx context.Context, out *outbox) {
	if d.store != nil {
		for _, rec := range out.audits {
			if err := d.store.AppendAction(ctx, rec); err != nil {
				d.log.Warn("audit append failed", logx.String("task", rec.TaskID), logx.Err(err))
			}
		}
		for _, t := range out.saves {
			if err := d.store.SaveTask(ctx, t); err != nil {
				d.log.Warn("task save failed", logx.String("task", t.ID), logx.Err(err))
			}
		}
	}
	for _, e := range out.events {
		d.bus.Publish(e)
	}
}

func cloneParams(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	cp := make(map[string]string, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}
