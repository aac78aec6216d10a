package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "pacebot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedJob, idx int) {
	// Per-worker RNG avoids global lock contention when many jobs retry.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, stopCh, qj, rng)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qj queuedJob, rng *rand.Rand) {
	start := s.now()
	queueDelay := time.Duration(0)
	if !qj.enqueuedAt.IsZero() {
		queueDelay = max(start.Sub(qj.enqueuedAt), 0)
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if qj.track && qj.state != nil {
		defer qj.state.release()
	}

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(start, qj.job, queueDelay)
		s.appendHistory(cfg, HistoryItem{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		s.done(qj, Result{JobID: qj.job.ID, Name: qj.job.Name, QueueDelay: queueDelay, Err: ErrStale})
		return
	}

	s.log.Debug("job.started", logx.String("job", qj.job.Name), logx.Duration("queue_delay", queueDelay))
	s.publish("job.started", start, JobEvent{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay})

	var err error
	attempts := 0
	noRetry := false
	maxAttempts := 1 + qj.opt.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = s.runAttempt(ctx, qj)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			noRetry = true
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(qj.opt, attempt, err, rng)
		if delay <= 0 {
			continue
		}
		s.log.Debug("job retry scheduled", logx.String("job", qj.job.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopping
			break attemptLoop
		case <-tmr.C:
		}
	}

	finish := s.now()
	dur := finish.Sub(start)
	item := HistoryItem{ID: qj.job.ID, Name: qj.job.Name, Started: start, Duration: dur, QueueDelay: queueDelay, Attempts: attempts}
	ev := JobEvent{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("job.failed", logx.String("job", qj.job.Name), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish("job.failed", finish, ev)
	} else {
		s.log.Debug("job.completed", logx.String("job", qj.job.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish("job.finished", finish, ev)
	}

	// A NoRetry error was classified by the job itself; the dependency
	// behind the circuit key answered, so it does not count as a failure.
	circuitErr := err
	if noRetry {
		circuitErr = nil
	}
	s.circuitRecordResult(finish, qj.job.circuitKey(), cfg, qj.opt, circuitErr)
	s.appendHistory(cfg, item)
	s.done(qj, Result{JobID: qj.job.ID, Name: qj.job.Name, Attempts: attempts, QueueDelay: queueDelay, Duration: dur, Err: err})
}

// runAttempt runs one attempt with its own timeout and converts panics into
// errors so one bad job can't kill a worker.
func (s *Service) runAttempt(ctx context.Context, qj queuedJob) (err error) {
	runCtx := ctx
	if qj.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qj.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job.panic", logx.String("job", qj.job.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qj.job.Run(runCtx)
}

func (s *Service) done(qj queuedJob, r Result) {
	if qj.job.OnDone == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("job.on_done panic", logx.String("job", qj.job.Name), logx.Any("panic", p))
		}
	}()
	qj.job.OnDone(r)
}

func backoffDelayWithHint(opt JobOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err == nil || !errors.As(err, &ra) {
		return backoffDelay(opt, retry, rng)
	}
	d := min(max(ra.RetryAfter(), 0), opt.RetryMaxDelay)
	return min(jitter(d, opt.RetryJitter, rng), opt.RetryMaxDelay)
}

func backoffDelay(opt JobOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > opt.RetryMaxDelay {
			d = opt.RetryMaxDelay
			break
		}
	}
	return min(jitter(d, opt.RetryJitter, rng), opt.RetryMaxDelay)
}

func jitter(d time.Duration, j float64, rng *rand.Rand) time.Duration {
	if j <= 0 || d <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * j
	return max(time.Duration(float64(d)*(1+r)), 0)
}
