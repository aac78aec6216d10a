// Package executor is the boundary to whatever performs an action against
// the remote platform. pacebot only paces and records; execution is
// pluggable.
package executor

import (
	"context"
	"time"

	"pacebot/internal/model"
	logx "pacebot/pkg/logx"
)

// Request describes one action execution.
type Request struct {
	ActionID  string
	TaskID    string
	AccountID string
	Action    model.ActionType
	Target    string
	Params    map[string]string
	// Proxy is nil when the account connects directly.
	Proxy *model.Proxy
}

// Executor performs one action. Implementations classify failures with
// model.AccountError / model.TargetError; any other error is transient.
type Executor interface {
	Execute(ctx context.Context, req Request) error
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, req Request) error

func (f Func) Execute(ctx context.Context, req Request) error { return f(ctx, req) }

// Noop logs the action and succeeds after Latency.
type Noop struct {
	Log     logx.Logger
	Latency time.Duration
}

func (n Noop) Execute(ctx context.Context, req Request) error {
	if n.Latency > 0 {
		t := time.NewTimer(n.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	proxy := ""
	if req.Proxy != nil {
		proxy = req.Proxy.ID
	}
	n.Log.Debug("action executed (noop)",
		logx.String("task", req.TaskID),
		logx.String("account", req.AccountID),
		logx.String("action", string(req.Action)),
		logx.String("target", req.Target),
		logx.String("proxy", proxy),
	)
	return nil
}
