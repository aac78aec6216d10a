// Package metrics turns event bus traffic into Prometheus series.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pacebot/internal/dispatch"
	"pacebot/internal/eventbus"
	"pacebot/internal/task/engine"
	logx "pacebot/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string // e.g. "127.0.0.1:9464"
	Path    string // default "/metrics"
	// Pprof mounts net/http/pprof under /debug/pprof/ on the same listener.
	Pprof bool
	// Token guards every endpoint when set (Bearer header or ?token=).
	Token string
}

// Collector owns a private registry so tests and multiple instances never
// collide on the global one.
type Collector struct {
	reg *prometheus.Registry
	log logx.Logger

	dispatched  *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	accountDown prometheus.Counter
	proxySwaps  prometheus.Counter
	inflight    prometheus.Gauge
	jobDuration *prometheus.HistogramVec
}

func New(bus eventbus.Bus, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	c := &Collector{
		reg: reg,
		log: log.With(logx.String("comp", "metrics")),
		dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pacebot_actions_dispatched_total",
			Help: "Actions handed to the task engine, by action type.",
		}, []string{"action"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pacebot_action_outcomes_total",
			Help: "Final action outcomes, by action type and outcome.",
		}, []string{"action", "outcome"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pacebot_task_transitions_total",
			Help: "Task status changes, by new status.",
		}, []string{"status"}),
		accountDown: f.NewCounter(prometheus.CounterOpts{
			Name: "pacebot_accounts_down_total",
			Help: "Accounts taken out of a task after a permanent error.",
		}),
		proxySwaps: f.NewCounter(prometheus.CounterOpts{
			Name: "pacebot_proxy_replacements_total",
			Help: "Accounts moved to a new proxy.",
		}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "pacebot_inflight_accounts",
			Help: "Accounts with an action in flight.",
		}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pacebot_job_duration_seconds",
			Help:    "Engine job run time including retries, by job name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"name", "result"}),
	}
	if bus != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pacebot_eventbus_dropped_total",
			Help: "Events dropped because a subscriber was slow.",
		}, func() float64 { return float64(bus.Dropped()) })
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Run consumes bus events until ctx ends.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(1024, "task.", "action.", "account.", "proxy.", "job.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}

// Observe folds one event into the series.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.ActionDispatched:
		if ev, ok := e.Data.(dispatch.ActionEvent); ok {
			c.dispatched.WithLabelValues(string(ev.Action)).Inc()
			c.inflight.Set(float64(ev.InFlight))
		}
	case eventbus.ActionOutcome:
		if ev, ok := e.Data.(dispatch.ActionEvent); ok {
			c.outcomes.WithLabelValues(string(ev.Action), string(ev.Outcome)).Inc()
			c.inflight.Set(float64(ev.InFlight))
		}
	case eventbus.AccountDown:
		c.accountDown.Inc()
	case eventbus.ProxyReplaced:
		c.proxySwaps.Inc()
	case eventbus.TaskStatus:
		if ev, ok := e.Data.(dispatch.StatusChange); ok {
			c.transitions.WithLabelValues(string(ev.To)).Inc()
		}
	case "job.finished", "job.failed":
		if ev, ok := e.Data.(engine.JobEvent); ok {
			result := "ok"
			if e.Type == "job.failed" {
				result = "error"
			}
			c.jobDuration.WithLabelValues(jobLabel(ev.Name), result).Observe(ev.Duration.Seconds())
		}
	}
}

// jobLabel keeps the label set small: action jobs share their prefix.
func jobLabel(name string) string {
	if strings.HasPrefix(name, "action.") {
		return "action"
	}
	return name
}

// Serve exposes the registry over HTTP until ctx ends.
func (c *Collector) Serve(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.Addr, Handler: c.Handler(cfg), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	c.log.Info("metrics listening",
		logx.String("addr", cfg.Addr),
		logx.String("path", metricsPath(cfg)),
		logx.Bool("pprof", cfg.Pprof),
		logx.Bool("token_set", cfg.Token != ""),
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
