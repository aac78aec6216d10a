package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"pacebot/internal/app"
	"pacebot/internal/config"
	"pacebot/internal/model"
	"pacebot/internal/planner"
	"pacebot/internal/task"
	logx "pacebot/pkg/logx"
	"pacebot/pkg/systemd"
)

func run(ctx context.Context, args []string) error {
	var cfgPath string
	root := &cli.Command{
		Name:    "pacebot",
		Usage:   "Paced, proxy-bound action scheduler for automation accounts",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to the JSON or YAML config",
				Value:       "./config.yaml",
				Sources:     cli.EnvVars("PACEBOT_CONFIG"),
				Destination: &cfgPath,
			},
		},
		Commands: []*cli.Command{
			cmdRun(&cfgPath),
			cmdValidate(&cfgPath),
			cmdPlan(&cfgPath),
		},
	}
	return root.Run(ctx, args)
}

func cmdRun(cfgPath *string) *cli.Command {
	var stopTimeout time.Duration
	return &cli.Command{
		Name:  "run",
		Usage: "Run the daemon until SIGINT or SIGTERM",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:        "stop-timeout",
				Usage:       "upper bound for graceful shutdown",
				Value:       20 * time.Second,
				Destination: &stopTimeout,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(runCtx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}
			if _, err := systemd.Ready(); err != nil {
				a.Logger().Warn("sd_notify ready failed", logx.Err(err))
			}
			go func() {
				if err := systemd.Watchdog(runCtx, a.Healthy, a.Logger()); err != nil {
					a.Logger().Warn("systemd watchdog disabled", logx.Err(err))
				}
			}()
			go reportStatus(runCtx, a)

			var reason app.StopReason
			select {
			case s := <-sigCh:
				reason = app.StopSIGTERM
				if s == os.Interrupt {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			case <-ctx.Done():
				reason = app.StopAppStop
			}
			_, _ = systemd.Stopping()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			fatal := a.Err()
			stopErr := a.Stop(stopCtx, reason)
			if reason == app.StopFatalError && fatal != nil && !errors.Is(fatal, context.Canceled) {
				return fatal
			}
			return stopErr
		},
	}
}

// reportStatus mirrors dispatcher counters into the unit's status line.
func reportStatus(ctx context.Context, a *app.App) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		st := a.Dispatcher().Stats()
		_, _ = systemd.Status("tasks=%d running=%d inflight=%d pending=%d", st.Tasks, st.Running, st.InFlight, st.Pending)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func cmdValidate(cfgPath *string) *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Check the config and every task definition without starting",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.NewManager(*cfgPath).Parse()
			if err != nil {
				return err
			}
			if err := app.ValidateConfig(ctx, cfg); err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.Root().Writer, "%s: ok (%d accounts, %d proxies, %d tasks)\n",
				*cfgPath, len(cfg.Accounts), len(cfg.Proxies.List), len(cfg.Tasks))
			return err
		},
	}
}

func cmdPlan(cfgPath *string) *cli.Command {
	var (
		taskID   string
		workers  []string
		targets  []string
		strategy string
		perCap   int
	)
	return &cli.Command{
		Name:  "plan",
		Usage: "Print the worker/target distribution of a configured task or ad-hoc lists",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "task", Usage: "configured task id", Destination: &taskID},
			&cli.StringSliceFlag{Name: "workers", Usage: "account ids (instead of --task)", Destination: &workers},
			&cli.StringSliceFlag{Name: "targets", Usage: "targets (instead of --task)", Destination: &targets},
			&cli.StringFlag{Name: "strategy", Usage: "shared or unique", Value: "shared", Destination: &strategy},
			&cli.IntFlag{Name: "cap", Usage: "max targets per worker, 0 for no cap", Destination: &perCap},
		},
		Action: func(_ context.Context, c *cli.Command) error {
			strat := model.Strategy(strategy)
			if taskID != "" {
				t, err := configuredTask(*cfgPath, taskID)
				if err != nil {
					return err
				}
				workers, targets = t.AccountIDs, t.Targets.Values
				if !c.IsSet("strategy") {
					strat = t.Strategy
				}
			}
			d, err := planner.Plan(workers, targets, strat, perCap)
			if err != nil {
				return err
			}
			return printPlan(c.Root().Writer, d)
		},
	}
}

func configuredTask(path, id string) (model.Task, error) {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return model.Task{}, err
	}
	for _, tc := range cfg.Tasks {
		if tc.ID != id {
			continue
		}
		t, err := app.MapTask(tc)
		if err != nil {
			return model.Task{}, err
		}
		task.Normalize(&t)
		return t, nil
	}
	return model.Task{}, fmt.Errorf("task %q not found in %s", id, path)
}

func printPlan(w io.Writer, d planner.Distribution) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tTARGET")
	for _, a := range d.Assignments {
		fmt.Fprintf(tw, "%s\t%s\n", a.Worker, a.Target)
	}
	fmt.Fprintf(tw, "\nstrategy=%s assignments=%d cross_product=%d\n", d.Strategy, len(d.Assignments), d.CrossProduct)
	return tw.Flush()
}
