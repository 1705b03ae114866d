package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/campusflow/attendance-engine/config"
	"github.com/campusflow/attendance-engine/internal/infrastructure/messaging"
	"github.com/campusflow/attendance-engine/internal/infrastructure/scheduler"
	"github.com/campusflow/attendance-engine/internal/infrastructure/scheduler/jobs"
	opshttp "github.com/campusflow/attendance-engine/internal/interface/http"
	"github.com/campusflow/attendance-engine/pkg/circuitbreaker"
)

func (c *cli) workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume evaluation triggers, run scheduled evaluations and serve ops endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, c.runWorker)
		},
	}
}

func (c *cli) runWorker(ctx context.Context, a *app) error {
	cfg := a.cfg
	log := a.log

	log.Info().
		Str("env", string(cfg.App.Environment)).
		Str("driver", a.store.driver).
		Str("queue", cfg.Queue.Backend).
		Bool("redis", a.redis != nil).
		Bool("scheduler", cfg.Scheduler.Enabled).
		Msg("starting worker")

	// ─────────────────────────────────────────────────────────────────────────
	// Trigger dispatcher
	// ─────────────────────────────────────────────────────────────────────────
	queue, err := a.queue()
	if err != nil {
		return err
	}
	var dispatcherOpts []messaging.DispatcherOption
	if a.metrics != nil {
		dispatcherOpts = append(dispatcherOpts, messaging.WithTriggerMetrics(a.metrics))
	}
	dispatcher := messaging.NewDispatcher(queue, a.engine, messaging.DispatcherConfig{
		Workers:        cfg.Queue.Workers,
		StudentTimeout: cfg.Queue.StudentTimeout,
	}, log, dispatcherOpts...)

	// ─────────────────────────────────────────────────────────────────────────
	// Scheduler
	// ─────────────────────────────────────────────────────────────────────────
	var sched *scheduler.Scheduler
	var evaluateAll *jobs.EvaluateAllBadgesJob
	if cfg.Scheduler.Enabled {
		schedule, err := scheduler.ParseSchedule(cfg.Scheduler.EvaluateAllSchedule)
		if err != nil {
			return fmt.Errorf("SCHEDULER_EVALUATE_ALL: %w", err)
		}
		schedCfg := scheduler.DefaultConfig()
		schedCfg.Timezone = cfg.App.Location
		if a.metrics != nil {
			schedCfg.Metrics = a.metrics
		}
		sched = scheduler.New(schedCfg, log)
		evaluateAll = jobs.NewEvaluateAllBadgesJob(dispatcher, jobs.EvaluateAllBadgesConfig{
			BatchSize:      cfg.Engine.BatchSize,
			Timeout:        cfg.Scheduler.JobTimeout,
			MaxFailureRate: cfg.Scheduler.MaxFailureRate,
		}, log)
		if err := sched.Register(evaluateAll, schedule); err != nil {
			return err
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Ops server
	// ─────────────────────────────────────────────────────────────────────────
	var ops *opshttp.Server
	if cfg.Observability.OpsEnabled {
		deps := opshttp.Dependencies{
			Logger:  log,
			Version: version,
			Checks:  a.readinessChecks(),
			Status: map[string]opshttp.StatusFunc{
				"lastBatch": func() any { return a.engine.LastReport() },
				"triggers": func() any {
					handled, failed := dispatcher.Stats()
					return map[string]int64{"handled": handled, "failed": failed}
				},
			},
		}
		if sched != nil {
			deps.Status["jobs"] = func() any { return sched.ListJobs() }
		}
		if a.metrics != nil {
			deps.Metrics = a.metrics.Handler()
		}
		opsCfg := opshttp.DefaultConfig()
		opsCfg.Host = cfg.Observability.OpsHost
		opsCfg.Port = cfg.Observability.OpsPort
		ops = opshttp.NewServer(opsCfg, deps)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Run until signalled
	// ─────────────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return dispatcher.Run(gctx) })

	if sched != nil {
		if err := sched.Start(gctx); err != nil {
			return err
		}
	}

	if ops != nil {
		g.Go(func() error {
			if err := ops.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Dur("timeout", cfg.App.ShutdownTimeout).Msg("shutting down worker")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.App.ShutdownTimeout)
		defer cancel()

		var errs []error
		if sched != nil {
			if err := sched.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
				errs = append(errs, err)
			}
		}
		if ops != nil {
			errs = append(errs, ops.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	log.Info().Msg("worker stopped")
	return err
}

// readinessChecks probes the store, Redis and the event log circuit.
func (a *app) readinessChecks() []opshttp.ReadinessCheck {
	checks := []opshttp.ReadinessCheck{
		{Name: "store", Critical: true, Check: a.store.ping},
	}
	if a.cache != nil {
		checks = append(checks, opshttp.ReadinessCheck{
			Name:     "redis",
			Critical: a.cfg.Queue.Backend == config.QueueRedis,
			Check:    a.cache.Ping,
		})
	}
	if a.eventLog != nil {
		checks = append(checks, opshttp.ReadinessCheck{
			Name: "event_log",
			Check: func(context.Context) error {
				if s := a.eventLog.State(); s == circuitbreaker.StateOpen {
					return fmt.Errorf("circuit %s, event criteria evaluate as not met", s)
				}
				return nil
			},
		})
	}
	return checks
}
