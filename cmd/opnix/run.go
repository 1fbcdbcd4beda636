package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brizzbuzz/opnix/internal/barrier"
	"github.com/brizzbuzz/opnix/internal/errors"
	"github.com/brizzbuzz/opnix/internal/metrics"
	"github.com/brizzbuzz/opnix/internal/probe"
	"github.com/brizzbuzz/opnix/internal/supervisor"
	"github.com/brizzbuzz/opnix/internal/systemd"
	"github.com/brizzbuzz/opnix/internal/task"
	"github.com/brizzbuzz/opnix/internal/validation"
	"github.com/brizzbuzz/opnix/internal/volatile"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Provision every configured secret and supervise refreshes",
	Long: `Run prepares the volatile secret directory if enabled, then starts one task
per secret. Failed tasks are restarted after the configured backoff; secrets
with a refresh schedule are kept up to date until the process is stopped.
Once every secret has been installed the ready file is written and the
service manager is notified.`,
	RunE: runOrchestrator,
}

func runOrchestrator(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := validation.NewValidator().ValidateConfig(cfg); err != nil {
		return err
	}

	if cfg.UseVolatileDir {
		if err := volatile.NewPreparer(cfg.VolatileGroup, logger).Prepare(ctx, cfg.SecretDir); err != nil {
			return err
		}
	}

	collector := metrics.NewCollector()
	ready := barrier.New(cfg.TaskIDs())
	ready.OnReady(collector.Ready)
	ready.OnReady(func() {
		logger.Infow("all secrets installed", "count", len(cfg.Secrets))
		if cfg.ReadyFile != "" {
			if err := barrier.WriteReadyFile(cfg.ReadyFile); err != nil {
				logger.Errorw("cannot write ready file", "path", cfg.ReadyFile, "err", err)
			}
		}
		if _, err := systemd.Ready(); err != nil {
			logger.Warnw("cannot notify service manager", "err", err)
		}
	})

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, metrics.Handler(collector, ready), logger); err != nil {
				logger.Errorw("metrics server stopped", "err", err)
			}
		}()
	}

	deps := taskDeps{
		cfg:          cfg,
		logger:       logger,
		barrier:      ready,
		observers:    []task.Observer{collector.StateChanged},
		probeOptions: []probe.Option{probe.WithObserver(collector.ProbeAttempt)},
		restarter:    newRestarter(cfg, logger),
	}

	units := make([]supervisor.Unit, 0, len(cfg.Secrets))
	for _, spec := range cfg.Secrets {
		t, err := buildTask(deps, spec)
		if err != nil {
			return err
		}
		units = append(units, supervisor.Unit{
			ID:     t.ID(),
			Policy: supervisor.PolicyFor(t.Refreshes()),
			Run:    t.Run,
		})
	}

	opts := []supervisor.Option{supervisor.WithExitObserver(collector.TaskExited)}
	if !tokenFromEnv() {
		opts = append(opts, supervisor.WithPrecondition(func(ctx context.Context) error {
			return supervisor.WaitForFile(ctx, cfg.TokenPath)
		}))
	}

	logger.Infow("starting secret tasks", "count", len(units), "dir", cfg.SecretDir)
	supervisor.New(cfg.Restart.Backoff.Std(), logger, opts...).Run(ctx, units)

	if ctx.Err() != nil {
		logger.Infow("shutting down")
		return nil
	}
	if !ready.Ready() {
		return errors.WrapWithSuggestions(
			fmt.Errorf("secrets not installed: %s", strings.Join(ready.Pending(), ", ")),
			"Provisioning secrets",
			"supervisor",
			[]string{
				fmt.Sprintf("Check that the token file exists: ls -la %s", cfg.TokenPath),
				"Inspect the task logs above for the first failure",
			},
		)
	}
	return nil
}
