package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brizzbuzz/opnix/internal/barrier"
	"github.com/brizzbuzz/opnix/internal/systemd"
	"github.com/brizzbuzz/opnix/internal/task"
	"github.com/brizzbuzz/opnix/internal/validation"
)

var taskName string

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Provision a single secret in this process",
	Long: `Task runs the state machine for one secret and exits. The service manager
is the restart tier: exit status 0 means the secret is installed (or, with a
refresh schedule, that the process was stopped cleanly), anything else means
the cycle failed and should be restarted.`,
	RunE: runTask,
}

func init() {
	taskCmd.Flags().StringVarP(&taskName, "name", "n", "", "task identity of the secret (required)")
	_ = taskCmd.MarkFlagRequired("name")
}

func runTask(cmd *cobra.Command, _ []string) error {
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

	spec, ok := cfg.Lookup(taskName)
	if !ok {
		return fmt.Errorf("no secret named %q in %s", taskName, configPath)
	}

	// The unit is ready once its secret is installed for the first time.
	ready := barrier.New([]string{spec.ID()})
	ready.OnReady(func() {
		if _, err := systemd.Ready(); err != nil {
			logger.Warnw("cannot notify service manager", "err", err)
		}
	})

	t, err := buildTask(taskDeps{
		cfg:     cfg,
		logger:  logger,
		barrier: ready,
		observers: []task.Observer{func(_ string, _, to task.State) {
			_, _ = systemd.Status(to.String())
		}},
		restarter: newRestarter(cfg, logger),
	}, spec)
	if err != nil {
		return err
	}

	return t.Run(ctx)
}
