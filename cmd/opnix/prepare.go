package main

import (
	"github.com/spf13/cobra"

	"github.com/brizzbuzz/opnix/internal/volatile"
)

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Mount and restrict the volatile secret directory",
	Long: `Prepare creates the secret directory, mounts ramfs on it unless a memory
filesystem is already there, and hands it to the volatile group. It is safe
to run on every boot and on every service activation.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		return volatile.NewPreparer(cfg.VolatileGroup, logger).Prepare(cmd.Context(), cfg.SecretDir)
	},
}
