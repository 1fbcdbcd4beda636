package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brizzbuzz/opnix/internal/validation"
)

var (
	validateToken     bool
	validateSkipOwner bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file without fetching anything",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		validator := &validation.Validator{SkipOwnership: validateSkipOwner}
		if err := validator.ValidateConfig(cfg); err != nil {
			return err
		}
		if validateToken && !tokenFromEnv() {
			if err := validator.ValidateTokenFile(cfg.TokenPath); err != nil {
				return err
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Configuration valid: %d secrets into %s\n", len(cfg.Secrets), cfg.SecretDir)
		return nil
	},
}

func init() {
	validateCmd.Flags().BoolVar(&validateToken, "token", false, "also check the token file")
	validateCmd.Flags().BoolVar(&validateSkipOwner, "skip-ownership", false, "do not require owners and groups to exist on this host")
}
