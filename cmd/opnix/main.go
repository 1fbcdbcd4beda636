// opnix provisions 1Password secrets onto the local filesystem.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "opnix",
	Short: "Provision 1Password secrets onto this host",
	Long: `opnix fetches secrets from 1Password with a service account and installs
them as files with fixed ownership and permissions. Each secret is handled by
its own task: the store is probed before every fetch, files are restricted
before any content is written, and secrets can be refreshed on a schedule.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	flags.StringVar(&envFile, "env-file", "", "optional KEY=value file loaded before the configuration")
	flags.StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error, nop)")
	flags.StringVar(&logFormat, "log-format", "", "override log format (console, json)")

	rootCmd.AddCommand(runCmd, taskCmd, prepareCmd, unitsCmd, validateCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
