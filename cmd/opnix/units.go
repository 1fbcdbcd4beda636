package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/brizzbuzz/opnix/internal/systemd"
	"github.com/brizzbuzz/opnix/internal/validation"
)

var (
	unitsOut    string
	unitsBinary string
)

var unitsCmd = &cobra.Command{
	Use:   "units",
	Short: "Render systemd units for every configured secret",
	Long: `Units renders one service per secret, the opnix-secrets.target barrier and,
when enabled, the volatile directory service. Without --out the units are
printed to stdout.`,
	RunE: runUnits,
}

func init() {
	unitsCmd.Flags().StringVarP(&unitsOut, "out", "o", "", "directory to write unit files into")
	unitsCmd.Flags().StringVar(&unitsBinary, "binary", "", "opnix binary used in ExecStart (default: this executable)")
}

func runUnits(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Units are often rendered on a build host where the owners don't exist.
	if err := (&validation.Validator{SkipOwnership: true}).ValidateConfig(cfg); err != nil {
		return err
	}

	binary := unitsBinary
	if binary == "" {
		if binary, err = os.Executable(); err != nil {
			return err
		}
	}
	config, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	units, err := systemd.Renderer{Binary: binary, ConfigPath: config}.Render(cfg)
	if err != nil {
		return err
	}

	if unitsOut != "" {
		if err := systemd.WriteUnits(unitsOut, units); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d units to %s\n", len(units), unitsOut)
		return nil
	}

	out := cmd.OutOrStdout()
	for _, u := range units {
		fmt.Fprintf(out, "# %s\n%s\n", u.Name, u.Content)
	}
	return nil
}
