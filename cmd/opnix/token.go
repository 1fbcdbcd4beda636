package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brizzbuzz/opnix/internal/config"
)

const tokenFileMode = 0600

var tokenPath string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the 1Password service account token",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set the service account token",
	Long:  "Reads the token from stdin and stores it with mode 0600.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return setToken(tokenPath, cmd.InOrStdin(), cmd.ErrOrStderr())
	},
}

func init() {
	tokenSetCmd.Flags().StringVar(&tokenPath, "path", config.DefaultTokenPath, "path to store the token file")
	tokenCmd.AddCommand(tokenSetCmd)
}

// ensureWritable creates the token's directory if needed and proves a file
// can be created there before the token is read from the terminal.
func ensureWritable(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", dir, err)
	}

	probe, err := os.CreateTemp(dir, ".opnix-token-*")
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("insufficient permissions to write to %s, try running with sudo", dir)
		}
		return fmt.Errorf("cannot write to directory %s: %w", dir, err)
	}
	_ = probe.Close()
	return os.Remove(probe.Name())
}

func setToken(path string, in io.Reader, out io.Writer) error {
	if err := ensureWritable(path); err != nil {
		return err
	}

	fmt.Fprintln(out, "Paste the 1Password service account token and press Enter:")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("error reading input: %w", err)
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	if err := os.WriteFile(path, []byte(token), tokenFileMode); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, tokenFileMode); err != nil {
		return fmt.Errorf("failed to restrict token file: %w", err)
	}

	fmt.Fprintf(out, "Token stored at %s\n", path)
	return nil
}
