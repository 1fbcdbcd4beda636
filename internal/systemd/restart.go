package systemd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brizzbuzz/opnix/internal/config"
	"github.com/brizzbuzz/opnix/internal/errors"
	"github.com/brizzbuzz/opnix/internal/secrets"
)

const defaultRestartRetries = 3

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Restarter restarts services that consume a secret.
type Restarter struct {
	systemctl  string
	maxRetries int
	run        Runner
	logger     *zap.SugaredLogger
}

// NewRestarter locates systemctl. run may be nil to execute for real.
func NewRestarter(logger *zap.SugaredLogger, run Runner) (*Restarter, error) {
	systemctl, err := exec.LookPath("systemctl")
	if err != nil {
		return nil, errors.FileOperationError(
			"Finding systemctl binary",
			"systemctl",
			"systemctl not found in PATH - service restarts require systemd",
			err,
		)
	}
	return newRestarter(systemctl, logger, run), nil
}

func newRestarter(systemctl string, logger *zap.SugaredLogger, run Runner) *Restarter {
	if run == nil {
		run = execRunner
	}
	return &Restarter{
		systemctl:  systemctl,
		maxRetries: defaultRestartRetries,
		run:        run,
		logger:     logger,
	}
}

// Restart issues try-restart for every service, so stopped services stay
// stopped. All services are attempted; failures are joined into one error.
func (r *Restarter) Restart(ctx context.Context, services []string) error {
	var failures []string
	seen := make(map[string]bool, len(services))

	for _, name := range services {
		if seen[name] {
			continue
		}
		seen[name] = true

		if err := r.restartOne(ctx, name); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("service restarts failed: %s", strings.Join(failures, "; "))
	}
	return nil
}

func (r *Restarter) restartOne(ctx context.Context, name string) error {
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		output, err := r.run(ctx, r.systemctl, "try-restart", name)
		if err == nil {
			r.logger.Infow("restarted service", "service", name)
			return nil
		}
		lastErr = fmt.Errorf("command failed: %v, output: %s", err, strings.TrimSpace(string(output)))
		r.logger.Warnw("service restart failed", "service", name, "attempt", attempt+1, "err", lastErr)
	}
	return lastErr
}

// PathInstaller is an installer that can name its destination file.
type PathInstaller interface {
	Install(ctx context.Context, spec config.SecretSpec, store secrets.Fetcher) error
	Path(spec config.SecretSpec) string
}

// RestartOnChange wraps an installer and restarts a secret's services when
// an install changed the file content.
type RestartOnChange struct {
	next      PathInstaller
	restarter *Restarter
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	hashes map[string]string
}

func NewRestartOnChange(next PathInstaller, restarter *Restarter, logger *zap.SugaredLogger) *RestartOnChange {
	return &RestartOnChange{
		next:      next,
		restarter: restarter,
		logger:    logger,
		hashes:    make(map[string]string),
	}
}

// Install never fails because of a restart; restart errors are logged.
func (c *RestartOnChange) Install(ctx context.Context, spec config.SecretSpec, store secrets.Fetcher) error {
	path := c.next.Path(spec)
	before := c.previousHash(path)

	if err := c.next.Install(ctx, spec, store); err != nil {
		return err
	}

	after, err := hashFile(path)
	if err != nil {
		c.logger.Warnw("cannot hash installed secret", "path", path, "err", err)
		return nil
	}

	c.mu.Lock()
	c.hashes[path] = after
	c.mu.Unlock()

	if before == after || len(spec.Services) == 0 {
		return nil
	}

	c.logger.Infow("secret content changed", "path", path, "services", spec.Services)
	if err := c.restarter.Restart(ctx, spec.Services); err != nil {
		c.logger.Warnw("dependent services not restarted", "path", path, "err", err)
	}
	return nil
}

// Path delegates to the wrapped installer.
func (c *RestartOnChange) Path(spec config.SecretSpec) string {
	return c.next.Path(spec)
}

func (c *RestartOnChange) previousHash(path string) string {
	c.mu.Lock()
	h, ok := c.hashes[path]
	c.mu.Unlock()
	if ok {
		return h
	}
	h, err := hashFile(path)
	if err != nil {
		return ""
	}
	return h
}

// hashFile calculates the SHA-256 of a file's content
func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
