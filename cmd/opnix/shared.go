package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/brizzbuzz/opnix/internal/config"
	"github.com/brizzbuzz/opnix/internal/errors"
	"github.com/brizzbuzz/opnix/internal/logging"
	"github.com/brizzbuzz/opnix/internal/onepass"
	"github.com/brizzbuzz/opnix/internal/probe"
	"github.com/brizzbuzz/opnix/internal/refresh"
	"github.com/brizzbuzz/opnix/internal/secrets"
	"github.com/brizzbuzz/opnix/internal/systemd"
	"github.com/brizzbuzz/opnix/internal/task"
)

const defaultConfigPath = "/etc/opnix/secrets.yaml"

var (
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
)

func loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.SugaredLogger, error) {
	return logging.New(logging.Level(cfg.LogLevel), cfg.LogFormat)
}

// taskDeps are shared by every task built for one process.
type taskDeps struct {
	cfg          *config.Config
	logger       *zap.SugaredLogger
	barrier      task.Registrar
	observers    []task.Observer
	probeOptions []probe.Option
	restarter    *systemd.Restarter
}

// newRestarter returns nil when no secret names dependent services or
// systemctl is unavailable.
func newRestarter(cfg *config.Config, logger *zap.SugaredLogger) *systemd.Restarter {
	needed := false
	for _, s := range cfg.Secrets {
		if len(s.Services) > 0 {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}

	r, err := systemd.NewRestarter(logger, nil)
	if err != nil {
		logger.Warnw("dependent services will not be restarted", "err", err)
		return nil
	}
	return r
}

func buildTask(deps taskDeps, spec config.SecretSpec) (*task.Task, error) {
	cfg := deps.cfg
	logger := logging.ForTask(deps.logger, spec.ID())

	var waiter task.Waiter
	if value := cfg.RefreshFor(spec); value != "" {
		schedule, err := refresh.ParseSchedule(value)
		if err != nil {
			return nil, errors.Wrap(err, "Parsing refresh schedule for "+spec.ID(), "refresh")
		}
		waiter = refresh.New(schedule)
	}

	files := secrets.NewInstaller(cfg.SecretDir, logger)
	var installer task.Installer = files
	if deps.restarter != nil && len(spec.Services) > 0 {
		installer = systemd.NewRestartOnChange(files, deps.restarter, logger)
	}

	prober := probe.New(cfg.Probe.Attempts, cfg.Probe.Delay.Std(), logger, deps.probeOptions...)

	return task.New(task.Options{
		Spec:         spec,
		Prober:       prober,
		Installer:    installer,
		Connect:      connector(cfg),
		Refresh:      waiter,
		Barrier:      deps.barrier,
		StartTimeout: cfg.Restart.StartTimeout.Std(),
		Observers:    deps.observers,
		Logger:       deps.logger,
	}), nil
}

// connector reads the credential once per cycle.
func connector(cfg *config.Config) task.Connector {
	return func(context.Context) (task.Store, error) {
		client, err := onepass.NewClient(cfg.TokenPath, cfg.StoreURL)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// tokenFromEnv reports whether the token comes from the environment, in
// which case the credential file is not a precondition.
func tokenFromEnv() bool {
	return os.Getenv("OP_SERVICE_ACCOUNT_TOKEN") != ""
}
