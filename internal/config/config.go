package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/brizzbuzz/opnix/internal/errors"
)

const (
	DefaultSecretDir     = "/run/opnix"
	DefaultTokenPath     = "/etc/opnix-token"
	DefaultStoreURL      = "https://my.1password.com"
	DefaultMode          = "0400"
	DefaultOwner         = "root"
	DefaultGroup         = "root"
	DefaultVolatileGroup = "keys"
	DefaultProbeAttempts = 4
	DefaultProbeDelay    = 15 * time.Second
	DefaultRestartDelay  = 5 * time.Second
	DefaultStartTimeout  = 5 * time.Minute
)

// RefreshOff disables refresh for a single secret when the global
// interval is set.
const RefreshOff = "off"

// Duration is a time.Duration that unmarshals from "15s" style strings or
// from a bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if secs, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SecretSpec declares one secret to provision.
type SecretSpec struct {
	Name        string `yaml:"name,omitempty"`
	Reference   string `yaml:"reference"`
	Owner       string `yaml:"owner,omitempty"`
	Group       string `yaml:"group,omitempty"`
	Mode        string `yaml:"mode,omitempty"`
	KeyMaterial bool   `yaml:"isKeyMaterial,omitempty"`

	// Refresh overrides the global refresh interval. RefreshOff disables it.
	Refresh string `yaml:"refresh,omitempty"`

	// Services are try-restarted when an install changes the content.
	Services []string `yaml:"services,omitempty"`
}

// ID is the task identity and destination file name.
func (s SecretSpec) ID() string {
	if s.Name != "" {
		return s.Name
	}
	return DeriveID(s.Reference)
}

// FileMode parses the octal mode string.
func (s SecretSpec) FileMode() (os.FileMode, error) {
	mode := s.Mode
	if mode == "" {
		mode = DefaultMode
	}
	parsed, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return 0, errors.ValidationError(
			fmt.Sprintf("Parsing file mode for %s", s.ID()),
			"mode",
			mode,
			"3-4 digit octal number (e.g., 0400, 0600)",
		)
	}
	return os.FileMode(parsed) & os.ModePerm, nil
}

// DeriveID turns a reference such as op://vault/item/field into a
// path-safe name: vault-item-field.
func DeriveID(reference string) string {
	trimmed := strings.TrimPrefix(reference, "op://")
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}
	trimmed = strings.Trim(trimmed, "/")

	var b strings.Builder
	for i, r := range trimmed {
		switch {
		case r == '/':
			b.WriteByte('-')
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == '.' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

type ProbeConfig struct {
	Attempts uint     `yaml:"attempts"`
	Delay    Duration `yaml:"delay"`
}

type RestartConfig struct {
	Backoff      Duration `yaml:"backoff"`
	StartTimeout Duration `yaml:"startTimeout"`
}

// Config is the orchestrator configuration. It is read once at startup and
// shared read-only by every task.
type Config struct {
	SecretDir       string        `yaml:"secretDir"`
	TokenPath       string        `yaml:"tokenPath"`
	RefreshInterval string        `yaml:"refreshInterval,omitempty"`
	UseVolatileDir  bool          `yaml:"useVolatileDir"`
	VolatileGroup   string        `yaml:"volatileGroup,omitempty"`
	StoreURL        string        `yaml:"storeURL,omitempty"`
	Probe           ProbeConfig   `yaml:"probe"`
	Restart         RestartConfig `yaml:"restart"`
	MetricsAddr     string        `yaml:"metricsAddr,omitempty"`
	ReadyFile       string        `yaml:"readyFile,omitempty"`
	LogLevel        string        `yaml:"logLevel,omitempty"`
	LogFormat       string        `yaml:"logFormat,omitempty"`
	Secrets         []SecretSpec  `yaml:"secrets"`
}

// Default returns a configuration with every default applied and no
// secrets.
func Default() *Config {
	return &Config{
		SecretDir:     DefaultSecretDir,
		TokenPath:     DefaultTokenPath,
		VolatileGroup: DefaultVolatileGroup,
		StoreURL:      DefaultStoreURL,
		Probe: ProbeConfig{
			Attempts: DefaultProbeAttempts,
			Delay:    Duration(DefaultProbeDelay),
		},
		Restart: RestartConfig{
			Backoff:      Duration(DefaultRestartDelay),
			StartTimeout: Duration(DefaultStartTimeout),
		},
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Load reads a YAML (or JSON) configuration file and applies defaults and
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigError("Loading configuration", fmt.Sprintf("Cannot read %s", path), err)
	}

	return Parse(data)
}

// Parse decodes configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.ConfigError("Parsing configuration", "Invalid YAML or JSON format", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// LoadEnvFile loads KEY=value pairs into the process environment without
// overriding variables that are already set.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return errors.ConfigError("Loading environment file", fmt.Sprintf("Cannot load %s", path), err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("OPNIX_SECRET_DIR"); v != "" {
		c.SecretDir = v
	}
	if v := os.Getenv("OPNIX_TOKEN_FILE"); v != "" {
		c.TokenPath = v
	}
	if v := os.Getenv("OPNIX_REFRESH_INTERVAL"); v != "" {
		c.RefreshInterval = v
	}
	if v := os.Getenv("OPNIX_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("OPNIX_VOLATILE_DIR"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return errors.ValidationError("Reading OPNIX_VOLATILE_DIR", "OPNIX_VOLATILE_DIR", v, "true or false")
		}
		c.UseVolatileDir = enabled
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Probe.Attempts == 0 {
		c.Probe.Attempts = DefaultProbeAttempts
	}
	if c.VolatileGroup == "" {
		c.VolatileGroup = DefaultVolatileGroup
	}
	if c.StoreURL == "" {
		c.StoreURL = DefaultStoreURL
	}
	for i := range c.Secrets {
		s := &c.Secrets[i]
		if s.Owner == "" {
			s.Owner = DefaultOwner
		}
		if s.Group == "" {
			s.Group = DefaultGroup
		}
		if s.Mode == "" {
			s.Mode = DefaultMode
		}
	}
}

// RefreshFor returns the effective refresh value for a secret, or "" when
// it is installed once per task lifetime.
func (c *Config) RefreshFor(s SecretSpec) string {
	switch strings.ToLower(s.Refresh) {
	case RefreshOff, "never", "none":
		return ""
	case "":
		return c.RefreshInterval
	default:
		return s.Refresh
	}
}

// Lookup finds a secret by task identity.
func (c *Config) Lookup(id string) (SecretSpec, bool) {
	for _, s := range c.Secrets {
		if s.ID() == id {
			return s, true
		}
	}
	return SecretSpec{}, false
}

// TaskIDs lists the identity of every declared secret in declaration order.
func (c *Config) TaskIDs() []string {
	ids := make([]string, 0, len(c.Secrets))
	for _, s := range c.Secrets {
		ids = append(ids, s.ID())
	}
	return ids
}
