package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	configPath := filepath.Join(tmpDir, "config.yaml")
	configData := `
secretDir: /run/secrets
tokenPath: /etc/opnix/token
refreshInterval: 1h
useVolatileDir: true
probe:
  attempts: 6
  delay: 10s
restart:
  backoff: 3
secrets:
  - reference: op://Homelab/Database/password
    owner: postgres
    group: postgres
    mode: "0440"
  - name: deploy-key
    reference: op://Homelab/Deploy/private key
    isKeyMaterial: true
    refresh: "off"
`
	if err := os.WriteFile(configPath, []byte(configData), 0600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.SecretDir != "/run/secrets" {
		t.Errorf("Expected secretDir /run/secrets, got %s", cfg.SecretDir)
	}
	if !cfg.UseVolatileDir {
		t.Error("Expected useVolatileDir to be true")
	}
	if cfg.Probe.Attempts != 6 || time.Duration(cfg.Probe.Delay) != 10*time.Second {
		t.Errorf("Unexpected probe config: %+v", cfg.Probe)
	}
	if time.Duration(cfg.Restart.Backoff) != 3*time.Second {
		t.Errorf("Expected backoff 3s, got %v", time.Duration(cfg.Restart.Backoff))
	}
	if time.Duration(cfg.Restart.StartTimeout) != DefaultStartTimeout {
		t.Errorf("Expected default start timeout, got %v", time.Duration(cfg.Restart.StartTimeout))
	}

	if len(cfg.Secrets) != 2 {
		t.Fatalf("Expected 2 secrets, got %d", len(cfg.Secrets))
	}
	if got := cfg.Secrets[0].ID(); got != "Homelab-Database-password" {
		t.Errorf("Expected derived id Homelab-Database-password, got %s", got)
	}
	if cfg.Secrets[1].Owner != DefaultOwner || cfg.Secrets[1].Mode != DefaultMode {
		t.Errorf("Expected defaults applied, got %+v", cfg.Secrets[1])
	}
	if !cfg.Secrets[1].KeyMaterial {
		t.Error("Expected isKeyMaterial to be true")
	}

	if got := cfg.RefreshFor(cfg.Secrets[0]); got != "1h" {
		t.Errorf("Expected inherited refresh 1h, got %q", got)
	}
	if got := cfg.RefreshFor(cfg.Secrets[1]); got != "" {
		t.Errorf("Expected refresh disabled, got %q", got)
	}
}

func TestLoadJSON(t *testing.T) {
	tmpDir := t.TempDir()

	configPath := filepath.Join(tmpDir, "config.json")
	configData := `{
        "secrets": [
            {
                "reference": "op://vault/item/field",
                "mode": "0600"
            }
        ]
    }`

	if err := os.WriteFile(configPath, []byte(configData), 0600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.SecretDir != DefaultSecretDir {
		t.Errorf("Expected default secretDir, got %s", cfg.SecretDir)
	}
	if cfg.Secrets[0].ID() != "vault-item-field" {
		t.Errorf("Expected id vault-item-field, got %s", cfg.Secrets[0].ID())
	}
	mode, err := cfg.Secrets[0].FileMode()
	if err != nil || mode != 0600 {
		t.Errorf("Expected mode 0600, got %v (%v)", mode, err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error for missing file")
	}
	if _, err := Parse([]byte("secrets: [")); err == nil {
		t.Error("Expected error for malformed YAML")
	}
	if _, err := Parse([]byte("probe:\n  delay: soon\n")); err == nil {
		t.Error("Expected error for malformed duration")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPNIX_SECRET_DIR", "/run/override")
	t.Setenv("OPNIX_REFRESH_INTERVAL", "@every 30m")
	t.Setenv("OPNIX_VOLATILE_DIR", "true")

	cfg, err := Parse([]byte("secretDir: /run/opnix\n"))
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}
	if cfg.SecretDir != "/run/override" {
		t.Errorf("Expected env override, got %s", cfg.SecretDir)
	}
	if cfg.RefreshInterval != "@every 30m" {
		t.Errorf("Expected refresh override, got %s", cfg.RefreshInterval)
	}
	if !cfg.UseVolatileDir {
		t.Error("Expected OPNIX_VOLATILE_DIR to enable the volatile dir")
	}

	t.Setenv("OPNIX_VOLATILE_DIR", "maybe")
	if _, err := Parse(nil); err == nil {
		t.Error("Expected error for invalid OPNIX_VOLATILE_DIR")
	}
}

func TestLoadEnvFile(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "opnix.env")
	if err := os.WriteFile(envPath, []byte("OPNIX_TEST_ENV_FILE=loaded\n"), 0600); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("OPNIX_TEST_ENV_FILE") })

	if err := LoadEnvFile(envPath); err != nil {
		t.Fatalf("Failed to load env file: %v", err)
	}
	if got := os.Getenv("OPNIX_TEST_ENV_FILE"); got != "loaded" {
		t.Errorf("Expected env var to be loaded, got %q", got)
	}
	if err := LoadEnvFile(""); err != nil {
		t.Errorf("Expected empty path to be a no-op, got %v", err)
	}
	if err := LoadEnvFile("/nonexistent/env"); err == nil {
		t.Error("Expected error for missing env file")
	}
}

func TestDeriveID(t *testing.T) {
	tests := []struct {
		reference string
		expected  string
	}{
		{"op://v/i/f", "v-i-f"},
		{"op://Homelab/Cloudflare/rgbr.ink/cert", "Homelab-Cloudflare-rgbr.ink-cert"},
		{"op://Vault/SSH Key/private key?ssh-format=openssh", "Vault-SSH_Key-private_key"},
		{"op://../etc/passwd", "_.-etc-passwd"},
	}

	for _, tt := range tests {
		t.Run(tt.reference, func(t *testing.T) {
			if got := DeriveID(tt.reference); got != tt.expected {
				t.Errorf("DeriveID(%q) = %q, expected %q", tt.reference, got, tt.expected)
			}
		})
	}
}

func TestTaskIDsAndLookup(t *testing.T) {
	cfg := Default()
	cfg.Secrets = []SecretSpec{
		{Reference: "op://v/i/a"},
		{Name: "custom", Reference: "op://v/i/b"},
	}

	ids := cfg.TaskIDs()
	if len(ids) != 2 || ids[0] != "v-i-a" || ids[1] != "custom" {
		t.Errorf("Unexpected task ids: %v", ids)
	}

	if s, ok := cfg.Lookup("custom"); !ok || s.Reference != "op://v/i/b" {
		t.Errorf("Expected lookup of custom to succeed, got %+v %v", s, ok)
	}
	if _, ok := cfg.Lookup("missing"); ok {
		t.Error("Expected lookup of missing id to fail")
	}
}
