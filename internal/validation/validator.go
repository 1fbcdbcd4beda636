package validation

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/brizzbuzz/opnix/internal/config"
	"github.com/brizzbuzz/opnix/internal/errors"
	"github.com/brizzbuzz/opnix/internal/refresh"
)

var modePattern = regexp.MustCompile(`^[0-7]{3,4}$`)

// Validator provides comprehensive validation with helpful error messages
type Validator struct {
	// SkipOwnership disables user/group existence checks, for rendering
	// units on a machine other than the target host.
	SkipOwnership bool
}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateConfig validates the orchestrator configuration and every
// declared secret.
func (v *Validator) ValidateConfig(cfg *config.Config) error {
	if len(cfg.Secrets) == 0 {
		return errors.ConfigError(
			"Configuration validation",
			"No secrets defined in configuration",
			nil,
		)
	}

	if !filepath.IsAbs(cfg.SecretDir) {
		return errors.ConfigValidationError(
			"secretDir",
			cfg.SecretDir,
			"Secret directory must be an absolute path",
			[]string{"Use an absolute path such as /run/opnix"},
		)
	}

	if err := v.validateAbsolutePath(cfg.SecretDir, "secretDir"); err != nil {
		return err
	}

	if cfg.RefreshInterval != "" {
		if err := v.validateRefresh(cfg.RefreshInterval, "refreshInterval"); err != nil {
			return err
		}
	}

	if cfg.UseVolatileDir && !v.SkipOwnership {
		if err := v.validateGroup(cfg.VolatileGroup, "volatileGroup"); err != nil {
			return err
		}
	}

	// Task identities double as file names, so they must be unique.
	seenIDs := make(map[string]string)
	seenRefs := make(map[string]string)

	for i, secret := range cfg.Secrets {
		secretName := fmt.Sprintf("secret[%d]", i)
		if err := v.validateSecret(cfg, secret, secretName, seenIDs, seenRefs); err != nil {
			return err
		}
	}

	return nil
}

// validateSecret validates individual secret configuration
func (v *Validator) validateSecret(cfg *config.Config, secret config.SecretSpec, secretName string, seenIDs, seenRefs map[string]string) error {
	if err := v.validateReference(secret.Reference, secretName); err != nil {
		return err
	}

	if existing, exists := seenRefs[secret.Reference]; exists {
		return errors.ConfigValidationError(
			fmt.Sprintf("%s.reference", secretName),
			secret.Reference,
			fmt.Sprintf("Duplicate reference (already declared by %s)", existing),
			[]string{"Each reference may be declared once"},
		)
	}
	seenRefs[secret.Reference] = secretName

	if err := v.validateID(secret.ID(), secretName, seenIDs); err != nil {
		return err
	}

	if !v.SkipOwnership {
		if err := v.validateOwnership(secret.Owner, secret.Group, secretName); err != nil {
			return err
		}
	}

	if err := v.validateMode(secret.Mode, secretName); err != nil {
		return err
	}

	if schedule := cfg.RefreshFor(secret); schedule != "" {
		if err := v.validateRefresh(schedule, secretName+".refresh"); err != nil {
			return err
		}
	}

	for i, service := range secret.Services {
		if service == "" || strings.ContainsAny(service, " /\t\n") {
			return errors.ConfigValidationError(
				fmt.Sprintf("%s.services[%d]", secretName, i),
				service,
				"Service must be a systemd unit name",
				[]string{"Use unit names like 'nginx.service'"},
			)
		}
	}

	return nil
}

// validateID checks the task identity is a safe, unique file name
func (v *Validator) validateID(id, secretName string, seenIDs map[string]string) error {
	if id == "" || strings.HasPrefix(id, ".") || strings.ContainsAny(id, "/\x00") {
		return errors.ConfigValidationError(
			fmt.Sprintf("%s.name", secretName),
			id,
			"Secret name must be a plain file name",
			[]string{
				"Use letters, digits, dots, hyphens and underscores, not starting with a dot",
				"Example: database-password",
			},
		)
	}

	if existing, exists := seenIDs[id]; exists {
		return errors.ConfigValidationError(
			fmt.Sprintf("%s.name", secretName),
			id,
			fmt.Sprintf("Duplicate secret name (already used by %s)", existing),
			[]string{
				"Each secret must map to a unique file in the secret directory",
				"Set an explicit name on one of the conflicting secrets",
			},
		)
	}

	seenIDs[id] = secretName
	return nil
}

// validateRefresh validates a refresh interval or cron expression
func (v *Validator) validateRefresh(value, field string) error {
	if _, err := refresh.ParseSchedule(value); err != nil {
		return errors.ValidationError(
			fmt.Sprintf("Validating %s", field),
			field,
			value,
			"Go duration (1h, 30m) or cron expression (@every 1h, 0 */6 * * *)",
		)
	}
	return nil
}

// validateReference validates 1Password reference format
func (v *Validator) validateReference(reference, secretName string) error {
	if reference == "" {
		return errors.ConfigValidationError(
			fmt.Sprintf("%s.reference", secretName),
			"<empty>",
			"Reference cannot be empty",
			[]string{
				"Add a valid 1Password reference: op://Vault/Item/field",
				"Example: op://Homelab/Database/password",
				"Check 1Password documentation for reference format",
			},
		)
	}

	if !strings.HasPrefix(reference, "op://") {
		return errors.ConfigValidationError(
			fmt.Sprintf("%s.reference", secretName),
			reference,
			"Invalid 1Password reference format",
			[]string{
				"Use format: op://Vault/Item/field or op://Vault/Item/Section/field",
				"Example: op://Homelab/Database/password",
				"Example with section: op://Homelab/Cloudflare/rgbr.ink/cert",
			},
		)
	}

	if strings.Contains(reference, "?") {
		return errors.ConfigValidationError(
			fmt.Sprintf("%s.reference", secretName),
			reference,
			"Reference must not carry query parameters",
			[]string{"Set isKeyMaterial: true to request the OpenSSH key encoding"},
		)
	}

	parts := strings.Split(strings.TrimPrefix(reference, "op://"), "/")
	if len(parts) < 3 {
		return errors.ConfigValidationError(
			fmt.Sprintf("%s.reference", secretName),
			reference,
			"Reference must have at least 3 parts: vault/item/field",
			[]string{
				"Verify the reference format: op://Vault/Item/field",
				"Or with sections: op://Vault/Item/Section/field",
				"Check for missing forward slashes",
			},
		)
	}

	vault, item := parts[0], parts[1]
	field := parts[len(parts)-1]

	if vault == "" {
		return errors.ConfigValidationError(
			fmt.Sprintf("%s.reference", secretName),
			reference,
			"Vault name cannot be empty",
			[]string{
				"Specify a valid vault name in the reference",
				"List available vaults: op vault list",
			},
		)
	}

	if item == "" {
		return errors.ConfigValidationError(
			fmt.Sprintf("%s.reference", secretName),
			reference,
			"Item name cannot be empty",
			[]string{
				"Specify a valid item name in the reference",
				fmt.Sprintf("List items in vault: op item list --vault '%s'", vault),
			},
		)
	}

	if field == "" {
		return errors.ConfigValidationError(
			fmt.Sprintf("%s.reference", secretName),
			reference,
			"Field name cannot be empty",
			[]string{
				"Specify a valid field name in the reference",
				fmt.Sprintf("View item details: op item get '%s' --vault '%s'", item, vault),
				"Common field names: password, credential, token, key",
			},
		)
	}

	return nil
}

// validateAbsolutePath validates absolute paths for security
func (v *Validator) validateAbsolutePath(path, field string) error {
	dangerousPaths := []string{
		"/bin", "/sbin", "/usr/bin", "/usr/sbin",
		"/boot", "/dev", "/proc", "/sys",
		"/etc/passwd", "/etc/shadow", "/etc/group",
	}

	clean := filepath.Clean(path)
	if clean == "/" {
		return errors.ConfigValidationError(field, path, "Secret directory cannot be the filesystem root", nil)
	}

	for _, dangerous := range dangerousPaths {
		if clean == dangerous || strings.HasPrefix(clean, dangerous+"/") {
			return errors.ConfigValidationError(
				field,
				path,
				fmt.Sprintf("Path starts with potentially dangerous location: %s", dangerous),
				[]string{
					"Avoid placing secrets in system directories",
					"Use /run/opnix or /run/secrets instead",
				},
			)
		}
	}

	return nil
}

// validateOwnership validates user and group settings
func (v *Validator) validateOwnership(owner, group, secretName string) error {
	if owner != "" {
		if err := v.validateUser(owner, secretName+".owner"); err != nil {
			return err
		}
	}

	if group != "" {
		if err := v.validateGroup(group, secretName+".group"); err != nil {
			return err
		}
	}

	return nil
}

// validateUser validates that a user exists
func (v *Validator) validateUser(username, field string) error {
	if username == "root" {
		return nil
	}

	if _, err := user.Lookup(username); err != nil {
		return errors.UserGroupError(
			fmt.Sprintf("Validating %s", field),
			username,
			"user",
			v.getAvailableUsers(),
		)
	}

	return nil
}

// validateGroup validates that a group exists
func (v *Validator) validateGroup(groupname, field string) error {
	if groupname == "root" {
		return nil
	}

	if _, err := user.LookupGroup(groupname); err != nil {
		return errors.UserGroupError(
			fmt.Sprintf("Validating %s", field),
			groupname,
			"group",
			v.getAvailableGroups(),
		)
	}

	return nil
}

// validateMode validates file permission mode
func (v *Validator) validateMode(mode, secretName string) error {
	if mode == "" {
		return nil // Empty mode is ok, will use default
	}

	if !modePattern.MatchString(mode) {
		return errors.ValidationError(
			fmt.Sprintf("Validating %s.mode", secretName),
			"mode",
			mode,
			"3-4 digit octal number (e.g., 0400, 0440, 0600)",
		)
	}

	modeInt, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return errors.ValidationError(
			fmt.Sprintf("Validating %s.mode", secretName),
			"mode",
			mode,
			"valid octal number",
		)
	}

	if modeInt&0002 != 0 {
		return errors.ConfigValidationError(
			fmt.Sprintf("%s.mode", secretName),
			mode,
			"Mode allows world write access (others can modify the secret)",
			[]string{
				"Remove write permission for others",
				"Use modes like 0400, 0440, or 0600 instead",
			},
		)
	}

	if modeInt&07000 != 0 {
		return errors.ConfigValidationError(
			fmt.Sprintf("%s.mode", secretName),
			mode,
			"Mode sets setuid, setgid or sticky bits",
			[]string{"Secrets are plain files; use permission bits only"},
		)
	}

	return nil
}

// getAvailableUsers returns a list of available system users
func (v *Validator) getAvailableUsers() []string {
	return listServiceEntries("/etc/passwd", isServiceUser)
}

// getAvailableGroups returns a list of available system groups
func (v *Validator) getAvailableGroups() []string {
	return listServiceEntries("/etc/group", isServiceGroup)
}

func listServiceEntries(dbPath string, keep func(string) bool) []string {
	entries := []string{"root"}

	if content, err := os.ReadFile(dbPath); err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			name, _, _ := strings.Cut(line, ":")
			if name != "" && name != "root" && keep(name) {
				entries = append(entries, name)
			}
		}
	}

	return entries[:min(len(entries), 10)]
}

var serviceNames = []string{
	"nginx", "apache", "www-data", "caddy",
	"postgres", "mysql", "redis",
	"docker", "systemd", "nobody",
}

// isServiceUser checks if a username looks like a service user
func isServiceUser(username string) bool {
	for _, service := range serviceNames {
		if username == service {
			return true
		}
	}
	return false
}

// isServiceGroup checks if a groupname looks like a service group
func isServiceGroup(groupname string) bool {
	if groupname == "ssl-cert" || groupname == config.DefaultVolatileGroup {
		return true
	}
	return isServiceUser(groupname)
}

// ValidateTokenFile validates the token file exists, is non-empty and is
// readable by its owner only.
func (v *Validator) ValidateTokenFile(tokenPath string) error {
	info, err := os.Stat(tokenPath)
	if os.IsNotExist(err) {
		return errors.TokenError(
			fmt.Sprintf("Token file does not exist: %s", tokenPath),
			tokenPath,
			err,
		)
	}
	if err != nil {
		return errors.TokenError(
			fmt.Sprintf("Cannot stat token file: %s", err.Error()),
			tokenPath,
			err,
		)
	}

	if info.Mode().Perm()&0077 != 0 {
		return errors.TokenError(
			fmt.Sprintf("Token file is accessible by group or others (mode %04o)", info.Mode().Perm()),
			tokenPath,
			nil,
		)
	}

	content, err := os.ReadFile(tokenPath)
	if err != nil {
		return errors.TokenError(
			fmt.Sprintf("Cannot read token file: %s", err.Error()),
			tokenPath,
			err,
		)
	}

	if len(strings.TrimSpace(string(content))) == 0 {
		return errors.TokenError(
			"Token file is empty",
			tokenPath,
			nil,
		)
	}

	return nil
}
