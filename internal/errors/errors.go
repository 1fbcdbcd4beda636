package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Kind classifies a failure for the restart tier. Every Kind is fatal for
// the current task cycle.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindMount
	KindUnreachable
	KindFetch
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindMount:
		return "MountError"
	case KindUnreachable:
		return "Unreachable"
	case KindFetch:
		return "FetchError"
	case KindWrite:
		return "WriteError"
	default:
		return "Error"
	}
}

// OpnixError represents a structured error with context and suggestions
type OpnixError struct {
	Kind        Kind     // Failure class used by the restart tier
	Operation   string   // What operation was being performed
	Component   string   // Which component failed (config, onepass, secrets, etc.)
	Issue       string   // The core issue description
	Context     string   // Additional context about the failure
	Suggestions []string // List of actionable suggestions to fix the issue
	Cause       error    // Underlying error that caused this
}

func (e *OpnixError) Error() string {
	var parts []string

	if e.Operation != "" && e.Component != "" {
		parts = append(parts, fmt.Sprintf("ERROR: %s failed in %s", e.Operation, e.Component))
	} else if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("ERROR: %s failed", e.Operation))
	} else {
		parts = append(parts, "ERROR: Operation failed")
	}

	if e.Kind != KindUnknown {
		parts = append(parts, fmt.Sprintf("  Kind: %s", e.Kind))
	}

	if e.Issue != "" {
		parts = append(parts, fmt.Sprintf("  Issue: %s", e.Issue))
	}

	if e.Context != "" {
		parts = append(parts, fmt.Sprintf("  Context: %s", e.Context))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("  Cause: %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		parts = append(parts, "")
		parts = append(parts, "  Suggestions:")
		for i, suggestion := range e.Suggestions {
			parts = append(parts, fmt.Sprintf("  %d. %s", i+1, suggestion))
		}
	}

	return strings.Join(parts, "\n")
}

func (e *OpnixError) Unwrap() error {
	return e.Cause
}

// KindOf returns the Kind of the outermost classified OpnixError in err's
// chain, or KindUnknown.
func KindOf(err error) Kind {
	for err != nil {
		var oe *OpnixError
		if !stderrors.As(err, &oe) {
			return KindUnknown
		}
		if oe.Kind != KindUnknown {
			return oe.Kind
		}
		err = oe.Cause
	}
	return KindUnknown
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Error constructors for common scenarios

// ConfigError creates errors related to configuration parsing and validation
func ConfigError(operation, issue string, cause error) *OpnixError {
	return &OpnixError{
		Kind:      KindConfig,
		Operation: operation,
		Component: "configuration",
		Issue:     issue,
		Cause:     cause,
	}
}

// ConfigValidationError creates detailed validation errors with suggestions
func ConfigValidationError(field, value, issue string, suggestions []string) *OpnixError {
	return &OpnixError{
		Kind:        KindConfig,
		Operation:   "Configuration validation",
		Component:   "configuration",
		Issue:       issue,
		Context:     fmt.Sprintf("Field '%s' has value '%s'", field, value),
		Suggestions: suggestions,
	}
}

// FileOperationError creates errors for file system operations. They are
// classified as WriteError.
func FileOperationError(operation, path, issue string, cause error) *OpnixError {
	suggestions := []string{}

	detail := issue
	if cause != nil {
		detail += " " + cause.Error()
	}

	if strings.Contains(detail, "permission denied") || strings.Contains(detail, "operation not permitted") {
		suggestions = append(suggestions,
			fmt.Sprintf("Check if OpNix has write permissions to '%s'", path),
			fmt.Sprintf("Check parent directory permissions: ls -la '%s'", filepath.Dir(path)),
			"Run the provisioning task as root so ownership can be applied",
		)
	} else if strings.Contains(detail, "no such file or directory") {
		suggestions = append(suggestions,
			fmt.Sprintf("Create parent directory: sudo mkdir -p '%s'", filepath.Dir(path)),
			fmt.Sprintf("Verify the path is correct: '%s'", path),
		)
	} else if strings.Contains(detail, "no space") || strings.Contains(detail, "disk") {
		suggestions = append(suggestions,
			"Check available space on the secrets mount: df -h",
			"Ramfs mounts grow with content; check memory pressure: free -m",
		)
	}

	return &OpnixError{
		Kind:        KindWrite,
		Operation:   operation,
		Component:   "file system",
		Issue:       issue,
		Context:     fmt.Sprintf("Target path: %s", path),
		Suggestions: suggestions,
		Cause:       cause,
	}
}

// OnePasswordError creates errors for 1Password integration issues. They
// are classified as FetchError.
func OnePasswordError(operation, issue string, cause error) *OpnixError {
	suggestions := []string{}

	if strings.Contains(issue, "authentication") || strings.Contains(issue, "token") {
		suggestions = append(suggestions,
			"Verify your 1Password service account token is valid",
			"Check if the token has expired: visit 1Password admin console",
			"Ensure token file exists and is readable: ls -la /etc/opnix-token",
			"Set up token using: opnix token set",
		)
	} else if strings.Contains(issue, "not found") || strings.Contains(issue, "reference") {
		suggestions = append(suggestions,
			"Verify the 1Password reference format: op://Vault/Item/field",
			"Check if the vault, item, and field exist in 1Password",
			"Ensure the service account has access to the specified vault",
		)
	} else if strings.Contains(issue, "rate limit") {
		suggestions = append(suggestions,
			"Wait a few minutes before retrying",
			"Reduce the number of concurrent secret requests",
		)
	}

	return &OpnixError{
		Kind:        KindFetch,
		Operation:   operation,
		Component:   "1Password integration",
		Issue:       issue,
		Suggestions: suggestions,
		Cause:       cause,
	}
}

// UnreachableError reports that the connectivity budget was exhausted.
func UnreachableError(endpoint string, attempts uint, cause error) *OpnixError {
	return &OpnixError{
		Kind:      KindUnreachable,
		Operation: "Connectivity probe",
		Component: "network",
		Issue:     fmt.Sprintf("Secret store not reachable after %d attempts", attempts),
		Context:   fmt.Sprintf("Endpoint: %s", endpoint),
		Suggestions: []string{
			"Check internet connectivity",
			"Verify 1Password service is accessible",
			"Check for firewall or proxy issues",
			"The task will be restarted by its restart policy",
		},
		Cause: cause,
	}
}

// MountError creates errors for volatile directory preparation.
func MountError(operation, path string, cause error) *OpnixError {
	return &OpnixError{
		Kind:      KindMount,
		Operation: operation,
		Component: "volatile directory",
		Issue:     fmt.Sprintf("Failed to prepare memory-backed directory %s", path),
		Context:   fmt.Sprintf("Target path: %s", path),
		Suggestions: []string{
			"Mounting ramfs requires root (CAP_SYS_ADMIN)",
			fmt.Sprintf("Inspect current mounts: findmnt '%s'", path),
			"Set useVolatileDir: false to skip the memory-backed mount",
		},
		Cause: cause,
	}
}

// UserGroupError creates errors for user/group validation issues
func UserGroupError(operation, userOrGroup, entityType string, availableEntities []string) *OpnixError {
	suggestions := []string{
		fmt.Sprintf("Create the %s: sudo %s %s", entityType, getUserGroupCommand(entityType), userOrGroup),
	}

	if len(availableEntities) > 0 {
		suggestions = append(suggestions,
			fmt.Sprintf("Use an existing %s instead:", entityType),
		)
		for _, entity := range availableEntities {
			suggestions = append(suggestions, fmt.Sprintf("  - %s", entity))
		}
	}

	if entityType == "user" {
		suggestions = append(suggestions,
			"List all users: cut -d: -f1 /etc/passwd | sort",
		)
	} else {
		suggestions = append(suggestions,
			"List all groups: cut -d: -f1 /etc/group | sort",
		)
	}

	return &OpnixError{
		Kind:        KindConfig,
		Operation:   operation,
		Component:   "user management",
		Issue:       fmt.Sprintf("%s '%s' does not exist", entityType, userOrGroup),
		Suggestions: suggestions,
	}
}

// ValidationError creates general validation errors
func ValidationError(operation, field, value, expectedFormat string) *OpnixError {
	return &OpnixError{
		Kind:      KindConfig,
		Operation: operation,
		Component: "validation",
		Issue:     fmt.Sprintf("Invalid value '%s' for field '%s'", value, field),
		Context:   fmt.Sprintf("Expected format: %s", expectedFormat),
		Suggestions: []string{
			fmt.Sprintf("Update field '%s' to match the expected format", field),
			"Check the documentation for valid values",
		},
	}
}

// TokenError creates token-related errors with setup instructions. A
// missing or unreadable token fails the fetch, so it is a FetchError.
func TokenError(issue, tokenPath string, cause error) *OpnixError {
	suggestions := []string{
		"Set up your 1Password service account token:",
		"  1. Visit https://my.1password.com/developer-tools/infrastructure-secrets",
		"  2. Create a new service account",
		"  3. Copy the token and run: opnix token set",
		fmt.Sprintf("  4. Or manually create file: echo 'your-token' | sudo tee %s", tokenPath),
		fmt.Sprintf("  5. Set correct permissions: sudo chmod 600 %s", tokenPath),
	}

	return &OpnixError{
		Kind:        KindFetch,
		Operation:   "Token access",
		Component:   "authentication",
		Issue:       issue,
		Context:     fmt.Sprintf("Token file: %s", tokenPath),
		Suggestions: suggestions,
		Cause:       cause,
	}
}

func getUserGroupCommand(entityType string) string {
	if entityType == "user" {
		return "useradd"
	}
	return "groupadd"
}

// Wrap provides a simple way to wrap existing errors with OpNix context
func Wrap(err error, operation, component string) error {
	if err == nil {
		return nil
	}

	return &OpnixError{
		Operation: operation,
		Component: component,
		Issue:     err.Error(),
		Cause:     err,
	}
}

// WrapWithSuggestions wraps an error and adds suggestions
func WrapWithSuggestions(err error, operation, component string, suggestions []string) error {
	if err == nil {
		return nil
	}

	return &OpnixError{
		Operation:   operation,
		Component:   component,
		Issue:       err.Error(),
		Suggestions: suggestions,
		Cause:       err,
	}
}
