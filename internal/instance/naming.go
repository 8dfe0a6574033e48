// Package instance resolves which linker instance a process serves and
// connects to its blackboard.
package instance

import (
	"fmt"
	"os"
	"regexp"
)

const (
	// DefaultName is used when neither a flag nor the environment names an instance
	DefaultName = "default"

	// EnvName is the environment variable naming the instance
	EnvName = "LINKER_INSTANCE_NAME"

	// MaxNameLength is the maximum length for an instance name (DNS-compatible)
	MaxNameLength = 63
)

var (
	// NamePattern is the regex pattern for valid instance names
	// Must be DNS-compatible: lowercase alphanumeric, hyphens allowed (but not at start/end)
	NamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
)

// ValidateName checks if an instance name is valid according to DNS naming rules.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("instance name cannot be empty")
	}

	if len(name) > MaxNameLength {
		return fmt.Errorf("instance name too long: %d characters (max: %d)", len(name), MaxNameLength)
	}

	if !NamePattern.MatchString(name) {
		return fmt.Errorf("invalid instance name '%s': must be lowercase alphanumeric with hyphens (not at start/end)", name)
	}

	return nil
}

// ResolveName picks the instance name from an explicit value, then
// LINKER_INSTANCE_NAME, then DefaultName, and validates it.
func ResolveName(explicit string) (string, error) {
	name := explicit
	if name == "" {
		name = os.Getenv(EnvName)
	}
	if name == "" {
		name = DefaultName
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
