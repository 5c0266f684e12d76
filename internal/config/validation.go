package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	nameRe     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
	usernameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ValidateName checks the server-name rule: 1..64 chars, leading
// alphanumeric, then alphanumerics, underscores and hyphens.
func ValidateName(name string) error {
	if len(name) < 1 || len(name) > 64 {
		return fmt.Errorf("name must be 1-64 characters, got %d", len(name))
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("name %q must start with a letter or digit and contain only letters, digits, '_' and '-'", name)
	}
	return nil
}

// ValidateHost checks for a non-empty hostname or IP without whitespace.
func ValidateHost(host string) error {
	if host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if strings.ContainsAny(host, " \t\r\n") {
		return fmt.Errorf("host %q must not contain whitespace", host)
	}
	return nil
}

// ValidateUsername checks the username character set.
func ValidateUsername(username string) error {
	if !usernameRe.MatchString(username) {
		return fmt.Errorf("username %q must contain only letters, digits, '_' and '-'", username)
	}
	return nil
}

// ValidatePort parses a port string and checks the 1..65535 range.
func ValidatePort(value string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("port %q is not an integer", value)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port must be in 1..65535, got %d", port)
	}
	return port, nil
}

// ValidateConnectionType normalizes and checks the connection type.
func ValidateConnectionType(value string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case ConnectionSSH:
		return ConnectionSSH, nil
	case ConnectionRelay:
		return ConnectionRelay, nil
	default:
		return "", fmt.Errorf("connection_type %q must be one of: ssh, relay", value)
	}
}

// ParseBool accepts the wizard's boolean spellings, case-insensitive.
func ParseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "yes", "1":
		return true, nil
	case "false", "no", "0":
		return false, nil
	default:
		return false, fmt.Errorf("%q is not a boolean; use true/false, yes/no or 1/0", value)
	}
}
