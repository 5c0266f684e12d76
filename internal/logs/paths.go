package logs

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Log files go to the platform's conventional per-user log location,
// never next to the config registry.
const appName = "remoteterm"

// GetLogDir returns the log directory for the current platform:
// %LOCALAPPDATA% on Windows, ~/Library/Logs on macOS, the XDG state
// directory on Linux (/var/log when running as root).
func GetLogDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if base := os.Getenv("LOCALAPPDATA"); base != "" {
			return filepath.Join(base, appName, "logs"), nil
		}
		if profile := os.Getenv("USERPROFILE"); profile != "" {
			return filepath.Join(profile, "AppData", "Local", appName, "logs"), nil
		}
		return fallbackLogDir(), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return fallbackLogDir(), nil
		}
		return filepath.Join(home, "Library", "Logs", appName), nil
	case "linux":
		return linuxLogDir(), nil
	default:
		return fallbackLogDir(), nil
	}
}

func linuxLogDir() string {
	if os.Getuid() == 0 {
		return filepath.Join("/var/log", appName)
	}
	state := os.Getenv("XDG_STATE_HOME")
	if state == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fallbackLogDir()
		}
		state = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(state, appName, "logs")
}

// fallbackLogDir is ~/.remoteterm/logs, or a temp directory when even
// the home directory cannot be resolved.
func fallbackLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appName, "logs")
	}
	return filepath.Join(home, "."+appName, "logs")
}

// EnsureLogDir creates the log directory if it doesn't exist.
func EnsureLogDir(logDir string) error {
	return os.MkdirAll(logDir, 0o755)
}

// GetLogFilePath returns the path for a log file in the platform log
// directory, creating the directory as needed.
func GetLogFilePath(filename string) (string, error) {
	logDir, err := GetLogDir()
	if err != nil {
		return "", err
	}
	if err := EnsureLogDir(logDir); err != nil {
		return "", err
	}
	return filepath.Join(logDir, filename), nil
}

// GetLogFilePathWithDir is GetLogFilePath with a caller-chosen
// directory. An empty dir falls back to the platform one; a leading ~/
// is expanded.
func GetLogFilePathWithDir(logDir, filename string) (string, error) {
	if logDir == "" {
		return GetLogFilePath(filename)
	}

	if strings.HasPrefix(logDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		logDir = filepath.Join(home, logDir[2:])
	}

	if err := EnsureLogDir(logDir); err != nil {
		return "", err
	}
	return filepath.Join(logDir, filename), nil
}
