package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "docsync"

// File names inside the config and data directories.
const (
	configFileName  = "config.toml"
	dbFileName      = "docsync.db"
	sessionFileName = "session.json"
	pidFileName     = "watch.pid"
	logFileName     = "docsync.log"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/docsync).
// On macOS, uses ~/Library/Application Support/docsync.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for application
// data: the database, the session file, logs and the pid file.
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/docsync).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

func xdgDir(envVar, fallback string) string {
	if xdg := os.Getenv(envVar); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(fallback, appName)
}

// DefaultConfigPath returns the full path to the default config file.
func DefaultConfigPath() string {
	return inDir(DefaultConfigDir(), configFileName)
}

// DefaultDatabasePath returns the default location of the local database.
func DefaultDatabasePath() string {
	return inDir(DefaultDataDir(), dbFileName)
}

// SessionPath returns the location of the persisted session token.
func SessionPath() string {
	return inDir(DefaultDataDir(), sessionFileName)
}

// PIDFilePath returns the location of the watch process lock.
func PIDFilePath() string {
	return inDir(DefaultDataDir(), pidFileName)
}

// DefaultLogPath returns the suggested log file location.
func DefaultLogPath() string {
	return inDir(DefaultDataDir(), logFileName)
}

func inDir(dir, name string) string {
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, name)
}
