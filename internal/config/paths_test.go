package config

import (
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultDirs_ContainAppName(t *testing.T) {
	assert.Contains(t, DefaultConfigDir(), appName)
	assert.Contains(t, DefaultDataDir(), appName)
}

func TestDefaultFilePaths(t *testing.T) {
	assert.True(t, strings.HasSuffix(DefaultConfigPath(), "config.toml"))
	assert.True(t, strings.HasSuffix(DefaultDatabasePath(), "docsync.db"))
	assert.True(t, strings.HasSuffix(SessionPath(), "session.json"))
	assert.True(t, strings.HasSuffix(PIDFilePath(), "watch.pid"))
	assert.True(t, strings.HasSuffix(DefaultLogPath(), "docsync.log"))
}

func TestXDGOverrides_Linux(t *testing.T) {
	if runtime.GOOS != platformLinux {
		t.Skip("Linux-only test")
	}

	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-config")
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")

	assert.Equal(t, filepath.Join("/tmp/xdg-config", appName), DefaultConfigDir())
	assert.Equal(t, filepath.Join("/tmp/xdg-data", appName, "docsync.db"), DefaultDatabasePath())
}

func TestXDGDefaults_Linux(t *testing.T) {
	if runtime.GOOS != platformLinux {
		t.Skip("Linux-only test")
	}

	t.Setenv("HOME", "/home/testuser")
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")

	assert.Equal(t, "/home/testuser/.config/docsync", DefaultConfigDir())
	assert.Equal(t, "/home/testuser/.local/share/docsync", DefaultDataDir())
}

func TestDefaultDirs_MacOS(t *testing.T) {
	if runtime.GOOS != platformDarwin {
		t.Skip("macOS-only test")
	}

	assert.Contains(t, DefaultConfigDir(), "Library/Application Support")
	assert.Contains(t, DefaultDataDir(), "Library/Application Support")
}

func TestInDir_EmptyDir(t *testing.T) {
	assert.Empty(t, inDir("", "x"))
}
