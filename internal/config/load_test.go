package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger so config output appears in test
// output for CI visibility.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTestConfig(t, `
[server]
base_url = "https://baas.example.com"
app_key = "kid_books"
app_secret = "s3cret"
api_version = 4
realtime_url = "wss://rt.example.com/socket"

[sync]
store_type = "cache"
delta_set = true
auto_pagination = true
max_page_size = 500
multi_insert = true
validation = "sample"
validation_sample_percent = 25
ttl = "12h"
collections = ["books", "authors"]

[network]
max_connections_per_host = 8
request_timeout = "30s"
max_retries = 2

[logging]
log_level = "debug"
log_file = "/tmp/docsync.log"
log_max_size = "10MiB"
log_retention_days = 7

[storage]
database_path = "/tmp/docsync.db"

[schemas.books]
author = "object"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://baas.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "kid_books", cfg.Server.AppKey)
	assert.Equal(t, "s3cret", cfg.Server.AppSecret)
	assert.Equal(t, 4, cfg.Server.APIVersion)
	assert.Equal(t, "wss://rt.example.com/socket", cfg.Server.RealtimeURL)

	assert.Equal(t, "cache", cfg.Sync.StoreType)
	assert.True(t, cfg.Sync.DeltaSet)
	assert.True(t, cfg.Sync.AutoPagination)
	assert.Equal(t, 500, cfg.Sync.MaxPageSize)
	assert.True(t, cfg.Sync.MultiInsert)
	assert.Equal(t, "sample", cfg.Sync.Validation)
	assert.Equal(t, 25, cfg.Sync.ValidationSamplePercent)
	assert.Equal(t, "12h", cfg.Sync.TTL)
	assert.Equal(t, []string{"books", "authors"}, cfg.Sync.Collections)

	assert.Equal(t, 8, cfg.Network.MaxConnectionsPerHost)
	assert.Equal(t, "30s", cfg.Network.RequestTimeout)
	assert.Equal(t, 2, cfg.Network.MaxRetries)

	assert.Equal(t, "debug", cfg.Logging.LogLevel)
	assert.Equal(t, "/tmp/docsync.log", cfg.Logging.LogFile)
	assert.Equal(t, "10MiB", cfg.Logging.LogMaxSize)
	assert.Equal(t, 7, cfg.Logging.LogRetentionDays)

	assert.Equal(t, "/tmp/docsync.db", cfg.Storage.DatabasePath)
	assert.Equal(t, map[string]string{"author": "object"}, cfg.Schemas["books"])
}

func TestLoad_MinimalConfig_UsesDefaults(t *testing.T) {
	path := writeTestConfig(t, `
[server]
base_url = "https://baas.example.com"
app_key = "kid_books"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	defaults := DefaultConfig()
	assert.Equal(t, defaults.Sync, cfg.Sync)
	assert.Equal(t, defaults.Network, cfg.Network)
	assert.Equal(t, defaults.Logging, cfg.Logging)
	assert.Equal(t, defaults.Server.APIVersion, cfg.Server.APIVersion)
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeTestConfig(t, `[server`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestLoad_ValidationError(t *testing.T) {
	path := writeTestConfig(t, `
[sync]
store_type = "memory"
max_page_size = 0
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
	assert.Contains(t, err.Error(), "sync.store_type")
	assert.Contains(t, err.Error(), "sync.max_page_size")
}

func TestLoad_TypeMismatch(t *testing.T) {
	path := writeTestConfig(t, `
[sync]
max_page_size = "big"
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadOrDefault_FileExists(t *testing.T) {
	path := writeTestConfig(t, `
[sync]
store_type = "network"
`)

	cfg, err := LoadOrDefault(path)
	require.NoError(t, err)
	assert.Equal(t, "network", cfg.Sync.StoreType)
}

func TestLoadOrDefault_FileNotFound(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolvePath_Precedence(t *testing.T) {
	assert.Equal(t, DefaultConfigPath(), ResolvePath(EnvOverrides{}, CLIOverrides{}))
	assert.Equal(t, "/env.toml", ResolvePath(EnvOverrides{ConfigPath: "/env.toml"}, CLIOverrides{}))
	assert.Equal(t, "/cli.toml", ResolvePath(
		EnvOverrides{ConfigPath: "/env.toml"},
		CLIOverrides{ConfigPath: "/cli.toml"},
	))
}

func TestResolve_LayerOrder(t *testing.T) {
	path := writeTestConfig(t, `
[server]
base_url = "https://file.example.com"
app_key = "kid_file"

[sync]
store_type = "cache"

[storage]
database_path = "/file.db"
`)

	t.Setenv(EnvConfig, path)
	t.Setenv(EnvAppKey, "kid_env")
	t.Setenv(EnvDB, "/env.db")

	cliDB := "/cli.db"

	cfg, err := Resolve(ReadEnvOverrides(), CLIOverrides{DatabasePath: &cliDB})
	require.NoError(t, err)

	assert.Equal(t, "https://file.example.com", cfg.Server.BaseURL, "file value kept")
	assert.Equal(t, "kid_env", cfg.Server.AppKey, "env overrides file")
	assert.Equal(t, "/cli.db", cfg.Storage.DatabasePath, "CLI overrides env")
	assert.Equal(t, "cache", cfg.Sync.StoreType)
}

func TestResolve_CLIStoreType(t *testing.T) {
	storeType := "network"

	cfg, err := Resolve(EnvOverrides{}, CLIOverrides{
		ConfigPath: filepath.Join(t.TempDir(), "missing.toml"),
		StoreType:  &storeType,
	})
	require.NoError(t, err)
	assert.Equal(t, "network", cfg.Sync.StoreType)
}

func TestResolve_InvalidOverride(t *testing.T) {
	storeType := "memory"

	_, err := Resolve(EnvOverrides{}, CLIOverrides{
		ConfigPath: filepath.Join(t.TempDir(), "missing.toml"),
		StoreType:  &storeType,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.store_type")
}

func TestResolve_InvalidConfigFile(t *testing.T) {
	path := writeTestConfig(t, `not toml at all [`)

	_, err := Resolve(EnvOverrides{}, CLIOverrides{ConfigPath: path})
	require.Error(t, err)
}
