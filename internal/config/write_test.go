package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateConfig_LoadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	err := CreateConfig(path, ServerConfig{
		BaseURL:   "https://baas.example.com",
		AppKey:    "kid_books",
		AppSecret: "s3cret",
	})
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://baas.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "kid_books", cfg.Server.AppKey)
	assert.Equal(t, "s3cret", cfg.Server.AppSecret)
	assert.Equal(t, DefaultConfig().Sync, cfg.Sync)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(configFilePermissions), info.Mode().Perm())
	}
}

func TestCreateConfig_RefusesOverwrite(t *testing.T) {
	path := writeTestConfig(t, "# mine\n")

	err := CreateConfig(path, ServerConfig{BaseURL: "https://baas.example.com", AppKey: "k"})
	require.ErrorIs(t, err, ErrConfigExists)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# mine\n", string(data))
}

func TestSetKey_ReplacesExisting(t *testing.T) {
	path := writeTestConfig(t, "[sync]\n# a comment\nstore_type = \"sync\"\n\n[network]\nmax_retries = 5\n")

	require.NoError(t, SetKey(path, "sync", "store_type", "cache"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[sync]\n# a comment\nstore_type = \"cache\"\n\n[network]\nmax_retries = 5\n", string(data))
}

func TestSetKey_InsertsIntoSection(t *testing.T) {
	path := writeTestConfig(t, "[sync]\n# delta_set = false\n\n[network]\n")

	require.NoError(t, SetKey(path, "sync", "delta_set", "true"))
	require.NoError(t, SetKey(path, "network", "max_retries", "2"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Sync.DeltaSet)
	assert.Equal(t, 2, cfg.Network.MaxRetries)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# delta_set = false", "commented default kept")
}

func TestSetKey_AppendsMissingSection(t *testing.T) {
	path := writeTestConfig(t, "[server]\nbase_url = \"https://baas.example.com\"\n")

	require.NoError(t, SetKey(path, "storage", "database_path", "/data/docsync.db"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/docsync.db", cfg.Storage.DatabasePath)
	assert.Equal(t, "https://baas.example.com", cfg.Server.BaseURL)
}

func TestSetKey_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	require.NoError(t, SetKey(path, "server", "app_key", "kid_new"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "kid_new", cfg.Server.AppKey)
}

func TestSetKey_Collections(t *testing.T) {
	path := writeTestConfig(t, "")

	require.NoError(t, SetKey(path, "sync", "collections", "books, authors"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"books", "authors"}, cfg.Sync.Collections)
}

func TestSetKey_RejectsInvalid(t *testing.T) {
	const content = "[sync]\nstore_type = \"sync\"\n"

	path := writeTestConfig(t, content)

	err := SetKey(path, "sync", "store_type", "memory")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.store_type")

	err = SetKey(path, "sync", "store_typ", "cache")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "store_type"?`)

	err = SetKey(path, "sinc", "store_type", "cache")
	require.Error(t, err)

	err = SetKey(path, "network", "max_retries", "many")
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(data), "file untouched")
}

func TestFormatTOMLValue(t *testing.T) {
	assert.Equal(t, "true", formatTOMLValue("true"))
	assert.Equal(t, "42", formatTOMLValue("42"))
	assert.Equal(t, `"60s"`, formatTOMLValue("60s"))
	assert.Equal(t, `"a \"b\""`, formatTOMLValue(`a "b"`))
}

func TestFormatTOMLList(t *testing.T) {
	assert.Equal(t, `["a", "b"]`, formatTOMLList("a, b,"))
	assert.Equal(t, "[]", formatTOMLList(""))
}

func TestAtomicWriteFile_NoTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	require.NoError(t, atomicWriteFile(path, []byte("x")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "config.toml", entries[0].Name())
}
