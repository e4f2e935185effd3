package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/docsync/internal/record"
)

func TestDefaultConfig_AllFieldsPopulated(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Empty(t, cfg.Server.BaseURL)
	assert.Empty(t, cfg.Server.AppKey)
	assert.Equal(t, 3, cfg.Server.APIVersion)

	assert.Equal(t, "sync", cfg.Sync.StoreType)
	assert.False(t, cfg.Sync.DeltaSet)
	assert.False(t, cfg.Sync.AutoPagination)
	assert.Equal(t, 10000, cfg.Sync.MaxPageSize)
	assert.False(t, cfg.Sync.MultiInsert)
	assert.Equal(t, "none", cfg.Sync.Validation)
	assert.Equal(t, 10, cfg.Sync.ValidationSamplePercent)
	assert.Equal(t, "0", cfg.Sync.TTL)
	assert.Empty(t, cfg.Sync.Collections)

	assert.Equal(t, 6, cfg.Network.MaxConnectionsPerHost)
	assert.Equal(t, "60s", cfg.Network.RequestTimeout)
	assert.Equal(t, 5, cfg.Network.MaxRetries)

	assert.Equal(t, "info", cfg.Logging.LogLevel)
	assert.Empty(t, cfg.Logging.LogFile)
	assert.Equal(t, "100MB", cfg.Logging.LogMaxSize)
	assert.Equal(t, 30, cfg.Logging.LogRetentionDays)

	assert.Equal(t, DefaultDatabasePath(), cfg.Storage.DatabasePath)
	assert.NotNil(t, cfg.Schemas)
}

func TestDefaultConfig_PassesValidation(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()
	assert.Zero(t, cfg.Sync.TTLDuration())
	assert.Equal(t, time.Minute, cfg.Network.Timeout())

	cfg.Sync.TTL = "24h"
	cfg.Network.RequestTimeout = "5s"
	assert.Equal(t, 24*time.Hour, cfg.Sync.TTLDuration())
	assert.Equal(t, 5*time.Second, cfg.Network.Timeout())
}

func TestMaxSizeMB(t *testing.T) {
	l := LoggingConfig{LogMaxSize: "100MB"}
	assert.Equal(t, 100, l.MaxSizeMB())

	l.LogMaxSize = "1GiB"
	assert.Equal(t, 1073, l.MaxSizeMB())

	l.LogMaxSize = "512KB"
	assert.Equal(t, 1, l.MaxSizeMB())
}

func TestRegistry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Schemas["books"] = map[string]string{"author": "object", "reviews": "objectArray"}

	reg, err := cfg.Registry()
	require.NoError(t, err)

	s := reg.Lookup("books")
	require.NotNil(t, s)

	f, ok := s.Field("author")
	require.True(t, ok)
	assert.Equal(t, record.Object, f.Kind)

	f, ok = s.Field("reviews")
	require.True(t, ok)
	assert.Equal(t, record.ObjectArray, f.Kind)
}

func TestRegistry_BadKind(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Schemas["books"] = map[string]string{"author": "blob"}

	_, err := cfg.Registry()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schemas.books")
}
