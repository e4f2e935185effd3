// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for docsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

import (
	"fmt"
	"time"

	"github.com/tonimelisma/docsync/internal/record"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Sync    SyncConfig    `toml:"sync"`
	Network NetworkConfig `toml:"network"`
	Logging LoggingConfig `toml:"logging"`
	Storage StorageConfig `toml:"storage"`

	// Schemas declares the nested fields of each collection:
	// [schemas.books] author = "object".
	Schemas map[string]map[string]string `toml:"schemas"`
}

// ServerConfig identifies the backend app.
type ServerConfig struct {
	BaseURL     string `toml:"base_url"`
	AppKey      string `toml:"app_key"`
	AppSecret   string `toml:"app_secret"`
	APIVersion  int    `toml:"api_version"`
	RealtimeURL string `toml:"realtime_url"`
}

// SyncConfig holds the default data store behavior of every collection.
type SyncConfig struct {
	StoreType               string   `toml:"store_type"`
	DeltaSet                bool     `toml:"delta_set"`
	AutoPagination          bool     `toml:"auto_pagination"`
	MaxPageSize             int      `toml:"max_page_size"`
	MultiInsert             bool     `toml:"multi_insert"`
	Validation              string   `toml:"validation"`
	ValidationSamplePercent int      `toml:"validation_sample_percent"`
	TTL                     string   `toml:"ttl"`
	Collections             []string `toml:"collections"`
}

// NetworkConfig controls the HTTP client.
type NetworkConfig struct {
	MaxConnectionsPerHost int    `toml:"max_connections_per_host"`
	RequestTimeout        string `toml:"request_timeout"`
	MaxRetries            int    `toml:"max_retries"`
}

// LoggingConfig controls log output: level and the optional rotated file.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogMaxSize       string `toml:"log_max_size"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// StorageConfig locates the local database.
type StorageConfig struct {
	DatabasePath string `toml:"database_path"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath   string  // --config flag (empty = use default)
	DatabasePath *string // --db flag
	StoreType    *string // --store-type flag
}

// TTLDuration returns the cache TTL; zero means entries never expire.
// Call after Validate.
func (s *SyncConfig) TTLDuration() time.Duration {
	d, _ := parseDurationOrZero(s.TTL)

	return d
}

// Timeout returns the per-request HTTP timeout. Call after Validate.
func (n *NetworkConfig) Timeout() time.Duration {
	d, _ := parseDurationOrZero(n.RequestTimeout)

	return d
}

// MaxSizeMB returns the rotation size of the log file in megabytes, at
// least one. Call after Validate.
func (l *LoggingConfig) MaxSizeMB() int {
	n, _ := ParseSize(l.LogMaxSize)

	return max(int(n/megabyte), 1)
}

// Registry builds the schema registry declared under [schemas].
func (c *Config) Registry() (*record.Registry, error) {
	reg := record.NewRegistry()

	for collection, kinds := range c.Schemas {
		s, err := record.SchemaFromKinds(kinds)
		if err != nil {
			return nil, fmt.Errorf("schemas.%s: %w", collection, err)
		}

		reg.Register(collection, s)
	}

	return reg, nil
}

func parseDurationOrZero(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}

	return time.ParseDuration(s)
}
