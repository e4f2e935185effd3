package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tonimelisma/docsync/internal/record"
)

// Validation range constants.
const (
	minPageSize        = 1
	maxPageSize        = 10000
	minPercentage      = 1
	maxPercentage      = 100
	minConnections     = 1
	maxConnections     = 64
	minAPIVersion      = 1
	minLogRetention    = 1
	minLogMaxSizeBytes = megabyte
)

var validStoreTypes = map[string]bool{
	"sync":    true,
	"cache":   true,
	"network": true,
}

var validValidations = map[string]bool{
	"none":   true,
	"full":   true,
	"sample": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks all configuration values and returns all errors found,
// joined, so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateSchemas(cfg.Schemas)...)

	if strings.TrimSpace(cfg.Storage.DatabasePath) == "" {
		errs = append(errs, errors.New("storage.database_path: must not be empty"))
	}

	return errors.Join(errs...)
}

// ValidateServer reports whether the [server] section names a reachable
// app. Commands that talk to the backend call it; offline commands do not
// need a server.
func ValidateServer(s *ServerConfig) error {
	var errs []error

	if s.BaseURL == "" {
		errs = append(errs, errors.New("server.base_url: must be set"))
	}

	if s.AppKey == "" {
		errs = append(errs, errors.New("server.app_key: must be set"))
	}

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.BaseURL != "" {
		errs = append(errs, validateURL("server.base_url", s.BaseURL, "http", "https")...)
	}

	if s.RealtimeURL != "" {
		errs = append(errs, validateURL("server.realtime_url", s.RealtimeURL, "ws", "wss")...)
	}

	if s.APIVersion < minAPIVersion {
		errs = append(errs, fmt.Errorf("server.api_version: must be at least %d, got %d", minAPIVersion, s.APIVersion))
	}

	return errs
}

func validateURL(key, raw string, schemes ...string) []error {
	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", key, err)}
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return []error{fmt.Errorf("%s: must be an absolute %s URL, got %q", key, strings.Join(schemes, "/"), raw)}
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if !validStoreTypes[s.StoreType] {
		errs = append(errs, fmt.Errorf("sync.store_type: must be one of sync, cache, network, got %q", s.StoreType))
	}

	if s.MaxPageSize < minPageSize || s.MaxPageSize > maxPageSize {
		errs = append(errs, fmt.Errorf("sync.max_page_size: must be between %d and %d, got %d",
			minPageSize, maxPageSize, s.MaxPageSize))
	}

	if !validValidations[s.Validation] {
		errs = append(errs, fmt.Errorf("sync.validation: must be one of none, full, sample, got %q", s.Validation))
	}

	if s.ValidationSamplePercent < minPercentage || s.ValidationSamplePercent > maxPercentage {
		errs = append(errs, fmt.Errorf("sync.validation_sample_percent: must be between %d and %d, got %d",
			minPercentage, maxPercentage, s.ValidationSamplePercent))
	}

	if d, err := parseDurationOrZero(s.TTL); err != nil {
		errs = append(errs, fmt.Errorf("sync.ttl: %w", err))
	} else if d < 0 {
		errs = append(errs, fmt.Errorf("sync.ttl: must not be negative, got %s", s.TTL))
	}

	seen := make(map[string]bool, len(s.Collections))

	for _, c := range s.Collections {
		switch {
		case strings.TrimSpace(c) == "":
			errs = append(errs, errors.New("sync.collections: empty collection name"))
		case seen[c]:
			errs = append(errs, fmt.Errorf("sync.collections: %q listed twice", c))
		}

		seen[c] = true
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	if n.MaxConnectionsPerHost < minConnections || n.MaxConnectionsPerHost > maxConnections {
		errs = append(errs, fmt.Errorf("network.max_connections_per_host: must be between %d and %d, got %d",
			minConnections, maxConnections, n.MaxConnectionsPerHost))
	}

	if d, err := parseDurationOrZero(n.RequestTimeout); err != nil {
		errs = append(errs, fmt.Errorf("network.request_timeout: %w", err))
	} else if d <= 0 {
		errs = append(errs, fmt.Errorf("network.request_timeout: must be positive, got %q", n.RequestTimeout))
	}

	if n.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("network.max_retries: must not be negative, got %d", n.MaxRetries))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error, got %q", l.LogLevel))
	}

	if n, err := ParseSize(l.LogMaxSize); err != nil {
		errs = append(errs, fmt.Errorf("logging.log_max_size: %w", err))
	} else if n < minLogMaxSizeBytes {
		errs = append(errs, fmt.Errorf("logging.log_max_size: must be at least 1MB, got %q", l.LogMaxSize))
	}

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("logging.log_retention_days: must be at least %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

func validateSchemas(schemas map[string]map[string]string) []error {
	var errs []error

	for collection, fields := range schemas {
		for field, kind := range fields {
			if _, err := record.ParseFieldKind(kind); err != nil {
				errs = append(errs, fmt.Errorf("schemas.%s.%s: %w", collection, field, err))
			}
		}
	}

	return errs
}
