package config

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w, after all override layers have been applied.
// The app secret is never printed.
func RenderEffective(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration\n\n")

	renderServerSection(ew, &cfg.Server)
	renderSyncSection(ew, &cfg.Sync)
	renderNetworkSection(ew, &cfg.Network)
	renderLoggingSection(ew, &cfg.Logging)

	ew.printf("[storage]\n")
	ew.printf("  database_path = %q\n", cfg.Storage.DatabasePath)

	renderSchemas(ew, cfg.Schemas)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderServerSection(ew *errWriter, s *ServerConfig) {
	ew.printf("[server]\n")
	ew.printf("  base_url     = %q\n", s.BaseURL)
	ew.printf("  app_key      = %q\n", s.AppKey)

	if s.AppSecret != "" {
		ew.printf("  app_secret   = (set)\n")
	} else {
		ew.printf("  app_secret   = (not set)\n")
	}

	ew.printf("  api_version  = %d\n", s.APIVersion)

	if s.RealtimeURL != "" {
		ew.printf("  realtime_url = %q\n", s.RealtimeURL)
	}

	ew.printf("\n")
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("[sync]\n")
	ew.printf("  store_type                = %q\n", s.StoreType)
	ew.printf("  delta_set                 = %t\n", s.DeltaSet)
	ew.printf("  auto_pagination           = %t\n", s.AutoPagination)
	ew.printf("  max_page_size             = %d\n", s.MaxPageSize)
	ew.printf("  multi_insert              = %t\n", s.MultiInsert)
	ew.printf("  validation                = %q\n", s.Validation)

	if s.Validation == "sample" {
		ew.printf("  validation_sample_percent = %d\n", s.ValidationSamplePercent)
	}

	ew.printf("  ttl                       = %q\n", s.TTL)

	if len(s.Collections) > 0 {
		ew.printf("  collections               = [%s]\n", joinQuoted(s.Collections))
	}

	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("[network]\n")
	ew.printf("  max_connections_per_host = %d\n", n.MaxConnectionsPerHost)
	ew.printf("  request_timeout          = %q\n", n.RequestTimeout)
	ew.printf("  max_retries              = %d\n", n.MaxRetries)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level          = %q\n", l.LogLevel)

	if l.LogFile != "" {
		ew.printf("  log_file           = %q\n", l.LogFile)
		ew.printf("  log_max_size       = %q\n", l.LogMaxSize)
		ew.printf("  log_retention_days = %d\n", l.LogRetentionDays)
	}

	ew.printf("\n")
}

func renderSchemas(ew *errWriter, schemas map[string]map[string]string) {
	collections := make([]string, 0, len(schemas))
	for c := range schemas {
		collections = append(collections, c)
	}

	sort.Strings(collections)

	for _, c := range collections {
		fields := make([]string, 0, len(schemas[c]))
		for f := range schemas[c] {
			fields = append(fields, f)
		}

		sort.Strings(fields)

		ew.printf("\n[schemas.%s]\n", c)

		for _, f := range fields {
			ew.printf("  %s = %q\n", f, schemas[c][f])
		}
	}
}

// joinQuoted formats a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}

	return strings.Join(quoted, ", ")
}
