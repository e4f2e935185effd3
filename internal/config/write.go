package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// configFilePermissions is owner read/write only: the file holds the app
// secret.
const configFilePermissions = 0o600

// configDirPermissions is the permission mode for config directories.
const configDirPermissions = 0o755

// ErrConfigExists is returned by CreateConfig when the file is present.
var ErrConfigExists = errors.New("config file already exists")

// configTemplate is the config file written by `init`. Every option is
// present as a commented-out default so users can discover them.
const configTemplate = `# docsync configuration

[server]
base_url = %q
app_key = %q
app_secret = %q
# api_version = 3
# realtime_url = ""

[sync]
# store_type = "sync"          # sync, cache or network
# delta_set = false
# auto_pagination = false
# max_page_size = 10000
# multi_insert = false
# validation = "none"          # none, full or sample
# validation_sample_percent = 10
# ttl = "0"                    # e.g. "24h"; 0 keeps entries forever
# collections = []             # synced by 'sync' and 'watch' without arguments

[network]
# max_connections_per_host = 6
# request_timeout = "60s"
# max_retries = 5

[logging]
# log_level = "info"
# log_file = ""
# log_max_size = "100MB"
# log_retention_days = 30

[storage]
# database_path = ""

# [schemas.books]
# author = "object"
# reviews = "objectArray"
`

// CreateConfig writes a new config file for the given app. It refuses to
// overwrite an existing file.
func CreateConfig(path string, server ServerConfig) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	slog.Info("creating config file", "path", path, "base_url", server.BaseURL)

	content := fmt.Sprintf(configTemplate, server.BaseURL, server.AppKey, server.AppSecret)

	return atomicWriteFile(path, []byte(content))
}

// SetKey sets section.key to value in the config file at path, preserving
// comments and layout. The edited file must still load and validate; if it
// does not, the file is left untouched.
func SetKey(path, section, key, value string) error {
	fields, ok := knownKeys[section]
	if !ok || section == "schemas" {
		return fmt.Errorf("unknown config section %q", section)
	}

	if !slices.Contains(fields, key) {
		if s := closestMatch(key, fields); s != "" {
			return fmt.Errorf("unknown config key %q in [%s], did you mean %q?", key, section, s)
		}

		return fmt.Errorf("unknown config key %q in [%s]", key, section)
	}

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	formatted := formatTOMLValue(value)
	if key == "collections" {
		formatted = formatTOMLList(value)
	}

	newLine := fmt.Sprintf("%s = %s", key, formatted)

	headerLine := findSectionHeader(lines, section)
	if headerLine < 0 {
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}

		lines = append(lines, "", "["+section+"]", newLine, "")
	} else {
		lines = setKeyInSection(lines, headerLine, key, newLine)
	}

	content := strings.Join(lines, "\n")

	cfg := DefaultConfig()

	md, err := toml.Decode(content, cfg)
	if err != nil {
		return fmt.Errorf("setting %s.%s: %w", section, key, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return err
	}

	if err := Validate(cfg); err != nil {
		return fmt.Errorf("setting %s.%s: %w", section, key, err)
	}

	slog.Info("setting config key", "path", path, "section", section, "key", key)

	return atomicWriteFile(path, []byte(content))
}

// findSectionHeader returns the line index of [section], or -1.
func findSectionHeader(lines []string, section string) int {
	header := "[" + section + "]"

	for i, line := range lines {
		if strings.TrimSpace(line) == header {
			return i
		}
	}

	return -1
}

// findSectionEnd returns the index of the next section header after
// headerLine, or len(lines).
func findSectionEnd(lines []string, headerLine int) int {
	for i := headerLine + 1; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "[") {
			return i
		}
	}

	return len(lines)
}

// setKeyInSection either replaces an existing key line or inserts a new
// one after the section header. Commented-out defaults are left alone.
func setKeyInSection(lines []string, headerLine int, key, newLine string) []string {
	sectionEnd := findSectionEnd(lines, headerLine)

	for i := headerLine + 1; i < sectionEnd; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, key+" ") || strings.HasPrefix(trimmed, key+"=") {
			lines[i] = newLine

			return lines
		}
	}

	return slices.Insert(lines, headerLine+1, newLine)
}

// formatTOMLValue formats a value for TOML output. Booleans and integers
// are written bare; all other values are quoted strings.
func formatTOMLValue(value string) string {
	if value == "true" || value == "false" {
		return value
	}

	if _, err := strconv.Atoi(value); err == nil {
		return value
	}

	return strconv.Quote(value)
}

// formatTOMLList formats a comma-separated value as a TOML string array.
func formatTOMLList(value string) string {
	var quoted []string

	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			quoted = append(quoted, strconv.Quote(v))
		}
	}

	return "[" + strings.Join(quoted, ", ") + "]"
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path. Parent directories are created
// as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
