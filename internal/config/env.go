package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "DOCSYNC_CONFIG"
	EnvBaseURL   = "DOCSYNC_BASE_URL"
	EnvAppKey    = "DOCSYNC_APP_KEY"
	EnvAppSecret = "DOCSYNC_APP_SECRET"
	EnvDB        = "DOCSYNC_DB"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath   string // DOCSYNC_CONFIG: override config file path
	BaseURL      string // DOCSYNC_BASE_URL
	AppKey       string // DOCSYNC_APP_KEY
	AppSecret    string // DOCSYNC_APP_SECRET
	DatabasePath string // DOCSYNC_DB
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		BaseURL:      os.Getenv(EnvBaseURL),
		AppKey:       os.Getenv(EnvAppKey),
		AppSecret:    os.Getenv(EnvAppSecret),
		DatabasePath: os.Getenv(EnvDB),
	}
}

// apply copies the set overrides onto cfg.
func (e EnvOverrides) apply(cfg *Config) {
	if e.BaseURL != "" {
		cfg.Server.BaseURL = e.BaseURL
	}

	if e.AppKey != "" {
		cfg.Server.AppKey = e.AppKey
	}

	if e.AppSecret != "" {
		cfg.Server.AppSecret = e.AppSecret
	}

	if e.DatabasePath != "" {
		cfg.Storage.DatabasePath = e.DatabasePath
	}
}
