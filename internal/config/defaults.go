package config

// Default values for configuration options. These are "layer 0" of the
// override chain.
const (
	defaultAPIVersion            = 3
	defaultStoreType             = "sync"
	defaultMaxPageSize           = 10000
	defaultValidation            = "none"
	defaultValidationSample      = 10
	defaultTTL                   = "0"
	defaultMaxConnectionsPerHost = 6
	defaultRequestTimeout        = "60s"
	defaultMaxRetries            = 5
	defaultLogLevel              = "info"
	defaultLogMaxSize            = "100MB"
	defaultLogRetentionDays      = 30
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			APIVersion: defaultAPIVersion,
		},
		Sync: SyncConfig{
			StoreType:               defaultStoreType,
			MaxPageSize:             defaultMaxPageSize,
			Validation:              defaultValidation,
			ValidationSamplePercent: defaultValidationSample,
			TTL:                     defaultTTL,
		},
		Network: NetworkConfig{
			MaxConnectionsPerHost: defaultMaxConnectionsPerHost,
			RequestTimeout:        defaultRequestTimeout,
			MaxRetries:            defaultMaxRetries,
		},
		Logging: LoggingConfig{
			LogLevel:         defaultLogLevel,
			LogMaxSize:       defaultLogMaxSize,
			LogRetentionDays: defaultLogRetentionDays,
		},
		Storage: StorageConfig{
			DatabasePath: DefaultDatabasePath(),
		},
		Schemas: make(map[string]map[string]string),
	}
}
