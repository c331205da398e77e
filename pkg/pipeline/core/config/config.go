// Package config provides the configuration structures for logstats and their defaults.
package config

import "time"

// EmbeddedConfig holds the raw application.yaml bundled into the binary by main.
type EmbeddedConfig []byte

// LogLevel is the logging verbosity name.
type LogLevel string

const (
	LogLevelTrace  LogLevel = "TRACE"
	LogLevelDebug  LogLevel = "DEBUG"
	LogLevelInfo   LogLevel = "INFO"
	LogLevelWarn   LogLevel = "WARN"
	LogLevelError  LogLevel = "ERROR"
	LogLevelFatal  LogLevel = "FATAL"
	LogLevelSilent LogLevel = "SILENT"
)

// Adapter names looked up in LogstatsConfig.Adapters.
const (
	MetadataAdapterName = "metadata"
	CacheAdapterName    = "cache"
)

// Dataset write modes.
const (
	WriteModeAppend     = "APPEND"
	WriteModeReplaceAll = "REPLACE_ALL"
)

// DefaultCacheTTL is the lifetime of a cache file when nothing else is configured.
const DefaultCacheTTL = 180 * 24 * time.Hour

// DefaultMaxPages caps paginated queries when no positive cap is configured.
const DefaultMaxPages = 50

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // TRACE, DEBUG, INFO, WARN, ERROR, FATAL or SILENT.
}

// SystemConfig holds process-wide settings.
type SystemConfig struct {
	Timezone string        `yaml:"timezone"`
	Logging  LoggingConfig `yaml:"logging"`
}

// RetryConfig describes the upstream retry and circuit breaker policy.
type RetryConfig struct {
	// Schedule is the wait before each retry; its length is the retry count.
	Schedule []time.Duration `yaml:"schedule"`
	// CircuitBreakerThreshold is the number of consecutive qualifying failures that opens the circuit.
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`
	// CircuitBreakerResetInterval is how long the circuit stays open before a trial request is allowed.
	CircuitBreakerResetInterval time.Duration `yaml:"circuit_breaker_reset_interval"`
}

// RemoteConfig configures the upstream analytics API client.
type RemoteConfig struct {
	Endpoint           string        `yaml:"endpoint"`
	APIKey             string        `yaml:"api_key"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	Retry              RetryConfig   `yaml:"retry"`
	RateLimitPerSecond float64       `yaml:"rate_limit_per_second"` // 0 disables client-side limiting.
	RateLimitBurst     int           `yaml:"rate_limit_burst"`
	MaxPages           int           `yaml:"max_pages"`
}

// DatasetConfig describes one cached dataset.
type DatasetConfig struct {
	RootPath      string `yaml:"root_path"`
	Mode          string `yaml:"mode"` // APPEND or REPLACE_ALL.
	SchemaVersion int    `yaml:"schema_version"`
	// FileName is the fixed target name used by REPLACE_ALL datasets.
	FileName string `yaml:"file_name"`
}

// CacheConfig configures the columnar cache.
type CacheConfig struct {
	DefaultTTL   time.Duration            `yaml:"default_ttl"`
	RowGroupSize int                      `yaml:"row_group_size"`
	Compression  string                   `yaml:"compression"` // SNAPPY, GZIP or NONE.
	Datasets     map[string]DatasetConfig `yaml:"datasets"`
}

// CleanerConfig configures the periodic cache sweep.
type CleanerConfig struct {
	Interval          time.Duration `yaml:"interval"`
	SnapshotRetention time.Duration `yaml:"snapshot_retention"`
}

// JobsConfig configures background job execution.
type JobsConfig struct {
	FanOutWorkers int `yaml:"fan_out_workers"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures trace export. An empty Endpoint disables export.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"`
	Protocol    string `yaml:"protocol"` // grpc or http.
	Insecure    bool   `yaml:"insecure"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// MaskedParameterKeys lists job parameter keys whose values are masked in logs.
	MaskedParameterKeys []string `yaml:"masked_parameter_keys"`
}

// LogstatsConfig holds everything under the "logstats" top-level key.
type LogstatsConfig struct {
	System    SystemConfig    `yaml:"system"`
	Remote    RemoteConfig    `yaml:"remote"`
	Cache     CacheConfig     `yaml:"cache"`
	Cleaner   CleanerConfig   `yaml:"cleaner"`
	Jobs      JobsConfig      `yaml:"jobs"`
	HTTP      HTTPConfig      `yaml:"http"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Security  SecurityConfig  `yaml:"security"`
	// Adapters holds raw adapter sections (database and storage) keyed by adapter name.
	// They are decoded by the adapter packages with mapstructure.
	Adapters map[string]interface{} `yaml:"adapters"`
}

// Config is the root of the application configuration.
type Config struct {
	Logstats       LogstatsConfig `yaml:"logstats"`
	EmbeddedConfig EmbeddedConfig `yaml:"-"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Logstats: LogstatsConfig{
			System: SystemConfig{
				Timezone: "UTC",
				Logging:  LoggingConfig{Level: string(LogLevelInfo)},
			},
			Remote: RemoteConfig{
				CallTimeout: 30 * time.Second,
				Retry: RetryConfig{
					Schedule:                    []time.Duration{time.Minute, 2 * time.Minute, 5 * time.Minute, 5 * time.Minute, 10 * time.Minute},
					CircuitBreakerThreshold:     5,
					CircuitBreakerResetInterval: time.Minute,
				},
				RateLimitBurst: 1,
				MaxPages:       DefaultMaxPages,
			},
			Cache: CacheConfig{
				DefaultTTL:   DefaultCacheTTL,
				RowGroupSize: 1000,
				Compression:  "SNAPPY",
				Datasets:     map[string]DatasetConfig{},
			},
			Cleaner: CleanerConfig{
				Interval:          time.Hour,
				SnapshotRetention: 180 * 24 * time.Hour,
			},
			Jobs:      JobsConfig{FanOutWorkers: 4},
			HTTP:      HTTPConfig{Addr: ":8080"},
			Telemetry: TelemetryConfig{ServiceName: "logstats", Protocol: "grpc"},
			Security: SecurityConfig{
				MaskedParameterKeys: []string{"password", "api_key", "secret", "token"},
			},
			Adapters: map[string]interface{}{},
		},
	}
}
