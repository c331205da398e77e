package config

import "go.uber.org/fx"

// NewRemoteConfigProvider extracts the remote client section.
func NewRemoteConfigProvider(cfg *Config) *RemoteConfig {
	return &cfg.Logstats.Remote
}

// NewCacheConfigProvider extracts the cache section.
func NewCacheConfigProvider(cfg *Config) *CacheConfig {
	return &cfg.Logstats.Cache
}

// NewCleanerConfigProvider extracts the cleaner section.
func NewCleanerConfigProvider(cfg *Config) *CleanerConfig {
	return &cfg.Logstats.Cleaner
}

// NewJobsConfigProvider extracts the jobs section.
func NewJobsConfigProvider(cfg *Config) *JobsConfig {
	return &cfg.Logstats.Jobs
}

// NewHTTPConfigProvider extracts the HTTP listener section.
func NewHTTPConfigProvider(cfg *Config) *HTTPConfig {
	return &cfg.Logstats.HTTP
}

// NewTelemetryConfigProvider extracts the telemetry section.
func NewTelemetryConfigProvider(cfg *Config) *TelemetryConfig {
	return &cfg.Logstats.Telemetry
}

// Module provides *Config and its sections to fx.
var Module = fx.Options(
	fx.Provide(NewConfigProvider),
	fx.Provide(NewRemoteConfigProvider),
	fx.Provide(NewCacheConfigProvider),
	fx.Provide(NewCleanerConfigProvider),
	fx.Provide(NewJobsConfigProvider),
	fx.Provide(NewHTTPConfigProvider),
	fx.Provide(NewTelemetryConfigProvider),
)
