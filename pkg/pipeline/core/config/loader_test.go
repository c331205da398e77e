package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/logstats/pkg/pipeline/core/config"
)

const sampleYAML = `
logstats:
  system:
    logging:
      level: DEBUG
  remote:
    endpoint: https://example.invalid/api/v2/client
    call_timeout: 10s
    retry:
      schedule: [1s, 2s]
  cache:
    row_group_size: 250
    datasets:
      fights:
        root_path: cache/fights
        mode: APPEND
        schema_version: 2
      zones:
        root_path: cache/zones
        mode: REPLACE_ALL
        file_name: zones
  adapters:
    metadata:
      type: sqlite
      database: /tmp/meta.db
      pool:
        max_open_conns: "3"
`

type poolSection struct {
	MaxOpenConns int `yaml:"max_open_conns"`
}

type dbSection struct {
	Type     string      `yaml:"type"`
	Database string      `yaml:"database"`
	Pool     poolSection `yaml:"pool"`
}

func TestLoadConfig_MergesYAMLOverDefaults(t *testing.T) {
	cfg, err := config.LoadConfig("/nonexistent/.env", config.EmbeddedConfig(sampleYAML))
	require.NoError(t, err)

	ls := cfg.Logstats
	assert.Equal(t, "DEBUG", ls.System.Logging.Level)
	assert.Equal(t, "UTC", ls.System.Timezone, "default kept")
	assert.Equal(t, 10*time.Second, ls.Remote.CallTimeout)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, ls.Remote.Retry.Schedule)
	assert.Equal(t, 5, ls.Remote.Retry.CircuitBreakerThreshold, "default kept")
	assert.Equal(t, 250, ls.Cache.RowGroupSize)
	assert.Equal(t, config.DefaultCacheTTL, ls.Cache.DefaultTTL)
	require.Contains(t, ls.Cache.Datasets, "fights")
	assert.Equal(t, 2, ls.Cache.Datasets["fights"].SchemaVersion)
	assert.Equal(t, "zones", ls.Cache.Datasets["zones"].FileName)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("LOGSTATS_REMOTE_API_KEY", "from-env")
	t.Setenv("LOGSTATS_REMOTE_CALL_TIMEOUT", "45s")
	t.Setenv("LOGSTATS_REMOTE_RETRY_SCHEDULE", "1ms,2ms,3ms")
	t.Setenv("LOGSTATS_JOBS_FAN_OUT_WORKERS", "2")
	t.Setenv("LOGSTATS_CACHE_DATASETS_FIGHTS_ROOT_PATH", "/data/fights")

	cfg, err := config.LoadConfig("/nonexistent/.env", config.EmbeddedConfig(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Logstats.Remote.APIKey)
	assert.Equal(t, 45*time.Second, cfg.Logstats.Remote.CallTimeout)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, cfg.Logstats.Remote.Retry.Schedule)
	assert.Equal(t, 2, cfg.Logstats.Jobs.FanOutWorkers)
	assert.Equal(t, "/data/fights", cfg.Logstats.Cache.Datasets["fights"].RootPath)
	assert.Equal(t, 2, cfg.Logstats.Cache.Datasets["fights"].SchemaVersion, "other dataset fields kept")
}

func TestLoadConfig_RejectsReplaceAllWithoutFileName(t *testing.T) {
	yml := `
logstats:
  cache:
    datasets:
      broken:
        root_path: cache/broken
        mode: REPLACE_ALL
`
	_, err := config.LoadConfig("/nonexistent/.env", config.EmbeddedConfig(yml))
	assert.Error(t, err)
}

func TestDecodeAdapter(t *testing.T) {
	cfg, err := config.LoadConfig("/nonexistent/.env", config.EmbeddedConfig(sampleYAML))
	require.NoError(t, err)

	var db dbSection
	found, err := cfg.DecodeAdapter(config.MetadataAdapterName, &db)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "sqlite", db.Type)
	assert.Equal(t, "/tmp/meta.db", db.Database)
	assert.Equal(t, 3, db.Pool.MaxOpenConns, "weakly typed input converts strings")

	found, err = cfg.DecodeAdapter("missing", &db)
	require.NoError(t, err)
	assert.False(t, found)
}
