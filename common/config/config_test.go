package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_WithDefaults(t *testing.T) {
	t.Setenv("TELHAWK_CONFIG_DIR", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 4, cfg.Processor.Worker.PoolSize)
	assert.Equal(t, 2*time.Hour, cfg.Processor.Worker.TaskLease)
	assert.Equal(t, 2000, cfg.Processor.Pipeline.BatchSize)
	assert.Equal(t, "evtx_dump", cfg.Processor.Decoder.EVTXCommand)
	assert.Equal(t, []string{"evtx"}, cfg.Processor.Detection.SourceTypes)
	assert.Equal(t, uint32(5), cfg.Processor.Detection.Breaker.FailureThreshold)
	assert.Equal(t, "telhawk-triage", cfg.OpenSearch.IndexPrefix)
	assert.True(t, cfg.OpenSearch.TLSSkipVerify)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "processor.yaml")
	content := `
processor:
  worker:
    pool_size: 12
  detection:
    command: /opt/engine/bin/hunt
    timeout: 90s
opensearch:
  index_prefix: forensics
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Processor.Worker.PoolSize)
	assert.Equal(t, "/opt/engine/bin/hunt", cfg.Processor.Detection.Command)
	assert.Equal(t, 90*time.Second, cfg.Processor.Detection.Timeout)
	assert.Equal(t, "forensics", cfg.OpenSearch.IndexPrefix)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched keys keep their defaults
	assert.Equal(t, 1000, cfg.Processor.IOC.PageSize)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TELHAWK_CONFIG_DIR", t.TempDir())
	t.Setenv("TELHAWK_NATS_URL", "nats://queue:4222")
	t.Setenv("TELHAWK_PROCESSOR_WORKER_POOL_SIZE", "9")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "nats://queue:4222", cfg.NATS.URL)
	assert.Equal(t, 9, cfg.Processor.Worker.PoolSize)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("processor: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestPostgresConfig_ConnString(t *testing.T) {
	p := PostgresConfig{
		Host:     "db",
		Port:     5432,
		Database: "telhawk_triage",
		User:     "telhawk",
		Password: "p@ss word",
		SSLMode:  "disable",
	}
	assert.Equal(t, "postgres://telhawk:p%40ss%20word@db:5432/telhawk_triage?sslmode=disable", p.ConnString())
}
