package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Ingestion.MaxAttempts)
	assert.Equal(t, []string{"sku"}, cfg.Confidence.AutoAcceptKinds)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
confidence:
  highThreshold: 92
  mediumThreshold: 70
  autoAcceptThreshold: 99
clustering:
  interval: 30s
`), 0o644))
	t.Setenv("RECON_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("RECON_INGESTION_MAX_ATTEMPTS", "5")
	t.Setenv("RECON_INGESTION_EXTRACTOR_URL", "http://extractor:8000/extract")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 92.0, cfg.Confidence.HighThreshold)
	assert.Equal(t, 30*time.Second, cfg.Clustering.Interval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5, cfg.Ingestion.MaxAttempts)
	assert.Equal(t, "http://extractor:8000/extract", cfg.Ingestion.ExtractorURL)
	assert.Equal(t, 30*time.Second, cfg.Ingestion.PollInterval)
	assert.Equal(t, 5, cfg.Matching.TopK, "unset keys keep their defaults")
}

func TestValidateRejectsInconsistentThresholds(t *testing.T) {
	cfg := Default()
	cfg.Confidence.MediumThreshold = 95
	cfg.Storage.Driver = "sqlite"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.driver")
	assert.Contains(t, err.Error(), "medium <= high")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
