package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.NATS.Embedded)
	assert.Equal(t, "uploads", cfg.Storage.UploadsBucket)
	assert.Equal(t, "processed", cfg.Storage.ProcessedBucket)

	eng := cfg.Extraction.Engine(cfg.Extraction.Default)
	require.NotNil(t, eng)
	assert.Contains(t, eng.Formats, "pdf")

	enh := cfg.Extraction.EnhancementEngine()
	require.NotNil(t, enh)
	assert.True(t, enh.Enhancement)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing bucket", func(c *Config) { c.Storage.UploadsBucket = "" }},
		{"no engines", func(c *Config) { c.Extraction.Engines = nil }},
		{"unknown default engine", func(c *Config) { c.Extraction.Default = "nope" }},
		{"temperature out of range", func(c *Config) {
			temp := 1.5
			c.LLM.Tasks["bad"] = LLMTaskConfig{Model: "m", Temperature: &temp}
		}},
		{"negative budget", func(c *Config) { c.SAM.DailyCallBudget = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docflow.yaml")
	yaml := `
nats:
  url: nats://queue:4222
queues:
  extraction:
    max_concurrent: 8
    submission_interval: 10s
sam:
  daily_call_budget: 250
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "nats://queue:4222", cfg.NATS.URL)
	assert.Equal(t, 8, cfg.Queues["extraction"].MaxConcurrent)
	assert.Equal(t, 10*time.Second, cfg.Queues["extraction"].SubmissionInterval)
	assert.Equal(t, 250, cfg.SAM.DailyCallBudget)
	// Untouched sections keep their defaults.
	assert.Equal(t, "uploads", cfg.Storage.UploadsBucket)
	assert.Equal(t, "markdown-extractor", cfg.Extraction.Default)
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("DOCFLOW_SAM_API_KEY", "env-key")
	t.Setenv("DOCFLOW_NATS_URL", "nats://env:4222")

	dir := t.TempDir()
	path := filepath.Join(dir, "docflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sam:\n  api_key: file-key\n"), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.SAM.APIKey)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.False(t, cfg.NATS.Embedded)
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "docflow.yaml")

	cfg := DefaultConfig()
	cfg.HTTP.Addr = ":9999"
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", loaded.HTTP.Addr)
	assert.Equal(t, cfg.Extraction.Default, loaded.Extraction.Default)
}
