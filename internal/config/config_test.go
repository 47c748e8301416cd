package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Empty(t, cfg.Server.APIKey)
	require.Equal(t, 60, cfg.Server.RequestTimeout)
	require.Equal(t, "memory", cfg.DB.Provider)
	require.False(t, cfg.Redis.Enabled)
	require.Equal(t, 2, cfg.Queues.Scrape.Concurrency)
	require.Equal(t, 3, cfg.Queues.Scrape.Attempts)
	require.Equal(t, 5, cfg.Queues.Scrape.LimiterMax)
	require.Equal(t, 60*time.Second, cfg.Queues.Scrape.LimiterPeriod())
	require.Equal(t, 5*time.Second, cfg.Queues.Scrape.Backoff())
	require.Equal(t, 1, cfg.Queues.Deletion.Concurrency)
	require.Equal(t, "0 2 * * *", cfg.Rescrape.Cron)
	require.Equal(t, "0 3 * * *", cfg.Deletion.Cron)
	require.Equal(t, 30, cfg.Deletion.GracePeriodDays)
	require.Equal(t, 7, cfg.Export.ExpiryDays)
	require.Equal(t, 24, cfg.Export.RateLimitWindowH)
	require.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	require.Equal(t, 15*time.Minute, cfg.JobTimeout())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
server:
  port: 9090
db:
  provider: postgres
  dsn: postgres://localhost/ingest
queues:
  scrape:
    concurrency: 4
deletion:
  grace_period_days: 14
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "postgres", cfg.DB.Provider)
	require.Equal(t, 4, cfg.Queues.Scrape.Concurrency)
	require.Equal(t, 14, cfg.Deletion.GracePeriodDays)
	// Untouched sections keep their defaults.
	require.Equal(t, 3, cfg.Queues.Scrape.Attempts)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown db provider",
			mutate:  func(c *Config) { c.DB.Provider = "sqlite" },
			wantErr: "db.provider",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.DB.Provider = "postgres"; c.DB.DSN = "" },
			wantErr: "db.dsn",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Queues.Export.Concurrency = 0 },
			wantErr: "queues.export.concurrency",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Queues.Scrape.Attempts = 0 },
			wantErr: "queues.scrape.attempts",
		},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Embedding.BatchSize = 0 },
			wantErr: "embedding.batch_size",
		},
		{
			name:    "missing staging dir",
			mutate:  func(c *Config) { c.Export.StagingDir = "" },
			wantErr: "export.staging_dir",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
