package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	content := `
crawldb_dir: /data/crawldb
num_workers: 2
preserve_backup: false
schedule:
  class: mime-adaptive
  default_interval: 24h
  mime_rates:
    text/html: {inc_rate: 0.1, dec_rate: 0.3}
generate:
  top_n: 500
  min_score: 0.25
  delay: 1h30m
dedup:
  group: domain
  compare_order: [fetch_time, score]
urlfilter:
  deny: ['\.pdf$']
`
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, "/data/crawldb", cfg.CrawlDBDir)
	assert.Equal(t, 2, cfg.NumWorkers)
	require.NotNil(t, cfg.PreserveBackup)
	assert.False(t, *cfg.PreserveBackup)
	assert.Equal(t, "mime-adaptive", cfg.Schedule.Class)
	assert.Equal(t, 24*time.Hour, cfg.Schedule.DefaultInterval)
	assert.Equal(t, 0.1, cfg.Schedule.MimeRates["text/html"].Inc)
	assert.Equal(t, 0.3, cfg.Schedule.MimeRates["text/html"].Dec)
	assert.Equal(t, int64(500), cfg.Generate.TopN)
	require.NotNil(t, cfg.Generate.MinScore)
	assert.Equal(t, float32(0.25), *cfg.Generate.MinScore)
	assert.Equal(t, 90*time.Minute, cfg.Generate.Delay)
	assert.Equal(t, []string{"fetch_time", "score"}, cfg.Dedup.CompareOrder)
	assert.Equal(t, []string{`\.pdf$`}, cfg.URLFilter.Deny)

	_, err = cfg.Validate()
	require.NoError(t, err)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")

	cfgPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("{{invalid yaml"), 0644))
	_, err = Load(cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestBoolOrAndFloat32Or(t *testing.T) {
	assert.True(t, BoolOr(nil, true))
	assert.False(t, BoolOr(boolPtr(false), true))

	f := float32(2)
	assert.Equal(t, float32(1), Float32Or(nil, 1))
	assert.Equal(t, float32(2), Float32Or(&f, 1))
}
