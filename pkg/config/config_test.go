package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadFields(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"worker pool too small", func(c *Config) { c.WorkerPoolSize = 1 }},
		{"empty base path", func(c *Config) { c.BasePath = "" }},
		{"bloom fpr zero", func(c *Config) { c.BloomFPR = 0 }},
		{"bloom fpr >= 1", func(c *Config) { c.BloomFPR = 1 }},
		{"zero range size target", func(c *Config) { c.RangeSizeTarget = 0 }},
		{"zero page size", func(c *Config) { c.PageSize = 0 }},
		{"zero run count per level", func(c *Config) { c.RunCountPerLevel = 0 }},
		{"run size ratio too small", func(c *Config) { c.RunSizeRatio = 1.0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mut(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base_path: /var/lib/boulder\nworker_pool_size: 4\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/boulder", cfg.BasePath)
	assert.Equal(t, 4, cfg.WorkerPoolSize)
	assert.Equal(t, Default().BloomFPR, cfg.BloomFPR)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker_pool_size: 1\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
