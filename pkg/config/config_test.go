package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
listen: ":9090"
store:
  driver: bolt
  path: /var/lib/kvdex/data.db
  no_sync: true
  open_timeout: 2s
  queue:
    max_attempts: 3
collections:
  - name: users
    indices:
      email: primary
      country: secondary
  - name: files
    serialized: true
    compression: zstd
    segment_size: 4096
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvdex.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, DriverBolt, cfg.Store.Driver)
	assert.Equal(t, "/var/lib/kvdex/data.db", cfg.Store.Path)
	assert.True(t, cfg.Store.NoSync)
	assert.Equal(t, 2*time.Second, cfg.Store.OpenTimeout)
	assert.Equal(t, 3, cfg.Store.Queue.MaxAttempts)

	require.Len(t, cfg.Collections, 2)
	assert.Equal(t, "users", cfg.Collections[0].Name)
	assert.Equal(t, map[string]string{"email": "primary", "country": "secondary"}, cfg.Collections[0].Indices)
	assert.True(t, cfg.Collections[1].Serialized)
	assert.Equal(t, 4096, cfg.Collections[1].SegmentSize)

	opts, err := cfg.Collections[1].Options()
	require.NoError(t, err)
	assert.Len(t, opts, 3)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Store.Queue.MaxAttempts)
	assert.Empty(t, cfg.Collections)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("KVDEX_LISTEN", ":7000")
	t.Setenv("KVDEX_STORE_DRIVER", "BOLT")
	t.Setenv("KVDEX_STORE_PATH", "/tmp/kvdex.db")
	t.Setenv("KVDEX_STORE_NO_SYNC", "not-a-bool")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, DriverBolt, cfg.Store.Driver)
	assert.Equal(t, "/tmp/kvdex.db", cfg.Store.Path)
	assert.False(t, cfg.Store.NoSync)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"bolt without path", func(c *Config) { c.Store.Driver = DriverBolt }},
		{"negative attempts", func(c *Config) { c.Store.Queue.MaxAttempts = -1 }},
		{"unnamed collection", func(c *Config) { c.Collections = []CollectionConfig{{}} }},
		{"duplicate collection", func(c *Config) {
			c.Collections = []CollectionConfig{{Name: "a"}, {Name: "a"}}
		}},
		{"bad index kind", func(c *Config) {
			c.Collections = []CollectionConfig{{Name: "a", Indices: map[string]string{"x": "unique"}}}
		}},
		{"compression on raw collection", func(c *Config) {
			c.Collections = []CollectionConfig{{Name: "a", Compression: "lz4"}}
		}},
		{"bad compression", func(c *Config) {
			c.Collections = []CollectionConfig{{Name: "a", Serialized: true, Compression: "snappy"}}
		}},
		{"negative segment size", func(c *Config) {
			c.Collections = []CollectionConfig{{Name: "a", Serialized: true, SegmentSize: -1}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
