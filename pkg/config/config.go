// Package config loads the YAML description of a kvdex server: where it
// listens, which store it opens and which collections it serves.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adfharrison1/go-kvdex/pkg/kvdex"
)

const (
	DriverMemory = "memory"
	DriverBolt   = "bolt"
)

// Config is the top level server configuration.
type Config struct {
	Listen      string             `yaml:"listen"`
	Store       StoreConfig        `yaml:"store"`
	Collections []CollectionConfig `yaml:"collections"`
}

// StoreConfig selects and tunes the store backend.
type StoreConfig struct {
	Driver      string        `yaml:"driver"`
	Path        string        `yaml:"path"`
	NoSync      bool          `yaml:"no_sync"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
	Queue       QueueConfig   `yaml:"queue"`
}

// QueueConfig tunes redelivery of queued messages.
type QueueConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// CollectionConfig describes one map-valued collection served over HTTP.
type CollectionConfig struct {
	Name        string            `yaml:"name"`
	Indices     map[string]string `yaml:"indices"`
	Serialized  bool              `yaml:"serialized"`
	Compression string            `yaml:"compression"`
	SegmentSize int               `yaml:"segment_size"`
}

// Default returns a configuration serving an in-memory store with no
// collections.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Store: StoreConfig{
			Driver:      DriverMemory,
			OpenTimeout: time.Second,
			Queue: QueueConfig{
				MaxAttempts: 5,
			},
		},
	}
}

// Load builds a configuration from defaults, the optional YAML file at path
// and KVDEX_* environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	cfg.LoadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromFile merges the YAML file at path into c.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return c.Parse(data)
}

// Parse merges YAML data into c.
func (c *Config) Parse(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// LoadFromEnv applies KVDEX_LISTEN, KVDEX_STORE_DRIVER, KVDEX_STORE_PATH and
// KVDEX_STORE_NO_SYNC. Malformed values are ignored.
func (c *Config) LoadFromEnv() {
	if listen := os.Getenv("KVDEX_LISTEN"); listen != "" {
		c.Listen = listen
	}
	if driver := os.Getenv("KVDEX_STORE_DRIVER"); driver != "" {
		c.Store.Driver = strings.ToLower(driver)
	}
	if path := os.Getenv("KVDEX_STORE_PATH"); path != "" {
		c.Store.Path = path
	}
	if noSync := os.Getenv("KVDEX_STORE_NO_SYNC"); noSync != "" {
		if v, err := strconv.ParseBool(noSync); err == nil {
			c.Store.NoSync = v
		}
	}
}

// Validate checks the configuration for values the server cannot start with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverBolt:
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for the %s driver", DriverBolt)
		}
	default:
		return fmt.Errorf("invalid store driver: %q", c.Store.Driver)
	}

	if c.Store.Queue.MaxAttempts < 0 {
		return fmt.Errorf("queue max_attempts cannot be negative")
	}

	seen := make(map[string]bool, len(c.Collections))
	for i, coll := range c.Collections {
		if coll.Name == "" {
			return fmt.Errorf("collection %d: name cannot be empty", i)
		}
		if seen[coll.Name] {
			return fmt.Errorf("duplicate collection: %s", coll.Name)
		}
		seen[coll.Name] = true

		if _, err := coll.Options(); err != nil {
			return fmt.Errorf("collection %s: %w", coll.Name, err)
		}
	}
	return nil
}

// Options translates the collection description into kvdex options.
func (cc CollectionConfig) Options() ([]kvdex.CollectionOption, error) {
	var options []kvdex.CollectionOption

	if len(cc.Indices) > 0 {
		indices := make(map[string]kvdex.IndexKind, len(cc.Indices))
		for field, kind := range cc.Indices {
			switch strings.ToLower(kind) {
			case "primary":
				indices[field] = kvdex.Primary
			case "secondary":
				indices[field] = kvdex.Secondary
			default:
				return nil, fmt.Errorf("invalid index kind %q for field %s", kind, field)
			}
		}
		options = append(options, kvdex.WithIndices(indices))
	}

	if !cc.Serialized {
		if cc.Compression != "" || cc.SegmentSize != 0 {
			return nil, fmt.Errorf("compression and segment_size require serialized: true")
		}
		return options, nil
	}

	options = append(options, kvdex.WithSerialization(kvdex.Serialized))
	if cc.Compression != "" {
		c := kvdex.Compression(strings.ToLower(cc.Compression))
		switch c {
		case kvdex.CompressionNone, kvdex.CompressionLZ4, kvdex.CompressionZstd:
		default:
			return nil, fmt.Errorf("invalid compression: %q", cc.Compression)
		}
		options = append(options, kvdex.WithCompression(c))
	}
	if cc.SegmentSize != 0 {
		if cc.SegmentSize < 0 {
			return nil, fmt.Errorf("segment_size cannot be negative")
		}
		options = append(options, kvdex.WithSegmentSize(cc.SegmentSize))
	}
	return options, nil
}
