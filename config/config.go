// Package config loads file-based configuration for logtable tooling.
//
// Configuration is read with viper, so any format it understands works
// (YAML, TOML, JSON, ...), and every key can be overridden through the
// environment with the LOGTABLE_ prefix, e.g. LOGTABLE_DATA_DIR.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/hupe1980/logtable/logengine"
)

// Config holds the settings of one table over one disk-backed log store.
type Config struct {
	// Topics is the ordered topic list the table is constructed with.
	Topics []string `mapstructure:"topics"`

	// DataDir is the log store directory.
	DataDir string `mapstructure:"data_dir"`

	// CacheSize bounds each topic's value cache. 0 keeps the default.
	CacheSize int `mapstructure:"cache_size"`

	// FetchMaxBytes bounds the record window fetched per candidate offset.
	// 0 keeps the default.
	FetchMaxBytes int `mapstructure:"fetch_max_bytes"`

	// Compression names the append codec: none, zstd, s2, lz4 or bzip2.
	Compression string `mapstructure:"compression"`

	// TimeToKey enables the timestamp-to-key index.
	TimeToKey bool `mapstructure:"time_to_key"`

	// SyncWrites fsyncs the log after every append.
	SyncWrites bool `mapstructure:"sync_writes"`

	// IOLimitBytesPerSec throttles log IO. 0 means unlimited.
	IOLimitBytesPerSec int64 `mapstructure:"io_limit_bytes_per_sec"`

	// MaxConcurrentFetches bounds concurrent log fetches. 0 means unlimited.
	MaxConcurrentFetches int64 `mapstructure:"max_concurrent_fetches"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"log_level"`
}

// Load reads the configuration file at path and applies environment
// overrides. An empty path searches for logtable.yaml in the working
// directory.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("compression", "none")
	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("logtable")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("LOGTABLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %q: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if len(c.Topics) == 0 {
		return fmt.Errorf("config: topics must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must be set")
	}
	if _, err := logengine.ParseCompression(c.Compression); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// CompressionCodec returns the parsed compression codec.
func (c *Config) CompressionCodec() logengine.Compression {
	codec, _ := logengine.ParseCompression(c.Compression)
	return codec
}
