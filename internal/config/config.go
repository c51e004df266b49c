// Package config provides configuration management for blockd.
//
// Configuration is loaded from multiple sources with the following
// precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (BLOCKD_* prefix)
//  3. Configuration file (config.yaml)
//  4. Default values (lowest priority)
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for blockd.
type Config struct {
	// Device configures the simulated block device.
	Device DeviceConfig `mapstructure:"device"`

	// Server configures the request server.
	Server ServerConfig `mapstructure:"server"`

	// MetricsAddr is the listen address for the /metrics endpoint.
	// Empty disables the endpoint.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// LogLevel sets the zerolog level (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level"`
}

// DeviceConfig holds parameters of the in-memory device.
type DeviceConfig struct {
	// SizeBlocks is the device capacity in blocks.
	SizeBlocks uint64 `mapstructure:"size_blocks"`

	// BlockSize is the device block size in bytes.
	BlockSize uint32 `mapstructure:"block_size"`

	// MaxTransferBlocks caps a single submission; larger requests are
	// split by the server. Zero means unlimited.
	MaxTransferBlocks uint32 `mapstructure:"max_transfer_blocks"`

	// Workers is the completion worker pool size.
	Workers int `mapstructure:"workers"`
}

// ServerConfig holds request server parameters.
type ServerConfig struct {
	// QueueDepth is the shared request queue capacity.
	QueueDepth int `mapstructure:"queue_depth"`

	// ReadBatch bounds records consumed per receive.
	ReadBatch int `mapstructure:"read_batch"`

	// MaxGroups is the transaction group array size.
	MaxGroups int `mapstructure:"max_groups"`

	// RegionSlots is the region table capacity.
	RegionSlots int `mapstructure:"region_slots"`

	// DrainPoll is the poll interval while draining for shutdown.
	DrainPoll time.Duration `mapstructure:"drain_poll"`
}

// Options are command line overrides.
type Options struct {
	MetricsAddr string
	LogLevel    string
}

// Load loads configuration from file and applies command line options.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("blockd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/blockd")

		// Missing config file is fine; defaults apply.
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("BLOCKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.MetricsAddr != "" {
		v.Set("metrics_addr", opts.MetricsAddr)
	}

	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")

	v.SetDefault("device.size_blocks", uint64(16384))
	v.SetDefault("device.block_size", uint32(4096))
	v.SetDefault("device.max_transfer_blocks", uint32(64))
	v.SetDefault("device.workers", 4)

	v.SetDefault("server.queue_depth", 256)
	v.SetDefault("server.read_batch", 32)
	v.SetDefault("server.max_groups", 8)
	v.SetDefault("server.region_slots", 16)
	v.SetDefault("server.drain_poll", 10*time.Millisecond)
}

func (c *Config) validate() error {
	if c.Device.BlockSize == 0 || c.Device.BlockSize&(c.Device.BlockSize-1) != 0 {
		return fmt.Errorf("device.block_size must be a power of two, got %d", c.Device.BlockSize)
	}

	if c.Device.SizeBlocks == 0 {
		return fmt.Errorf("device.size_blocks must be positive")
	}

	if c.Server.QueueDepth <= 0 {
		return fmt.Errorf("server.queue_depth must be positive")
	}

	return nil
}
