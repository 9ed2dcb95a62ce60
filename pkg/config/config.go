// Package config provides configuration for a coordinator node
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config holds all configuration for a coordinator node
type Config struct {
	// Node identification
	NodeID  string `mapstructure:"node_id"`
	DataDir string `mapstructure:"data_dir"`

	// Network addresses
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
	RaftAddr string `mapstructure:"raft_addr"`

	// Shard pool settings. The pool owns shard ids
	// [BaseShardID, BaseShardID+ShardCount); the window must fit in the
	// 10-bit Scarab shard id space.
	ShardCount  int `mapstructure:"shard_count"`
	BaseShardID int `mapstructure:"base_shard_id"`

	// IDPrefetch is the sequence lease size per durable batch. 1 means one
	// fsync per generated ID.
	IDPrefetch int `mapstructure:"id_prefetch"`

	// Consensus settings
	ActivationTimeout int `mapstructure:"activation_timeout_ms"`

	// Epoch event stream (optional; disabled when no brokers are set)
	KafkaBrokers     []string `mapstructure:"kafka_brokers"`
	EpochEventsTopic string   `mapstructure:"epoch_events_topic"`

	// Performance tuning
	ReadTimeout  int `mapstructure:"read_timeout_ms"`
	WriteTimeout int `mapstructure:"write_timeout_ms"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		NodeID:            hostname,
		DataDir:           "./data",
		HTTPAddr:          ":8080",
		GRPCAddr:          ":9090",
		RaftAddr:          ":10000",
		ShardCount:        16,
		BaseShardID:       0,
		IDPrefetch:        1,
		ActivationTimeout: 10000,
		EpochEventsTopic:  "scarab.epoch-events",
		ReadTimeout:       5000,
		WriteTimeout:      10000,
	}
}

// LoadConfig loads configuration from a file
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.ShardCount < 1 {
		return fmt.Errorf("shard_count must be at least 1, got %d", c.ShardCount)
	}
	if c.BaseShardID < 0 {
		return fmt.Errorf("base_shard_id must not be negative, got %d", c.BaseShardID)
	}
	if c.BaseShardID+c.ShardCount > 1024 {
		return fmt.Errorf("shard window [%d, %d) exceeds the 10-bit shard id space",
			c.BaseShardID, c.BaseShardID+c.ShardCount)
	}
	if c.IDPrefetch < 1 {
		return fmt.Errorf("id_prefetch must be at least 1, got %d", c.IDPrefetch)
	}
	return nil
}
