// Package config loads the configuration of a grouse storage core from
// an optional file and GROUSE_ environment variables. Environment
// variables name keys with dots replaced by underscores, e.g.
// GROUSE_ENGINE_UNIQUE_CHECKS sets engine.unique_checks.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "GROUSE"

// Config is the complete configuration
type Config struct {
	// Backend names the kv plugin: bbolt, etcd, memory or memory-deferred
	Backend string        `mapstructure:"backend"`
	Bbolt   BboltConfig   `mapstructure:"bbolt"`
	Etcd    EtcdConfig    `mapstructure:"etcd"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Schema  SchemaConfig  `mapstructure:"schema"`
	Bulk    BulkConfig    `mapstructure:"bulk"`
	Session SessionConfig `mapstructure:"session"`
	Log     LogConfig     `mapstructure:"log"`
}

// BboltConfig configures the bbolt backend
type BboltConfig struct {
	Path string `mapstructure:"path"`
}

// EtcdConfig configures the etcd backend
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Prefix      string        `mapstructure:"prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// MaxTxnOps matches the server's --max-txn-ops
	MaxTxnOps int `mapstructure:"max_txn_ops"`
}

// EngineConfig configures the storage engine
type EngineConfig struct {
	// UniqueChecks is immediate or deferred
	UniqueChecks string `mapstructure:"unique_checks"`
	// RowFormat is tuple, protobuf or empty for the backend's preference
	RowFormat string `mapstructure:"row_format"`
}

// SchemaConfig configures the schema cache
type SchemaConfig struct {
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
	Workers         int           `mapstructure:"workers"`
}

// BulkConfig configures index rebuilds
type BulkConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// SessionConfig configures transactions
type SessionConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

// LogConfig configures logging
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

var defaults = map[string]interface{}{
	"backend":                 "bbolt",
	"bbolt.path":              "grouse.db",
	"etcd.endpoints":          []string{},
	"etcd.prefix":             "",
	"etcd.dial_timeout":       5 * time.Second,
	"etcd.max_txn_ops":        128,
	"engine.unique_checks":    "immediate",
	"engine.row_format":       "",
	"schema.reclaim_interval": time.Minute,
	"schema.workers":          2,
	"bulk.batch_size":         1000,
	"session.max_retries":     10,
	"log.level":               "info",
	"log.development":         false,
}

// Load reads the file at path, if path is not empty, then
// applies environment overrides on top of it and the defaults
func Load(path string) (Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("could not read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config

	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("could not decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

// Validate checks values that have a fixed set of choices or bounds
func (config Config) Validate() error {
	switch config.Backend {
	case "bbolt":
		if config.Bbolt.Path == "" {
			return fmt.Errorf("bbolt.path is required")
		}
	case "etcd":
		if len(config.Etcd.Endpoints) == 0 {
			return fmt.Errorf("etcd.endpoints is required")
		}
	case "memory", "memory-deferred":
	default:
		return fmt.Errorf("unknown backend %q", config.Backend)
	}

	switch strings.ToLower(config.Engine.UniqueChecks) {
	case "", "immediate", "deferred":
	default:
		return fmt.Errorf("engine.unique_checks must be immediate or deferred, got %q", config.Engine.UniqueChecks)
	}

	switch config.Engine.RowFormat {
	case "", "tuple", "protobuf":
	default:
		return fmt.Errorf("engine.row_format must be tuple or protobuf, got %q", config.Engine.RowFormat)
	}

	if config.Schema.Workers < 0 || config.Bulk.BatchSize < 0 || config.Session.MaxRetries < 0 || config.Etcd.MaxTxnOps < 0 {
		return fmt.Errorf("schema.workers, bulk.batch_size, session.max_retries and etcd.max_txn_ops must not be negative")
	}

	return nil
}
