package config

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/raaihank/moltshield/internal/vault"
)

// Load loads configuration from file and environment variables. Every key
// can be overridden with MOLTSHIELD_<SECTION>_<KEY>, for example
// MOLTSHIELD_VAULT_BACKEND=redis.
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Seed every key from the defaults so that env overrides apply even when
	// the config file does not mention a key.
	defaults, err := yaml.Marshal(GetDefaults())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/moltshield/")
	v.AddConfigPath("$HOME/.moltshield/")

	// Environment variable overrides
	v.SetEnvPrefix("MOLTSHIELD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Use specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.MergeInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if !vault.ValidPrefix(config.Masking.Prefix) {
		return fmt.Errorf("invalid masking prefix: %q (must be letters or digits ending in an underscore)", config.Masking.Prefix)
	}

	if _, err := regexp.Compile(config.Masking.ValuePattern); err != nil {
		return fmt.Errorf("invalid masking value_pattern: %w", err)
	}

	switch config.Vault.Backend {
	case vault.BackendFile:
		if config.Vault.Dir == "" {
			return fmt.Errorf("vault.dir is required for the file backend")
		}
	case vault.BackendRedis:
		if config.Vault.Redis.URL == "" {
			return fmt.Errorf("vault.redis.url is required for the redis backend")
		}
	case vault.BackendPostgres:
		if config.Vault.Postgres.DatabaseURL == "" {
			return fmt.Errorf("vault.postgres.database_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid vault backend: %s (must be file, redis, or postgres)", config.Vault.Backend)
	}

	if config.RateLimit.Enabled && (config.RateLimit.RequestsPerSecond <= 0 || config.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit requires positive requests_per_second and burst")
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch reloads configPath on change and hands each valid configuration to
// callback. Invalid edits are logged and ignored.
func Watch(configPath string, logger *zap.Logger, callback func(*Config)) error {
	v, err := newViper(configPath)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		// Re-read from scratch; viper's own reload drops the merged defaults.
		fresh, err := newViper(configPath)
		if err != nil {
			logger.Warn("Ignoring unreadable configuration change",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		newConfig, err := decode(fresh)
		if err != nil {
			logger.Warn("Ignoring invalid configuration change",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		logger.Info("Configuration reloaded", zap.String("file", e.Name))
		callback(newConfig)
	})
	v.WatchConfig()
	return nil
}
