package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	activeMu sync.Mutex
	active   *viper.Viper
)

// envBound lists keys that may be set from the environment even when the
// config file does not mention them
var envBound = []string{
	"server.port",
	"detection.threshold",
	"model.enabled",
	"model.host",
	"model.model",
	"model.timeout",
	"tokenization.algorithm",
	"storage.database_url",
	"cache.redis_url",
	"logging.level",
	"logging.format",
	"websocket.username",
	"websocket.password",
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Set defaults
	config := GetDefaults()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/pii-sentinel/")
	v.AddConfigPath("$HOME/.pii-sentinel/")

	// Environment variable overrides
	v.SetEnvPrefix("PII_SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envBound {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	// Use specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	activeMu.Lock()
	active = v
	activeMu.Unlock()

	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Detection.Threshold < 0 || config.Detection.Threshold > 1 {
		return fmt.Errorf("invalid detection threshold: %v (must be between 0 and 1)", config.Detection.Threshold)
	}

	if config.Model.Enabled {
		if config.Model.Host == "" || config.Model.Model == "" {
			return fmt.Errorf("model host and name are required when the model detector is enabled")
		}
		if config.Model.SampleLimit <= 0 {
			return fmt.Errorf("invalid model sample limit: %d", config.Model.SampleLimit)
		}
		if config.Model.RelocationWindow < 0 {
			return fmt.Errorf("invalid model relocation window: %d", config.Model.RelocationWindow)
		}
	}

	switch config.Tokenization.Algorithm {
	case "", "aes-256-gcm", "chacha20-poly1305":
	default:
		return fmt.Errorf("invalid tokenization algorithm: %s (must be aes-256-gcm or chacha20-poly1305)", config.Tokenization.Algorithm)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.RateLimit.Enabled && (config.RateLimit.RequestsPerSecond <= 0 || config.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit requires positive requests_per_second and burst")
	}

	return nil
}

// Watch starts watching the configuration file loaded by the last call to
// Load. callback receives every valid new configuration; onError receives
// reload failures and may be nil.
func Watch(callback func(*Config), onError func(error)) error {
	activeMu.Lock()
	v := active
	activeMu.Unlock()

	if v == nil {
		return fmt.Errorf("configuration has not been loaded")
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("no configuration file to watch")
	}

	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := v.Unmarshal(newConfig); err != nil {
			report(fmt.Errorf("failed to reload %s: %w", e.Name, err))
			return
		}

		if err := validateConfig(newConfig); err != nil {
			report(fmt.Errorf("ignoring invalid configuration in %s: %w", e.Name, err))
			return
		}

		callback(newConfig)
	})
	v.WatchConfig()

	return nil
}
