package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Detection    DetectionConfig    `yaml:"detection" mapstructure:"detection"`
	Model        ModelConfig        `yaml:"model" mapstructure:"model"`
	Tokenization TokenizationConfig `yaml:"tokenization" mapstructure:"tokenization"`
	Storage      StorageConfig      `yaml:"storage" mapstructure:"storage"`
	Cache        CacheConfig        `yaml:"cache" mapstructure:"cache"`
	Logging      LoggingConfig      `yaml:"logging" mapstructure:"logging"`
	WebSocket    WebSocketConfig    `yaml:"websocket" mapstructure:"websocket"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// DetectionConfig controls the pattern rules and the aggregation threshold
type DetectionConfig struct {
	Threshold  float64       `yaml:"threshold" mapstructure:"threshold"`
	Rules      []string      `yaml:"rules" mapstructure:"rules"`
	RunTimeout time.Duration `yaml:"run_timeout" mapstructure:"run_timeout"` // bounds one background document run
}

// ModelConfig contains the generation service used by the model detector
type ModelConfig struct {
	Enabled          bool          `yaml:"enabled" mapstructure:"enabled"`
	Host             string        `yaml:"host" mapstructure:"host"`
	Model            string        `yaml:"model" mapstructure:"model"`
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
	SampleLimit      int           `yaml:"sample_limit" mapstructure:"sample_limit"`
	RelocationWindow int           `yaml:"relocation_window" mapstructure:"relocation_window"`
	Temperature      float64       `yaml:"temperature" mapstructure:"temperature"`
	TopP             float64       `yaml:"top_p" mapstructure:"top_p"`
	NumPredict       int           `yaml:"num_predict" mapstructure:"num_predict"`
}

// TokenizationConfig selects the AEAD suite
type TokenizationConfig struct {
	Algorithm string `yaml:"algorithm" mapstructure:"algorithm"` // aes-256-gcm or chacha20-poly1305
}

// StorageConfig contains PostgreSQL settings. An empty URL disables storage.
type StorageConfig struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// CacheConfig contains Redis settings. An empty URL disables caching.
type CacheConfig struct {
	RedisURL  string        `yaml:"redis_url" mapstructure:"redis_url"`
	TTL       time.Duration `yaml:"ttl" mapstructure:"ttl"`
	KeyPrefix string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	LockTTL   time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
		Path     string `yaml:"path" mapstructure:"path"`
		MaxSize  int    `yaml:"max_size" mapstructure:"max_size"`
		MaxAge   int    `yaml:"max_age" mapstructure:"max_age"`
		Compress bool   `yaml:"compress" mapstructure:"compress"`
	} `yaml:"file" mapstructure:"file"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Path            string        `yaml:"path" mapstructure:"path"`
	MaxConnections  int           `yaml:"max_connections" mapstructure:"max_connections"`
	ReadBufferSize  int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout" mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxMessageSize  int64         `yaml:"max_message_size" mapstructure:"max_message_size"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	Username        string        `yaml:"username" mapstructure:"username"`
	Password        string        `yaml:"password" mapstructure:"password"`
	Events          struct {
		BroadcastDetections    bool `yaml:"broadcast_detections" mapstructure:"broadcast_detections"`
		BroadcastTokenizations bool `yaml:"broadcast_tokenizations" mapstructure:"broadcast_tokenizations"`
		BroadcastSystem        bool `yaml:"broadcast_system" mapstructure:"broadcast_system"`
		BroadcastConnections   bool `yaml:"broadcast_connections" mapstructure:"broadcast_connections"`
	} `yaml:"events" mapstructure:"events"`
}

// RateLimitConfig bounds request throughput per client address
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    10 << 20,
		},
		Detection: DetectionConfig{
			Threshold:  0.7,
			Rules:      []string{"all"},
			RunTimeout: 5 * time.Minute,
		},
		Model: ModelConfig{
			Enabled:          true,
			Host:             "http://localhost:11434",
			Model:            "gemma3",
			Timeout:          60 * time.Second,
			SampleLimit:      2000,
			RelocationWindow: 256,
			Temperature:      0.1,
			TopP:             0.9,
			NumPredict:       1000,
		},
		Tokenization: TokenizationConfig{
			Algorithm: "aes-256-gcm",
		},
		Storage: StorageConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Cache: CacheConfig{
			TTL:       24 * time.Hour,
			KeyPrefix: "pii-sentinel:",
			LockTTL:   10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			Enabled:         true,
			Path:            "/ws",
			MaxConnections:  100,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    54 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageSize:  512,
			AllowedOrigins:  []string{"*"}, // Allow all origins for development
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}

	cfg.Logging.File.Path = "logs/pii-sentinel.log"
	cfg.Logging.File.MaxSize = 100 // MB
	cfg.Logging.File.MaxAge = 30   // days
	cfg.Logging.File.Compress = true

	cfg.WebSocket.Events.BroadcastDetections = true
	cfg.WebSocket.Events.BroadcastTokenizations = true
	cfg.WebSocket.Events.BroadcastSystem = true
	cfg.WebSocket.Events.BroadcastConnections = true

	return cfg
}
