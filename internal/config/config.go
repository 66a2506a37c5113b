package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultChatAPIEndpoint is the public chat API WebSocket endpoint
const DefaultChatAPIEndpoint = "wss://connect-bot.classic.blizzard.com/v1/rpc/chat"

// Config represents gateway configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Chat API connection configuration
	ChatAPI ChatAPIConfig `yaml:"chat_api"`

	// Legacy client protocol configuration
	Legacy LegacyConfig `yaml:"legacy"`

	// Liveness supervisor configuration
	Supervisor SupervisorConfig `yaml:"supervisor"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Redis configuration (session event publication)
	Redis RedisConfig `yaml:"redis"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	// Listen address for legacy clients
	ListenAddr string `yaml:"listen_addr"`

	// Health check and metrics port
	HealthCheckPort int `yaml:"health_check_port"`

	// Maximum concurrent gateway sessions
	MaxSessions int `yaml:"max_sessions"`
}

// ChatAPIConfig represents the chat API connection configuration
type ChatAPIConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Skip TLS certificate verification. Only for test endpoints.
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`

	// Dial retry configuration
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	// Circuit breaker around the dial
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// LegacyConfig represents legacy protocol configuration
type LegacyConfig struct {
	// Drop unsupported commands instead of answering with an error
	IgnoreUnsupportedCommands bool `yaml:"ignore_unsupported_commands"`

	// Run the version check handshake instead of synthesizing a pass
	VersionCheck bool `yaml:"version_check"`

	// Text encoding for strings on the wire (utf-8 or an IANA charmap name)
	TextEncoding string `yaml:"text_encoding"`

	// strict or replace
	EncodingPolicy string `yaml:"encoding_policy"`

	// Replacement for unencodable characters under the replace policy; empty drops them
	Substitution *string `yaml:"substitution"`

	// Maximum accepted frame size
	MaxPacketSize int `yaml:"max_packet_size"`

	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SupervisorConfig represents liveness supervisor configuration
type SupervisorConfig struct {
	// Tick interval
	Interval time.Duration `yaml:"interval"`

	// Legacy idle time before a ping is sent
	LegacyPingAfter time.Duration `yaml:"legacy_ping_after"`

	// Legacy idle time before the session is closed
	LegacyTimeout time.Duration `yaml:"legacy_timeout"`

	// Period of the unconditional legacy keep-alive
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`

	// Chat API idle time before the session is closed
	ChatAPITimeout time.Duration `yaml:"chat_api_timeout"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	// Maximum connections per IP address
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`

	// Connection rate limit (connections per second per IP)
	ConnectionRateLimit int `yaml:"connection_rate_limit"`
}

// RedisConfig represents Redis configuration. An empty address disables publication.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Key prefix for Redis keys and channels
	KeyPrefix string `yaml:"key_prefix"`

	// Connection pool configuration
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	// Jaeger collector endpoint; empty disables tracing
	JaegerEndpoint string `yaml:"jaeger_endpoint"`

	ServiceName string `yaml:"service_name"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"` // json or console

	// Debug makes handler faults fatal to the session
	Debug bool `yaml:"debug"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	var cfg Config
	setDefaults(&cfg)
	return &cfg
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set default values
	setDefaults(&cfg)

	// Validate configuration
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration after command-line overrides
func Validate(cfg *Config) error {
	return validateConfig(cfg)
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	// Validate server configuration
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if cfg.Server.HealthCheckPort < 0 || cfg.Server.HealthCheckPort > 65535 {
		return fmt.Errorf("server.health_check_port must be between 0 and 65535")
	}
	if cfg.Server.MaxSessions <= 0 {
		return fmt.Errorf("server.max_sessions must be greater than 0")
	}

	// Validate chat API configuration
	if cfg.ChatAPI.DialTimeout <= 0 {
		return fmt.Errorf("chat_api.dial_timeout must be greater than 0")
	}
	if cfg.ChatAPI.MaxRetries <= 0 {
		return fmt.Errorf("chat_api.max_retries must be greater than 0")
	}
	if cfg.ChatAPI.BreakerFailures <= 0 {
		return fmt.Errorf("chat_api.breaker_failures must be greater than 0")
	}

	// Validate legacy configuration
	switch cfg.Legacy.EncodingPolicy {
	case "strict", "replace":
	default:
		return fmt.Errorf("legacy.encoding_policy must be strict or replace, got %q", cfg.Legacy.EncodingPolicy)
	}
	if cfg.Legacy.MaxPacketSize < 0 {
		return fmt.Errorf("legacy.max_packet_size must not be negative")
	}

	// Validate supervisor configuration
	sup := cfg.Supervisor
	if sup.Interval <= 0 {
		return fmt.Errorf("supervisor.interval must be greater than 0")
	}
	if sup.LegacyPingAfter >= sup.LegacyTimeout {
		return fmt.Errorf("supervisor.legacy_ping_after must be less than supervisor.legacy_timeout")
	}

	// Validate log configuration
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	switch cfg.Log.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("log.encoding must be json or console, got %q", cfg.Log.Encoding)
	}

	// Validate graceful shutdown timeout
	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":6112"
	}

	if cfg.Server.HealthCheckPort == 0 {
		cfg.Server.HealthCheckPort = 9090
	}

	if cfg.Server.MaxSessions == 0 {
		cfg.Server.MaxSessions = 1000
	}

	if cfg.ChatAPI.Endpoint == "" {
		cfg.ChatAPI.Endpoint = DefaultChatAPIEndpoint
	}

	if cfg.ChatAPI.DialTimeout == 0 {
		cfg.ChatAPI.DialTimeout = 10 * time.Second
	}

	if cfg.ChatAPI.WriteTimeout == 0 {
		cfg.ChatAPI.WriteTimeout = 10 * time.Second
	}

	if cfg.ChatAPI.MaxRetries == 0 {
		cfg.ChatAPI.MaxRetries = 2
	}

	if cfg.ChatAPI.RetryDelay == 0 {
		cfg.ChatAPI.RetryDelay = 500 * time.Millisecond
	}

	if cfg.ChatAPI.BreakerFailures == 0 {
		cfg.ChatAPI.BreakerFailures = 5
	}

	if cfg.ChatAPI.BreakerTimeout == 0 {
		cfg.ChatAPI.BreakerTimeout = 30 * time.Second
	}

	if cfg.Legacy.TextEncoding == "" {
		cfg.Legacy.TextEncoding = "utf-8"
	}

	if cfg.Legacy.EncodingPolicy == "" {
		cfg.Legacy.EncodingPolicy = "replace"
	}

	if cfg.Legacy.Substitution == nil {
		sub := "?"
		cfg.Legacy.Substitution = &sub
	}

	if cfg.Legacy.WriteTimeout == 0 {
		cfg.Legacy.WriteTimeout = 10 * time.Second
	}

	if cfg.Supervisor.Interval == 0 {
		cfg.Supervisor.Interval = 10 * time.Second
	}

	if cfg.Supervisor.LegacyPingAfter == 0 {
		cfg.Supervisor.LegacyPingAfter = 30 * time.Second
	}

	if cfg.Supervisor.LegacyTimeout == 0 {
		cfg.Supervisor.LegacyTimeout = 90 * time.Second
	}

	if cfg.Supervisor.KeepAliveInterval == 0 {
		cfg.Supervisor.KeepAliveInterval = 60 * time.Second
	}

	if cfg.Supervisor.ChatAPITimeout == 0 {
		cfg.Supervisor.ChatAPITimeout = 30 * time.Second
	}

	// Security defaults
	if cfg.Security.MaxConnectionsPerIP == 0 {
		cfg.Security.MaxConnectionsPerIP = 10
	}
	if cfg.Security.ConnectionRateLimit == 0 {
		cfg.Security.ConnectionRateLimit = 5
	}

	// Redis defaults only matter once an address is configured
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "capi-gateway:"
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}

	if cfg.Redis.MinIdleConns == 0 {
		cfg.Redis.MinIdleConns = 2
	}

	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}

	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 3 * time.Second
	}

	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 3 * time.Second
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "capi-gateway"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Log.Encoding == "" {
		cfg.Log.Encoding = "json"
	}

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}
}
