package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Voice   VoiceConfig   `mapstructure:"voice"`
	Token   TokenConfig   `mapstructure:"token"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Quota   QuotaConfig   `mapstructure:"quota"`
	Usage   UsageConfig   `mapstructure:"usage_tracking"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// StorageConfig defines the two usage-store backends. The remote (Redis)
// store backs authenticated identities; the local store backs guests and
// acts as the degraded fallback when Redis is unreachable.
type StorageConfig struct {
	LocalPath string      `mapstructure:"local_path"`
	Redis     RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines the remote usage store connection
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// VoiceConfig defines the voice transport connection
type VoiceConfig struct {
	ServerURL      string `mapstructure:"server_url"`
	ConnectTimeout string `mapstructure:"connect_timeout"`
}

// TokenConfig defines room token issuance settings
type TokenConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	TTL       string `mapstructure:"ttl"`
}

// AuthConfig defines how already-issued login tokens are recognized.
// Issuing them is the identity provider's business, not ours.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// QuotaConfig defines the daily free-usage allotment
type QuotaConfig struct {
	DailyFreeMinutes int `mapstructure:"daily_free_minutes"`
}

// UsageConfig defines usage tracking settings
type UsageConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TALKTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")

	// Storage defaults
	v.SetDefault("storage.local_path", "/var/lib/talktime/usage.bolt")
	v.SetDefault("storage.redis.host", "127.0.0.1")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Voice defaults
	v.SetDefault("voice.server_url", "wss://voice.talktime.local")
	v.SetDefault("voice.connect_timeout", "15s")

	// Token defaults
	v.SetDefault("token.api_key", "")
	v.SetDefault("token.api_secret", "")
	v.SetDefault("token.ttl", "10m")

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")

	// Quota defaults
	v.SetDefault("quota.daily_free_minutes", 10)

	// Usage tracking defaults
	v.SetDefault("usage_tracking.retention_days", 90)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Storage.LocalPath == "" {
		return fmt.Errorf("storage local path is required")
	}
	if cfg.Storage.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if cfg.Voice.ServerURL == "" {
		return fmt.Errorf("voice server URL is required")
	}

	if cfg.Token.APIKey == "" || cfg.Token.APISecret == "" {
		return fmt.Errorf("token api_key and api_secret are required")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required")
	}

	if cfg.Quota.DailyFreeMinutes <= 0 {
		return fmt.Errorf("daily free minutes must be positive: %d", cfg.Quota.DailyFreeMinutes)
	}

	// Ensure the local storage directory exists
	storageDir := filepath.Dir(cfg.Storage.LocalPath)
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	return nil
}
