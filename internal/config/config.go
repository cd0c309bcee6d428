package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ingestion engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Providers ProvidersConfig `yaml:"providers"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Retry     RetryConfig     `yaml:"retry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// Lifetime returns the configured connection lifetime as a duration.
func (c DatabaseConfig) Lifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Second
}

// RedisConfig holds Redis settings for the orphan retry queue and locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// ProvidersConfig holds per-provider webhook authentication secrets.
type ProvidersConfig struct {
	Email   EmailProviderConfig   `yaml:"email"`
	Network NetworkProviderConfig `yaml:"network"`
	Video   VideoProviderConfig   `yaml:"video"`
}

// EmailProviderConfig holds the email provider's webhook signing secret.
type EmailProviderConfig struct {
	SigningSecret string `yaml:"signing_secret"`
}

// NetworkProviderConfig holds the professional-network provider's secret.
type NetworkProviderConfig struct {
	SigningSecret string `yaml:"signing_secret"`
}

// VideoProviderConfig holds the video provider's bearer token. The video
// provider authenticates with a static token instead of an HMAC signature.
type VideoProviderConfig struct {
	BearerToken string `yaml:"bearer_token"`
}

// IngestConfig holds webhook ingestion limits.
type IngestConfig struct {
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// RetryConfig holds orphan retry queue and scheduler settings.
type RetryConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	BatchSize           int `yaml:"batch_size"`
	BaseDelaySeconds    int `yaml:"base_delay_seconds"`
	MaxDelaySeconds     int `yaml:"max_delay_seconds"`
	MaxAttempts         int `yaml:"max_attempts"`
	FallbackBufferSize  int `yaml:"fallback_buffer_size"`
}

// PollInterval returns the scheduler poll interval as a duration.
func (c RetryConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// BaseDelay returns the first retry delay as a duration.
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySeconds) * time.Second
}

// MaxDelay returns the retry delay cap as a duration.
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds) * time.Second
}

// Load reads and parses the configuration file, applying defaults. A missing
// file is not an error: env-only deployments run on defaults plus overrides.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Ingest.MaxBodyBytes == 0 {
		cfg.Ingest.MaxBodyBytes = 1 * 1024 * 1024 // 1MB; reject before signature check
	}
	if cfg.Retry.PollIntervalSeconds == 0 {
		cfg.Retry.PollIntervalSeconds = 15
	}
	if cfg.Retry.BatchSize == 0 {
		cfg.Retry.BatchSize = 100
	}
	if cfg.Retry.BaseDelaySeconds == 0 {
		cfg.Retry.BaseDelaySeconds = 30
	}
	if cfg.Retry.MaxDelaySeconds == 0 {
		cfg.Retry.MaxDelaySeconds = 3600
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 36
	}
	if cfg.Retry.FallbackBufferSize == 0 {
		cfg.Retry.FallbackBufferSize = 10000
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if v := os.Getenv("EMAIL_WEBHOOK_SECRET"); v != "" {
		cfg.Providers.Email.SigningSecret = v
	}
	if v := os.Getenv("NETWORK_WEBHOOK_SECRET"); v != "" {
		cfg.Providers.Network.SigningSecret = v
	}
	if v := os.Getenv("VIDEO_WEBHOOK_TOKEN"); v != "" {
		cfg.Providers.Video.BearerToken = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Retry.MaxAttempts = n
		}
	}

	return cfg, nil
}
