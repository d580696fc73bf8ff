package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Token     TokenConfig     `yaml:"token"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	OTP       OTPConfig       `yaml:"otp"`
	Janitor   JanitorConfig   `yaml:"janitor"`
	Audit     AuditConfig     `yaml:"audit"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	IPRateBurst     int           `yaml:"ip_rate_burst"`
	IPRatePerSecond int           `yaml:"ip_rate_per_second"`
	// TrustProxyHeaders makes the server believe X-Forwarded-For. Enable
	// only behind a trusted reverse proxy.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig selects the Redis-backed rate-limit store when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig enables the NATS audit fan-out sink when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type TokenConfig struct {
	Secret        string        `yaml:"secret"`
	Issuer        string        `yaml:"issuer"`
	TTL           time.Duration `yaml:"ttl"`
	RefreshWindow time.Duration `yaml:"refresh_window"`
}

type RateLimitConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Window      time.Duration `yaml:"window"`
	Cooldown    time.Duration `yaml:"cooldown"`
	// Suspicious-activity heuristic: distinct sources per identifier inside Window.
	MaxDistinctIPs        int `yaml:"max_distinct_ips"`
	MaxDistinctUserAgents int `yaml:"max_distinct_user_agents"`
}

type OTPConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type JanitorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type AuditConfig struct {
	QueueSize int `yaml:"queue_size"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
			IPRateBurst:     40,
			IPRatePerSecond: 20,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		NATS: NATSConfig{
			Subject: "skolar.audit",
		},
		Token: TokenConfig{
			Issuer:        "skolar",
			TTL:           24 * time.Hour,
			RefreshWindow: 7 * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			MaxFailures:           5,
			Window:                15 * time.Minute,
			Cooldown:              15 * time.Minute,
			MaxDistinctIPs:        5,
			MaxDistinctUserAgents: 5,
		},
		OTP: OTPConfig{
			TTL:         5 * time.Minute,
			MaxAttempts: 5,
		},
		Janitor: JanitorConfig{
			Interval: 10 * time.Minute,
		},
		Audit: AuditConfig{
			QueueSize: 1024,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides. A missing path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SKOLAR_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SKOLAR_PG_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("SKOLAR_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("SKOLAR_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("SKOLAR_TOKEN_SECRET"); v != "" {
		c.Token.Secret = v
	}
	if v := os.Getenv("SKOLAR_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Token.Secret) == "" {
		return fmt.Errorf("token secret is required (set token.secret or SKOLAR_TOKEN_SECRET)")
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("token ttl must be positive")
	}
	if c.Token.RefreshWindow < c.Token.TTL {
		return fmt.Errorf("refresh window must be at least the token ttl")
	}
	if c.RateLimit.MaxFailures <= 0 {
		return fmt.Errorf("rate limit max_failures must be positive")
	}
	return nil
}
