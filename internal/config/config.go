package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Quota     QuotaConfig     `yaml:"quota"`
	Retry     RetryConfig     `yaml:"retry"`
	Routing   RoutingConfig   `yaml:"routing"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int32  `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", d.User, d.Password, d.Host, d.Port, d.Name)
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// QuotaConfig selects the backend holding the shared monthly counter.
type QuotaConfig struct {
	Backend      string `yaml:"backend"` // memory, redis or postgres
	MonthlyLimit int64  `yaml:"monthly_limit"`
	RecordKey    string `yaml:"record_key"`
}

type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
}

type RoutingConfig struct {
	// DefaultTimeout bounds the wait for response headers from providers
	// that set no timeout of their own.
	DefaultTimeout time.Duration        `yaml:"default_timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled               bool          `yaml:"enabled"`
	FailureThreshold      int           `yaml:"failure_threshold"`
	RecoveryProbeInterval time.Duration `yaml:"recovery_probe_interval"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPath string `yaml:"metrics_path"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     300 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
			MaxBodyBytes:     1 << 20,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Name:     "aigw",
			User:     "aigw",
			MaxConns: 10,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			PoolSize:  20,
			KeyPrefix: "aigw:quota:",
		},
		Quota: QuotaConfig{
			Backend:      "memory",
			MonthlyLimit: 500000,
			RecordKey:    "ai_usage",
		},
		Retry: RetryConfig{
			MaxRetries:  5,
			BaseBackoff: time.Second,
		},
		Routing: RoutingConfig{
			DefaultTimeout: 60 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:               true,
				FailureThreshold:      5,
				RecoveryProbeInterval: 30 * time.Second,
			},
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPath: "/metrics",
		},
	}
}
