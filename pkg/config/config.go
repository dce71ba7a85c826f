// Package config builds the immutable service configuration at startup
// from environment variables plus an optional YAML file. Nothing mutates a
// Config after Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full control-plane configuration.
type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
	Environment string `yaml:"environment"` // "production", "staging", "test"

	Token        TokenConfig        `yaml:"token"`
	Approval     ApprovalConfig     `yaml:"approval"`
	Retry        RetryConfig        `yaml:"retry"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	EventBus     EventBusConfig     `yaml:"event_bus"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency"`
	Crypto       CryptoConfig       `yaml:"crypto"`
	ToolRuntime  ToolRuntimeConfig  `yaml:"tool_runtime"`
	WORM         WORMConfig         `yaml:"worm"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

type TokenConfig struct {
	MaxTTLSeconds int `yaml:"max_ttl_seconds"`
}

type ApprovalConfig struct {
	DefaultDeadlineSeconds int `yaml:"default_deadline_seconds"`
}

type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelayMS int     `yaml:"base_delay_ms"`
	MaxDelayMS  int     `yaml:"max_delay_ms"`
	JitterRatio float64 `yaml:"jitter_ratio"`
}

func (r RetryConfig) BaseDelay() time.Duration { return time.Duration(r.BaseDelayMS) * time.Millisecond }
func (r RetryConfig) MaxDelay() time.Duration  { return time.Duration(r.MaxDelayMS) * time.Millisecond }

type OrchestratorConfig struct {
	MaxConcurrentRunsPerTenant int `yaml:"max_concurrent_runs_per_tenant"`
}

type EventBusConfig struct {
	StreamRetentionDays int    `yaml:"stream_retention_days"`
	MaxDeliver          int    `yaml:"max_deliver"`
	DLQSubject          string `yaml:"dlq_subject"`
}

type IdempotencyConfig struct {
	RecordTTLHours int `yaml:"record_ttl_hours"`
}

type CryptoConfig struct {
	// SigningKeyRef is an opaque reference resolved via the secrets
	// collaborator (env var name, file path, or KMS URI).
	SigningKeyRef string `yaml:"signing_key_ref"`
}

type ToolRuntimeConfig struct {
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"` // gRPC, e.g. "localhost:4317"
	SampleRate   float64 `yaml:"sample_rate"`
	Insecure     bool    `yaml:"insecure"`
}

type WORMConfig struct {
	// Sink is "s3", "gcs", "file", or "" (disabled).
	Sink   string `yaml:"sink"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Dir    string `yaml:"dir"` // file sink only
}

// Load reads configuration from the environment, overlaying an optional
// YAML file named by ANUMATE_CONFIG. Validation failures are fatal at
// startup, never at request time.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("ANUMATE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	overlayEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:        "8080",
		LogLevel:    "INFO",
		DatabaseURL: "postgres://anumate@localhost:5432/anumate?sslmode=disable",
		Environment: "production",
		Token:       TokenConfig{MaxTTLSeconds: 300},
		Approval:    ApprovalConfig{DefaultDeadlineSeconds: 3600},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMS: 200,
			MaxDelayMS:  5000,
			JitterRatio: 0.2,
		},
		Orchestrator: OrchestratorConfig{MaxConcurrentRunsPerTenant: 16},
		EventBus: EventBusConfig{
			StreamRetentionDays: 7,
			MaxDeliver:          5,
			DLQSubject:          "events.dlq",
		},
		Idempotency: IdempotencyConfig{RecordTTLHours: 24},
		ToolRuntime: ToolRuntimeConfig{TimeoutSeconds: 30},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

func overlayEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("ANUMATE_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("SIGNING_KEY_REF"); v != "" {
		cfg.Crypto.SigningKeyRef = v
	}
	if v := os.Getenv("TOOL_RUNTIME_ENDPOINT"); v != "" {
		cfg.ToolRuntime.Endpoint = v
	}
	if v := os.Getenv("TOKEN_MAX_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Token.MaxTTLSeconds = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_RUNS_PER_TENANT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxConcurrentRunsPerTenant = n
		}
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.OTLPEndpoint = v
	}
}

func (c *Config) validate() error {
	if c.Token.MaxTTLSeconds <= 0 || c.Token.MaxTTLSeconds > 300 {
		return fmt.Errorf("config: token.max_ttl_seconds must be in (0, 300], got %d", c.Token.MaxTTLSeconds)
	}
	if c.Idempotency.RecordTTLHours < 24 {
		return fmt.Errorf("config: idempotency.record_ttl_hours must be >= 24, got %d", c.Idempotency.RecordTTLHours)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.max_attempts must be >= 1")
	}
	if c.Retry.JitterRatio < 0 || c.Retry.JitterRatio > 1 {
		return fmt.Errorf("config: retry.jitter_ratio must be in [0, 1]")
	}
	if c.EventBus.MaxDeliver < 1 {
		return fmt.Errorf("config: event_bus.max_deliver must be >= 1")
	}
	return nil
}
