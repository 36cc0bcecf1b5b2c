package config

import (
	"fmt"
	"time"
)

// Config represents an auditd.yaml configuration file.
// CLI flags always override config values.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	LLM       LLMConfig       `yaml:"llm"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Queues    QueuesConfig    `yaml:"queues"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retention RetentionConfig `yaml:"retention"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig holds the Redis broker settings.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// StorageConfig holds the object-store settings.
type StorageConfig struct {
	Bucket      string `yaml:"bucket"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// SandboxConfig holds the external runner settings.
type SandboxConfig struct {
	URL string `yaml:"url"`
}

// LLMConfig holds the completion API settings and model defaults for new
// audit runs.
type LLMConfig struct {
	APIKey        string `yaml:"api_key"`
	PrimaryModel  string `yaml:"primary_model"`
	FallbackModel string `yaml:"fallback_model"`
	MaxTokens     int    `yaml:"max_tokens,omitempty"`
}

// IngestConfig bounds what an upload may expand to.
type IngestConfig struct {
	MaxFiles int   `yaml:"max_files"`
	MaxBytes int64 `yaml:"max_bytes"`
}

// QueuesConfig holds per-queue worker ceilings, keyed by queue name.
type QueuesConfig struct {
	Concurrency map[string]int `yaml:"concurrency,omitempty"`
}

// RateLimitConfig holds the sliding-window submission limiter settings.
type RateLimitConfig struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

// RetentionConfig holds the artifact retention settings.
type RetentionConfig struct {
	Days int `yaml:"days"`
}

// NotifyConfig holds completion notifier settings. Both adapters are
// optional; an empty section disables the adapter.
type NotifyConfig struct {
	Webhook WebhookConfig `yaml:"webhook,omitempty"`
	Redis   RedisNotify   `yaml:"redis,omitempty"`
}

// WebhookConfig holds the webhook notifier settings.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// RedisNotify holds the Redis pub/sub notifier settings.
type RedisNotify struct {
	Channel string `yaml:"channel,omitempty"`
}

// MetricsConfig holds the Prometheus exposition settings.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
