package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models reportline.yml.
type Config struct {
	Service struct {
		ID string `yaml:"id"`
	} `yaml:"service"`
	Rules struct {
		MaxConcurrentEditors int            `yaml:"max_concurrent_editors"`
		RetentionDays        int            `yaml:"retention_days"`
		TierQuotas           map[string]int `yaml:"tier_quotas"` // tier -> bytes
	} `yaml:"rules"`
	Idempotency struct {
		MaxEntries int `yaml:"max_entries"`
		TTLSeconds int `yaml:"ttl_seconds"`
	} `yaml:"idempotency"`
	Executor struct {
		MaxRetries              int   `yaml:"max_retries"`
		BaseBackoffMs           int   `yaml:"base_backoff_ms"`
		Jitter                  *bool `yaml:"jitter"`
		CircuitBreakerThreshold int   `yaml:"circuit_breaker_threshold"`
		CircuitBreakerResetMs   int   `yaml:"circuit_breaker_reset_ms"`
		QueueSize               int   `yaml:"queue_size"`
		Workers                 int   `yaml:"workers"`
	} `yaml:"executor"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// IsEnabled treats an absent enabled flag as on.
func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Matches reports whether the hook subscribes to the event type. An empty
// events list subscribes to everything.
func (w WebhookConfig) Matches(event string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.ID == "" {
		return fmt.Errorf("config.service.id is required")
	}
	if c.Rules.MaxConcurrentEditors < 1 {
		return fmt.Errorf("config.rules.max_concurrent_editors must be at least 1")
	}
	if c.Rules.RetentionDays < 0 {
		return fmt.Errorf("config.rules.retention_days must not be negative")
	}
	for tier, quota := range c.Rules.TierQuotas {
		if tier == "" {
			return fmt.Errorf("config.rules.tier_quotas contains empty tier name")
		}
		if quota < 0 {
			return fmt.Errorf("quota for tier %s must not be negative", tier)
		}
	}
	if c.Idempotency.MaxEntries < 1 {
		return fmt.Errorf("config.idempotency.max_entries must be at least 1")
	}
	if c.Idempotency.TTLSeconds < 1 {
		return fmt.Errorf("config.idempotency.ttl_seconds must be at least 1")
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("config.executor.max_retries must not be negative")
	}
	if c.Executor.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("config.executor.circuit_breaker_threshold must be at least 1")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// TierQuota returns the configured byte quota for a tier, 0 when unknown.
func (c *Config) TierQuota(tier string) int64 {
	return int64(c.Rules.TierQuotas[tier])
}

// RetentionAge returns the configured retention window as a duration.
func (c *Config) RetentionAge() time.Duration {
	return time.Duration(c.Rules.RetentionDays) * 24 * time.Hour
}

// IdempotencyTTL returns the configured cache entry lifetime.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Idempotency.TTLSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reportline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace, serviceID string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(serviceID), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default Config struct for a service.
func Default(serviceID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, serviceID))).Decode(&cfg)
	cfg.Service.ID = serviceID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceID string) string {
	return fmt.Sprintf(defaultTemplate, serviceID)
}

const defaultTemplate = `service:
  id: %s

rules:
  max_concurrent_editors: 3
  retention_days: 365
  tier_quotas:
    free: 10485760       # 10 MiB
    standard: 104857600  # 100 MiB
    premium: 1073741824  # 1 GiB

idempotency:
  max_entries: 500
  ttl_seconds: 3600

executor:
  max_retries: 3
  base_backoff_ms: 1000
  jitter: true
  circuit_breaker_threshold: 5
  circuit_breaker_reset_ms: 30000
  queue_size: 256
  workers: 4

webhooks: []
`
