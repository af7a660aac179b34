package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models agentline.yml.
type Config struct {
	Worker struct {
		HeartbeatSeconds       int `yaml:"heartbeat_seconds"`
		LeaseSeconds           int `yaml:"lease_seconds"`
		PollIntervalMillis     int `yaml:"poll_interval_ms"`
		MaxTaskDurationSeconds int `yaml:"max_task_duration_seconds"`
	} `yaml:"worker"`
	Retry struct {
		MaxAttempts    int `yaml:"max_attempts"`
		BaseDelayMilli int `yaml:"base_delay_ms"`
		MaxDelayMilli  int `yaml:"max_delay_ms"`
	} `yaml:"retry"`
	Consumer struct {
		MaxRetries     int `yaml:"max_retries"`
		BaseDelayMilli int `yaml:"base_delay_ms"`
		MaxDelayMilli  int `yaml:"max_delay_ms"`
	} `yaml:"consumer"`
	Relay struct {
		BatchSize          int `yaml:"batch_size"`
		PollIntervalMillis int `yaml:"poll_interval_ms"`
	} `yaml:"relay"`
	Router struct {
		DefaultTier   string            `yaml:"default_tier"`
		FallbackChain []string          `yaml:"fallback_chain"`
		Tiers         map[string]string `yaml:"tiers"`
		Breaker       struct {
			ErrorThreshold  int `yaml:"error_threshold"`
			WindowSeconds   int `yaml:"window_seconds"`
			CooldownSeconds int `yaml:"cooldown_seconds"`
		} `yaml:"breaker"`
	} `yaml:"router"`
	Approvals struct {
		SigningKey string `yaml:"signing_key"`
	} `yaml:"approvals"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Worker.HeartbeatSeconds <= 0 {
		return fmt.Errorf("config.worker.heartbeat_seconds must be positive")
	}
	if c.Worker.LeaseSeconds <= c.Worker.HeartbeatSeconds {
		return fmt.Errorf("config.worker.lease_seconds must exceed heartbeat_seconds")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config.retry.max_attempts must be positive")
	}
	if c.Retry.BaseDelayMilli <= 0 || c.Retry.MaxDelayMilli < c.Retry.BaseDelayMilli {
		return fmt.Errorf("config.retry delays must be positive with max >= base")
	}
	if c.Consumer.MaxRetries <= 0 {
		return fmt.Errorf("config.consumer.max_retries must be positive")
	}
	if c.Router.DefaultTier != "" {
		if _, ok := c.Router.Tiers[c.Router.DefaultTier]; !ok {
			return fmt.Errorf("config.router.default_tier %s has no model mapping", c.Router.DefaultTier)
		}
	}
	for _, tier := range c.Router.FallbackChain {
		if _, ok := c.Router.Tiers[tier]; !ok {
			return fmt.Errorf("config.router.fallback_chain references unmapped tier %s", tier)
		}
	}
	return nil
}

// HeartbeatInterval is the worker's lease renewal cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Worker.HeartbeatSeconds) * time.Second
}

// LeaseDuration is how long a lease holds without renewal.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.Worker.LeaseSeconds) * time.Second
}

// MaxTaskDuration is the wall-clock abort threshold, independent of heartbeat
// health. Zero disables the check.
func (c *Config) MaxTaskDuration() time.Duration {
	return time.Duration(c.Worker.MaxTaskDurationSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agentline.yml")
}

// Load reads and validates config from workspace, falling back to defaults if
// the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// inherit defaults before validation.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

const defaultTemplate = `worker:
  heartbeat_seconds: 30
  lease_seconds: 90
  poll_interval_ms: 500
  max_task_duration_seconds: 900

retry:
  max_attempts: 3
  base_delay_ms: 1000
  max_delay_ms: 30000

consumer:
  max_retries: 5
  base_delay_ms: 200
  max_delay_ms: 10000

relay:
  batch_size: 100
  poll_interval_ms: 500

router:
  default_tier: tier-2
  fallback_chain: [tier-2, tier-3]
  tiers:
    tier-1: opus-class
    tier-2: sonnet-class
    tier-3: haiku-class
  breaker:
    error_threshold: 5
    window_seconds: 60
    cooldown_seconds: 120
`
