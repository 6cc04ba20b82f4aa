package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models boostline.yml.
type Config struct {
	Marketplace struct {
		ID string `yaml:"id"`
	} `yaml:"marketplace"`
	Actions struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"actions"`
	Reservation struct {
		// WindowMinutes is the single canonical reservation window. The
		// claim deadline is reserved_at + this window.
		WindowMinutes int `yaml:"window_minutes"`
		// MaxPendingPerUser caps a user's outstanding pending claims.
		MaxPendingPerUser int `yaml:"max_pending_per_user"`
	} `yaml:"reservation"`
	Sweep struct {
		IntervalMinutes int `yaml:"interval_minutes"`
		// TickBudgetSeconds bounds a single sweep pass so a slow sweep
		// cannot starve claim/submit traffic.
		TickBudgetSeconds int `yaml:"tick_budget_seconds"`
		BatchLimit        int `yaml:"batch_limit"`
	} `yaml:"sweep"`
	Throttle struct {
		// RedisAddr enables the claim-attempt throttle when set.
		RedisAddr     string `yaml:"redis_addr"`
		MaxAttempts   int    `yaml:"max_attempts"`
		WindowSeconds int    `yaml:"window_seconds"`
	} `yaml:"throttle"`
}

// Window returns the reservation window as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.Reservation.WindowMinutes) * time.Minute
}

// SweepInterval returns the sweeper tick interval.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalMinutes) * time.Minute
}

// TickBudget returns the per-tick time budget for a sweep pass.
func (c *Config) TickBudget() time.Duration {
	return time.Duration(c.Sweep.TickBudgetSeconds) * time.Second
}

// KnownAction reports whether kind is in the configured catalog.
func (c *Config) KnownAction(kind string) bool {
	_, ok := c.Actions.Catalog[kind]
	return ok
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Marketplace.ID == "" {
		return fmt.Errorf("config.marketplace.id is required")
	}
	if len(c.Actions.Catalog) == 0 {
		return fmt.Errorf("config.actions.catalog is required")
	}
	for kind := range c.Actions.Catalog {
		if kind == "" {
			return fmt.Errorf("config.actions.catalog contains empty kind")
		}
	}
	if c.Reservation.WindowMinutes <= 0 {
		return fmt.Errorf("config.reservation.window_minutes must be positive")
	}
	if c.Reservation.MaxPendingPerUser <= 0 {
		return fmt.Errorf("config.reservation.max_pending_per_user must be positive")
	}
	if c.Sweep.IntervalMinutes <= 0 {
		return fmt.Errorf("config.sweep.interval_minutes must be positive")
	}
	if c.Sweep.TickBudgetSeconds <= 0 {
		return fmt.Errorf("config.sweep.tick_budget_seconds must be positive")
	}
	if c.Sweep.BatchLimit <= 0 {
		return fmt.Errorf("config.sweep.batch_limit must be positive")
	}
	if c.Throttle.RedisAddr != "" {
		if c.Throttle.MaxAttempts <= 0 {
			return fmt.Errorf("config.throttle.max_attempts must be positive when redis_addr is set")
		}
		if c.Throttle.WindowSeconds <= 0 {
			return fmt.Errorf("config.throttle.window_seconds must be positive when redis_addr is set")
		}
	}
	return nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run bl init or provide a config", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "boostline.yml")
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config for a marketplace.
func Default(marketplaceID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, marketplaceID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(marketplaceID string) string {
	return fmt.Sprintf(defaultTemplate, marketplaceID)
}

const defaultTemplate = `marketplace:
  id: %s

actions:
  catalog:
    like:
      description: "Like a post"
    follow:
      description: "Follow an account"
    view:
      description: "View a video or story"
    comment:
      description: "Leave a comment"
    share:
      description: "Share or repost"
    subscribe:
      description: "Subscribe to a channel"

reservation:
  window_minutes: 15
  max_pending_per_user: 5

sweep:
  interval_minutes: 5
  tick_budget_seconds: 30
  batch_limit: 500

throttle:
  redis_addr: ""
  max_attempts: 30
  window_seconds: 60
`
