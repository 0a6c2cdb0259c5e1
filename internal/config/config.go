package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPollIntervalMS = 4000
	DefaultIssuer         = "governance"
)

// Config models governor.yml.
type Config struct {
	Governance struct {
		PollIntervalMS int    `yaml:"poll_interval_ms"`
		Issuer         string `yaml:"issuer"`
		PhaseTimeoutMS int    `yaml:"phase_timeout_ms"`
	} `yaml:"governance"`
	Scaling Scaling `yaml:"scaling"`
	RBAC    struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Relay struct {
		IntervalMS int             `yaml:"interval_ms"`
		Webhooks   []WebhookConfig `yaml:"webhooks"`
	} `yaml:"relay"`
}

// Scaling holds the drawdown escalation thresholds.
type Scaling struct {
	StepUpWinRate     float64 `yaml:"step_up_win_rate"`
	StepUpRRRatio     float64 `yaml:"step_up_rr_ratio"`
	StepUpMaxDrawdown float64 `yaml:"step_up_max_drawdown"`
	StepUpDeltaPct    float64 `yaml:"step_up_delta_pct"`
	ReduceDrawdown    float64 `yaml:"reduce_drawdown"`
	ReduceLeverage    float64 `yaml:"reduce_leverage"`
	KillDrawdown      float64 `yaml:"kill_drawdown"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL      string   `yaml:"url"`
	Secret   string   `yaml:"secret"`
	Channels []string `yaml:"channels"`
	Enabled  *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with governor config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Governance.PollIntervalMS <= 0 {
		return fmt.Errorf("governance.poll_interval_ms must be positive")
	}
	if c.Governance.PhaseTimeoutMS < 0 {
		return fmt.Errorf("governance.phase_timeout_ms must not be negative")
	}
	if strings.TrimSpace(c.Governance.Issuer) == "" {
		return fmt.Errorf("governance.issuer is required")
	}
	s := c.Scaling
	if s.ReduceDrawdown <= 0 || s.KillDrawdown <= 0 {
		return fmt.Errorf("scaling drawdown thresholds must be positive")
	}
	if s.ReduceDrawdown >= s.KillDrawdown {
		return fmt.Errorf("scaling.reduce_drawdown (%v) must be below scaling.kill_drawdown (%v)", s.ReduceDrawdown, s.KillDrawdown)
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	for i, hook := range c.Relay.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("relay.webhooks[%d].url is required", i)
		}
		if len(hook.Channels) == 0 {
			return fmt.Errorf("relay.webhooks[%d].channels is required", i)
		}
	}
	return nil
}

// PollInterval returns the governance tick spacing.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Governance.PollIntervalMS) * time.Millisecond
}

// PhaseTimeout returns the per-phase deadline; zero disables it.
func (c *Config) PhaseTimeout() time.Duration {
	return time.Duration(c.Governance.PhaseTimeoutMS) * time.Millisecond
}

// RelayInterval returns the outbox relay poll spacing.
func (c *Config) RelayInterval() time.Duration {
	if c.Relay.IntervalMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Relay.IntervalMS) * time.Millisecond
}

// RolePermissions returns the permissions granted by the named roles.
func (c *Config) RolePermissions(roles ...string) []string {
	var perms []string
	for _, r := range roles {
		if role, ok := c.RBAC.Roles[r]; ok {
			perms = append(perms, role.Permissions...)
		}
	}
	return perms
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "governor.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `governance:
  poll_interval_ms: 4000
  issuer: governance
  phase_timeout_ms: 0

scaling:
  step_up_win_rate: 0.55
  step_up_rr_ratio: 1.5
  step_up_max_drawdown: 0.03
  step_up_delta_pct: 0.01
  reduce_drawdown: 0.04
  reduce_leverage: 0.5
  kill_drawdown: 0.06

rbac:
  roles:
    admin:
      description: "Full access to governance entities"
      permissions: [governance.read, governance.write]
    operator:
      description: "Manage tasks, playbooks and metric readings"
      permissions: [governance.read, governance.write]
    viewer:
      description: "Read-only access"
      permissions: [governance.read]

relay:
  interval_ms: 2000
  webhooks: []
`
