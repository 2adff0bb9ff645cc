package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"adpilot/internal/domain"
)

const FileName = "adpilot.yml"

// Config models adpilot.yml. Secrets are never stored in the file; the
// *_env keys name the environment variables that hold them.
type Config struct {
	Agent struct {
		BaseURL      string   `yaml:"base_url"`
		TokenEnv     string   `yaml:"token_env"`
		ReadTimeout  string   `yaml:"read_timeout"`
		WriteTimeout string   `yaml:"write_timeout"`
		MinorUnits   *bool    `yaml:"minor_units"`
		Windows      []string `yaml:"windows"`
	} `yaml:"agent"`
	Optimizer struct {
		TargetCPA         *float64          `yaml:"target_cpa"`
		TargetROAS        *float64          `yaml:"target_roas"`
		AccountAverageCPA *float64          `yaml:"account_average_cpa"`
		BaselineWindow    string            `yaml:"baseline_window"`
		TrendBand         float64           `yaml:"trend_band"`
		Thresholds        domain.Thresholds `yaml:"thresholds"`
	} `yaml:"optimizer"`
	Generator struct {
		Provider  string `yaml:"provider"`
		Model     string `yaml:"model"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"generator"`
	Server struct {
		Addr         string `yaml:"addr"`
		BasePath     string `yaml:"base_path"`
		JWTSecretEnv string `yaml:"jwt_secret_env"`
	} `yaml:"server"`
	Rules struct {
		DatePreset string `yaml:"date_preset"`
	} `yaml:"rules"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook receives rule events. An empty Events list means every rule.* event.
type Webhook struct {
	URL       string   `yaml:"url"`
	SecretEnv string   `yaml:"secret_env"`
	Events    []string `yaml:"events"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with adpilot config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
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
	return filepath.Join(workspace, FileName)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML overlays raw YAML on the defaults and validates the result.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Agent.BaseURL == "" {
		return fmt.Errorf("config.agent.base_url is required")
	}
	if u, err := url.Parse(c.Agent.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.agent.base_url %q is not an absolute URL", c.Agent.BaseURL)
	}
	for _, d := range []struct{ key, val string }{
		{"agent.read_timeout", c.Agent.ReadTimeout},
		{"agent.write_timeout", c.Agent.WriteTimeout},
	} {
		if d.val == "" {
			continue
		}
		if v, err := time.ParseDuration(d.val); err != nil || v <= 0 {
			return fmt.Errorf("config.%s must be a positive duration, got %q", d.key, d.val)
		}
	}
	for _, w := range c.Agent.Windows {
		if !domain.ValidDatePreset(w) {
			return fmt.Errorf("config.agent.windows contains unknown date preset %q", w)
		}
	}
	if c.Rules.DatePreset != "" && !domain.ValidDatePreset(c.Rules.DatePreset) {
		return fmt.Errorf("config.rules.date_preset %q is not a known date preset", c.Rules.DatePreset)
	}
	for _, p := range []struct {
		key string
		val *float64
	}{
		{"target_cpa", c.Optimizer.TargetCPA},
		{"target_roas", c.Optimizer.TargetROAS},
		{"account_average_cpa", c.Optimizer.AccountAverageCPA},
	} {
		if p.val != nil && *p.val <= 0 {
			return fmt.Errorf("config.optimizer.%s must be positive", p.key)
		}
	}
	if c.Optimizer.TrendBand < 0 || c.Optimizer.TrendBand >= 1 {
		return fmt.Errorf("config.optimizer.trend_band must be in [0,1)")
	}
	if p := c.Generator.Provider; p != "" && p != "gemini" {
		return fmt.Errorf("config.generator.provider %q is not supported", p)
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, w := range c.Webhooks {
		u, err := url.Parse(w.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
	}
	return nil
}

func (c *Config) ReadTimeout() time.Duration {
	return duration(c.Agent.ReadTimeout, 30*time.Second)
}

func (c *Config) WriteTimeout() time.Duration {
	return duration(c.Agent.WriteTimeout, 10*time.Second)
}

// MinorUnits defaults to true: the agent reports budgets in cents.
func (c *Config) MinorUnits() bool {
	return c.Agent.MinorUnits == nil || *c.Agent.MinorUnits
}

// AgentToken reads the agent bearer token from the configured env var.
func (c *Config) AgentToken() string { return envValue(c.Agent.TokenEnv) }

func (c *Config) GeneratorAPIKey() string { return envValue(c.Generator.APIKeyEnv) }

func (c *Config) JWTSecret() string { return envValue(c.Server.JWTSecretEnv) }

func (w Webhook) Secret() string { return envValue(w.SecretEnv) }

// ModuleConfig is the detector configuration derived from the optimizer section.
func (c *Config) ModuleConfig() domain.ModuleConfig {
	return domain.ModuleConfig{
		TargetCPA:         c.Optimizer.TargetCPA,
		TargetROAS:        c.Optimizer.TargetROAS,
		AccountAverageCPA: c.Optimizer.AccountAverageCPA,
		Thresholds:        c.Optimizer.Thresholds.WithDefaults(),
	}
}

// DatePreset is the insights period used when a rule names none.
func (c *Config) DatePreset() string {
	if c.Rules.DatePreset == "" {
		return "last_7d"
	}
	return c.Rules.DatePreset
}

func duration(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envValue(name string) string {
	if name == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}

const defaultTemplate = `agent:
  base_url: http://localhost:8000
  token_env: ADPILOT_AGENT_TOKEN
  read_timeout: 30s
  write_timeout: 10s
  minor_units: true
  windows: [last_7d, last_30d]

optimizer:
  baseline_window: last_30d
  trend_band: 0.05
  thresholds:
    waste_multiplier: 2
    cost_multiplier: 2
    learning_days: 7
    fatigue_frequency: 4
    engagement_drop: 0.2
    thumbstop_baseline: 25
    min_impressions: 1000
    max_drop_off: 50
    min_link_clicks: 50
    budget_saturation: 0.95
    scale_step: 0.2
    segment_cpa_gap: 2

generator:
  provider: gemini
  model: gemini-1.5-flash
  api_key_env: GEMINI_API_KEY

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret_env: ADPILOT_JWT_SECRET

rules:
  date_preset: last_7d

webhooks: []
`
