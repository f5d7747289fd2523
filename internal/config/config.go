package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"agentboard/internal/domain"
)

// Config models agentboard.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Routing struct {
		DefaultType         string `yaml:"default_type"`
		ExcludeOffline      bool   `yaml:"exclude_offline"`
		StuckThresholdMins  int    `yaml:"stuck_threshold_minutes"`
		SweepIntervalMins   int    `yaml:"sweep_interval_minutes"`
		NotifyOnAssign      bool   `yaml:"notify_on_assign"`
		AutoProvisionAgents bool   `yaml:"auto_provision_agents"`
	} `yaml:"routing"`
	Monitor struct {
		CapacityPerAgent       int     `yaml:"capacity_per_agent"`
		UtilizationThreshold   float64 `yaml:"utilization_threshold"`
		SampleIntervalSeconds  int     `yaml:"sample_interval_seconds"`
		DeliveryFailureWindowM int     `yaml:"delivery_failure_window_minutes"`
	} `yaml:"monitor"`
	Delivery struct {
		MaxAttempts       int     `yaml:"max_attempts"`
		BackoffMultiplier float64 `yaml:"backoff_multiplier"`
		InitialDelayMS    int     `yaml:"initial_delay_ms"`
		TimeoutSeconds    int     `yaml:"timeout_seconds"`
	} `yaml:"delivery"`
	Bus struct {
		MessageTTLMins int `yaml:"message_ttl_minutes"`
	} `yaml:"bus"`
	Profiles map[string]Profile `yaml:"profiles"`
}

// Profile describes one agent type: what it can do and which task keywords
// pull work toward it. Rank orders tie-breaks during scoring (lower wins).
type Profile struct {
	Rank         int      `yaml:"rank"`
	Capabilities []string `yaml:"capabilities"`
	Keywords     []string `yaml:"keywords"`
}

// StuckThreshold returns the configured stuck-task threshold as a duration.
func (c *Config) StuckThreshold() time.Duration {
	return time.Duration(c.Routing.StuckThresholdMins) * time.Minute
}

// SampleInterval returns the monitor sampling interval.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Monitor.SampleIntervalSeconds) * time.Second
}

// MessageTTL returns how long an unconsumed bus message is held.
func (c *Config) MessageTTL() time.Duration {
	return time.Duration(c.Bus.MessageTTLMins) * time.Minute
}

// ProfileTable flattens the profiles map into a deterministic, rank-ordered
// slice for the router's scoring pass.
func (c *Config) ProfileTable() []domain.TypeProfile {
	out := make([]domain.TypeProfile, 0, len(c.Profiles))
	for name, p := range c.Profiles {
		out = append(out, domain.TypeProfile{
			Type:         name,
			Rank:         p.Rank,
			Capabilities: p.Capabilities,
			Keywords:     p.Keywords,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with ab project init", path)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Profiles) == 0 {
		return fmt.Errorf("config.profiles is required")
	}
	if c.Routing.DefaultType == "" {
		return fmt.Errorf("config.routing.default_type is required")
	}
	if _, ok := c.Profiles[c.Routing.DefaultType]; !ok {
		return fmt.Errorf("default type %s has no profile", c.Routing.DefaultType)
	}
	for name, p := range c.Profiles {
		if name == "" {
			return fmt.Errorf("config.profiles contains empty type name")
		}
		if len(p.Keywords) == 0 {
			return fmt.Errorf("profile %s has no keywords", name)
		}
		for _, kw := range p.Keywords {
			if kw == "" {
				return fmt.Errorf("profile %s has empty keyword", name)
			}
		}
	}
	if c.Routing.StuckThresholdMins <= 0 {
		return fmt.Errorf("config.routing.stuck_threshold_minutes must be positive")
	}
	if c.Monitor.CapacityPerAgent <= 0 {
		return fmt.Errorf("config.monitor.capacity_per_agent must be positive")
	}
	if c.Monitor.UtilizationThreshold <= 0 {
		return fmt.Errorf("config.monitor.utilization_threshold must be positive")
	}
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("config.delivery.max_attempts must be positive")
	}
	if c.Delivery.BackoffMultiplier < 1 {
		return fmt.Errorf("config.delivery.backoff_multiplier must be >= 1")
	}
	if c.Delivery.InitialDelayMS <= 0 {
		return fmt.Errorf("config.delivery.initial_delay_ms must be positive")
	}
	if c.Delivery.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.delivery.timeout_seconds must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agentboard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	cfg, err := FromYAML([]byte(fmt.Sprintf(defaultTemplate, projectID)))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
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

const defaultTemplate = `project:
  id: %s

routing:
  default_type: Backend
  exclude_offline: true
  stuck_threshold_minutes: 30
  sweep_interval_minutes: 10
  notify_on_assign: true
  auto_provision_agents: false

monitor:
  capacity_per_agent: 3
  utilization_threshold: 0.8
  sample_interval_seconds: 30
  delivery_failure_window_minutes: 15

delivery:
  max_attempts: 3
  backoff_multiplier: 2.0
  initial_delay_ms: 1000
  timeout_seconds: 30

bus:
  message_ttl_minutes: 60

profiles:
  Backend:
    rank: 1
    capabilities: [api-design, database, services, auth]
    keywords: [api, endpoint, server, backend, database, migration, query, auth, queue, cache, service]
  Frontend:
    rank: 2
    capabilities: [ui, components, styling]
    keywords: [ui, frontend, component, react, css, layout, styling, button, page, form]
  Testing:
    rank: 3
    capabilities: [unit-tests, e2e, regression]
    keywords: [test, tests, coverage, regression, e2e, flaky, assertion, qa]
  DevOps:
    rank: 4
    capabilities: [deploy, ci-cd, containers]
    keywords: [deploy, deployment, docker, kubernetes, pipeline, terraform, infra, provisioning, rollout]
  Documentation:
    rank: 5
    capabilities: [writing, guides]
    keywords: [docs, documentation, readme, guide, changelog, tutorial]
  Data:
    rank: 6
    capabilities: [etl, analytics]
    keywords: [etl, dataset, analytics, warehouse, ingestion, aggregation]
  Security:
    rank: 7
    capabilities: [audit, hardening]
    keywords: [vulnerability, cve, security, audit, encryption, hardening, secrets]
`
