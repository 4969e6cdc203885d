package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied by Validate when the corresponding setting is omitted.
const (
	DefaultWarningThreshold   = 0.8
	DefaultExceededThreshold  = 1.0
	DefaultMaxRetries         = 3
	DefaultRetryBackoffFactor = 2.0
	DefaultInitialRetryDelay  = 1 * time.Second
	DefaultDispatchTTL        = 10 * time.Minute
	DefaultHumanGateTimeout   = 60 * time.Minute
	DefaultSweepInterval      = 30 * time.Second
	DefaultLockTTL            = 60 * time.Second
	DefaultBudgetLockTTL      = 30 * time.Second
	DefaultDegradeCostLimit   = 50.0
)

// DefaultTierMultipliers maps quality tiers to budget cost multipliers.
var DefaultTierMultipliers = map[string]float64{
	"draft":    0.6,
	"standard": 1.0,
	"high":     1.5,
	"premium":  2.0,
}

// Duration wraps time.Duration so YAML values can be written as "30s", "10m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// GafferConfig represents the top-level gaffer.yml configuration.
type GafferConfig struct {
	Version      string              `yaml:"version"`
	Budget       BudgetConfig        `yaml:"budget"`
	Orchestrator *OrchestratorConfig `yaml:"orchestrator,omitempty"`
	Locks        *LocksConfig        `yaml:"locks,omitempty"`
	Agents       map[string]Agent    `yaml:"agents"`
}

// BudgetConfig holds budget allocation and threshold settings.
// BaseRatePerSecond has no sensible default: a missing rate is a
// configuration error surfaced at startup, not a silent zero budget.
type BudgetConfig struct {
	BaseRatePerSecond float64            `yaml:"base_rate_per_second"`
	TierMultipliers   map[string]float64 `yaml:"tier_multipliers,omitempty"`
	WarningThreshold  float64            `yaml:"warning_threshold,omitempty"`
	ExceededThreshold float64            `yaml:"exceeded_threshold,omitempty"`
}

// OrchestratorConfig holds retry, escalation and maintenance settings.
type OrchestratorConfig struct {
	MaxRetries           *int     `yaml:"max_retries,omitempty"`
	InitialRetryDelay    Duration `yaml:"initial_retry_delay,omitempty"`
	RetryBackoffFactor   float64  `yaml:"retry_backoff_factor,omitempty"`
	DegradeCostThreshold *float64 `yaml:"degrade_cost_threshold,omitempty"`
	DispatchTTL          Duration `yaml:"dispatch_ttl,omitempty"`
	HumanGateTimeout     Duration `yaml:"human_gate_timeout,omitempty"`
	SweepInterval        Duration `yaml:"sweep_interval,omitempty"`
}

// LocksConfig holds lock TTL defaults.
type LocksConfig struct {
	DefaultTTL Duration `yaml:"default_ttl,omitempty"`
	BudgetTTL  Duration `yaml:"budget_ttl,omitempty"`
}

// Agent declares a logical agent name tasks can be assigned to. The agents
// themselves run externally; this is only the dispatch contract.
type Agent struct {
	Role     string `yaml:"role"`
	Fallback string `yaml:"fallback,omitempty"` // Alternate agent used by the degrade tier
}

// Validate performs strict validation on the configuration and applies
// defaults in place. Unrecoverable configuration errors fail here, at
// startup, rather than mid-pipeline.
func (c *GafferConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Budget.BaseRatePerSecond <= 0 {
		return fmt.Errorf("budget.base_rate_per_second must be configured and positive")
	}

	if c.Budget.TierMultipliers == nil {
		c.Budget.TierMultipliers = DefaultTierMultipliers
	}
	for tier, mult := range c.Budget.TierMultipliers {
		if mult <= 0 {
			return fmt.Errorf("budget.tier_multipliers.%s must be positive, got %v", tier, mult)
		}
	}

	if c.Budget.WarningThreshold == 0 {
		c.Budget.WarningThreshold = DefaultWarningThreshold
	}
	if c.Budget.ExceededThreshold == 0 {
		c.Budget.ExceededThreshold = DefaultExceededThreshold
	}
	if c.Budget.WarningThreshold < 0 || c.Budget.WarningThreshold >= c.Budget.ExceededThreshold {
		return fmt.Errorf("budget.warning_threshold must be in [0, exceeded_threshold), got %v", c.Budget.WarningThreshold)
	}

	if c.Orchestrator == nil {
		c.Orchestrator = &OrchestratorConfig{}
	}
	if c.Orchestrator.MaxRetries == nil {
		defaultRetries := DefaultMaxRetries
		c.Orchestrator.MaxRetries = &defaultRetries
	}
	if *c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.max_retries must be >= 0, got %d", *c.Orchestrator.MaxRetries)
	}
	if c.Orchestrator.InitialRetryDelay == 0 {
		c.Orchestrator.InitialRetryDelay = Duration(DefaultInitialRetryDelay)
	}
	if c.Orchestrator.RetryBackoffFactor == 0 {
		c.Orchestrator.RetryBackoffFactor = DefaultRetryBackoffFactor
	}
	if c.Orchestrator.RetryBackoffFactor < 1 {
		return fmt.Errorf("orchestrator.retry_backoff_factor must be >= 1, got %v", c.Orchestrator.RetryBackoffFactor)
	}
	if c.Orchestrator.DegradeCostThreshold == nil {
		defaultLimit := DefaultDegradeCostLimit
		c.Orchestrator.DegradeCostThreshold = &defaultLimit
	}
	if c.Orchestrator.DispatchTTL == 0 {
		c.Orchestrator.DispatchTTL = Duration(DefaultDispatchTTL)
	}
	if c.Orchestrator.HumanGateTimeout == 0 {
		c.Orchestrator.HumanGateTimeout = Duration(DefaultHumanGateTimeout)
	}
	if c.Orchestrator.SweepInterval == 0 {
		c.Orchestrator.SweepInterval = Duration(DefaultSweepInterval)
	}

	if c.Locks == nil {
		c.Locks = &LocksConfig{}
	}
	if c.Locks.DefaultTTL == 0 {
		c.Locks.DefaultTTL = Duration(DefaultLockTTL)
	}
	if c.Locks.BudgetTTL == 0 {
		c.Locks.BudgetTTL = Duration(DefaultBudgetLockTTL)
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("no agents defined")
	}
	for name, agent := range c.Agents {
		if agent.Role == "" {
			return fmt.Errorf("agent '%s': role is required", name)
		}
		if agent.Fallback != "" {
			if _, ok := c.Agents[agent.Fallback]; !ok {
				return fmt.Errorf("agent '%s': fallback '%s' is not a defined agent", name, agent.Fallback)
			}
		}
	}

	return nil
}

// TierMultiplier returns the configured multiplier for a tier.
func (c *GafferConfig) TierMultiplier(tier string) (float64, error) {
	mult, ok := c.Budget.TierMultipliers[tier]
	if !ok {
		return 0, fmt.Errorf("no multiplier configured for tier %q", tier)
	}
	return mult, nil
}

// Load reads and validates gaffer.yml from the specified path.
func Load(path string) (*GafferConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config GafferConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
