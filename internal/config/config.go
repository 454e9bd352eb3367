// Package config loads homebrain configuration from YAML with sane defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all homebrain configuration.
type Config struct {
	// Store settings
	Store StoreConfig `yaml:"store"`

	// Correlation engine settings
	Correlation CorrelationConfig `yaml:"correlation"`

	// Confidence manager settings
	Confidence ConfidenceConfig `yaml:"confidence"`

	// Automation orchestrator settings
	Automation AutomationConfig `yaml:"automation"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// CorrelationConfig configures the pattern mining cycle.
type CorrelationConfig struct {
	Window        string  `yaml:"window"`         // analysis lookback, e.g. "24h"
	Interval      string  `yaml:"interval"`       // how often the daemon analyzes
	MinConfidence float64 `yaml:"min_confidence"` // pattern floor
	MinFrequency  int     `yaml:"min_frequency"`  // minimum matched pairs
	MaxDelay      string  `yaml:"max_delay"`      // trigger→effect bound
	MinEvents     int     `yaml:"min_events"`     // below this the cycle is skipped
}

// ConfidenceConfig configures the confidence/TTL state machine.
type ConfidenceConfig struct {
	InitialTTL         string  `yaml:"initial_ttl"`          // TTL for new rules
	MaxTTL             string  `yaml:"max_ttl"`              // extension ceiling
	DecayRate          float64 `yaml:"decay_rate"`           // per decay sweep
	DecayInterval      string  `yaml:"decay_interval"`       // daemon sweep cadence
	MinConfidence      float64 `yaml:"min_confidence"`       // floor, disables below
	SuccessBoost       float64 `yaml:"success_boost"`        // per successful execution
	FailurePenalty     float64 `yaml:"failure_penalty"`      // per failed execution
	UserFeedbackWeight float64 `yaml:"user_feedback_weight"` // per explicit judgment
}

// AutomationConfig configures the orchestrator.
type AutomationConfig struct {
	AutomationsDir   string  `yaml:"automations_dir"`   // file-defined rules, hot reloaded
	DispatchTimeout  string  `yaml:"dispatch_timeout"`  // action dispatcher bound
	DrafterTimeout   string  `yaml:"drafter_timeout"`   // rule drafter bound
	ProposeThreshold float64 `yaml:"propose_threshold"` // pattern floor for proposals
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DatabasePath: "data/homebrain.db",
		},
		Correlation: CorrelationConfig{
			Window:        "24h",
			Interval:      "6h",
			MinConfidence: 0.6,
			MinFrequency:  3,
			MaxDelay:      "30m",
			MinEvents:     10,
		},
		Confidence: ConfidenceConfig{
			InitialTTL:         "168h",
			MaxTTL:             "720h",
			DecayRate:          0.02,
			DecayInterval:      "24h",
			MinConfidence:      0.3,
			SuccessBoost:       0.05,
			FailurePenalty:     0.1,
			UserFeedbackWeight: 0.2,
		},
		Automation: AutomationConfig{
			AutomationsDir:   "automations",
			DispatchTimeout:  "30s",
			DrafterTimeout:   "120s",
			ProposeThreshold: 0.7,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, merging over defaults. A missing
// file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// DataDir returns the directory holding the database (and logs).
func (c *Config) DataDir() string {
	return filepath.Dir(c.Store.DatabasePath)
}

// Duration parsing helpers. Each falls back to the given default when the
// configured string is empty or malformed.

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// AnalysisWindow returns the correlation lookback duration.
func (c *Config) AnalysisWindow() time.Duration {
	return parseDuration(c.Correlation.Window, 24*time.Hour)
}

// AnalysisInterval returns the cadence of daemon analysis cycles.
func (c *Config) AnalysisInterval() time.Duration {
	return parseDuration(c.Correlation.Interval, 6*time.Hour)
}

// CorrelationMaxDelay returns the trigger→effect matching bound.
func (c *Config) CorrelationMaxDelay() time.Duration {
	return parseDuration(c.Correlation.MaxDelay, 30*time.Minute)
}

// InitialTTL returns the TTL granted to new rules.
func (c *Config) InitialTTL() time.Duration {
	return parseDuration(c.Confidence.InitialTTL, 168*time.Hour)
}

// MaxTTL returns the TTL extension ceiling.
func (c *Config) MaxTTL() time.Duration {
	return parseDuration(c.Confidence.MaxTTL, 720*time.Hour)
}

// DecayInterval returns the cadence of daemon decay sweeps.
func (c *Config) DecayInterval() time.Duration {
	return parseDuration(c.Confidence.DecayInterval, 24*time.Hour)
}

// DispatchTimeout returns the bound on action dispatcher calls.
func (c *Config) DispatchTimeout() time.Duration {
	return parseDuration(c.Automation.DispatchTimeout, 30*time.Second)
}

// DrafterTimeout returns the bound on rule drafter calls.
func (c *Config) DrafterTimeout() time.Duration {
	return parseDuration(c.Automation.DrafterTimeout, 120*time.Second)
}
