package model

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ReferenceDateLayout is the layout of Config.Rules.ReferenceDate
const ReferenceDateLayout = "2006-01-02"

// Config is the complete run configuration. It is passed explicitly into
// each component so concurrent runs can use different settings.
type Config struct {
	Rules       RulesConfig       `yaml:"rules" mapstructure:"rules"`
	Anomaly     AnomalyConfig     `yaml:"anomaly" mapstructure:"anomaly"`
	Enrichment  EnrichmentConfig  `yaml:"enrichment" mapstructure:"enrichment"`
	Concurrency ConcurrencyConfig `yaml:"concurrency" mapstructure:"concurrency"`
	Output      OutputConfig      `yaml:"output" mapstructure:"output"`
	Metrics     MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
}

// RulesConfig configures the rule engine
type RulesConfig struct {
	// ReferenceDate (YYYY-MM-DD) is the "today" used for future-date checks.
	// Empty means the run's start date in UTC.
	ReferenceDate string `yaml:"reference_date" mapstructure:"reference_date" validate:"omitempty,datetime=2006-01-02"`
}

// AnomalyConfig configures cohort baselines and outlier cutoffs
type AnomalyConfig struct {
	GroupingKeys []string `yaml:"grouping_keys" mapstructure:"grouping_keys" validate:"min=1,unique,dive,oneof=all provider_id procedure_code diagnosis_code member_id"`
	ZThreshold   float64  `yaml:"z_threshold" mapstructure:"z_threshold" validate:"gt=0"`
	MinGroupSize int      `yaml:"min_group_size" mapstructure:"min_group_size" validate:"gte=1"`
}

// EnrichmentConfig configures the optional model-generated explanations
type EnrichmentConfig struct {
	Enabled           bool          `yaml:"enabled" mapstructure:"enabled"`
	Provider          string        `yaml:"provider" mapstructure:"provider" validate:"omitempty,oneof=openai anthropic claude ollama"`
	Model             string        `yaml:"model" mapstructure:"model"`
	APIKey            string        `yaml:"-" mapstructure:"api_key"` // Read from env, never written to config files
	BaseURL           string        `yaml:"base_url,omitempty" mapstructure:"base_url"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
	MaxEnriched       int           `yaml:"max_enriched" mapstructure:"max_enriched" validate:"gte=0"`
	MaxTokens         int           `yaml:"max_tokens" mapstructure:"max_tokens" validate:"gte=0"`
	Workers           int           `yaml:"workers" mapstructure:"workers" validate:"gte=1"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second" validate:"gt=0"`
	Burst             int           `yaml:"burst" mapstructure:"burst" validate:"gte=1"`
	CacheEnabled      bool          `yaml:"cache_enabled" mapstructure:"cache_enabled"`
	CacheDir          string        `yaml:"cache_dir" mapstructure:"cache_dir"`
	CacheTTL          time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	HTTPProxy         string        `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy        string        `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	NoProxy           string        `yaml:"no_proxy,omitempty" mapstructure:"no_proxy"`
}

// ConcurrencyConfig bounds the goroutines used for rule evaluation
type ConcurrencyConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers" validate:"gte=1"`
}

// OutputConfig controls the Gold layer writers
type OutputConfig struct {
	Dir     string   `yaml:"dir" mapstructure:"dir" validate:"required"`
	Formats []string `yaml:"formats" mapstructure:"formats" validate:"dive,oneof=csv parquet json md"`
	Verbose bool     `yaml:"verbose" mapstructure:"verbose"`
}

// MetricsConfig controls metric export
type MetricsConfig struct {
	// Textfile, when set, receives the run's metrics in Prometheus text format
	Textfile string `yaml:"textfile,omitempty" mapstructure:"textfile"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Anomaly: AnomalyConfig{
			GroupingKeys: []string{string(GroupProvider)},
			ZThreshold:   3.0,
			MinGroupSize: 3,
		},
		Enrichment: EnrichmentConfig{
			Enabled:           false, // Deterministic explanations only
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			Timeout:           15 * time.Second,
			MaxEnriched:       20,
			MaxTokens:         200,
			Workers:           4,
			RequestsPerSecond: 2,
			Burst:             2,
			CacheEnabled:      true,
			CacheDir:          ".abacus-cache",
			CacheTTL:          24 * time.Hour,
		},
		Concurrency: ConcurrencyConfig{
			Workers: 4,
		},
		Output: OutputConfig{
			Dir:     "data/gold",
			Formats: []string{"csv", "parquet", "json", "md"},
		},
	}
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration values
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ReferenceTime resolves the reference date, falling back to now (UTC)
func (c *Config) ReferenceTime(now time.Time) (time.Time, error) {
	if c.Rules.ReferenceDate == "" {
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse(ReferenceDateLayout, c.Rules.ReferenceDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse reference date %q: %w", c.Rules.ReferenceDate, err)
	}
	return t, nil
}

// Groupings returns the configured groupings in order, each once
func (c *Config) Groupings() []Grouping {
	out := make([]Grouping, 0, len(c.Anomaly.GroupingKeys))
	seen := make(map[Grouping]bool, len(c.Anomaly.GroupingKeys))
	for _, k := range c.Anomaly.GroupingKeys {
		g := Grouping(k)
		if seen[g] {
			continue
		}
		seen[g] = true
		out = append(out, g)
	}
	return out
}
