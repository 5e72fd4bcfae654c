// Package config loads process configuration from the environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/drfirst/go-rxtimeline/internal/domain/timeline"
)

// ErrMissingSetting is returned when a binary needs a setting that is unset.
var ErrMissingSetting = errors.New("required setting is missing")

// EngineConfig mirrors timeline.Config in file and environment friendly units.
type EngineConfig struct {
	MissedRxCount   int                                `mapstructure:"missed_rx_count"`
	GapCutoffDays   int                                `mapstructure:"gap_cutoff_days"`
	DiscreteDoses   []float64                          `mapstructure:"discrete_doses"`
	UpperLimit      float64                            `mapstructure:"upper_limit"`
	MinSwitchFromRx int                                `mapstructure:"min_switch_from_rx"`
	MaxSwitchFromRx int                                `mapstructure:"max_switch_from_rx"`
	MinSwitchToRx   int                                `mapstructure:"min_switch_to_rx"`
	IntensityTiers  map[string]timeline.IntensityTiers `mapstructure:"intensity_tiers"`
	SmoothingWindow int                                `mapstructure:"smoothing_window"`
	SmoothingMedian bool                               `mapstructure:"smoothing_median"`
	Workers         int                                `mapstructure:"workers"`
}

// SummaryConfig selects the drugs and follow-up split of cohort summaries.
type SummaryConfig struct {
	IncludeDrugs  []string `mapstructure:"include_drugs"`
	ExcludeDrugs  []string `mapstructure:"exclude_drugs"`
	FollowUpYears int      `mapstructure:"follow_up_years"`
}

// Config is the configuration shared by every binary.
type Config struct {
	Port          string        `mapstructure:"port"`
	Env           string        `mapstructure:"env"`
	LogLevel      string        `mapstructure:"log_level"`
	DatabaseURL   string        `mapstructure:"database_url"`
	KafkaBrokers  []string      `mapstructure:"kafka_brokers"`
	OTLPEndpoint  string        `mapstructure:"otlp_endpoint"`
	TraceSample   float64       `mapstructure:"trace_sample_rate"`
	APIKey        string        `mapstructure:"api_key"`
	EventsTopic   string        `mapstructure:"events_topic"`
	PublishEvents bool          `mapstructure:"publish_events"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Engine        EngineConfig  `mapstructure:"engine"`
	Summary       SummaryConfig `mapstructure:"summary"`
}

var envKeys = []string{
	"port", "env", "log_level", "database_url", "kafka_brokers", "otlp_endpoint",
	"trace_sample_rate", "api_key", "events_topic", "publish_events", "poll_interval",
	"engine.missed_rx_count", "engine.gap_cutoff_days", "engine.discrete_doses",
	"engine.upper_limit", "engine.min_switch_from_rx", "engine.max_switch_from_rx",
	"engine.min_switch_to_rx", "engine.smoothing_window", "engine.smoothing_median",
	"engine.workers",
	"summary.include_drugs", "summary.exclude_drugs", "summary.follow_up_years",
}

// Load reads configuration. path names an optional YAML file; environment
// variables override it, with dots replaced by underscores
// (ENGINE_MISSED_RX_COUNT overrides engine.missed_rx_count).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	def := timeline.DefaultConfig()
	v.SetDefault("port", "8080")
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("trace_sample_rate", 1.0)
	v.SetDefault("events_topic", "timeline.events")
	v.SetDefault("publish_events", false)
	v.SetDefault("poll_interval", "100ms")
	v.SetDefault("engine.missed_rx_count", def.MissedRxCount)
	v.SetDefault("engine.gap_cutoff_days", int(def.GapCutoff/timeline.Day))
	v.SetDefault("engine.discrete_doses", def.DiscreteDoses)
	v.SetDefault("engine.upper_limit", def.UpperLimit)
	v.SetDefault("engine.min_switch_from_rx", def.MinSwitchFromRx)
	v.SetDefault("engine.max_switch_from_rx", def.MaxSwitchFromRx)
	v.SetDefault("engine.min_switch_to_rx", def.MinSwitchToRx)
	v.SetDefault("engine.smoothing_window", def.SmoothingWindow)
	v.SetDefault("engine.smoothing_median", def.SmoothingMedian)
	v.SetDefault("engine.workers", def.Workers)
	v.SetDefault("summary.follow_up_years", timeline.DefaultSummaryOptions().FollowUpYears)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Engine.IntensityTiers == nil {
		cfg.Engine.IntensityTiers = timeline.DefaultIntensityTiers()
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.Summary.IncludeDrugs = splitList(cfg.Summary.IncludeDrugs)
	cfg.Summary.ExcludeDrugs = splitList(cfg.Summary.ExcludeDrugs)
	return cfg, nil
}

// splitList flattens comma-separated entries coming from a single env var.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Timeline converts the engine section and validates it.
func (c *Config) Timeline() (timeline.Config, error) {
	e := c.Engine
	tc := timeline.Config{
		MissedRxCount:   e.MissedRxCount,
		GapCutoff:       time.Duration(e.GapCutoffDays) * timeline.Day,
		DiscreteDoses:   e.DiscreteDoses,
		UpperLimit:      e.UpperLimit,
		MinSwitchFromRx: e.MinSwitchFromRx,
		MaxSwitchFromRx: e.MaxSwitchFromRx,
		MinSwitchToRx:   e.MinSwitchToRx,
		IntensityTiers:  e.IntensityTiers,
		SmoothingWindow: e.SmoothingWindow,
		SmoothingMedian: e.SmoothingMedian,
		Workers:         e.Workers,
	}
	if err := tc.Validate(); err != nil {
		return timeline.Config{}, err
	}
	return tc, nil
}

// SummaryOptions converts the summary section.
func (c *Config) SummaryOptions() timeline.SummaryOptions {
	return timeline.SummaryOptions{
		IncludeDrugs:  c.Summary.IncludeDrugs,
		ExcludeDrugs:  c.Summary.ExcludeDrugs,
		FollowUpYears: c.Summary.FollowUpYears,
	}
}

// RequireDatabase returns ErrMissingSetting when DATABASE_URL is unset.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL", ErrMissingSetting)
	}
	return nil
}

// APIKeys returns the accepted API keys mapped to a client id. No key
// configured means the API is open.
func (c *Config) APIKeys() map[string]string {
	if c.APIKey == "" {
		return nil
	}
	keys := make(map[string]string)
	for i, k := range splitList([]string{c.APIKey}) {
		keys[k] = fmt.Sprintf("client-%d", i+1)
	}
	return keys
}

// IsDev reports whether the process runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}
