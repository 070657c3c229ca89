// Package config loads and validates the pressroom configuration from
// $PRESSROOM_HOME/config.yaml, with environment overrides and defaults for
// the built-in six-role content pipeline.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inkworks/pressroom/internal/otel"
)

// QueueConfig bounds the inter-agent message queue.
type QueueConfig struct {
	Capacity     int `yaml:"capacity"`
	LeaseSeconds int `yaml:"lease_seconds"`
}

// Lease returns the redelivery lease as a duration.
func (q QueueConfig) Lease() time.Duration {
	return time.Duration(q.LeaseSeconds) * time.Second
}

// MemoryConfig sizes the short-term memory tier.
type MemoryConfig struct {
	Capacity   int `yaml:"capacity"`
	TTLSeconds int `yaml:"ttl_seconds"`
}

// TTL returns the short-term entry lifetime; zero disables expiry.
func (m MemoryConfig) TTL() time.Duration {
	return time.Duration(m.TTLSeconds) * time.Second
}

// StageConfig declares one pipeline stage: its contributing roles, expected
// subject keys, and completion deadline.
type StageConfig struct {
	Name            string   `yaml:"name"`
	Roles           []string `yaml:"roles"`
	Subjects        []string `yaml:"subjects"`
	DeadlineSeconds int      `yaml:"deadline_seconds"`
}

// Deadline returns the stage deadline as a duration.
func (s StageConfig) Deadline() time.Duration {
	return time.Duration(s.DeadlineSeconds) * time.Second
}

// PipelineConfig drives the scheduler and resolver.
type PipelineConfig struct {
	MaxAttempts      int            `yaml:"max_attempts"`
	FailureThreshold float64        `yaml:"failure_threshold"`
	MergeStrategy    string         `yaml:"merge_strategy"`
	Priorities       map[string]int `yaml:"priorities"`
	Stages           []StageConfig  `yaml:"stages"`
	StyleGuide       string         `yaml:"style_guide"`
	TargetLength     int            `yaml:"target_length"`
}

// RoleSchema maps a role name to the JSON Schema its results must satisfy.
type RoleSchema struct {
	Role   string `yaml:"role"`
	Schema string `yaml:"schema"`
}

// ScheduleConfig is a recurring pipeline trigger.
type ScheduleConfig struct {
	Name  string `yaml:"name"`
	Cron  string `yaml:"cron"`
	Topic string `yaml:"topic"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Queue    QueueConfig    `yaml:"queue"`
	Memory   MemoryConfig   `yaml:"memory"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Schemas  []RoleSchema   `yaml:"schemas"`

	Otel      otel.Config      `yaml:"otel"`
	Schedules []ScheduleConfig `yaml:"schedules"`

	// Retention policy (days). 0 keeps run events forever.
	RetentionRunEventsDays int `yaml:"retention_run_events_days"`

	NeedsGenesis bool `yaml:"-"`
}

// Fingerprint returns a stable hash of the knobs that change scheduling
// behavior, for change detection across reloads.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|qcap=%d|lease=%d|memcap=%d|ttl=%d|attempts=%d|thresh=%.3f|merge=%s|stages=%d",
		c.LogLevel, c.Queue.Capacity, c.Queue.LeaseSeconds, c.Memory.Capacity,
		c.Memory.TTLSeconds, c.Pipeline.MaxAttempts, c.Pipeline.FailureThreshold,
		c.Pipeline.MergeStrategy, len(c.Pipeline.Stages))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DefaultStages is the six-stage linear content workflow.
func DefaultStages() []StageConfig {
	deadline := 120
	return []StageConfig{
		{Name: "Researching", Roles: []string{"researcher"}, Subjects: []string{"background"}, DeadlineSeconds: deadline},
		{Name: "Writing", Roles: []string{"writer"}, Subjects: []string{"draft"}, DeadlineSeconds: deadline},
		{Name: "Editing", Roles: []string{"editor"}, Subjects: []string{"article"}, DeadlineSeconds: deadline},
		{Name: "Optimizing", Roles: []string{"seo"}, Subjects: []string{"metadata"}, DeadlineSeconds: deadline},
		{Name: "Illustrating", Roles: []string{"image"}, Subjects: []string{"imagery"}, DeadlineSeconds: deadline},
		{Name: "Publishing", Roles: []string{"publisher"}, Subjects: []string{"publication"}, DeadlineSeconds: deadline},
	}
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Queue: QueueConfig{
			Capacity:     256,
			LeaseSeconds: 30,
		},
		Memory: MemoryConfig{
			Capacity:   512,
			TTLSeconds: int((2 * time.Hour).Seconds()),
		},
		Pipeline: PipelineConfig{
			MaxAttempts:      3,
			FailureThreshold: 0.5,
			MergeStrategy:    "prefer",
			Stages:           DefaultStages(),
		},
		Otel: otel.Config{
			Exporter: "none",
		},
		RetentionRunEventsDays: 90,
	}
}

// HomeDir returns the pressroom home directory, honoring PRESSROOM_HOME.
func HomeDir() string {
	if override := os.Getenv("PRESSROOM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".pressroom")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the pressroom home, applies environment
// overrides, fills defaults, and validates. A missing file is not an error;
// NeedsGenesis is set so the caller can write a starter config.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create pressroom home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = 256
	}
	if cfg.Queue.LeaseSeconds <= 0 {
		cfg.Queue.LeaseSeconds = 30
	}
	if cfg.Memory.Capacity <= 0 {
		cfg.Memory.Capacity = 512
	}
	if cfg.Memory.TTLSeconds < 0 {
		cfg.Memory.TTLSeconds = 0
	}
	if cfg.Pipeline.MaxAttempts <= 0 {
		cfg.Pipeline.MaxAttempts = 3
	}
	if cfg.Pipeline.FailureThreshold <= 0 || cfg.Pipeline.FailureThreshold > 1 {
		cfg.Pipeline.FailureThreshold = 0.5
	}
	if cfg.Pipeline.MergeStrategy == "" {
		cfg.Pipeline.MergeStrategy = "prefer"
	}
	if len(cfg.Pipeline.Stages) == 0 {
		cfg.Pipeline.Stages = DefaultStages()
	}
	for i := range cfg.Pipeline.Stages {
		if cfg.Pipeline.Stages[i].DeadlineSeconds <= 0 {
			cfg.Pipeline.Stages[i].DeadlineSeconds = 120
		}
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "none"
	}
}

func validate(cfg *Config) error {
	switch cfg.Pipeline.MergeStrategy {
	case "prefer", "merge-fields":
	default:
		return fmt.Errorf("unknown merge_strategy %q (supported: prefer, merge-fields)", cfg.Pipeline.MergeStrategy)
	}
	seen := make(map[string]bool, len(cfg.Pipeline.Stages))
	for _, stage := range cfg.Pipeline.Stages {
		if stage.Name == "" {
			return fmt.Errorf("stage with empty name")
		}
		if seen[stage.Name] {
			return fmt.Errorf("duplicate stage %q", stage.Name)
		}
		seen[stage.Name] = true
		if len(stage.Roles) == 0 {
			return fmt.Errorf("stage %q has no roles", stage.Name)
		}
		if len(stage.Subjects) == 0 {
			return fmt.Errorf("stage %q has no subjects", stage.Name)
		}
	}
	for _, sched := range cfg.Schedules {
		if sched.Cron == "" || sched.Topic == "" {
			return fmt.Errorf("schedule %q needs both cron and topic", sched.Name)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PRESSROOM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PRESSROOM_QUEUE_CAPACITY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.Capacity = v
		}
	}
	if raw := os.Getenv("PRESSROOM_QUEUE_LEASE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.LeaseSeconds = v
		}
	}
	if raw := os.Getenv("PRESSROOM_MEMORY_CAPACITY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Memory.Capacity = v
		}
	}
	if raw := os.Getenv("PRESSROOM_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Pipeline.MaxAttempts = v
		}
	}
	if raw := os.Getenv("PRESSROOM_OTEL_EXPORTER"); raw != "" {
		cfg.Otel.Exporter = raw
		cfg.Otel.Enabled = raw != "none"
	}
	if raw := os.Getenv("PRESSROOM_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
	}
}
