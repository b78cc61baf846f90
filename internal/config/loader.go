package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a boardflow configuration from the given YAML file
// path, then fills in defaults for everything the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the first
// one found. Search order: ./boardflow.yaml, ~/.boardflow/config.yaml. When
// none exists the built-in defaults are returned.
func LoadDefault() (*Config, error) {
	candidates := []string{"boardflow.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".boardflow", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := &Config{}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills every field the YAML left empty. Values here are the
// documented defaults; Validate checks them after any file overrides.
func applyDefaults(cfg *Config) {
	if cfg.Poll.Interval == "" {
		cfg.Poll.Interval = "60s"
	}
	if cfg.Poll.Jitter == "" {
		cfg.Poll.Jitter = "5s"
	}
	if cfg.Poll.Workers == 0 {
		cfg.Poll.Workers = 4
	}
	if cfg.Poll.EvalTimeout == "" {
		cfg.Poll.EvalTimeout = "30s"
	}
	if cfg.Poll.RateLimitFloor == 0 {
		cfg.Poll.RateLimitFloor = 50
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.Backoff == "" {
		cfg.Retry.Backoff = "1s,5s,15s"
	}
	if cfg.Retry.CooldownBase == "" {
		cfg.Retry.CooldownBase = "30s"
	}
	if cfg.Retry.CooldownMax == "" {
		cfg.Retry.CooldownMax = "15m"
	}

	if cfg.Store.MaxSize == 0 {
		cfg.Store.MaxSize = 500
	}
	if cfg.Store.Retention == "" {
		cfg.Store.Retention = "24h"
	}

	if cfg.Detector.MaxPages == 0 {
		cfg.Detector.MaxPages = 10
	}

	if cfg.Board.StatusPrefix == "" {
		cfg.Board.StatusPrefix = "status:"
	}
	if cfg.Board.Statuses == nil {
		cfg.Board.Statuses = map[string]string{}
	}
	for stage, label := range map[string]string{
		"ready":       "ready",
		"in_progress": "in-progress",
		"in_review":   "in-review",
		"done":        "done",
		"stalled":     "stalled",
	} {
		if _, ok := cfg.Board.Statuses[stage]; !ok {
			cfg.Board.Statuses[stage] = cfg.Board.StatusPrefix + label
		}
	}

	if cfg.Agent.Login == "" {
		cfg.Agent.Login = "copilot-swe-agent"
	}
	if cfg.Agent.Reviewer == "" {
		cfg.Agent.Reviewer = "copilot"
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8484"
	}
}

// ParseBackoff parses a comma-separated backoff schedule like "1s,5s,15s"
// into one wait per retry attempt. When the schedule is shorter than attempts
// the last entry repeats; when longer it is truncated.
func ParseBackoff(s string, attempts int) ([]time.Duration, error) {
	parts := strings.Split(s, ",")
	var schedule []time.Duration
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, fmt.Errorf("backoff entry %q: %w", p, err)
		}
		schedule = append(schedule, d)
	}
	if len(schedule) == 0 {
		return nil, fmt.Errorf("backoff schedule %q: no entries", s)
	}
	for len(schedule) < attempts {
		schedule = append(schedule, schedule[len(schedule)-1])
	}
	return schedule[:attempts], nil
}
