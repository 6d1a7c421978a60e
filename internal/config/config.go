// Package config provides YAML configuration loading and validation for the
// lkdiscover demo binary.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for a discovery run.
type Config struct {
	// OSRelease overrides the live target's `uname -r` release string.
	// Optional; when empty the demo binary queries the running kernel.
	OSRelease string `yaml:"os_release"`

	// CandidatePaths lists caller-supplied ELF files (vmlinux images,
	// module .ko files, or arbitrary other ELF objects) to classify and
	// match against the target's loaded modules.
	CandidatePaths []string `yaml:"candidate_paths"`

	// DepmodPath overrides the default
	// /lib/modules/<release>/modules.dep.bin location.
	DepmodPath string `yaml:"depmod_path"`

	// UseLiveFastPath is a tri-state override for
	// DRGN_USE_PROC_AND_SYS_MODULES: nil defers to the environment, a
	// non-nil value forces the /proc and /sys fast path on or off.
	UseLiveFastPath *bool `yaml:"use_live_fast_path"`

	// ResolveCachePath is the sqlite database file backing the
	// build-ID/module-name to debug-path resolution cache. Defaults to
	// "resolve_cache.db" when omitted.
	ResolveCachePath string `yaml:"resolve_cache_path"`

	// DecisionLogPath is the hash-chained decision log file. Defaults to
	// "decisions.log" when omitted.
	DecisionLogPath string `yaml:"decision_log_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing the first validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ResolveCachePath == "" {
		cfg.ResolveCachePath = "resolve_cache.db"
	}
	if cfg.DecisionLogPath == "" {
		cfg.DecisionLogPath = "decisions.log"
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
