package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coredbg/lkdiscover/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
os_release: "6.1.0-amd64"
candidate_paths:
  - "/boot/vmlinux-6.1.0-amd64"
  - "/tmp/foo.ko"
depmod_path: "/lib/modules/6.1.0-amd64/modules.dep.bin"
resolve_cache_path: "/var/lib/lkdiscover/resolve.db"
decision_log_path: "/var/lib/lkdiscover/decisions.log"
log_level: debug
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.OSRelease != "6.1.0-amd64" {
		t.Errorf("OSRelease = %q", cfg.OSRelease)
	}
	if len(cfg.CandidatePaths) != 2 {
		t.Fatalf("len(CandidatePaths) = %d, want 2", len(cfg.CandidatePaths))
	}
	if cfg.DepmodPath != "/lib/modules/6.1.0-amd64/modules.dep.bin" {
		t.Errorf("DepmodPath = %q", cfg.DepmodPath)
	}
	if cfg.ResolveCachePath != "/var/lib/lkdiscover/resolve.db" {
		t.Errorf("ResolveCachePath = %q", cfg.ResolveCachePath)
	}
	if cfg.DecisionLogPath != "/var/lib/lkdiscover/decisions.log" {
		t.Errorf("DecisionLogPath = %q", cfg.DecisionLogPath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	yaml := `
os_release: "6.1.0-amd64"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.ResolveCachePath != "resolve_cache.db" {
		t.Errorf("default ResolveCachePath = %q, want %q", cfg.ResolveCachePath, "resolve_cache.db")
	}
	if cfg.DecisionLogPath != "decisions.log" {
		t.Errorf("default DecisionLogPath = %q, want %q", cfg.DecisionLogPath, "decisions.log")
	}
}

func TestLoadConfig_UseLiveFastPathOverride(t *testing.T) {
	yaml := `
use_live_fast_path: false
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.UseLiveFastPath == nil || *cfg.UseLiveFastPath != false {
		t.Errorf("UseLiveFastPath = %v, want pointer to false", cfg.UseLiveFastPath)
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	yaml := `
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, "candidate_paths: [unclosed")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoadConfig_CandidatePathsUnmarshalledCorrectly(t *testing.T) {
	yaml := `
candidate_paths:
  - "/tmp/a.ko"
  - "/tmp/b.ko"
  - "/tmp/c.ko"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"/tmp/a.ko", "/tmp/b.ko", "/tmp/c.ko"}
	if len(cfg.CandidatePaths) != len(want) {
		t.Fatalf("len(CandidatePaths) = %d, want %d", len(cfg.CandidatePaths), len(want))
	}
	for i, p := range want {
		if cfg.CandidatePaths[i] != p {
			t.Errorf("CandidatePaths[%d] = %q, want %q", i, cfg.CandidatePaths[i], p)
		}
	}
}
