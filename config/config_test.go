package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ranking.Alpha != 0.7 || cfg.Ranking.ConfidenceZ != 1.96 {
		t.Fatalf("unexpected ranking defaults: %+v", cfg.Ranking)
	}
	if cfg.Retrieval.TopK != 5 || cfg.Retrieval.OverfetchFactor != 3 {
		t.Fatalf("unexpected retrieval defaults: %+v", cfg.Retrieval)
	}
	if cfg.Session.TTL != "30m" {
		t.Fatalf("unexpected session defaults: %+v", cfg.Session)
	}
}

func TestLoad_FileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
ranking:
  alpha: 0.5
agent:
  step_budget: 10
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ranking.Alpha != 0.5 {
		t.Fatalf("expected overridden alpha 0.5, got %v", cfg.Ranking.Alpha)
	}
	if cfg.Agent.StepBudget != 10 {
		t.Fatalf("expected overridden step budget 10, got %d", cfg.Agent.StepBudget)
	}
	// Untouched values keep their defaults.
	if cfg.Ranking.ConfidenceZ != 1.96 {
		t.Fatalf("expected default confidence z, got %v", cfg.Ranking.ConfidenceZ)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Fatalf("expected default top_k, got %d", cfg.Retrieval.TopK)
	}
}

func TestLoad_MalformedFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{{not yaml"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestGetConfigPath_EnvOverride(t *testing.T) {
	t.Setenv("PROSPECT_CONFIG_PATH", "/tmp/custom.yaml")
	if got := GetConfigPath(); got != "/tmp/custom.yaml" {
		t.Fatalf("expected env override, got %q", got)
	}
}
