package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := cfg.Policy
	if p.Budget.MaxRetries != 3 || p.Budget.MaxCostPerJobUSD != 10 {
		t.Fatalf("unexpected budget defaults %+v", p.Budget)
	}
	if p.Similarity.BlockingThreshold != 0.85 || p.Similarity.GeoHeuristicFallback {
		t.Fatalf("unexpected similarity defaults %+v", p.Similarity)
	}
	if p.Reservations.TTL != 168*time.Hour {
		t.Fatalf("unexpected reservation ttl %s", p.Reservations.TTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestPolicyFileOverlayAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	raw := []byte(`
budget:
  max_retries: 5
similarity:
  blocking_threshold: 0.9
  geo_heuristic_fallback: true
reservations:
  ttl: 48h
`)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	t.Setenv("APP_ENV", "production")
	t.Setenv("GOVERNANCE_POLICY_FILE", path)
	t.Setenv("BLOCKING_THRESHOLD", "0.8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := cfg.Policy
	if p.Budget.MaxRetries != 5 {
		t.Fatalf("file should set max retries, got %d", p.Budget.MaxRetries)
	}
	if p.Budget.MaxCostPerJobUSD != 10 {
		t.Fatalf("keys missing from the file keep defaults, got %v", p.Budget.MaxCostPerJobUSD)
	}
	if p.Similarity.BlockingThreshold != 0.8 {
		t.Fatalf("env must win over the file, got %v", p.Similarity.BlockingThreshold)
	}
	if !p.Similarity.GeoHeuristicFallback {
		t.Fatalf("file should enable the heuristic fallback")
	}
	if p.Reservations.TTL != 48*time.Hour {
		t.Fatalf("unexpected ttl %s", p.Reservations.TTL)
	}
}

func TestMissingPolicyFileFails(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("GOVERNANCE_POLICY_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected an error for a missing policy file")
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SIMILARITY_SCAN_THRESHOLD", "0.95")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation errors")
	}
}

func TestValidateRequiresPositiveCostCeiling(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	for _, v := range []string{"0", "-1"} {
		t.Setenv("MAX_COST_PER_JOB_USD", v)
		cfg, err := Load()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "MAX_COST_PER_JOB_USD") {
			t.Fatalf("MAX_COST_PER_JOB_USD=%s: expected a validation error, got %v", v, err)
		}
	}
}
