package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testYAML = `
dry_run: true
symbols:
  - BTC-USDC-PERP
  - ETH-USDC-PERP
price_spread_threshold: 0.1
funding_rate_threshold: 0.01
min_score_threshold: 0.05
venues:
  ark:
    enabled: true
    api_key: test-key
    api_secret: dGVzdC1zZWNyZXQ=
    enable_websocket: true
  vega:
    enabled: true
    private_key: "0xabc123"
    chain_id: 325000
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o600); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.DryRun {
		t.Error("expected dry_run true")
	}
	if len(cfg.Venues) != 2 {
		t.Fatalf("expected 2 venues, got %d", len(cfg.Venues))
	}
	if cfg.Health.MaxReconnectAttempts != 3 {
		t.Errorf("expected default max_reconnect_attempts=3, got %d", cfg.Health.MaxReconnectAttempts)
	}
	if cfg.Quarantine.ManualInterventionAutoResume.Seconds() != 1800 {
		t.Errorf("expected default manual_intervention_auto_resume=1800s, got %v", cfg.Quarantine.ManualInterventionAutoResume)
	}
	if cfg.Executor.RepairSlippageMult != 50.0 {
		t.Errorf("expected default repair_slippage_multiplier=50, got %v", cfg.Executor.RepairSlippageMult)
	}
}

func TestValidateRejectsSingleVenue(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Venues:               map[string]VenueConfig{"ark": {Enabled: true, APIKey: "x"}},
		Symbols:              []string{"BTC-USDC-PERP"},
		PriceSpreadThreshold: 0.1,
		Risk:                 RiskConfig{DualLimitRetryInitialDelay: 1, DualLimitRetryMaxDelay: 2},
		Executor:             ExecutorConfig{MarketOrderTimeout: 1},
		Health:               HealthConfig{MaxReconnectAttempts: 1},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for single-venue config")
	}
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Venues: map[string]VenueConfig{
			"ark":  {Enabled: true},
			"vega": {Enabled: true, PrivateKey: "x"},
		},
		Symbols:              []string{"BTC-USDC-PERP"},
		PriceSpreadThreshold: 0.1,
		Risk:                 RiskConfig{DualLimitRetryInitialDelay: 1, DualLimitRetryMaxDelay: 2},
		Executor:             ExecutorConfig{MarketOrderTimeout: 1},
		Health:               HealthConfig{MaxReconnectAttempts: 1},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for venue with no credentials")
	}
}

func TestValidatePassesWithGoodConfig(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
