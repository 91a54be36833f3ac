// Package config loads and validates the static YAML configuration
// surface described in spec.md §6. Nothing in this package talks to a
// venue; it only produces the typed structs every other component is
// constructed from.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

func lookupEnv(key string) string {
	v, _ := os.LookupEnv(key)
	return v
}

// VenueConfig is the per-venue credential and transport surface.
type VenueConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	APIKey          string `mapstructure:"api_key"`
	APISecret       string `mapstructure:"api_secret"`
	PrivateKey      string `mapstructure:"private_key"`
	SubAccountID    string `mapstructure:"sub_account_id"`
	Testnet         bool   `mapstructure:"testnet"`
	EnableWebsocket bool   `mapstructure:"enable_websocket"`
	BaseURL         string `mapstructure:"base_url"`
	WSURL           string `mapstructure:"ws_url"`
	ChainID         int64  `mapstructure:"chain_id"`
}

// RiskConfig holds the thresholds C7's three gates are parameterized by.
type RiskConfig struct {
	PriceStabilityWindowSeconds int                `mapstructure:"price_stability_window_seconds"`
	PriceStabilityThresholdPct  map[string]float64 `mapstructure:"price_stability_threshold_pct"`
	DualLimitRetryInitialDelay  time.Duration       `mapstructure:"dual_limit_retry_initial_delay"`
	DualLimitRetryMaxDelay      time.Duration       `mapstructure:"dual_limit_retry_max_delay"`
	DualLimitRetryBackoffFactor float64             `mapstructure:"dual_limit_retry_backoff_factor"`
	MinLiquidityQuantity        map[string]float64 `mapstructure:"min_liquidity_quantity"`
}

// ExecutorConfig holds timeouts and slippage parameters for C8.
type ExecutorConfig struct {
	MarketOrderTimeout time.Duration      `mapstructure:"market_order_timeout"`
	LimitOrderTimeout  time.Duration      `mapstructure:"limit_order_timeout"`
	SlippagePercent    map[string]float64 `mapstructure:"slippage_percent"`
	RepairSlippageMult float64            `mapstructure:"repair_slippage_multiplier"`
	SingleLegThreshold int                `mapstructure:"single_leg_quarantine_threshold"`
}

// HealthConfig holds C10's check interval and timeouts.
type HealthConfig struct {
	CheckInterval          time.Duration `mapstructure:"check_interval"`
	StartupGrace           time.Duration `mapstructure:"startup_grace"`
	DataTimeout            time.Duration `mapstructure:"data_timeout"`
	MaxReconnectAttempts   int           `mapstructure:"max_reconnect_attempts"`
	HealthCheckLogInterval time.Duration `mapstructure:"health_check_log_interval"`
}

// QuarantineConfig holds C9's auto-resume timeout and probe parameters.
type QuarantineConfig struct {
	ManualInterventionAutoResume time.Duration `mapstructure:"manual_intervention_auto_resume"`
	ProbeMinQuantity             float64       `mapstructure:"probe_min_quantity"`
	ProbePrice                   float64       `mapstructure:"probe_price"`
	Timezone                     string        `mapstructure:"timezone"`
}

// LoggingConfig controls the slog handler constructed in cmd/perparbd.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AggregatorConfig holds C5's queue sizing.
type AggregatorConfig struct {
	IngestQueueCapacity int           `mapstructure:"ingest_queue_capacity"`
	ResultQueueCapacity int           `mapstructure:"result_queue_capacity"`
	ProcessorBatchSize  int           `mapstructure:"processor_batch_size"`
	AnalysisInterval    time.Duration `mapstructure:"analysis_interval"`
	DataFreshnessSeconds int          `mapstructure:"data_freshness_seconds"`
}

// Config is the top-level configuration object.
type Config struct {
	DryRun                bool                   `mapstructure:"dry_run"`
	Venues                map[string]VenueConfig `mapstructure:"venues"`
	Symbols               []string               `mapstructure:"symbols"`
	PriceSpreadThreshold  float64                `mapstructure:"price_spread_threshold"`
	FundingRateThreshold  float64                `mapstructure:"funding_rate_threshold"`
	MinScoreThreshold     float64                `mapstructure:"min_score_threshold"`
	UpdateInterval        time.Duration          `mapstructure:"update_interval"`
	Risk                  RiskConfig             `mapstructure:"risk"`
	Executor              ExecutorConfig         `mapstructure:"executor"`
	Health                HealthConfig           `mapstructure:"health"`
	Quarantine            QuarantineConfig       `mapstructure:"quarantine"`
	Aggregator            AggregatorConfig       `mapstructure:"aggregator"`
	Logging               LoggingConfig          `mapstructure:"logging"`
}

// Load reads a YAML file at path, applies PERPARB_-prefixed
// environment overrides, and unmarshals into a Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("PERPARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applySensitiveEnvOverrides(&cfg)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("update_interval", "10ms")
	v.SetDefault("risk.dual_limit_retry_initial_delay", "30s")
	v.SetDefault("risk.dual_limit_retry_max_delay", "300s")
	v.SetDefault("risk.dual_limit_retry_backoff_factor", 2.0)
	v.SetDefault("executor.market_order_timeout", "60s")
	v.SetDefault("executor.limit_order_timeout", "60s")
	v.SetDefault("executor.repair_slippage_multiplier", 50.0)
	v.SetDefault("executor.single_leg_quarantine_threshold", 3)
	v.SetDefault("health.check_interval", "45s")
	v.SetDefault("health.startup_grace", "120s")
	v.SetDefault("health.data_timeout", "90s")
	v.SetDefault("health.max_reconnect_attempts", 3)
	v.SetDefault("health.health_check_log_interval", "300s")
	v.SetDefault("quarantine.manual_intervention_auto_resume", "1800s")
	v.SetDefault("quarantine.probe_min_quantity", 0.001)
	v.SetDefault("quarantine.probe_price", 2000.0)
	v.SetDefault("quarantine.timezone", "UTC")
	v.SetDefault("aggregator.ingest_queue_capacity", 500)
	v.SetDefault("aggregator.result_queue_capacity", 100)
	v.SetDefault("aggregator.processor_batch_size", 50)
	v.SetDefault("aggregator.analysis_interval", "10ms")
	v.SetDefault("aggregator.data_freshness_seconds", 5)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// applySensitiveEnvOverrides lets operators override per-venue secrets
// without editing the YAML file on disk, following the teacher's
// explicit-env-override-for-sensitive-fields convention.
func applySensitiveEnvOverrides(cfg *Config) {
	for name, vc := range cfg.Venues {
		prefix := "PERPARB_VENUE_" + strings.ToUpper(name) + "_"
		if key := lookupEnv(prefix + "API_KEY"); key != "" {
			vc.APIKey = key
		}
		if secret := lookupEnv(prefix + "API_SECRET"); secret != "" {
			vc.APISecret = secret
		}
		if pk := lookupEnv(prefix + "PRIVATE_KEY"); pk != "" {
			vc.PrivateKey = pk
		}
		cfg.Venues[name] = vc
	}
}

// Validate checks required fields and sane ranges, returning a
// descriptive error naming the offending field.
func (c *Config) Validate() error {
	if len(c.Venues) < 2 {
		return fmt.Errorf("config: at least two venues required for cross-venue arbitrage, got %d", len(c.Venues))
	}
	for name, vc := range c.Venues {
		if !vc.Enabled {
			continue
		}
		if vc.APIKey == "" && vc.PrivateKey == "" {
			return fmt.Errorf("config: venue %q enabled but has neither api_key nor private_key", name)
		}
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: symbols list must not be empty")
	}
	if c.PriceSpreadThreshold <= 0 {
		return fmt.Errorf("config: price_spread_threshold must be positive, got %v", c.PriceSpreadThreshold)
	}
	if c.Risk.DualLimitRetryMaxDelay < c.Risk.DualLimitRetryInitialDelay {
		return fmt.Errorf("config: risk.dual_limit_retry_max_delay must be >= initial_delay")
	}
	if c.Executor.MarketOrderTimeout <= 0 {
		return fmt.Errorf("config: executor.market_order_timeout must be positive")
	}
	if c.Health.MaxReconnectAttempts < 1 {
		return fmt.Errorf("config: health.max_reconnect_attempts must be >= 1")
	}
	return nil
}
