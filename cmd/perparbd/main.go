// Command perparbd runs the cross-venue perpetual-futures arbitrage
// engine.
//
// Architecture:
//
//	main.go                   — entry point: loads config, wires venue adapters, starts orchestrator, waits for SIGINT/SIGTERM
//	internal/orchestrator     — orchestrator: wires aggregator → detector → risk gates → quarantine → executor → health monitor
//	internal/detector         — scans aggregated books/tickers for price and funding-rate spreads
//	internal/aggregator       — fan-in market-data cache shared by every consumer
//	internal/risk             — price-stability, liquidity, and dual-limit backoff gates
//	internal/executor         — two-legged order placement and single-leg repair
//	internal/quarantine       — defer/resume state machine and reduce-only probing
//	internal/health           — per-venue staleness tracking and reconnect policy
//	internal/exchange/{ark,vega,helix} — venue adapters behind the shared exchange.Adapter facade
//	internal/store            — disk-backed instrument metadata cache
//
// Positions and quarantine state are never persisted across restarts;
// only the instrument metadata cache survives a restart.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"

	"perparb/internal/config"
	"perparb/internal/exchange"
	"perparb/internal/exchange/ark"
	"perparb/internal/exchange/helix"
	"perparb/internal/exchange/vega"
	"perparb/internal/orchestrator"
	"perparb/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PERPARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	symbols := make([]types.Symbol, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols = append(symbols, types.Symbol(s))
	}

	adapters, universe, err := buildAdapters(*cfg, symbols, logger)
	if err != nil {
		logger.Error("failed to build venue adapters", "error", err)
		os.Exit(1)
	}
	if len(adapters) < 2 {
		logger.Error("at least two enabled venues are required", "enabled", len(adapters))
		os.Exit(1)
	}

	orch, err := orchestrator.New(*cfg, adapters, universe, logger)
	if err != nil {
		logger.Error("failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	venueNames := make([]string, 0, len(adapters))
	for v := range adapters {
		venueNames = append(venueNames, string(v))
	}
	logger.Info("perparbd started",
		"venues", venueNames,
		"symbols", cfg.Symbols,
		"price_spread_threshold", cfg.PriceSpreadThreshold,
		"funding_rate_threshold", cfg.FundingRateThreshold,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	orch.Stop()
}

// buildAdapters constructs one exchange.Adapter per enabled venue in
// cfg.Venues, keyed by the venue names the rest of the system expects:
// "ark", "vega", "helix". A venue absent from cfg.Venues or present
// but disabled is simply skipped.
func buildAdapters(cfg config.Config, symbols []types.Symbol, logger *slog.Logger) (map[types.Venue]exchange.Adapter, map[types.Venue][]types.Symbol, error) {
	adapters := make(map[types.Venue]exchange.Adapter)
	universe := make(map[types.Venue][]types.Symbol)

	if vc, ok := cfg.Venues["ark"]; ok && vc.Enabled {
		a, err := ark.New(vc.BaseURL, vc.WSURL, symbols, ark.Credentials{
			APIKey:    vc.APIKey,
			APISecret: vc.APISecret,
		}, cfg.DryRun, logger.With("venue", "ark"))
		if err != nil {
			return nil, nil, fmt.Errorf("build ark adapter: %w", err)
		}
		adapters["ark"] = a
		universe["ark"] = symbols
	}

	if vc, ok := cfg.Venues["vega"]; ok && vc.Enabled {
		priv, err := crypto.HexToECDSA(vc.PrivateKey)
		if err != nil {
			return nil, nil, fmt.Errorf("build vega adapter: parse private_key: %w", err)
		}
		subAccount, err := parseSubAccountID(vc.SubAccountID)
		if err != nil {
			return nil, nil, fmt.Errorf("build vega adapter: %w", err)
		}
		a, err := vega.New(vega.AdapterConfig{
			MarketBaseURL: vc.BaseURL,
			TradeBaseURL:  vc.BaseURL,
			EdgeBaseURL:   vc.BaseURL,
			PublicWSURL:   vc.WSURL,
			PrivateWSURL:  vc.WSURL,
			APIKey:        vc.APIKey,
			PrivateKey:    priv,
			ChainID:       vc.ChainID,
			SubAccountID:  subAccount,
			DryRun:        cfg.DryRun,
			Logger:        logger.With("venue", "vega"),
		}, symbols)
		if err != nil {
			return nil, nil, fmt.Errorf("build vega adapter: %w", err)
		}
		adapters["vega"] = a
		universe["vega"] = symbols
	}

	if vc, ok := cfg.Venues["helix"]; ok && vc.Enabled {
		a, err := helix.New(helix.AdapterConfig{
			RESTBaseURL: vc.BaseURL,
			WSURL:       vc.WSURL,
			Creds: helix.Credentials{
				APIKey:    vc.APIKey,
				APISecret: vc.APISecret,
			},
			DryRun: cfg.DryRun,
			Logger: logger.With("venue", "helix"),
		}, symbols)
		if err != nil {
			return nil, nil, fmt.Errorf("build helix adapter: %w", err)
		}
		adapters["helix"] = a
		universe["helix"] = symbols
	}

	return adapters, universe, nil
}

func parseSubAccountID(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sub_account_id %q: %w", s, err)
	}
	return v, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
