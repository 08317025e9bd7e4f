// Command flashvault runs simulated collateralized-debt vaults. Each vault
// keeps its debt at the cheapest configured provider, migrating positions
// with flash loans, and exposes its state over HTTP.
//
// Usage:
//
//	flashvault --config config.yaml
//	flashvault --setup        (interactive wizard, writes config.gen.yaml)
//	flashvault                (uses CLI arguments)
//
// Environment variables for live price feeds:
//
//	For Binance: BINANCE_API_KEY, BINANCE_API_SECRET (optional)
//	For Bybit: BYBIT_API_KEY, BYBIT_API_SECRET (optional)
//	For Hyperliquid: HYPERLIQUID_PRIVATE_KEY, HYPERLIQUID_BASE_URL (optional)
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/vadiminshakov/flashvault/config"
	"github.com/vadiminshakov/flashvault/internal/clients"
	"github.com/vadiminshakov/flashvault/internal/metrics"
	"github.com/vadiminshakov/flashvault/internal/services/oracle"
	"github.com/vadiminshakov/flashvault/internal/setup"
	"github.com/vadiminshakov/flashvault/internal/simulation"
	"github.com/vadiminshakov/flashvault/internal/storage/journal"
	"github.com/vadiminshakov/flashvault/internal/storage/vaultstate"
	"github.com/vadiminshakov/flashvault/internal/web"
)

const defaultHyperliquidURL = "https://api.hyperliquid.xyz"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if slices.Contains(os.Args[1:], "--setup") || slices.Contains(os.Args[1:], "-setup") {
		path, err := setup.RunTUI(setup.DefaultFile)
		if err != nil {
			logger.Fatal("setup failed", zap.Error(err))
		}
		os.Args = []string{os.Args[0], "--config", path}
	}

	configs, err := config.Get()
	if err != nil {
		logger.Fatal("failed to get configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, err := journal.NewWALStore(configs[0].JournalDir)
	if err != nil {
		logger.Fatal("failed to open event journal", zap.Error(err))
	}
	defer events.Close()

	m := metrics.New()
	sink := m.Sink(events)

	var wg sync.WaitGroup
	sources := make(map[string]web.Source, len(configs))
	for _, cfg := range configs {
		vaultLogger := logger.With(zap.String("pair", cfg.Pair.String()))

		store, err := vaultstate.NewStore(cfg.StateDir, cfg.Pair, "")
		if err != nil {
			logger.Fatal("failed to open state store", zap.Error(err))
		}

		prices, err := priceSource(ctx, cfg)
		if err != nil {
			logger.Fatal("failed to create price source", zap.String("oracle", cfg.Oracle), zap.Error(err))
		}

		world, err := simulation.New(ctx, cfg, simulation.Options{
			Prices: prices,
			Sink:   sink,
			Store:  store,
			Logger: logger,
		})
		if err != nil {
			logger.Fatal("failed to build vault", zap.Error(err))
		}
		sources[cfg.Pair.String()] = web.Source{Vault: world.Vault, History: world.Controller.History()}

		runner := simulation.NewRunner(world, vaultLogger).WithMetrics(m)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
				vaultLogger.Error("vault runner stopped", zap.Error(err))
			}
		}()
	}

	if addr := configs[0].WebAddr; addr != "" {
		srv := web.NewServer(addr, sources, events, logger)
		srv.Metrics = m.Handler()
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if domains := configs[0].TLSDomains; len(domains) > 0 {
				err = srv.StartWithAutoTLS(ctx, domains, filepath.Join(configs[0].StateDir, "certs"))
			} else {
				err = srv.Start(ctx)
			}
			if err != nil {
				logger.Error("web server stopped", zap.Error(err))
			}
		}()
	}

	wg.Wait()
}

// priceSource returns nil for the static oracle; simulation then drives its
// own static price.
func priceSource(ctx context.Context, cfg config.Config) (oracle.Oracle, error) {
	var client any
	switch cfg.Oracle {
	case config.OracleStatic:
		return nil, nil
	case config.OracleBinance:
		client = clients.NewBinanceClient(os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_API_SECRET"))
	case config.OracleBybit:
		client = clients.NewBybitClient(os.Getenv("BYBIT_API_KEY"), os.Getenv("BYBIT_API_SECRET"))
	case config.OracleHyperliquid:
		baseURL := os.Getenv("HYPERLIQUID_BASE_URL")
		if baseURL == "" {
			baseURL = defaultHyperliquidURL
		}
		info, _, err := clients.NewHyperliquidInfo(ctx, os.Getenv("HYPERLIQUID_PRIVATE_KEY"), baseURL)
		if err != nil {
			return nil, err
		}
		client = info
	}
	return simulation.NewPriceSource(client)
}
