// Command arena runs the grid trading arena: N decision-providing traders
// sharing one exchange account, reconciled through client-order-id
// attribution.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridarena/internal/account"
	"gridarena/internal/config"
	"gridarena/internal/decision"
	"gridarena/internal/exchange/binance"
	"gridarena/internal/executor"
	"gridarena/internal/grid"
	"gridarena/internal/indicator"
	"gridarena/internal/market"
	"gridarena/internal/reconcile"
	"gridarena/internal/risk"
	"gridarena/internal/scheduler"
	"gridarena/internal/store"
	"gridarena/pkg/logging"
	"gridarena/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// liquidationProximityPct decides whether a vanished position counts as a
// liquidation during reconciliation.
const liquidationProximityPct = 2.0

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "arena: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	tel, err := telemetry.Setup("gridarena")
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return fmt.Errorf("logger setup: %w", err)
	}
	logging.SetGlobalLogger(logger)
	defer logger.Sync()
	logger.Info("starting arena", "traders", len(cfg.Traders),
		"symbols", cfg.Market.AllowedSymbols, "testnet", cfg.Exchange.Testnet)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Record store.
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("record store unavailable: %w", err)
	}
	defer st.Close()

	// Exchange gateway.
	exchange := binance.NewClient(cfg.Exchange, logger)
	if err := exchange.LoadFilters(ctx); err != nil {
		return fmt.Errorf("load exchange filters: %w", err)
	}

	// Market data with indicators.
	mkt := market.NewService(exchange, indicator.NewService(logger),
		time.Duration(cfg.Market.CacheTTLSeconds)*time.Second,
		cfg.Market.KlineInterval, cfg.Market.KlineLimit, logger)

	var stream *binance.MarkPriceStream
	if cfg.Market.EnableStream {
		stream = binance.NewMarkPriceStream(cfg.Market.AllowedSymbols, cfg.Exchange.Testnet, logger)
		if err := stream.Start(ctx, func(symbol string, price decimal.Decimal, eventTime time.Time) {
			mkt.PushPrice(symbol, price, eventTime)
		}); err != nil {
			return fmt.Errorf("mark price stream: %w", err)
		}
		defer stream.Stop()
	}

	// Decision providers.
	registry, err := buildProviders(cfg, logger)
	if err != nil {
		return err
	}

	// Virtual accounts.
	accounts := account.NewService(st, logger)
	traderIDs := make([]string, 0, len(cfg.Traders))
	for _, t := range cfg.Traders {
		traderIDs = append(traderIDs, t.ID)
	}
	initialBalance := decimal.NewFromFloat(cfg.InitialBalancePerTrader)
	if err := accounts.Boot(ctx, traderIDs, initialBalance, cfg.Risk.MaxOpenPositions); err != nil {
		return fmt.Errorf("boot accounts: %w", err)
	}

	// Grid engine with restart recovery.
	grids := grid.NewEngine(exchange, st, accounts, decimal.NewFromFloat(cfg.Grid.FeeRate), logger)
	if restored, err := grids.Restore(ctx, cfg.Market.AllowedSymbols); err != nil {
		logger.Error("grid recovery failed", "error", err.Error())
	} else if restored > 0 {
		logger.Info("grids recovered from open orders", "count", restored)
	}

	// Executor and reconciler.
	validator := risk.NewValidator(cfg.Risk, cfg.Grid, cfg.Market.AllowedSymbols)
	limiter := rate.NewLimiter(rate.Every(250*time.Millisecond), 4)
	exec := executor.NewExecutor(exchange, accounts, grids, validator, limiter, logger)
	reconciler := reconcile.NewReconciler(exchange, accounts, cfg.Market.AllowedSymbols,
		liquidationProximityPct, logger)

	// Metrics endpoint.
	if cfg.Telemetry.EnableMetrics {
		metricsServer := telemetry.NewMetricsServer(cfg.Telemetry.MetricsPort, logger)
		metricsServer.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Stop(stopCtx)
		}()
	}

	// Periodic jobs.
	providerTimeout := 30 * time.Second
	cycle := scheduler.NewDecisionCycle(mkt, accounts, grids, exec, registry, st,
		cfg.Traders, cfg.Market.AllowedSymbols, providerTimeout,
		cfg.Scheduler.MaxConcurrentTraders, logger)

	sched := scheduler.New(logger)
	sched.Register("decision_cycle",
		time.Duration(cfg.Scheduler.DecisionIntervalSeconds)*time.Second, cycle.Run)
	sched.Register("reconcile",
		time.Duration(cfg.Scheduler.ReconcileIntervalSeconds)*time.Second,
		func(ctx context.Context) error {
			_, err := reconciler.Run(ctx)
			return err
		})
	sched.Register("grid_monitor", 15*time.Second, func(ctx context.Context) error {
		grids.MonitorTick(ctx, mkt.Prices(ctx, cfg.Market.AllowedSymbols))
		return nil
	})
	sched.Register("flush",
		time.Duration(cfg.Scheduler.FlushIntervalSeconds)*time.Second,
		func(ctx context.Context) error {
			if err := accounts.SyncAll(ctx); err != nil {
				return err
			}
			logLeaderboard(logger, accounts)
			return nil
		})

	sched.Start(ctx)
	sched.TriggerNow(ctx, "decision_cycle")

	<-ctx.Done()
	logger.Info("shutdown signal received")
	sched.Stop(time.Duration(cfg.Scheduler.ShutdownGraceSeconds) * time.Second)

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := accounts.SyncAll(flushCtx); err != nil {
		logger.Error("final flush failed", "error", err.Error())
	}
	logger.Info("arena stopped")
	return nil
}

// buildProviders registers every configured provider and checks trader
// bindings. With strict validation a broken binding is fatal; otherwise the
// trader is skipped at cycle time and logged here.
func buildProviders(cfg *config.Config, logger *logging.ZapLogger) (*decision.Registry, error) {
	registry := decision.BuildRegistry(cfg.Providers, logger)
	for _, t := range cfg.Traders {
		if _, ok := registry.Get(t.Provider); ok {
			continue
		}
		if cfg.StrictProviderValidation {
			return nil, fmt.Errorf("trader %s bound to unknown provider %s", t.ID, t.Provider)
		}
		logger.Warn("trader bound to unknown provider, will be skipped",
			"trader_id", t.ID, "provider", t.Provider)
	}
	return registry, nil
}

func logLeaderboard(logger *logging.ZapLogger, accounts *account.Service) {
	for rank, row := range accounts.Leaderboard() {
		logger.Info("leaderboard", "rank", rank+1, "trader_id", row.TraderID,
			"equity", row.Equity.StringFixed(2), "return_pct", row.ReturnPct.StringFixed(2),
			"trades", row.Trades, "wins", row.Wins, "losses", row.Losses)
	}
}
