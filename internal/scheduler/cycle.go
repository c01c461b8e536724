package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"gridarena/internal/account"
	"gridarena/internal/config"
	"gridarena/internal/core"
	"gridarena/internal/decision"
	"gridarena/internal/executor"
	"gridarena/internal/grid"
	"gridarena/internal/market"
	"gridarena/pkg/apperrors"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Decision record outcomes beyond the execution statuses.
const (
	OutcomeProviderError = "PROVIDER_ERROR"
	OutcomeParseError    = "PARSE_ERROR"
)

// DecisionCycle is the per-interval round that asks every enabled trader for
// a decision and executes it. One trader's failure never aborts the others.
type DecisionCycle struct {
	market   *market.Service
	accounts *account.Service
	grids    *grid.Engine
	executor *executor.Executor
	registry *decision.Registry
	store    core.RecordStore
	logger   core.ILogger

	traders         []config.TraderConfig
	symbols         []string
	providerTimeout time.Duration
	maxConcurrent   int
	clock           core.Clock

	cycleNumber atomic.Int64
}

// NewDecisionCycle wires the cycle job.
func NewDecisionCycle(mkt *market.Service, accounts *account.Service, grids *grid.Engine,
	exec *executor.Executor, registry *decision.Registry, store core.RecordStore,
	traders []config.TraderConfig, symbols []string, providerTimeout time.Duration,
	maxConcurrent int, logger core.ILogger) *DecisionCycle {

	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &DecisionCycle{
		market:          mkt,
		accounts:        accounts,
		grids:           grids,
		executor:        exec,
		registry:        registry,
		store:           store,
		traders:         traders,
		symbols:         symbols,
		providerTimeout: providerTimeout,
		maxConcurrent:   maxConcurrent,
		clock:           core.RealClock{},
		logger:          logger.WithField("component", "decision_cycle"),
	}
}

// SetClock replaces the time source. Test hook.
func (c *DecisionCycle) SetClock(clock core.Clock) { c.clock = clock }

// Run executes one full decision cycle.
func (c *DecisionCycle) Run(ctx context.Context) error {
	cycle := c.cycleNumber.Add(1)
	snapshots := c.market.Snapshots(ctx, c.symbols)
	if len(snapshots) == 0 {
		return errors.New("no market data for any tracked symbol")
	}
	prices := make(map[string]decimal.Decimal, len(snapshots))
	for symbol, snap := range snapshots {
		prices[symbol] = snap.Price
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrent)
	for _, trader := range c.traders {
		if !trader.Enabled {
			continue
		}
		g.Go(func() error {
			c.runTrader(gctx, cycle, trader, snapshots, prices)
			return nil
		})
	}
	_ = g.Wait()

	c.accounts.UpdateUnrealized(prices)
	if err := c.accounts.SyncAll(ctx); err != nil {
		return err
	}
	for _, snap := range snapshots {
		if err := c.store.SaveSnapshot(ctx, snap); err != nil {
			c.logger.Warn("snapshot persist failed", "symbol", snap.Symbol, "error", err.Error())
		}
	}
	c.logger.Info("decision cycle complete", "cycle", cycle, "symbols", len(snapshots))
	return nil
}

func (c *DecisionCycle) runTrader(ctx context.Context, cycle int64, trader config.TraderConfig,
	snapshots map[string]*core.MarketSnapshot, prices map[string]decimal.Decimal) {

	record := &core.DecisionRecord{
		TraderID:    trader.ID,
		CycleNumber: cycle,
		Timestamp:   c.clock.Now(),
	}
	defer func() {
		if err := c.store.SaveDecision(ctx, record); err != nil {
			c.logger.Error("decision record persist failed", "trader_id", trader.ID, "error", err.Error())
		}
	}()

	provider, ok := c.registry.Get(trader.Provider)
	if !ok {
		record.Outcome = OutcomeProviderError
		record.Reason = "provider not registered: " + trader.Provider
		return
	}

	req, err := c.buildRequest(trader.ID, cycle, snapshots)
	if err != nil {
		record.Outcome = OutcomeProviderError
		record.Reason = err.Error()
		return
	}
	record.InputDigest = decision.Digest(req)

	callCtx, cancel := context.WithTimeout(ctx, c.providerTimeout)
	resp, err := provider.Decide(callCtx, req)
	cancel()
	if err != nil {
		// A timed-out or failed provider skips this trader for the
		// cycle; it is never a cycle-wide failure.
		record.Outcome = OutcomeProviderError
		record.Reason = err.Error()
		c.logger.Warn("provider call failed", "trader_id", trader.ID,
			"provider", trader.Provider, "error", err.Error())
		return
	}
	record.RawResponse = resp.RawText
	record.TokensIn = resp.TokensIn
	record.TokensOut = resp.TokensOut
	record.CostUSD = resp.CostUSD
	record.LatencyMs = resp.Latency.Milliseconds()

	d, err := decision.Parse(resp.RawText)
	if err != nil {
		record.Outcome = OutcomeParseError
		record.Reason = err.Error()
		var parseErr *apperrors.ResponseParseError
		if errors.As(err, &parseErr) {
			record.RawResponse = parseErr.Raw
		}
		c.logger.Warn("unparseable decision", "trader_id", trader.ID, "error", err.Error())
		return
	}
	record.Action = string(d.Action)
	record.Symbol = d.Symbol

	result := c.executor.Execute(ctx, trader.ID, d, prices)
	record.Outcome = string(result.Status)
	record.Reason = result.Reason
	c.logger.Info("trader decided", "trader_id", trader.ID, "cycle", cycle,
		"action", string(d.Action), "symbol", d.Symbol, "outcome", record.Outcome)
}

func (c *DecisionCycle) buildRequest(traderID string, cycle int64, snapshots map[string]*core.MarketSnapshot) (*core.DecisionRequest, error) {
	acct, err := c.accounts.Get(traderID)
	if err != nil {
		return nil, err
	}
	positions, err := c.accounts.Positions(traderID)
	if err != nil {
		return nil, err
	}
	trades, err := c.store.ListTrades(context.Background(), traderID, 10)
	if err != nil {
		c.logger.Warn("trade history unavailable", "trader_id", traderID, "error", err.Error())
	}
	return decision.BuildRequest(traderID, cycle, &decision.ContextInput{
		Account:   acct,
		Snapshots: snapshots,
		Positions: positions,
		Grids:     c.grids.Grids(traderID),
		Trades:    trades,
	}), nil
}
