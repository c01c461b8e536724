// Package market fetches prices and 24h statistics with a TTL cache.
package market

import (
	"context"
	"sync"
	"time"

	"gridarena/internal/core"
	"gridarena/internal/indicator"

	"github.com/shopspring/decimal"
)

type priceEntry struct {
	price   decimal.Decimal
	fetched time.Time
}

type tickerEntry struct {
	ticker  *core.Ticker24h
	fetched time.Time
}

// Service wraps the exchange gateway with an in-process TTL cache. Kline
// reads bypass the cache. A mark-price stream may push prices in; pushed
// prices obey the same TTL.
type Service struct {
	exchange      core.Exchange
	indicators    *indicator.Service
	ttl           time.Duration
	klineInterval string
	klineLimit    int
	logger        core.ILogger
	clock         core.Clock

	mu      sync.RWMutex
	prices  map[string]priceEntry
	tickers map[string]tickerEntry
}

// NewService creates a market data service.
func NewService(exchange core.Exchange, indicators *indicator.Service, ttl time.Duration,
	klineInterval string, klineLimit int, logger core.ILogger) *Service {
	return &Service{
		exchange:      exchange,
		indicators:    indicators,
		ttl:           ttl,
		klineInterval: klineInterval,
		klineLimit:    klineLimit,
		logger:        logger.WithField("component", "market_data"),
		clock:         core.RealClock{},
		prices:        make(map[string]priceEntry),
		tickers:       make(map[string]tickerEntry),
	}
}

// SetClock overrides the clock. Test hook.
func (s *Service) SetClock(clock core.Clock) { s.clock = clock }

// GetPrice returns the current price, served from cache within the TTL.
func (s *Service) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	now := s.clock.Now()

	s.mu.RLock()
	entry, ok := s.prices[symbol]
	s.mu.RUnlock()
	if ok && now.Sub(entry.fetched) < s.ttl {
		return entry.price, nil
	}

	price, err := s.exchange.GetPrice(ctx, symbol)
	if err != nil {
		// Serve a stale price rather than failing the cycle when one exists.
		if ok {
			s.logger.Warn("Price fetch failed, serving stale cache",
				"symbol", symbol, "age", now.Sub(entry.fetched), "error", err)
			return entry.price, nil
		}
		return decimal.Zero, err
	}

	s.mu.Lock()
	s.prices[symbol] = priceEntry{price: price, fetched: now}
	s.mu.Unlock()
	return price, nil
}

// PushPrice injects a stream-delivered price into the cache.
func (s *Service) PushPrice(symbol string, price decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.prices[symbol]
	if ok && current.fetched.After(at) {
		return
	}
	s.prices[symbol] = priceEntry{price: price, fetched: at}
}

// GetTicker returns 24h statistics, served from cache within the TTL.
func (s *Service) GetTicker(ctx context.Context, symbol string) (*core.Ticker24h, error) {
	now := s.clock.Now()

	s.mu.RLock()
	entry, ok := s.tickers[symbol]
	s.mu.RUnlock()
	if ok && now.Sub(entry.fetched) < s.ttl {
		return entry.ticker, nil
	}

	ticker, err := s.exchange.GetTicker(ctx, symbol)
	if err != nil {
		if ok {
			s.logger.Warn("Ticker fetch failed, serving stale cache",
				"symbol", symbol, "error", err)
			return entry.ticker, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.tickers[symbol] = tickerEntry{ticker: ticker, fetched: now}
	s.mu.Unlock()
	return ticker, nil
}

// Snapshot builds the per-symbol market snapshot, enriched with indicators
// from fresh klines.
func (s *Service) Snapshot(ctx context.Context, symbol string) (*core.MarketSnapshot, error) {
	ticker, err := s.GetTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}

	snap := &core.MarketSnapshot{
		Symbol:       symbol,
		Price:        ticker.LastPrice,
		Change24hPct: ticker.PriceChangePct,
		High24h:      ticker.High,
		Low24h:       ticker.Low,
		Volume24h:    ticker.Volume,
		Timestamp:    s.clock.Now(),
	}

	klines, err := s.exchange.GetKlines(ctx, symbol, s.klineInterval, s.klineLimit)
	if err != nil {
		s.logger.Warn("Kline fetch failed, snapshot carries neutral indicators",
			"symbol", symbol, "error", err)
		s.indicators.Enrich(snap, nil)
		return snap, nil
	}

	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i], _ = k.Close.Float64()
	}
	s.indicators.Enrich(snap, closes)
	return snap, nil
}

// Snapshots builds snapshots for all symbols, skipping symbols that fail.
func (s *Service) Snapshots(ctx context.Context, symbols []string) map[string]*core.MarketSnapshot {
	out := make(map[string]*core.MarketSnapshot, len(symbols))
	for _, symbol := range symbols {
		snap, err := s.Snapshot(ctx, symbol)
		if err != nil {
			s.logger.Warn("Skipping symbol for this cycle", "symbol", symbol, "error", err)
			continue
		}
		out[symbol] = snap
	}
	return out
}

// Prices returns current prices for the given symbols, skipping failures.
func (s *Service) Prices(ctx context.Context, symbols []string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		price, err := s.GetPrice(ctx, symbol)
		if err != nil {
			s.logger.Warn("No price for symbol", "symbol", symbol, "error", err)
			continue
		}
		out[symbol] = price
	}
	return out
}
