package market

import (
	"context"
	"testing"
	"time"

	"gridarena/internal/core"
	"gridarena/internal/indicator"
	"gridarena/internal/mock"
	"gridarena/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestService(t *testing.T, ex core.Exchange, ttl time.Duration) (*Service, *fakeClock) {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	svc := NewService(ex, indicator.NewService(logger), ttl, "15m", 50, logger)
	clock := &fakeClock{now: time.UnixMilli(1700000000000)}
	svc.SetClock(clock)
	return svc, clock
}

func TestGetPriceServesFromCacheWithinTTL(t *testing.T) {
	ex := mock.NewExchange()
	ex.SetPrice("BTCUSDT", decimal.NewFromInt(50000))
	svc, clock := newTestService(t, ex, 30*time.Second)
	ctx := context.Background()

	p1, err := svc.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, p1.Equal(decimal.NewFromInt(50000)))

	// Price moves on the exchange, but the cache is still fresh
	ex.SetPrice("BTCUSDT", decimal.NewFromInt(51000))
	p2, err := svc.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, p2.Equal(decimal.NewFromInt(50000)))

	// TTL expiry refetches
	clock.now = clock.now.Add(31 * time.Second)
	p3, err := svc.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, p3.Equal(decimal.NewFromInt(51000)))
}

func TestPushPriceWarmsCache(t *testing.T) {
	ex := mock.NewExchange()
	svc, clock := newTestService(t, ex, 30*time.Second)

	svc.PushPrice("ETHUSDT", decimal.NewFromInt(3000), clock.now)

	p, err := svc.GetPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(3000)))
}

func TestPushPriceIgnoresOlderUpdates(t *testing.T) {
	ex := mock.NewExchange()
	svc, clock := newTestService(t, ex, time.Minute)

	svc.PushPrice("ETHUSDT", decimal.NewFromInt(3000), clock.now)
	svc.PushPrice("ETHUSDT", decimal.NewFromInt(2900), clock.now.Add(-time.Second))

	p, err := svc.GetPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(3000)))
}

func TestSnapshotCarriesTickerAndIndicators(t *testing.T) {
	ex := mock.NewExchange()
	ex.SetPrice("BTCUSDT", decimal.NewFromInt(50000))

	klines := make([]core.Kline, 60)
	for i := range klines {
		klines[i] = core.Kline{
			Open:  decimal.NewFromInt(50000),
			High:  decimal.NewFromInt(50100),
			Low:   decimal.NewFromInt(49900),
			Close: decimal.NewFromInt(50000),
		}
	}
	ex.SetKlines("BTCUSDT", klines)

	svc, _ := newTestService(t, ex, time.Minute)
	snap, err := svc.Snapshot(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.True(t, snap.Price.Equal(decimal.NewFromInt(50000)))
	// Constant closes: RSI saturates at 100 (no losses), MACD flat
	assert.InDelta(t, 100.0, snap.RSI14, 1e-9)
	assert.InDelta(t, 0.0, snap.MACD, 1e-9)
}

func TestSnapshotsSkipFailingSymbols(t *testing.T) {
	ex := mock.NewExchange()
	ex.SetPrice("BTCUSDT", decimal.NewFromInt(50000))

	svc, _ := newTestService(t, ex, time.Minute)
	snaps := svc.Snapshots(context.Background(), []string{"BTCUSDT", "NOPEUSDT"})
	assert.Len(t, snaps, 1)
	assert.Contains(t, snaps, "BTCUSDT")
}
