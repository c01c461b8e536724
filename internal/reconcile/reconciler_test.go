package reconcile

import (
	"context"
	"path/filepath"
	"testing"

	"gridarena/internal/account"
	"gridarena/internal/core"
	"gridarena/internal/mock"
	"gridarena/internal/store"
	"gridarena/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

var symbols = []string{"ETHUSDT", "BNBUSDT"}

func newHarness(t *testing.T) (*mock.Exchange, *account.Service, *Reconciler) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "recon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := logging.NewNopLogger()
	accounts := account.NewService(st, logger)
	require.NoError(t, accounts.Boot(context.Background(), []string{"LLM-A", "LLM-B"}, dec(1000), 3))

	exchange := mock.NewExchange()
	exchange.SetPrice("ETHUSDT", dec(2500))
	exchange.SetPrice("BNBUSDT", dec(150))

	return exchange, accounts, NewReconciler(exchange, accounts, symbols, 2.0, logger)
}

// placeAttributable rests a limit order so the symbol attributes to a trader.
func placeAttributable(t *testing.T, exchange *mock.Exchange, traderID, symbol string) {
	t.Helper()
	_, err := exchange.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol: symbol, Side: core.OrderSideBuy, Type: core.OrderTypeLimit,
		Quantity: dec(1), Price: dec(1), TimeInForce: "GTC",
		ClientOrderID: traderID + "_" + symbol + "_1728394875123",
	})
	require.NoError(t, err)
}

func TestAdoptsExchangePosition(t *testing.T) {
	exchange, accounts, rec := newHarness(t)
	ctx := context.Background()

	placeAttributable(t, exchange, "LLM-A", "ETHUSDT")
	exchange.SetPositions([]core.ExchangePosition{{
		Symbol: "ETHUSDT", PositionAmt: dec(0.2), EntryPrice: dec(2500),
		MarkPrice: dec(2500), Leverage: 5,
	}})

	deltas, err := rec.Run(ctx)
	require.NoError(t, err)

	var forA Delta
	for _, d := range deltas {
		if d.TraderID == "LLM-A" {
			forA = d
		}
	}
	assert.Equal(t, []string{"ETHUSDT"}, forA.Added)

	pos, ok := accounts.Position("LLM-A", "ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, core.PositionSideLong, pos.Side)
	assert.True(t, pos.Quantity.Equal(dec(0.2)))
	assert.Equal(t, 5, pos.Leverage)
}

func TestIdempotentSecondPass(t *testing.T) {
	exchange, _, rec := newHarness(t)
	ctx := context.Background()

	placeAttributable(t, exchange, "LLM-A", "ETHUSDT")
	exchange.SetPositions([]core.ExchangePosition{{
		Symbol: "ETHUSDT", PositionAmt: dec(-0.5), EntryPrice: dec(2500),
		MarkPrice: dec(2500), Leverage: 4,
	}})

	first, err := rec.Run(ctx)
	require.NoError(t, err)
	second, err := rec.Run(ctx)
	require.NoError(t, err)

	changed := false
	for _, d := range first {
		if !d.Empty() {
			changed = true
		}
	}
	require.True(t, changed, "first pass must repair")
	for _, d := range second {
		assert.True(t, d.Empty(), "second pass delta for %s: %+v", d.TraderID, d)
	}
}

func TestClosesVanishedPositionManual(t *testing.T) {
	_, accounts, rec := newHarness(t)
	ctx := context.Background()

	// Booked position, healthy mark, nothing on the exchange.
	require.NoError(t, accounts.OpenPosition(ctx, &core.Position{
		TraderID: "LLM-A", Symbol: "ETHUSDT", Side: core.PositionSideLong,
		EntryPrice: dec(2500), Quantity: dec(0.2), Leverage: 5,
	}))

	deltas, err := rec.Run(ctx)
	require.NoError(t, err)
	for _, d := range deltas {
		if d.TraderID == "LLM-A" {
			assert.Equal(t, []string{"ETHUSDT"}, d.Removed)
		}
	}

	_, ok := accounts.Position("LLM-A", "ETHUSDT")
	assert.False(t, ok)
}

func TestClosesVanishedPositionAsLiquidation(t *testing.T) {
	exchange, accounts, rec := newHarness(t)
	ctx := context.Background()

	require.NoError(t, accounts.OpenPosition(ctx, &core.Position{
		TraderID: "LLM-A", Symbol: "ETHUSDT", Side: core.PositionSideLong,
		EntryPrice: dec(2500), Quantity: dec(0.2), Leverage: 5,
	}))
	// Last seen mark deep under water: 5x long from 2500 liquidates near
	// 2000; upnl of -498 implies a mark of 2002.
	accounts.UpdateUnrealized(map[string]decimal.Decimal{"ETHUSDT": dec(2002)})
	_ = exchange // no exchange position: it was liquidated away

	_, err := rec.Run(ctx)
	require.NoError(t, err)

	st := storeOf(t, accounts)
	trades, err := st.ListTrades(ctx, "LLM-A", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, core.ExitReasonLiquidation, trades[0].ExitReason)
}

func TestUnownedPositionSkipped(t *testing.T) {
	exchange, accounts, rec := newHarness(t)
	ctx := context.Background()

	// Position on a symbol with no attributable open orders.
	exchange.SetPositions([]core.ExchangePosition{{
		Symbol: "BNBUSDT", PositionAmt: dec(10), EntryPrice: dec(150), Leverage: 2,
	}})

	deltas, err := rec.Run(ctx)
	require.NoError(t, err)
	for _, d := range deltas {
		assert.True(t, d.Empty())
	}
	for _, id := range []string{"LLM-A", "LLM-B"} {
		_, ok := accounts.Position(id, "BNBUSDT")
		assert.False(t, ok)
	}
}

// storeOf digs the record store back out through a fresh query path.
func storeOf(t *testing.T, accounts *account.Service) core.RecordStore {
	t.Helper()
	return accounts.Store()
}
