package binance

import (
	"testing"

	"gridarena/internal/config"
	"gridarena/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return NewClient(config.ExchangeConfig{
		APIKey:         "k",
		SecretKey:      "s",
		Testnet:        true,
		TimeoutSeconds: 5,
	}, logger)
}

func TestRoundStepFloors(t *testing.T) {
	c := newTestClient(t)
	c.SetFilter("BTCUSDT", decimal.NewFromFloat(0.001), decimal.NewFromFloat(0.1))

	got := c.RoundStep("BTCUSDT", decimal.NewFromFloat(0.0019))
	assert.True(t, got.Equal(decimal.NewFromFloat(0.001)), "got %s", got)

	got = c.RoundTick("BTCUSDT", decimal.NewFromFloat(50000.19))
	assert.True(t, got.Equal(decimal.NewFromFloat(50000.1)), "got %s", got)
}

func TestRoundStepUnknownSymbolPassesThrough(t *testing.T) {
	c := newTestClient(t)
	qty := decimal.NewFromFloat(0.12345)
	assert.True(t, c.RoundStep("DOGEUSDT", qty).Equal(qty))
	assert.True(t, c.RoundTick("DOGEUSDT", qty).Equal(qty))
}
