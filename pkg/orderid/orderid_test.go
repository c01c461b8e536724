package orderid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlainOrderID(t *testing.T) {
	own, ok := Parse("LLM-A_ETHUSDT_1728394875123")
	require.True(t, ok)
	assert.Equal(t, "LLM-A", own.TraderID)
	assert.Equal(t, "ETHUSDT", own.Symbol)
	assert.False(t, own.IsGrid())
}

func TestParseGridOrderID(t *testing.T) {
	own, ok := Parse("GRID_LLM-B_BNBUSDT_a1b2c3d4_SELL_4")
	require.True(t, ok)
	assert.Equal(t, "LLM-B", own.TraderID)
	assert.Equal(t, "BNBUSDT", own.Symbol)
	require.True(t, own.IsGrid())
	assert.Equal(t, "a1b2c3d4", own.Grid.ShortID)
	assert.Equal(t, "SELL", own.Grid.Side)
	assert.Equal(t, 4, own.Grid.LevelIndex)
}

func TestParseForeignOrderIDIsUnowned(t *testing.T) {
	_, ok := Parse("random-order-42")
	assert.False(t, ok)
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"LLM-A_ETHUSDT",                      // missing timestamp
		"LLM-A_ETHUSDT_17283948xx",           // non-numeric timestamp
		"GRID_LLM-B_BNBUSDT_a1b2c3d4_SELL",   // missing level
		"GRID_LLM-B_BNBUSDT_a1b2c3d4_HOLD_4", // bad side
		"GRID_LLM-B_BNBUSDT_A1B2C3D4_BUY_2",  // uppercase nonce
		"GRID_LLM-B_BNBUSDT_a1b2_BUY_2",      // short nonce
	}
	for _, id := range cases {
		_, ok := Parse(id)
		assert.False(t, ok, "expected %q to be unowned", id)
	}
}

func TestRoundTripWithUnderscoredTrader(t *testing.T) {
	id := New("desk_alpha_2", "BTCUSDT", time.UnixMilli(1700000000000))
	own, ok := Parse(id)
	require.True(t, ok)
	assert.Equal(t, "desk_alpha_2", own.TraderID)
	assert.Equal(t, "BTCUSDT", own.Symbol)

	gid := NewGrid("desk_alpha_2", "BTCUSDT", "00ff00ff", "BUY", 0)
	own, ok = Parse(gid)
	require.True(t, ok)
	assert.Equal(t, "desk_alpha_2", own.TraderID)
	require.True(t, own.IsGrid())
	assert.Equal(t, 0, own.Grid.LevelIndex)
}
