package decision

import (
	"testing"

	"gridarena/internal/core"
	"gridarena/pkg/apperrors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(i int64) decimal.Decimal { return decimal.NewFromInt(i) }

func TestParseHold(t *testing.T) {
	d, err := Parse(`{"action":"HOLD","reasoning":"nothing to do","confidence":0.9}`)
	require.NoError(t, err)
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, 0.9, d.Confidence)
	assert.Nil(t, d.Open)
	assert.Nil(t, d.Grid)
}

func TestParseBuyInsideCodeFence(t *testing.T) {
	raw := "Here is my decision:\n```json\n" +
		`{"action":"buy","symbol":"ethusdt","confidence":0.7,"reasoning":"momentum",
		  "open":{"size_usd":40,"leverage":3,"stop_loss_pct":5,"take_profit_pct":10}}` +
		"\n```\nGood luck."
	d, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, ActionBuy, d.Action)
	assert.Equal(t, "ETHUSDT", d.Symbol)
	require.NotNil(t, d.Open)
	assert.True(t, d.Open.SizeUSD.Equal(dec(40)))
	assert.Equal(t, 3, d.Open.Leverage)
}

func TestParseSetupGrid(t *testing.T) {
	raw := `{"action":"SETUP_GRID","symbol":"BNBUSDT","confidence":0.8,"reasoning":"range",
		"grid":{"upper":200,"lower":100,"level_count":6,"spacing":"arithmetic","leverage":3,
		"investment":120,"stop_loss_pct":12}}`
	d, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, ActionSetupGrid, d.Action)
	require.NotNil(t, d.Grid)
	assert.True(t, d.Grid.Upper.Equal(dec(200)))
	assert.True(t, d.Grid.Lower.Equal(dec(100)))
	assert.Equal(t, 6, d.Grid.LevelCount)
	assert.Equal(t, core.GridSpacingArithmetic, d.Grid.Spacing)
}

func TestParseErrorsPreserveRaw(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"no json", "I think we should wait and see."},
		{"unknown action", `{"action":"YOLO","symbol":"BTCUSDT"}`},
		{"missing symbol", `{"action":"CLOSE"}`},
		{"missing open params", `{"action":"BUY","symbol":"BTCUSDT"}`},
		{"missing grid params", `{"action":"SETUP_GRID","symbol":"BTCUSDT"}`},
		{"bad spacing", `{"action":"SETUP_GRID","symbol":"BTCUSDT",
			"grid":{"upper":2,"lower":1,"level_count":5,"spacing":"fibonacci","leverage":1,"investment":50,"stop_loss_pct":10}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.raw)
			var parseErr *apperrors.ResponseParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Equal(t, tc.raw, parseErr.Raw)
		})
	}
}

func TestParseClampsConfidence(t *testing.T) {
	d, err := Parse(`{"action":"HOLD","confidence":7.5}`)
	require.NoError(t, err)
	assert.Equal(t, 1.0, d.Confidence)
}
