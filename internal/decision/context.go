package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"gridarena/internal/core"

	"github.com/shopspring/decimal"
)

const systemPrompt = `You are an autonomous futures trader managing one virtual account.
Reply with a single JSON object:
{"action":"HOLD|BUY|SELL|CLOSE|SETUP_GRID|UPDATE_GRID|STOP_GRID","symbol":"...","confidence":0.0,"reasoning":"...",
 "open":{"size_usd":0,"leverage":1,"stop_loss_pct":0,"take_profit_pct":0},
 "grid":{"upper":0,"lower":0,"level_count":6,"spacing":"arithmetic","leverage":1,"investment":0,"stop_loss_pct":0}}
Include "open" only for BUY/SELL and "grid" only for SETUP_GRID/UPDATE_GRID.`

// ContextInput bundles everything a trader sees for one round.
type ContextInput struct {
	Account   *core.TraderAccount
	Snapshots map[string]*core.MarketSnapshot
	Positions []*core.Position
	Grids     []*core.GridState
	Trades    []*core.Trade
}

// BuildRequest renders the context bundle into a provider request. The
// digest covers the user prompt so identical inputs are detectable in the
// decision records.
func BuildRequest(traderID string, cycle int64, in *ContextInput) *core.DecisionRequest {
	var b strings.Builder

	fmt.Fprintf(&b, "## Account %s\n", traderID)
	fmt.Fprintf(&b, "balance=%s margin_locked=%s unrealized_pnl=%s equity=%s realized_pnl=%s trades=%d (W%d/L%d)\n\n",
		in.Account.Balance, in.Account.MarginLocked, in.Account.UnrealizedPnL,
		in.Account.Equity(), in.Account.RealizedPnL,
		in.Account.TotalTrades, in.Account.WinningTrades, in.Account.LosingTrades)

	b.WriteString("## Market\n")
	symbols := make([]string, 0, len(in.Snapshots))
	for symbol := range in.Snapshots {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		s := in.Snapshots[symbol]
		fmt.Fprintf(&b, "%s price=%s chg24h=%s%% high=%s low=%s vol=%s rsi14=%.2f ema20=%.2f macd=%.4f\n",
			s.Symbol, s.Price, s.Change24hPct, s.High24h, s.Low24h, s.Volume24h,
			s.RSI14, s.EMA20, s.MACD)
	}
	b.WriteString("\n")

	b.WriteString("## Open positions\n")
	if len(in.Positions) == 0 {
		b.WriteString("none\n")
	}
	for _, p := range in.Positions {
		fmt.Fprintf(&b, "%s %s entry=%s qty=%s lev=%d margin=%s upnl=%s\n",
			p.Symbol, p.Side, p.EntryPrice, p.Quantity, p.Leverage, p.MarginUsed, p.UnrealizedPnL)
	}
	b.WriteString("\n")

	b.WriteString("## Active grids\n")
	if len(in.Grids) == 0 {
		b.WriteString("none\n")
	}
	for _, g := range in.Grids {
		stopPrice := g.Config.Lower.Mul(
			oneMinusPct(g.Config.StopLossPct))
		fmt.Fprintf(&b, "%s [%s..%s] levels=%d spacing=%s lev=%d invest=%s cycles=%d net=%s status=%s stop_below=%s\n",
			g.Symbol, g.Config.Lower, g.Config.Upper, g.Config.LevelCount, g.Config.Spacing,
			g.Config.Leverage, g.Config.Investment, g.CyclesCompleted, g.NetProfit, g.Status, stopPrice)
	}
	b.WriteString("\n")

	b.WriteString("## Recent trades\n")
	if len(in.Trades) == 0 {
		b.WriteString("none\n")
	}
	for _, t := range in.Trades {
		fmt.Fprintf(&b, "%s %s entry=%s exit=%s pnl=%s (%s%%) reason=%s\n",
			t.Symbol, t.Side, t.EntryPrice, t.ExitPrice, t.PnL, t.PnLPct, t.ExitReason)
	}

	userPrompt := b.String()
	return &core.DecisionRequest{
		TraderID:     traderID,
		CycleNumber:  cycle,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
	}
}

func oneMinusPct(pct decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(pct.Div(decimal.NewFromInt(100)))
}

// Digest returns the hex sha256 of the user prompt.
func Digest(req *core.DecisionRequest) string {
	sum := sha256.Sum256([]byte(req.UserPrompt))
	return hex.EncodeToString(sum[:])
}
