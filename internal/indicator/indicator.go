// Package indicator computes technical indicators over kline close series.
// All math here is statistical, so float64 is used throughout.
package indicator

import (
	"math"

	"gridarena/internal/core"
)

// Neutral sentinels returned when a series is too short.
const (
	NeutralRSI  = 50.0
	NeutralMACD = 0.0
)

// SMA computes the simple moving average of the last period values.
// ok is false when the series is too short.
func SMA(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range closes[len(closes)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// EMA computes the exponential moving average of the series, seeded with the
// SMA of the first period values.
func EMA(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period {
		return 0, false
	}
	seed, _ := SMA(closes[:period], period)
	k := 2.0 / float64(period+1)
	ema := seed
	for _, v := range closes[period:] {
		ema = v*k + ema*(1-k)
	}
	return ema, true
}

// RSI computes the Wilder relative strength index over the last period
// changes.
func RSI(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period+1 {
		return 0, false
	}

	changes := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		changes[i-1] = closes[i] - closes[i-1]
	}

	var gainSum, lossSum float64
	for _, change := range changes[len(changes)-period:] {
		if change > 0 {
			gainSum += change
		} else {
			lossSum += math.Abs(change)
		}
	}

	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)
	if avgLoss == 0 {
		return 100, true
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), true
}

// MACD computes the MACD line, signal line, and histogram. The signal line is
// the EMA of the MACD series over signalPeriod.
func MACD(closes []float64, fast, slow, signalPeriod int) (macdLine, signalLine, histogram float64, ok bool) {
	if fast <= 0 || slow <= fast || signalPeriod <= 0 {
		return 0, 0, 0, false
	}
	if len(closes) < slow+signalPeriod {
		return 0, 0, 0, false
	}

	// Build the MACD series over the suffix that both EMAs cover.
	series := make([]float64, 0, len(closes)-slow+1)
	for i := slow; i <= len(closes); i++ {
		fastEMA, _ := EMA(closes[:i], fast)
		slowEMA, _ := EMA(closes[:i], slow)
		series = append(series, fastEMA-slowEMA)
	}

	macdLine = series[len(series)-1]
	signalLine, _ = EMA(series, signalPeriod)
	histogram = macdLine - signalLine
	return macdLine, signalLine, histogram, true
}

// Service wraps the pure indicator functions with neutral-sentinel fallback
// and warning logs, as consumed by the market snapshot builder.
type Service struct {
	logger core.ILogger
}

// NewService creates an indicator service
func NewService(logger core.ILogger) *Service {
	return &Service{logger: logger.WithField("component", "indicator")}
}

// Enrich fills the indicator fields of a snapshot from kline closes.
// Insufficient data yields neutral sentinels, never an error.
func (s *Service) Enrich(snap *core.MarketSnapshot, closes []float64) {
	if rsi, ok := RSI(closes, 14); ok {
		snap.RSI14 = rsi
	} else {
		snap.RSI14 = NeutralRSI
		s.logger.Warn("Insufficient data for RSI, using neutral sentinel",
			"symbol", snap.Symbol, "closes", len(closes))
	}

	if ema, ok := EMA(closes, 20); ok {
		snap.EMA20 = ema
	}
	if ema, ok := EMA(closes, 50); ok {
		snap.EMA50 = ema
	}

	if macd, signal, hist, ok := MACD(closes, 12, 26, 9); ok {
		snap.MACD = macd
		snap.MACDSignal = signal
		snap.MACDHist = hist
	} else {
		snap.MACD = NeutralMACD
		snap.MACDSignal = NeutralMACD
		snap.MACDHist = NeutralMACD
		s.logger.Warn("Insufficient data for MACD, using neutral sentinel",
			"symbol", snap.Symbol, "closes", len(closes))
	}
}
