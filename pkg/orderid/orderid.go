// Package orderid encodes trader ownership into exchange client order IDs.
//
// Two shapes are produced and recognized:
//
//	{trader_id}_{symbol}_{unix_ms}                           plain orders
//	GRID_{trader_id}_{symbol}_{grid_short}_{side}_{level}    grid ladder orders
//
// Anything else is unowned: the platform never touches orders it cannot
// attribute.
package orderid

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const gridPrefix = "GRID_"

// GridRef identifies the ladder rung a grid order belongs to.
type GridRef struct {
	ShortID    string
	Side       string
	LevelIndex int
}

// Ownership is the decoded attribution of a client order ID.
type Ownership struct {
	TraderID string
	Symbol   string
	Grid     *GridRef
}

// IsGrid reports whether the order belongs to a grid ladder.
func (o *Ownership) IsGrid() bool { return o.Grid != nil }

// New builds a plain (non-grid) client order ID.
func New(traderID, symbol string, ts time.Time) string {
	return fmt.Sprintf("%s_%s_%d", traderID, symbol, ts.UnixMilli())
}

// NewGrid builds a grid client order ID. shortID is the 8-hex-char grid
// nonce, side is BUY or SELL, level is the ladder index.
func NewGrid(traderID, symbol, shortID, side string, level int) string {
	return fmt.Sprintf("GRID_%s_%s_%s_%s_%d", traderID, symbol, shortID, side, level)
}

// Parse decodes a client order ID. The second return is false for any ID the
// platform did not mint; callers must treat those orders as unowned.
//
// Trader IDs may contain underscores, so both shapes are decoded from the
// right: the trailing fixed-format segments are peeled off and the remainder
// splits into trader and symbol at the last underscore.
func Parse(clientOrderID string) (*Ownership, bool) {
	if clientOrderID == "" {
		return nil, false
	}

	if strings.HasPrefix(clientOrderID, gridPrefix) {
		return parseGrid(strings.TrimPrefix(clientOrderID, gridPrefix))
	}
	return parsePlain(clientOrderID)
}

func parsePlain(id string) (*Ownership, bool) {
	parts := strings.Split(id, "_")
	if len(parts) < 3 {
		return nil, false
	}

	tsPart := parts[len(parts)-1]
	if !isDigits(tsPart) {
		return nil, false
	}
	symbol := parts[len(parts)-2]
	if symbol == "" {
		return nil, false
	}
	traderID := strings.Join(parts[:len(parts)-2], "_")
	if traderID == "" {
		return nil, false
	}

	return &Ownership{TraderID: traderID, Symbol: symbol}, true
}

func parseGrid(id string) (*Ownership, bool) {
	parts := strings.Split(id, "_")
	if len(parts) < 5 {
		return nil, false
	}

	levelPart := parts[len(parts)-1]
	level, err := strconv.Atoi(levelPart)
	if err != nil || level < 0 {
		return nil, false
	}

	side := parts[len(parts)-2]
	if side != "BUY" && side != "SELL" {
		return nil, false
	}

	shortID := parts[len(parts)-3]
	if !isShortHex(shortID) {
		return nil, false
	}

	symbol := parts[len(parts)-4]
	if symbol == "" {
		return nil, false
	}
	traderID := strings.Join(parts[:len(parts)-4], "_")
	if traderID == "" {
		return nil, false
	}

	return &Ownership{
		TraderID: traderID,
		Symbol:   symbol,
		Grid: &GridRef{
			ShortID:    shortID,
			Side:       side,
			LevelIndex: level,
		},
	}, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isShortHex(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
