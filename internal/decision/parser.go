package decision

import (
	"encoding/json"
	"regexp"
	"strings"

	"gridarena/internal/core"
	"gridarena/pkg/apperrors"

	"github.com/shopspring/decimal"
)

var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// extractJSON pulls the JSON object out of a provider reply. Providers wrap
// replies in prose and markdown fences; this is the only shape-tolerant
// point in the pipeline.
func extractJSON(raw string) (string, bool) {
	if m := codeFenceRe.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

// decisionDoc is the loose wire shape. Numbers may arrive as JSON numbers or
// strings; json.Number absorbs both by deferring conversion.
type decisionDoc struct {
	Action     string  `json:"action"`
	Symbol     string  `json:"symbol"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`

	Open *struct {
		SizeUSD       json.Number `json:"size_usd"`
		Leverage      int         `json:"leverage"`
		StopLossPct   json.Number `json:"stop_loss_pct"`
		TakeProfitPct json.Number `json:"take_profit_pct"`
	} `json:"open"`

	Grid *struct {
		Upper       json.Number `json:"upper"`
		Lower       json.Number `json:"lower"`
		LevelCount  int         `json:"level_count"`
		Spacing     string      `json:"spacing"`
		Leverage    int         `json:"leverage"`
		Investment  json.Number `json:"investment"`
		StopLossPct json.Number `json:"stop_loss_pct"`
	} `json:"grid"`
}

// Parse decodes a raw provider reply into a Decision. Any shape mismatch
// yields a ResponseParseError carrying the raw payload for the decision
// record.
func Parse(raw string) (*Decision, error) {
	payload, ok := extractJSON(raw)
	if !ok {
		return nil, &apperrors.ResponseParseError{Raw: raw, Reason: "no JSON object found"}
	}

	var doc decisionDoc
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, &apperrors.ResponseParseError{Raw: raw, Reason: err.Error()}
	}

	action := Action(strings.ToUpper(strings.TrimSpace(doc.Action)))
	if !validActions[action] {
		return nil, &apperrors.ResponseParseError{Raw: raw, Reason: "unknown action: " + doc.Action}
	}

	d := &Decision{
		Action:     action,
		Symbol:     strings.ToUpper(strings.TrimSpace(doc.Symbol)),
		Reasoning:  doc.Reasoning,
		Confidence: doc.Confidence,
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}

	if d.NeedsSymbol() && d.Symbol == "" {
		return nil, &apperrors.ResponseParseError{Raw: raw, Reason: "action " + string(action) + " requires a symbol"}
	}

	switch action {
	case ActionBuy, ActionSell:
		if doc.Open == nil {
			return nil, &apperrors.ResponseParseError{Raw: raw, Reason: "open parameters missing"}
		}
		open := &OpenParams{Leverage: doc.Open.Leverage}
		var err error
		if open.SizeUSD, err = numberToDecimal(doc.Open.SizeUSD); err != nil {
			return nil, &apperrors.ResponseParseError{Raw: raw, Reason: "invalid size_usd"}
		}
		if open.StopLossPct, err = numberToDecimal(doc.Open.StopLossPct); err != nil {
			return nil, &apperrors.ResponseParseError{Raw: raw, Reason: "invalid stop_loss_pct"}
		}
		if open.TakeProfitPct, err = numberToDecimal(doc.Open.TakeProfitPct); err != nil {
			return nil, &apperrors.ResponseParseError{Raw: raw, Reason: "invalid take_profit_pct"}
		}
		d.Open = open

	case ActionSetupGrid, ActionUpdateGrid:
		if doc.Grid == nil {
			return nil, &apperrors.ResponseParseError{Raw: raw, Reason: "grid parameters missing"}
		}
		grid := &core.GridConfig{
			LevelCount: doc.Grid.LevelCount,
			Spacing:    core.GridSpacing(strings.ToLower(doc.Grid.Spacing)),
			Leverage:   doc.Grid.Leverage,
		}
		var err error
		if grid.Upper, err = numberToDecimal(doc.Grid.Upper); err != nil {
			return nil, &apperrors.ResponseParseError{Raw: raw, Reason: "invalid grid upper"}
		}
		if grid.Lower, err = numberToDecimal(doc.Grid.Lower); err != nil {
			return nil, &apperrors.ResponseParseError{Raw: raw, Reason: "invalid grid lower"}
		}
		if grid.Investment, err = numberToDecimal(doc.Grid.Investment); err != nil {
			return nil, &apperrors.ResponseParseError{Raw: raw, Reason: "invalid grid investment"}
		}
		if grid.StopLossPct, err = numberToDecimal(doc.Grid.StopLossPct); err != nil {
			return nil, &apperrors.ResponseParseError{Raw: raw, Reason: "invalid grid stop_loss_pct"}
		}
		if grid.Spacing != core.GridSpacingArithmetic && grid.Spacing != core.GridSpacingGeometric {
			return nil, &apperrors.ResponseParseError{Raw: raw, Reason: "invalid grid spacing: " + doc.Grid.Spacing}
		}
		d.Grid = grid
	}

	return d, nil
}

func numberToDecimal(n json.Number) (decimal.Decimal, error) {
	s := n.String()
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
