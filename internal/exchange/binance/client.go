// Package binance implements the exchange gateway against the USD-M futures API.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gridarena/internal/config"
	"gridarena/internal/core"
	"gridarena/pkg/httpclient"
	"gridarena/pkg/retry"

	"github.com/shopspring/decimal"
)

const (
	liveBaseURL    = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"
)

// Client implements core.Exchange over signed REST.
//
// Read paths ride the resilient pipeline (retry + breaker). Order-mutating
// paths go through a no-retry pipeline; a mutation is replayed only when the
// failure is a connect error, i.e. the request provably never left the
// process. On any ambiguous send failure the error surfaces and the caller
// must consult open orders to learn the truth.
type Client struct {
	public  *httpclient.Client
	signed  *httpclient.Client
	mutate  *httpclient.Client
	logger  core.ILogger
	filters map[string]symbolFilter
	mu      sync.RWMutex
}

type symbolFilter struct {
	stepSize decimal.Decimal
	tickSize decimal.Decimal
}

// NewClient creates a gateway client from exchange configuration.
func NewClient(cfg config.ExchangeConfig, logger core.ILogger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Testnet {
			baseURL = testnetBaseURL
		} else {
			baseURL = liveBaseURL
		}
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	signer := NewSigner(cfg.APIKey, cfg.SecretKey, cfg.RecvWindowMs)

	return &Client{
		public:  httpclient.NewClient(baseURL, timeout, nil),
		signed:  httpclient.NewClient(baseURL, timeout, signer),
		mutate:  httpclient.NewClientNoRetry(baseURL, timeout, signer),
		logger:  logger.WithField("component", "exchange_gateway"),
		filters: make(map[string]symbolFilter),
	}
}

// LoadFilters fetches per-symbol step/tick sizes. Called once at boot;
// symbols absent from the response round as identity.
func (c *Client) LoadFilters(ctx context.Context) error {
	body, err := c.public.Get(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return normalizeError("exchangeInfo", err)
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				TickSize   string `json:"tickSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("failed to parse exchangeInfo: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sym := range info.Symbols {
		var f symbolFilter
		for _, filter := range sym.Filters {
			switch filter.FilterType {
			case "LOT_SIZE":
				f.stepSize, _ = decimal.NewFromString(filter.StepSize)
			case "PRICE_FILTER":
				f.tickSize, _ = decimal.NewFromString(filter.TickSize)
			}
		}
		c.filters[sym.Symbol] = f
	}

	c.logger.Info("Loaded symbol filters", "symbols", len(c.filters))
	return nil
}

// SetFilter overrides the filter for one symbol. Test hook.
func (c *Client) SetFilter(symbol string, stepSize, tickSize decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters[symbol] = symbolFilter{stepSize: stepSize, tickSize: tickSize}
}

// RoundStep rounds a quantity down to the symbol's lot step.
func (c *Client) RoundStep(symbol string, qty decimal.Decimal) decimal.Decimal {
	c.mu.RLock()
	f, ok := c.filters[symbol]
	c.mu.RUnlock()
	if !ok || f.stepSize.IsZero() {
		return qty
	}
	return qty.Div(f.stepSize).Floor().Mul(f.stepSize)
}

// RoundTick rounds a price down to the symbol's tick size.
func (c *Client) RoundTick(symbol string, price decimal.Decimal) decimal.Decimal {
	c.mu.RLock()
	f, ok := c.filters[symbol]
	c.mu.RUnlock()
	if !ok || f.tickSize.IsZero() {
		return price
	}
	return price.Div(f.tickSize).Floor().Mul(f.tickSize)
}

func (c *Client) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := c.public.Get(ctx, "/fapi/v1/ticker/price", map[string]string{"symbol": symbol})
	if err != nil {
		return decimal.Zero, normalizeError("ticker/price", err)
	}

	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse ticker price: %w", err)
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid ticker price %q: %w", resp.Price, err)
	}
	return price, nil
}

func (c *Client) GetTicker(ctx context.Context, symbol string) (*core.Ticker24h, error) {
	body, err := c.public.Get(ctx, "/fapi/v1/ticker/24hr", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, normalizeError("ticker/24hr", err)
	}

	var resp struct {
		Symbol             string `json:"symbol"`
		LastPrice          string `json:"lastPrice"`
		PriceChangePercent string `json:"priceChangePercent"`
		HighPrice          string `json:"highPrice"`
		LowPrice           string `json:"lowPrice"`
		Volume             string `json:"volume"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse 24h ticker: %w", err)
	}

	ticker := &core.Ticker24h{Symbol: resp.Symbol}
	if ticker.LastPrice, err = decimal.NewFromString(resp.LastPrice); err != nil {
		return nil, fmt.Errorf("invalid lastPrice %q: %w", resp.LastPrice, err)
	}
	if ticker.PriceChangePct, err = decimal.NewFromString(resp.PriceChangePercent); err != nil {
		return nil, fmt.Errorf("invalid priceChangePercent %q: %w", resp.PriceChangePercent, err)
	}
	if ticker.High, err = decimal.NewFromString(resp.HighPrice); err != nil {
		return nil, fmt.Errorf("invalid highPrice %q: %w", resp.HighPrice, err)
	}
	if ticker.Low, err = decimal.NewFromString(resp.LowPrice); err != nil {
		return nil, fmt.Errorf("invalid lowPrice %q: %w", resp.LowPrice, err)
	}
	if ticker.Volume, err = decimal.NewFromString(resp.Volume); err != nil {
		return nil, fmt.Errorf("invalid volume %q: %w", resp.Volume, err)
	}
	return ticker, nil
}

func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Kline, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	body, err := c.public.Get(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, normalizeError("klines", err)
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse klines: %w", err)
	}

	klines := make([]core.Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		var k core.Kline
		if err := json.Unmarshal(row[0], &k.OpenTime); err != nil {
			return nil, fmt.Errorf("invalid kline openTime: %w", err)
		}
		if err := json.Unmarshal(row[6], &k.CloseTime); err != nil {
			return nil, fmt.Errorf("invalid kline closeTime: %w", err)
		}
		fields := []*decimal.Decimal{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
		for i, dst := range fields {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				return nil, fmt.Errorf("invalid kline field %d: %w", i+1, err)
			}
			if *dst, err = decimal.NewFromString(s); err != nil {
				return nil, fmt.Errorf("invalid kline value %q: %w", s, err)
			}
		}
		klines = append(klines, k)
	}
	return klines, nil
}

func (c *Client) GetAccount(ctx context.Context) (*core.ExchangeAccount, error) {
	body, err := c.signed.Get(ctx, "/fapi/v2/account", nil)
	if err != nil {
		return nil, normalizeError("account", err)
	}

	var resp struct {
		TotalWalletBalance    string `json:"totalWalletBalance"`
		TotalMarginBalance    string `json:"totalMarginBalance"`
		TotalUnrealizedProfit string `json:"totalUnrealizedProfit"`
		AvailableBalance      string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse account: %w", err)
	}

	acct := &core.ExchangeAccount{}
	if acct.TotalWalletBalance, err = decimal.NewFromString(resp.TotalWalletBalance); err != nil {
		return nil, fmt.Errorf("invalid totalWalletBalance: %w", err)
	}
	if acct.TotalMarginBalance, err = decimal.NewFromString(resp.TotalMarginBalance); err != nil {
		return nil, fmt.Errorf("invalid totalMarginBalance: %w", err)
	}
	if acct.TotalUnrealizedProfit, err = decimal.NewFromString(resp.TotalUnrealizedProfit); err != nil {
		return nil, fmt.Errorf("invalid totalUnrealizedProfit: %w", err)
	}
	if acct.AvailableBalance, err = decimal.NewFromString(resp.AvailableBalance); err != nil {
		return nil, fmt.Errorf("invalid availableBalance: %w", err)
	}
	return acct, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]core.ExchangePosition, error) {
	body, err := c.signed.Get(ctx, "/fapi/v2/positionRisk", nil)
	if err != nil {
		return nil, normalizeError("positionRisk", err)
	}

	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		LiquidationPrice string `json:"liquidationPrice"`
		Leverage         string `json:"leverage"`
		MarginType       string `json:"marginType"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse positionRisk: %w", err)
	}

	positions := make([]core.ExchangePosition, 0, len(raw))
	for _, p := range raw {
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil {
			return nil, fmt.Errorf("invalid positionAmt for %s: %w", p.Symbol, err)
		}
		if amt.IsZero() {
			continue
		}

		pos := core.ExchangePosition{Symbol: p.Symbol, PositionAmt: amt, MarginType: p.MarginType}
		if pos.EntryPrice, err = decimal.NewFromString(p.EntryPrice); err != nil {
			return nil, fmt.Errorf("invalid entryPrice for %s: %w", p.Symbol, err)
		}
		if pos.MarkPrice, err = decimal.NewFromString(p.MarkPrice); err != nil {
			return nil, fmt.Errorf("invalid markPrice for %s: %w", p.Symbol, err)
		}
		if pos.UnrealizedPnL, err = decimal.NewFromString(p.UnRealizedProfit); err != nil {
			return nil, fmt.Errorf("invalid unRealizedProfit for %s: %w", p.Symbol, err)
		}
		if pos.LiquidationPrice, err = decimal.NewFromString(p.LiquidationPrice); err != nil {
			return nil, fmt.Errorf("invalid liquidationPrice for %s: %w", p.Symbol, err)
		}
		if pos.Leverage, err = strconv.Atoi(p.Leverage); err != nil {
			return nil, fmt.Errorf("invalid leverage for %s: %w", p.Symbol, err)
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Status        string `json:"status"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r *orderResponse) toOrder() (*core.ExchangeOrder, error) {
	order := &core.ExchangeOrder{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          core.OrderSide(r.Side),
		Type:          core.OrderType(r.Type),
		Status:        core.OrderStatus(r.Status),
		ReduceOnly:    r.ReduceOnly,
		UpdateTime:    r.UpdateTime,
	}
	var err error
	if order.Price, err = decimal.NewFromString(r.Price); err != nil {
		return nil, fmt.Errorf("invalid order price: %w", err)
	}
	if order.OrigQty, err = decimal.NewFromString(r.OrigQty); err != nil {
		return nil, fmt.Errorf("invalid order origQty: %w", err)
	}
	if order.ExecutedQty, err = decimal.NewFromString(r.ExecutedQty); err != nil {
		return nil, fmt.Errorf("invalid order executedQty: %w", err)
	}
	if r.AvgPrice == "" {
		order.AvgPrice = decimal.Zero
	} else if order.AvgPrice, err = decimal.NewFromString(r.AvgPrice); err != nil {
		return nil, fmt.Errorf("invalid order avgPrice: %w", err)
	}
	return order, nil
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]core.ExchangeOrder, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	body, err := c.signed.Get(ctx, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, normalizeError("openOrders", err)
	}

	var raw []orderResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse openOrders: %w", err)
	}

	orders := make([]core.ExchangeOrder, 0, len(raw))
	for i := range raw {
		order, err := raw[i].toOrder()
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*core.ExchangeOrder, error) {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	body, err := c.signed.Get(ctx, "/fapi/v1/order", params)
	if err != nil {
		return nil, normalizeError("getOrder", err)
	}

	var raw orderResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse order: %w", err)
	}
	return raw.toOrder()
}

func (c *Client) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.ExchangeOrder, error) {
	if req.ClientOrderID == "" {
		return nil, fmt.Errorf("client order id is mandatory for %s %s", req.Side, req.Symbol)
	}

	params := map[string]string{
		"symbol":           req.Symbol,
		"side":             string(req.Side),
		"type":             string(req.Type),
		"quantity":         c.RoundStep(req.Symbol, req.Quantity).String(),
		"newClientOrderId": req.ClientOrderID,
	}
	if req.Type == core.OrderTypeLimit {
		params["price"] = c.RoundTick(req.Symbol, req.Price).String()
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params["timeInForce"] = tif
	}
	if !req.StopPrice.IsZero() {
		params["stopPrice"] = c.RoundTick(req.Symbol, req.StopPrice).String()
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if req.ClosePosition {
		params["closePosition"] = "true"
	}

	var body []byte
	err := c.mutateWithRetry(ctx, func() error {
		var callErr error
		body, callErr = c.mutate.PostForm(ctx, "/fapi/v1/order", params)
		return callErr
	})
	if err != nil {
		return nil, normalizeError("placeOrder", err)
	}

	var raw orderResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}
	return raw.toOrder()
}

func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	err := c.mutateWithRetry(ctx, func() error {
		_, callErr := c.mutate.Delete(ctx, "/fapi/v1/order", params)
		return callErr
	})
	if err != nil {
		return normalizeError("cancelOrder", err)
	}
	return nil
}

func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	params := map[string]string{"symbol": symbol}
	err := c.mutateWithRetry(ctx, func() error {
		_, callErr := c.mutate.Delete(ctx, "/fapi/v1/allOpenOrders", params)
		return callErr
	})
	if err != nil {
		return normalizeError("cancelAllOrders", err)
	}
	return nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}
	err := c.mutateWithRetry(ctx, func() error {
		_, callErr := c.mutate.PostForm(ctx, "/fapi/v1/leverage", params)
		return callErr
	})
	if err != nil {
		return normalizeError("setLeverage", err)
	}
	return nil
}

func (c *Client) SetMarginType(ctx context.Context, symbol string, marginType string) error {
	params := map[string]string{
		"symbol":     symbol,
		"marginType": marginType,
	}
	err := c.mutateWithRetry(ctx, func() error {
		_, callErr := c.mutate.PostForm(ctx, "/fapi/v1/marginType", params)
		return callErr
	})
	if err != nil {
		return normalizeError("setMarginType", err)
	}
	return nil
}

// mutateWithRetry replays a mutation only while the prior attempt is known
// not to have reached the exchange.
func (c *Client) mutateWithRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, retry.DefaultPolicy, isConnectError, fn)
}
