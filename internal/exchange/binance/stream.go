package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"gridarena/internal/core"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	liveStreamURL    = "wss://fstream.binance.com/stream"
	testnetStreamURL = "wss://stream.binancefuture.com/stream"
)

// PriceHandler receives mark-price updates from the stream.
type PriceHandler func(symbol string, price decimal.Decimal, eventTime time.Time)

// MarkPriceStream maintains a combined mark-price websocket with automatic
// reconnect. It pre-warms the market cache between cycles; the REST path
// remains the source of truth when the stream is down.
type MarkPriceStream struct {
	baseURL        string
	symbols        []string
	handler        PriceHandler
	logger         core.ILogger
	reconnectDelay time.Duration
	pingInterval   time.Duration
	pongWait       time.Duration

	mu        sync.RWMutex
	conn      *websocket.Conn
	done      chan struct{}
	isRunning bool
}

// NewMarkPriceStream creates a stream for the given symbols.
func NewMarkPriceStream(symbols []string, testnet bool, logger core.ILogger) *MarkPriceStream {
	baseURL := liveStreamURL
	if testnet {
		baseURL = testnetStreamURL
	}
	return &MarkPriceStream{
		baseURL:        baseURL,
		symbols:        symbols,
		logger:         logger.WithField("component", "mark_price_stream"),
		reconnectDelay: 5 * time.Second,
		pingInterval:   30 * time.Second,
		pongWait:       60 * time.Second,
		done:           make(chan struct{}),
	}
}

// Start begins streaming. Returns an error if already running.
func (s *MarkPriceStream) Start(ctx context.Context, handler PriceHandler) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("mark price stream already running")
	}
	s.handler = handler
	s.isRunning = true
	s.mu.Unlock()

	go s.connectLoop(ctx)
	return nil
}

// Stop terminates the stream.
func (s *MarkPriceStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}
	s.isRunning = false
	close(s.done)

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.logger.Info("Mark price stream stopped")
}

func (s *MarkPriceStream) streamURL() string {
	streams := make([]string, len(s.symbols))
	for i, symbol := range s.symbols {
		streams[i] = fmt.Sprintf("%s@markPrice@1s", strings.ToLower(symbol))
	}
	return s.baseURL + "?streams=" + strings.Join(streams, "/")
}

func (s *MarkPriceStream) connectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.streamURL(), nil)
		if err != nil {
			s.logger.Warn("Mark price stream connect failed",
				"error", err, "retry_in", s.reconnectDelay)
			if !s.sleep(ctx) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.logger.Info("Mark price stream connected", "symbols", len(s.symbols))

		go s.pingLoop(ctx, conn)
		s.readLoop(ctx, conn)

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		s.logger.Warn("Mark price stream disconnected", "retry_in", s.reconnectDelay)
		if !s.sleep(ctx) {
			return
		}
	}
}

func (s *MarkPriceStream) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	case <-time.After(s.reconnectDelay):
		return true
	}
}

func (s *MarkPriceStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.RLock()
			current := s.conn
			s.mu.RUnlock()
			if current != conn {
				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("Mark price stream ping failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *MarkPriceStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Mark price stream read panic recovered", "panic", r)
		}
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Mark price stream closed unexpectedly", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))

		var msg struct {
			Data struct {
				EventTime int64  `json:"E"`
				Symbol    string `json:"s"`
				MarkPrice string `json:"p"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Warn("Failed to parse mark price message", "error", err)
			continue
		}
		if msg.Data.Symbol == "" {
			continue
		}

		price, err := decimal.NewFromString(msg.Data.MarkPrice)
		if err != nil {
			s.logger.Warn("Invalid mark price", "symbol", msg.Data.Symbol, "raw", msg.Data.MarkPrice)
			continue
		}

		if s.handler != nil {
			s.handler(msg.Data.Symbol, price, time.UnixMilli(msg.Data.EventTime))
		}
	}
}
