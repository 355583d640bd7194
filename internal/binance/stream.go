package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"orderflow-mcp/internal/logger"
	"orderflow-mcp/internal/market"
)

// Handlers receives parsed stream events. Nil handlers drop their events.
type Handlers struct {
	Trade       func(market.Trade)
	Depth       func(market.DepthUpdate)
	MarkPrice   func(market.MarkPrice)
	Liquidation func(market.Liquidation)
}

// Stream reads the combined WS stream for a set of symbols and dispatches
// parsed events. One Stream owns one connection.
type Stream struct {
	wsURL         string
	symbols       []string
	handlers      Handlers
	reconnectBase time.Duration
	maxAttempts   int

	parseErrOnce sync.Map // stream kind -> struct{}, log parse errors once per kind
}

// NewStream creates a stream reader; Run drives it.
func NewStream(wsURL string, symbols []string, handlers Handlers, reconnectBase time.Duration, maxAttempts int) *Stream {
	return &Stream{
		wsURL:         wsURL,
		symbols:       symbols,
		handlers:      handlers,
		reconnectBase: reconnectBase,
		maxAttempts:   maxAttempts,
	}
}

// streamURL builds the combined endpoint:
// wss://…/stream?streams=btcusdt@aggTrade/btcusdt@depth@100ms/…
func (s *Stream) streamURL() string {
	topics := make([]string, 0, len(s.symbols)*4)
	for _, sym := range s.symbols {
		l := strings.ToLower(sym)
		topics = append(topics,
			l+"@aggTrade",
			l+"@depth@100ms",
			l+"@markPrice@1s",
			l+"@forceOrder",
		)
	}
	return s.wsURL + "/stream?streams=" + strings.Join(topics, "/")
}

// Run connects and reads until ctx is cancelled, reconnecting with a
// growing delay (base × min(attempts, 5)). Attempts reset on a successful
// connection; the configured cap on consecutive failures is fatal.
func (s *Stream) Run(ctx context.Context) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.readLoop(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempts++
			if attempts >= s.maxAttempts {
				return fmt.Errorf("websocket: giving up after %d attempts: %w", attempts, err)
			}
			factor := attempts
			if factor > 5 {
				factor = 5
			}
			delay := s.reconnectBase * time.Duration(factor)
			logger.Warn("WS", fmt.Sprintf("connection lost (%v), reconnecting in %s (attempt %d/%d)",
				err, delay, attempts, s.maxAttempts))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		attempts = 0
	}
}

// readLoop holds one connection open. A nil return means the connection
// succeeded and closed; the caller resets its attempt counter.
func (s *Stream) readLoop(ctx context.Context) error {
	u := s.streamURL()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	logger.Success("WS", fmt.Sprintf("Connected (%d symbols)", len(s.symbols)))

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(data)
	}
}

// dispatch routes one combined-stream frame by its stream suffix. Schema
// surprises are logged once per kind and the frame skipped.
func (s *Stream) dispatch(data []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logParseError("envelope", err)
		return
	}

	switch {
	case strings.HasSuffix(env.Stream, "@aggTrade"):
		var raw wsAggTrade
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			s.logParseError("aggTrade", err)
			return
		}
		trade, err := raw.toTrade()
		if err != nil {
			s.logParseError("aggTrade", err)
			return
		}
		if s.handlers.Trade != nil {
			s.handlers.Trade(trade)
		}

	case strings.Contains(env.Stream, "@depth"):
		var raw wsDepthUpdate
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			s.logParseError("depth", err)
			return
		}
		update, err := raw.toUpdate()
		if err != nil {
			s.logParseError("depth", err)
			return
		}
		if s.handlers.Depth != nil {
			s.handlers.Depth(update)
		}

	case strings.Contains(env.Stream, "@markPrice"):
		var raw wsMarkPrice
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			s.logParseError("markPrice", err)
			return
		}
		mark, err := raw.toMarkPrice()
		if err != nil {
			s.logParseError("markPrice", err)
			return
		}
		if s.handlers.MarkPrice != nil {
			s.handlers.MarkPrice(mark)
		}

	case strings.HasSuffix(env.Stream, "@forceOrder"):
		var raw wsForceOrder
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			s.logParseError("forceOrder", err)
			return
		}
		liq, err := raw.toLiquidation()
		if err != nil {
			s.logParseError("forceOrder", err)
			return
		}
		if s.handlers.Liquidation != nil {
			s.handlers.Liquidation(liq)
		}
	}
}

func (s *Stream) logParseError(kind string, err error) {
	if _, loaded := s.parseErrOnce.LoadOrStore(kind, struct{}{}); !loaded {
		logger.Error("WS", fmt.Sprintf("parse %s: %v (further %s errors suppressed)", kind, err, kind))
	}
}
