package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"orderflow-mcp/internal/timeutil"
)

// argError marks a tool failure caused by the caller's arguments; the
// dispatcher maps it to -32602 instead of -32603.
type argError struct {
	msg string
}

func (e *argError) Error() string { return e.msg }

func badArgs(format string, args ...interface{}) error {
	return &argError{msg: fmt.Sprintf(format, args...)}
}

type toolHandler func(ctx context.Context, args json.RawMessage) (interface{}, error)

func (s *Server) toolHandlers() map[string]toolHandler {
	return map[string]toolHandler{
		"get_market_snapshot":       s.toolMarketSnapshot,
		"get_key_levels":            s.toolKeyLevels,
		"get_footprint":             s.toolFootprint,
		"get_orderflow_metrics":     s.toolOrderflowMetrics,
		"get_orderbook_depth_delta": s.toolDepthDelta,
		"stream_liquidations":       s.toolLiquidations,
		"get_open_interest":         s.toolOpenInterest,
		"get_funding_rate":          s.toolFundingRate,
	}
}

// symbol normalizes and validates a symbol argument against the tracked set.
func (s *Server) symbol(raw string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(raw))
	if sym == "" {
		return "", badArgs("symbol is required")
	}
	if !s.deps.Config.HasSymbol(sym) {
		return "", badArgs("symbol %q is not tracked (have: %s)", sym, strings.Join(s.deps.Config.Symbols, ", "))
	}
	return sym, nil
}

// timeframe validates a timeframe argument against the configured set.
func (s *Server) timeframe(raw string) (timeutil.Timeframe, error) {
	tf := timeutil.Timeframe(strings.TrimSpace(raw))
	if _, err := timeutil.TimeframeMs(tf); err != nil {
		return "", badArgs("unknown timeframe %q", raw)
	}
	if !s.deps.Config.HasTimeframe(tf) {
		return "", badArgs("timeframe %q is not aggregated", raw)
	}
	return tf, nil
}

type toolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

func obj(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func strProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func intProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": desc}
}

func numProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "number", "description": desc}
}

func toolList() []toolSpec {
	timeframeProp := map[string]interface{}{
		"type":        "string",
		"description": "Bar timeframe",
		"enum":        []string{"1m", "5m", "15m", "30m", "1h"},
	}

	return []toolSpec{
		{
			Name: "get_market_snapshot",
			Description: "Current market state for a symbol: last price, mark/index price, " +
				"funding, 24h statistics, open interest and cumulative volume delta.",
			InputSchema: obj(map[string]interface{}{
				"symbol": strProp("Trading pair, e.g. BTCUSDT"),
			}, "symbol"),
		},
		{
			Name: "get_key_levels",
			Description: "Key price levels for a symbol: developing and previous-day VWAP, " +
				"volume profile (POC / VAH / VAL) and session highs and lows.",
			InputSchema: obj(map[string]interface{}{
				"symbol":    strProp("Trading pair, e.g. BTCUSDT"),
				"date":      strProp("UTC day to query as YYYY-MM-DD; defaults to today"),
				"sessionTZ": strProp("Timezone for session boundaries; only UTC is supported"),
			}, "symbol"),
		},
		{
			Name: "get_footprint",
			Description: "Footprint bars for a symbol and timeframe: OHLC plus buy/sell " +
				"volume at each price level.",
			InputSchema: obj(map[string]interface{}{
				"symbol":    strProp("Trading pair, e.g. BTCUSDT"),
				"timeframe": timeframeProp,
				"startTime": intProp("Range start, UTC milliseconds (0 = unbounded)"),
				"endTime":   intProp("Range end, UTC milliseconds (0 = up to now, includes the developing bar)"),
			}, "symbol", "timeframe", "startTime", "endTime"),
		},
		{
			Name: "get_orderflow_metrics",
			Description: "Orderflow metrics for a symbol and timeframe: per-bar delta, " +
				"cumulative delta, stacked imbalances and delta/price divergence.",
			InputSchema: obj(map[string]interface{}{
				"symbol":    strProp("Trading pair, e.g. BTCUSDT"),
				"timeframe": timeframeProp,
				"startTime": intProp("Range start, UTC milliseconds (0 = unbounded)"),
				"endTime":   intProp("Range end, UTC milliseconds (0 = unbounded)"),
			}, "symbol", "timeframe", "startTime", "endTime"),
		},
		{
			Name: "get_orderbook_depth_delta",
			Description: "Sampled orderbook depth within a band around mid price, with " +
				"deltas between samples and a trend summary.",
			InputSchema: obj(map[string]interface{}{
				"symbol":    strProp("Trading pair, e.g. BTCUSDT"),
				"percent":   numProp("Band around mid price in percent (server-configured; informational)"),
				"windowSec": intProp("Sampling interval in seconds (server-configured; informational)"),
				"lookback":  intProp("History window in seconds, default 3600"),
			}, "symbol"),
		},
		{
			Name: "stream_liquidations",
			Description: "Recent forced liquidations for a symbol with long/short " +
				"notional statistics.",
			InputSchema: obj(map[string]interface{}{
				"symbol": strProp("Trading pair, e.g. BTCUSDT"),
				"limit":  intProp("Maximum events to return, default 100"),
			}, "symbol"),
		},
		{
			Name: "get_open_interest",
			Description: "Current open interest and its recent history for a symbol.",
			InputSchema: obj(map[string]interface{}{
				"symbol": strProp("Trading pair, e.g. BTCUSDT"),
				"period": strProp("History period: 5m, 15m, 30m, 1h, 4h or 1d; default 5m"),
				"limit":  intProp("History points to return, default 100"),
			}, "symbol"),
		},
		{
			Name:        "get_funding_rate",
			Description: "Current funding rate, next funding time and recent settlements for a symbol.",
			InputSchema: obj(map[string]interface{}{
				"symbol": strProp("Trading pair, e.g. BTCUSDT"),
			}, "symbol"),
		},
	}
}
