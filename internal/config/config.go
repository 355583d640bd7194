// Package config loads application settings from environment variables with
// sensible defaults. Malformed values fail fast at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/timeutil"
)

// SessionWindow is a named UTC trading session, half-open [Start, End) as
// millisecond offsets from UTC midnight.
type SessionWindow struct {
	Name    string
	StartMs int64
	EndMs   int64
}

// Config holds application settings.
type Config struct {
	// Exchange endpoints.
	RestURL string
	WsURL   string

	// Tracked symbols and their price tick sizes.
	Symbols   []string
	TickSizes map[string]decimal.Decimal

	// Server.
	ListenAddr string

	// Database.
	DBPath        string
	RetentionDays int

	// Footprint / profile.
	Timeframes       []timeutil.Timeframe
	ValueAreaPercent int

	// Imbalance detection.
	ImbalanceRatio       float64
	ImbalanceConsecutive int

	// Depth delta sampler.
	DepthDeltaPercent  float64
	DepthDeltaInterval time.Duration

	// Orderbook.
	SnapshotLimit  int
	ResyncInterval time.Duration

	// Sessions.
	Sessions []SessionWindow

	// CVD.
	CVDResetDaily bool

	// REST rate limiting.
	RateLimitPerMinute   int
	WeightLimitPerMinute int

	// WS reconnect policy.
	ReconnectBase   time.Duration
	MaxReconnectTry int

	// Bounded per-symbol dispatch queue.
	QueueSize int
}

// Default returns a Config with production defaults.
func Default() *Config {
	return &Config{
		RestURL:    "https://fapi.binance.com",
		WsURL:      "wss://fstream.binance.com",
		Symbols:    []string{"BTCUSDT", "ETHUSDT"},
		TickSizes:  map[string]decimal.Decimal{"BTCUSDT": decimal.RequireFromString("0.1"), "ETHUSDT": decimal.RequireFromString("0.01")},
		ListenAddr: "0.0.0.0:8000",

		DBPath:        "./data/orderflow.db",
		RetentionDays: 7,

		Timeframes:       []timeutil.Timeframe{timeutil.TF1m, timeutil.TF5m, timeutil.TF15m, timeutil.TF30m, timeutil.TF1h},
		ValueAreaPercent: 70,

		ImbalanceRatio:       3.0,
		ImbalanceConsecutive: 3,

		DepthDeltaPercent:  1.0,
		DepthDeltaInterval: 5 * time.Second,

		SnapshotLimit:  1000,
		ResyncInterval: 5 * time.Minute,

		Sessions: []SessionWindow{
			{Name: "Tokyo", StartMs: hhmm(0, 0), EndMs: hhmm(9, 0)},
			{Name: "London", StartMs: hhmm(7, 0), EndMs: hhmm(16, 0)},
			{Name: "NY", StartMs: hhmm(13, 0), EndMs: hhmm(22, 0)},
		},

		CVDResetDaily: false,

		RateLimitPerMinute:   1200,
		WeightLimitPerMinute: 6000,

		ReconnectBase:   5 * time.Second,
		MaxReconnectTry: 10,

		QueueSize: 10000,
	}
}

// Load builds a Config from the environment on top of defaults.
func Load() (*Config, error) {
	c := Default()

	c.RestURL = envStr("BINANCE_REST_URL", c.RestURL)
	c.WsURL = envStr("BINANCE_WS_URL", c.WsURL)
	c.ListenAddr = envStr("LISTEN_ADDR", c.ListenAddr)
	c.DBPath = envStr("CACHE_DB_PATH", c.DBPath)

	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Symbols = nil
		for _, s := range strings.Split(v, ",") {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s != "" {
				c.Symbols = append(c.Symbols, s)
			}
		}
	}
	if len(c.Symbols) == 0 {
		return nil, fmt.Errorf("config: SYMBOLS is empty")
	}

	// Per-symbol tick size override: TICK_SIZE_<SYMBOL>=0.1
	for _, sym := range c.Symbols {
		if v := os.Getenv("TICK_SIZE_" + sym); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil || d.Sign() <= 0 {
				return nil, fmt.Errorf("config: bad TICK_SIZE_%s=%q", sym, v)
			}
			c.TickSizes[sym] = d
		}
		if _, ok := c.TickSizes[sym]; !ok {
			// Unlisted symbols default to a fine grid.
			c.TickSizes[sym] = decimal.RequireFromString("0.01")
		}
	}

	var err error
	if c.RetentionDays, err = envInt("TRADE_CACHE_DAYS", c.RetentionDays); err != nil {
		return nil, err
	}
	if c.ValueAreaPercent, err = envInt("VALUE_AREA_PERCENT", c.ValueAreaPercent); err != nil {
		return nil, err
	}
	if c.ValueAreaPercent <= 0 || c.ValueAreaPercent > 100 {
		return nil, fmt.Errorf("config: VALUE_AREA_PERCENT out of range: %d", c.ValueAreaPercent)
	}
	if c.ImbalanceRatio, err = envFloat("IMBALANCE_RATIO_THRESHOLD", c.ImbalanceRatio); err != nil {
		return nil, err
	}
	if c.ImbalanceConsecutive, err = envInt("IMBALANCE_CONSECUTIVE_COUNT", c.ImbalanceConsecutive); err != nil {
		return nil, err
	}
	if c.DepthDeltaPercent, err = envFloat("DEPTH_DELTA_PERCENT", c.DepthDeltaPercent); err != nil {
		return nil, err
	}
	if c.DepthDeltaInterval, err = envSeconds("DEPTH_DELTA_INTERVAL_SEC", c.DepthDeltaInterval); err != nil {
		return nil, err
	}
	if c.SnapshotLimit, err = envInt("ORDERBOOK_SNAPSHOT_LIMIT", c.SnapshotLimit); err != nil {
		return nil, err
	}
	if c.ResyncInterval, err = envSeconds("ORDERBOOK_SYNC_INTERVAL", c.ResyncInterval); err != nil {
		return nil, err
	}
	if c.RateLimitPerMinute, err = envInt("RATE_LIMIT_REQUESTS_PER_MINUTE", c.RateLimitPerMinute); err != nil {
		return nil, err
	}
	if c.WeightLimitPerMinute, err = envInt("RATE_LIMIT_WEIGHT_PER_MINUTE", c.WeightLimitPerMinute); err != nil {
		return nil, err
	}
	if c.ReconnectBase, err = envSeconds("RECONNECT_BASE_SEC", c.ReconnectBase); err != nil {
		return nil, err
	}
	if c.MaxReconnectTry, err = envInt("RECONNECT_MAX_ATTEMPTS", c.MaxReconnectTry); err != nil {
		return nil, err
	}
	c.CVDResetDaily = envBool("CVD_RESET_DAILY", c.CVDResetDaily)

	if v := os.Getenv("TIMEFRAMES"); v != "" {
		c.Timeframes = nil
		for _, s := range strings.Split(v, ",") {
			tf := timeutil.Timeframe(strings.TrimSpace(s))
			if _, err := timeutil.TimeframeMs(tf); err != nil {
				return nil, fmt.Errorf("config: %w", err)
			}
			c.Timeframes = append(c.Timeframes, tf)
		}
	}

	// Session windows: SESSION_TOKYO_START=00:00 etc.
	for i := range c.Sessions {
		s := &c.Sessions[i]
		key := strings.ToUpper(s.Name)
		if v := os.Getenv("SESSION_" + key + "_START"); v != "" {
			if s.StartMs, err = parseHHMM(v); err != nil {
				return nil, err
			}
		}
		if v := os.Getenv("SESSION_" + key + "_END"); v != "" {
			if s.EndMs, err = parseHHMM(v); err != nil {
				return nil, err
			}
		}
		if s.StartMs >= s.EndMs {
			return nil, fmt.Errorf("config: session %s start must precede end", s.Name)
		}
	}

	return c, nil
}

// TickSize returns the tick size for a symbol, defaulting to 0.01.
func (c *Config) TickSize(symbol string) decimal.Decimal {
	if d, ok := c.TickSizes[strings.ToUpper(symbol)]; ok {
		return d
	}
	return decimal.RequireFromString("0.01")
}

// HasSymbol reports whether symbol is tracked.
func (c *Config) HasSymbol(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	for _, s := range c.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// HasTimeframe reports whether tf is configured.
func (c *Config) HasTimeframe(tf timeutil.Timeframe) bool {
	for _, t := range c.Timeframes {
		if t == tf {
			return true
		}
	}
	return false
}

func hhmm(h, m int64) int64 {
	return (h*60 + m) * 60_000
}

func parseHHMM(v string) (int64, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("config: bad time %q, want HH:MM", v)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("config: bad time %q, want HH:MM", v)
	}
	return hhmm(int64(h), int64(m)), nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer", key, v)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a number", key, v)
	}
	return f, nil
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: %s=%q is not a positive second count", key, v)
	}
	return time.Duration(n) * time.Second, nil
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "on"
}
