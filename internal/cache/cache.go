// Package cache holds the live per-symbol market state fed by the WS
// streams and the REST pollers, plus the bounded liquidation ring.
package cache

import (
	"sync"

	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/market"
)

// maxLiquidations bounds the per-symbol liquidation ring.
const maxLiquidations = 1000

// Ticker24h is the rolling 24h statistics of one symbol.
type Ticker24h struct {
	PriceChange        decimal.Decimal
	PriceChangePercent decimal.Decimal
	WeightedAvgPrice   decimal.Decimal
	HighPrice          decimal.Decimal
	LowPrice           decimal.Decimal
	Volume             decimal.Decimal
	QuoteVolume        decimal.Decimal
	UpdatedAt          int64
}

// Snapshot is a point-in-time copy of one symbol's live state.
type Snapshot struct {
	Symbol          string
	LastPrice       decimal.Decimal
	LastTradeTime   int64
	MarkPrice       decimal.Decimal
	IndexPrice      decimal.Decimal
	FundingRate     decimal.Decimal
	NextFundingTime int64
	Ticker          Ticker24h
	OpenInterest    decimal.Decimal
	OpenInterestAt  int64
}

// LiquidationStats summarizes a slice of liquidations.
type LiquidationStats struct {
	LongCount     int
	ShortCount    int
	LongNotional  decimal.Decimal
	ShortNotional decimal.Decimal
	NetNotional   decimal.Decimal
	DominantSide  string // "long", "short" or "neutral"
	OldestTime    int64
	NewestTime    int64
}

type symbolState struct {
	snap         Snapshot
	liquidations []market.Liquidation
}

// Live is the process-wide live market cache, one state per symbol.
type Live struct {
	mu     sync.RWMutex
	states map[string]*symbolState
}

// NewLive creates an empty live cache.
func NewLive() *Live {
	return &Live{states: make(map[string]*symbolState)}
}

func (l *Live) state(symbol string) *symbolState {
	st, ok := l.states[symbol]
	if !ok {
		st = &symbolState{snap: Snapshot{Symbol: symbol}}
		l.states[symbol] = st
	}
	return st
}

// OnTrade records the last traded price. Implements the aggregator's
// consumer capability.
func (l *Live) OnTrade(t market.Trade) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(t.Symbol)
	st.snap.LastPrice = t.Price
	st.snap.LastTradeTime = t.Timestamp
}

// UpdateMarkPrice records a mark-price stream event.
func (l *Live) UpdateMarkPrice(m market.MarkPrice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(m.Symbol)
	st.snap.MarkPrice = m.MarkPrice
	st.snap.IndexPrice = m.IndexPrice
	st.snap.FundingRate = m.FundingRate
	st.snap.NextFundingTime = m.NextFundingTime
}

// UpdateTicker records 24h ticker stats from the REST poller.
func (l *Live) UpdateTicker(symbol string, t Ticker24h) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state(symbol).snap.Ticker = t
}

// UpdateOpenInterest records the current open interest.
func (l *Live) UpdateOpenInterest(symbol string, oi decimal.Decimal, at int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(symbol)
	st.snap.OpenInterest = oi
	st.snap.OpenInterestAt = at
}

// AddLiquidation appends to the symbol's ring, evicting the oldest entry
// past the bound.
func (l *Live) AddLiquidation(liq market.Liquidation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(liq.Symbol)
	st.liquidations = append(st.liquidations, liq)
	if len(st.liquidations) > maxLiquidations {
		st.liquidations = st.liquidations[len(st.liquidations)-maxLiquidations:]
	}
}

// Snapshot returns a copy of the symbol's live state.
func (l *Live) Snapshot(symbol string) Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.states[symbol]
	if !ok {
		return Snapshot{Symbol: symbol}
	}
	return st.snap
}

// Liquidations returns the most recent events, newest last, optionally
// filtered by side ("BUY"/"SELL", empty for all) and truncated to limit.
func (l *Live) Liquidations(symbol, side string, limit int) []market.Liquidation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.states[symbol]
	if !ok {
		return nil
	}
	var out []market.Liquidation
	for _, liq := range st.liquidations {
		if side != "" && liq.Side != side {
			continue
		}
		out = append(out, liq)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Symbols lists the symbols with live state.
func (l *Live) Symbols() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.states))
	for s := range l.states {
		out = append(out, s)
	}
	return out
}

// Stats summarizes a liquidation slice. A SELL forced order closes a long
// position; BUY closes a short.
func Stats(liqs []market.Liquidation) LiquidationStats {
	stats := LiquidationStats{DominantSide: "neutral"}
	for i, liq := range liqs {
		n := liq.Notional()
		if liq.Side == "SELL" {
			stats.LongCount++
			stats.LongNotional = stats.LongNotional.Add(n)
		} else {
			stats.ShortCount++
			stats.ShortNotional = stats.ShortNotional.Add(n)
		}
		if i == 0 || liq.Timestamp < stats.OldestTime {
			stats.OldestTime = liq.Timestamp
		}
		if liq.Timestamp > stats.NewestTime {
			stats.NewestTime = liq.Timestamp
		}
	}
	stats.NetNotional = stats.LongNotional.Sub(stats.ShortNotional)
	switch stats.NetNotional.Sign() {
	case 1:
		stats.DominantSide = "long"
	case -1:
		stats.DominantSide = "short"
	}
	return stats
}
