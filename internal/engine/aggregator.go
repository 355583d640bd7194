package engine

import (
	"fmt"
	"sync"

	"orderflow-mcp/internal/config"
	"orderflow-mcp/internal/logger"
	"orderflow-mcp/internal/market"
	"orderflow-mcp/internal/timeutil"
)

// maxCompletedBars bounds the per-timeframe completed-bar ring.
const maxCompletedBars = 1440

// TradeConsumer receives each trade exactly once.
type TradeConsumer interface {
	OnTrade(t market.Trade)
}

// RolloverAware engines reset part of their state at the UTC day boundary.
type RolloverAware interface {
	OnRollover(dayStart int64)
}

// BarWriter receives finalized footprint bars for persistence.
type BarWriter interface {
	WriteBar(bar *FootprintBar)
}

type aggSymbolState struct {
	current   map[timeutil.Timeframe]*FootprintBar
	completed map[timeutil.Timeframe][]*FootprintBar
}

// Aggregator owns the footprint bars for every (symbol, timeframe) and fans
// each trade out to the registered consumers once.
type Aggregator struct {
	cfg    *config.Config
	writer BarWriter

	mu        sync.RWMutex
	states    map[string]*aggSymbolState
	consumers []TradeConsumer
}

// NewAggregator creates an Aggregator; writer may be nil.
func NewAggregator(cfg *config.Config, writer BarWriter) *Aggregator {
	return &Aggregator{
		cfg:    cfg,
		writer: writer,
		states: make(map[string]*aggSymbolState),
	}
}

// Register adds a downstream consumer. Not safe to call once trades flow.
func (a *Aggregator) Register(c TradeConsumer) {
	a.consumers = append(a.consumers, c)
}

func (a *Aggregator) state(symbol string) *aggSymbolState {
	st, ok := a.states[symbol]
	if !ok {
		st = &aggSymbolState{
			current:   make(map[timeutil.Timeframe]*FootprintBar),
			completed: make(map[timeutil.Timeframe][]*FootprintBar),
		}
		a.states[symbol] = st
	}
	return st
}

// OnTrade folds the trade into every timeframe's current bar, finalizing
// bars whose window the trade has left, then forwards the trade downstream
// once.
func (a *Aggregator) OnTrade(t market.Trade) {
	if err := t.Validate(); err != nil {
		logger.Warn("AGG", fmt.Sprintf("rejected trade: %v", err))
		return
	}

	tick := a.cfg.TickSize(t.Symbol)

	a.mu.Lock()
	st := a.state(t.Symbol)
	for _, tf := range a.cfg.Timeframes {
		open := timeutil.MustAlign(t.Timestamp, tf)
		bar := st.current[tf]
		switch {
		case bar == nil:
			bar = NewFootprintBar(t.Symbol, tf, open)
			st.current[tf] = bar
		case open > bar.OpenTime:
			a.finalizeLocked(st, tf, bar)
			bar = NewFootprintBar(t.Symbol, tf, open)
			st.current[tf] = bar
		case open < bar.OpenTime:
			// Late arrival from a window that already finalized: fold it
			// into the completed bar so the ring never holds two bars with
			// the same openTime. The persisted row keeps its finalize-time
			// totals.
			if late := st.completedAt(tf, open); late != nil {
				late.AddTrade(t, tick)
			}
			continue
		}
		bar.AddTrade(t, tick)
	}
	a.mu.Unlock()

	for _, c := range a.consumers {
		c.OnTrade(t)
	}
}

// completedAt finds the completed bar opened at open, scanning from the tail
// since late trades land near it.
func (st *aggSymbolState) completedAt(tf timeutil.Timeframe, open int64) *FootprintBar {
	ring := st.completed[tf]
	for i := len(ring) - 1; i >= 0; i-- {
		if ring[i].OpenTime == open {
			return ring[i]
		}
		if ring[i].OpenTime < open {
			return nil
		}
	}
	return nil
}

func (a *Aggregator) finalizeLocked(st *aggSymbolState, tf timeutil.Timeframe, bar *FootprintBar) {
	ring := append(st.completed[tf], bar)
	if len(ring) > maxCompletedBars {
		ring = ring[len(ring)-maxCompletedBars:]
	}
	st.completed[tf] = ring
	if a.writer != nil {
		a.writer.WriteBar(bar)
	}
}

// CurrentBar returns the developing bar for (symbol, tf), or nil.
func (a *Aggregator) CurrentBar(symbol string, tf timeutil.Timeframe) *FootprintBar {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.states[symbol]
	if !ok {
		return nil
	}
	return st.current[tf]
}

// CompletedBars returns completed bars for (symbol, tf) filtered to
// [startTime, endTime] (zero disables a bound) and truncated to the last
// limit entries (limit ≤ 0 means all). Bars are ordered by openTime.
func (a *Aggregator) CompletedBars(symbol string, tf timeutil.Timeframe, startTime, endTime int64, limit int) []*FootprintBar {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.states[symbol]
	if !ok {
		return nil
	}
	var out []*FootprintBar
	for _, bar := range st.completed[tf] {
		if startTime > 0 && bar.OpenTime < startTime {
			continue
		}
		if endTime > 0 && bar.OpenTime > endTime {
			continue
		}
		out = append(out, bar)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Flush finalizes every developing bar. Called on shutdown so partial bars
// reach the persistence store.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, st := range a.states {
		for tf, bar := range st.current {
			if bar != nil && bar.TradeCount() > 0 {
				a.finalizeLocked(st, tf, bar)
			}
			delete(st.current, tf)
		}
	}
}
