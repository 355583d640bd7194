package engine

import (
	"sync"

	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/market"
	"orderflow-mcp/internal/timeutil"
)

// VWAPDay is the accumulated volume-weighted state of one UTC day.
type VWAPDay struct {
	DayStart     int64
	CumulativePV decimal.Decimal
	CumulativeV  decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	TradeCount   int64
	LastUpdate   int64
}

// Value returns cumulativePV / cumulativeV; ok is false with no volume.
func (d VWAPDay) Value() (decimal.Decimal, bool) {
	if d.CumulativeV.Sign() <= 0 {
		return decimal.Zero, false
	}
	return d.CumulativePV.Div(d.CumulativeV), true
}

type vwapState struct {
	current  VWAPDay
	previous *VWAPDay
}

// VWAP maintains the developing and previous-day VWAP per symbol.
type VWAP struct {
	mu     sync.RWMutex
	states map[string]*vwapState
}

// NewVWAP creates an empty VWAP engine.
func NewVWAP() *VWAP {
	return &VWAP{states: make(map[string]*vwapState)}
}

func (v *VWAP) state(symbol string) *vwapState {
	st, ok := v.states[symbol]
	if !ok {
		st = &vwapState{}
		v.states[symbol] = st
	}
	return st
}

// rollLocked moves the current day to the previous slot. The lazy check on
// every trade is the source of truth; the supervisor timer only narrows the
// window in which reads see the old day.
func (st *vwapState) rollLocked(dayStart int64) {
	if st.current.DayStart != 0 {
		prev := st.current
		st.previous = &prev
	}
	st.current = VWAPDay{DayStart: dayStart}
}

func (d *VWAPDay) accumulate(t market.Trade) {
	d.CumulativePV = d.CumulativePV.Add(t.Notional())
	d.CumulativeV = d.CumulativeV.Add(t.Quantity)
	if d.TradeCount == 0 || t.Price.Cmp(d.High) > 0 {
		d.High = t.Price
	}
	if d.TradeCount == 0 || t.Price.Cmp(d.Low) < 0 {
		d.Low = t.Price
	}
	d.TradeCount++
	if t.Timestamp > d.LastUpdate {
		d.LastUpdate = t.Timestamp
	}
}

// OnTrade accumulates price×quantity and quantity into the trade's UTC day.
// Rolling is strictly forward: a late trade from an already-rolled day folds
// into the previous slot, and anything older is dropped, so out-of-order
// arrivals can never rotate the state backwards.
func (v *VWAP) OnTrade(t market.Trade) {
	day := timeutil.DayStart(t.Timestamp)

	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.state(t.Symbol)
	switch {
	case st.current.DayStart == 0:
		st.current.DayStart = day
	case day > st.current.DayStart:
		st.rollLocked(day)
	case day < st.current.DayStart:
		if st.previous != nil && st.previous.DayStart == day {
			st.previous.accumulate(t)
		}
		return
	}
	st.current.accumulate(t)
}

// OnRollover rotates every symbol's state into the new day.
func (v *VWAP) OnRollover(dayStart int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, st := range v.states {
		if st.current.DayStart != 0 && st.current.DayStart < dayStart {
			st.rollLocked(dayStart)
		}
	}
}

// Current returns the developing-day VWAP; ok is false with no trades.
func (v *VWAP) Current(symbol string) (decimal.Decimal, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	st, ok := v.states[symbol]
	if !ok {
		return decimal.Zero, false
	}
	return st.current.Value()
}

// Previous returns the previous complete day's VWAP.
func (v *VWAP) Previous(symbol string) (decimal.Decimal, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	st, ok := v.states[symbol]
	if !ok || st.previous == nil {
		return decimal.Zero, false
	}
	return st.previous.Value()
}

// State returns copies of the current and previous day accumulators, for
// persistence and the key-levels document.
func (v *VWAP) State(symbol string) (current VWAPDay, previous *VWAPDay) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	st, ok := v.states[symbol]
	if !ok {
		return VWAPDay{}, nil
	}
	current = st.current
	if st.previous != nil {
		prev := *st.previous
		previous = &prev
	}
	return current, previous
}

// Restore seeds a symbol's current-day accumulator, used when warming from
// the persistence store at startup. It never overwrites live state.
func (v *VWAP) Restore(symbol string, day VWAPDay) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.state(symbol)
	if st.current.DayStart == 0 {
		st.current = day
	}
}
