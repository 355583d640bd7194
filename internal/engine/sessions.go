package engine

import (
	"sync"

	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/config"
	"orderflow-mcp/internal/market"
	"orderflow-mcp/internal/timeutil"
)

// SessionLevels is the high/low state of one named session window on one
// UTC day.
type SessionLevels struct {
	Name      string
	Date      string
	StartTime int64 // absolute ms, inclusive
	EndTime   int64 // absolute ms, exclusive
	High      decimal.Decimal
	Low       decimal.Decimal
	HighTime  int64
	LowTime   int64
	Volume    decimal.Decimal
	HasTrades bool
	Complete  bool
}

func (s *SessionLevels) addTrade(t market.Trade) {
	if !s.HasTrades || t.Price.Cmp(s.High) > 0 {
		s.High = t.Price
		s.HighTime = t.Timestamp
	}
	if !s.HasTrades || t.Price.Cmp(s.Low) < 0 {
		s.Low = t.Price
		s.LowTime = t.Timestamp
	}
	s.Volume = s.Volume.Add(t.Quantity)
	s.HasTrades = true
}

type sessionState struct {
	dayStart int64
	prevDay  int64
	current  map[string]*SessionLevels
	previous map[string]*SessionLevels
}

// Sessions tracks per-symbol session highs and lows over the configured UTC
// windows. Windows may overlap; a trade updates every window containing it.
type Sessions struct {
	windows []config.SessionWindow

	mu     sync.RWMutex
	states map[string]*sessionState
}

// NewSessions creates a session tracker over the configured windows.
func NewSessions(windows []config.SessionWindow) *Sessions {
	return &Sessions{windows: windows, states: make(map[string]*sessionState)}
}

func (e *Sessions) freshDay(dayStart int64) map[string]*SessionLevels {
	out := make(map[string]*SessionLevels, len(e.windows))
	for _, w := range e.windows {
		out[w.Name] = &SessionLevels{
			Name:      w.Name,
			Date:      timeutil.DateString(dayStart),
			StartTime: dayStart + w.StartMs,
			EndTime:   dayStart + w.EndMs,
		}
	}
	return out
}

func (e *Sessions) state(symbol string, dayStart int64) *sessionState {
	st, ok := e.states[symbol]
	if !ok {
		st = &sessionState{dayStart: dayStart, current: e.freshDay(dayStart)}
		e.states[symbol] = st
	}
	return st
}

func (st *sessionState) rollLocked(e *Sessions, dayStart int64) {
	for _, s := range st.current {
		s.Complete = true
	}
	st.previous = st.current
	st.prevDay = st.dayStart
	st.current = e.freshDay(dayStart)
	st.dayStart = dayStart
}

// OnTrade updates every session whose half-open window contains the trade.
// Rolling is strictly forward: a late trade from the already-rolled previous
// day folds into that day's sessions, anything older is dropped.
func (e *Sessions) OnTrade(t market.Trade) {
	day := timeutil.DayStart(t.Timestamp)
	offset := t.Timestamp - day

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(t.Symbol, day)
	target := st.current
	switch {
	case day > st.dayStart:
		st.rollLocked(e, day)
		target = st.current
	case day < st.dayStart:
		if st.previous == nil || st.prevDay != day {
			return
		}
		target = st.previous
	}
	for _, w := range e.windows {
		if offset >= w.StartMs && offset < w.EndMs {
			target[w.Name].addTrade(t)
		}
	}
}

// OnRollover rotates every symbol into the new day.
func (e *Sessions) OnRollover(dayStart int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.states {
		if st.dayStart < dayStart {
			st.rollLocked(e, dayStart)
		}
	}
}

// MarkComplete flags current sessions whose endTime has passed. Driven
// periodically by the supervisor.
func (e *Sessions) MarkComplete(now int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.states {
		for _, s := range st.current {
			if now >= s.EndTime {
				s.Complete = true
			}
		}
	}
}

// Snapshot returns copies of the current and previous day's sessions for
// symbol, keyed by session name.
func (e *Sessions) Snapshot(symbol string) (current, previous map[string]SessionLevels) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[symbol]
	if !ok {
		return nil, nil
	}
	current = make(map[string]SessionLevels, len(st.current))
	for name, s := range st.current {
		current[name] = *s
	}
	if st.previous != nil {
		previous = make(map[string]SessionLevels, len(st.previous))
		for name, s := range st.previous {
			previous[name] = *s
		}
	}
	return current, previous
}

// Names lists the configured session names in window order.
func (e *Sessions) Names() []string {
	out := make([]string, len(e.windows))
	for i, w := range e.windows {
		out[i] = w.Name
	}
	return out
}
