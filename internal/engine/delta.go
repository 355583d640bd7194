package engine

import (
	"sync"

	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/config"
	"orderflow-mcp/internal/market"
	"orderflow-mcp/internal/timeutil"
)

// minDivergenceBars is the fewest bars a divergence probe will accept.
const minDivergenceBars = 5

// DeltaBar is the per-timeframe delta aggregation of trades.
type DeltaBar struct {
	OpenTime   int64
	CloseTime  int64
	BuyVolume  decimal.Decimal
	SellVolume decimal.Decimal
	TradeCount int64
	Close      decimal.Decimal
}

// Delta is buyVolume − sellVolume.
func (b DeltaBar) Delta() decimal.Decimal { return b.BuyVolume.Sub(b.SellVolume) }

// TotalVolume is buyVolume + sellVolume.
func (b DeltaBar) TotalVolume() decimal.Decimal { return b.BuyVolume.Add(b.SellVolume) }

// DeltaPercent is delta / totalVolume × 100, zero for an empty bar.
func (b DeltaBar) DeltaPercent() decimal.Decimal {
	total := b.TotalVolume()
	if total.Sign() == 0 {
		return decimal.Zero
	}
	return b.Delta().Div(total).Mul(decimal.NewFromInt(100))
}

// Divergence is the price-vs-delta probe over a lookback of bars.
type Divergence struct {
	HasDivergence bool
	Type          string // "bullish" or "bearish", empty without divergence
	PriceRising   bool
	DeltaRising   bool
	FirstHalfSum  decimal.Decimal
	SecondHalfSum decimal.Decimal
	BarsAnalyzed  int
}

// DeltaStats summarizes delta over a lookback of bars.
type DeltaStats struct {
	BarCount      int
	TotalDelta    decimal.Decimal
	AvgDelta      decimal.Decimal
	MaxDelta      decimal.Decimal
	MinDelta      decimal.Decimal
	PositiveCount int
	NegativeCount int
}

type deltaState struct {
	cvd      decimal.Decimal
	dayStart int64
	current  map[timeutil.Timeframe]*DeltaBar
	bars     map[timeutil.Timeframe][]DeltaBar
}

// DeltaCVD maintains per-symbol delta bar rings and the running CVD.
type DeltaCVD struct {
	cfg *config.Config

	mu     sync.RWMutex
	states map[string]*deltaState
}

// NewDeltaCVD creates an empty delta/CVD engine.
func NewDeltaCVD(cfg *config.Config) *DeltaCVD {
	return &DeltaCVD{cfg: cfg, states: make(map[string]*deltaState)}
}

func (d *DeltaCVD) state(symbol string) *deltaState {
	st, ok := d.states[symbol]
	if !ok {
		st = &deltaState{
			current: make(map[timeutil.Timeframe]*DeltaBar),
			bars:    make(map[timeutil.Timeframe][]DeltaBar),
		}
		d.states[symbol] = st
	}
	return st
}

// OnTrade updates the running CVD and every timeframe's current delta bar.
// CVD resets at the UTC day boundary only when configured to.
func (d *DeltaCVD) OnTrade(t market.Trade) {
	day := timeutil.DayStart(t.Timestamp)

	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state(t.Symbol)
	if st.dayStart == 0 {
		st.dayStart = day
	} else if day != st.dayStart {
		st.dayStart = day
		if d.cfg.CVDResetDaily {
			st.cvd = decimal.Zero
		}
	}
	st.cvd = st.cvd.Add(t.SignedVolume())

	for _, tf := range d.cfg.Timeframes {
		open := timeutil.MustAlign(t.Timestamp, tf)
		bar := st.current[tf]
		if bar == nil || bar.OpenTime != open {
			if bar != nil {
				ring := append(st.bars[tf], *bar)
				if len(ring) > maxCompletedBars {
					ring = ring[len(ring)-maxCompletedBars:]
				}
				st.bars[tf] = ring
			}
			bar = &DeltaBar{OpenTime: open, CloseTime: open + timeutil.MustTimeframeMs(tf) - 1}
			st.current[tf] = bar
		}
		bar.BuyVolume = bar.BuyVolume.Add(t.BuyVolume())
		bar.SellVolume = bar.SellVolume.Add(t.SellVolume())
		bar.TradeCount++
		bar.Close = t.Price
	}
}

// CVD returns the running cumulative volume delta for symbol.
func (d *DeltaCVD) CVD(symbol string) decimal.Decimal {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.states[symbol]
	if !ok {
		return decimal.Zero
	}
	return st.cvd
}

// DeltaSeries returns completed delta bars for (symbol, tf) filtered to
// [startTime, endTime] (zero disables a bound), last limit entries.
func (d *DeltaCVD) DeltaSeries(symbol string, tf timeutil.Timeframe, startTime, endTime int64, limit int) []DeltaBar {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.states[symbol]
	if !ok {
		return nil
	}
	var out []DeltaBar
	for _, bar := range st.bars[tf] {
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

// CVDPoint is one entry of a CVD series rebased to zero at the range start.
type CVDPoint struct {
	OpenTime  int64
	CloseTime int64
	Delta     decimal.Decimal
	CVD       decimal.Decimal
}

// CVDSeries returns the cumulative delta over the selected bars, starting
// from zero at the beginning of the range.
func (d *DeltaCVD) CVDSeries(symbol string, tf timeutil.Timeframe, startTime, endTime int64, limit int) []CVDPoint {
	bars := d.DeltaSeries(symbol, tf, startTime, endTime, limit)
	out := make([]CVDPoint, 0, len(bars))
	cvd := decimal.Zero
	for _, bar := range bars {
		cvd = cvd.Add(bar.Delta())
		out = append(out, CVDPoint{OpenTime: bar.OpenTime, CloseTime: bar.CloseTime, Delta: bar.Delta(), CVD: cvd})
	}
	return out
}

// Divergence splits the last lookback bars into halves and compares the
// average close price direction against the delta-sum direction.
func (d *DeltaCVD) Divergence(symbol string, tf timeutil.Timeframe, lookback int) Divergence {
	bars := d.DeltaSeries(symbol, tf, 0, 0, lookback)
	if len(bars) < minDivergenceBars {
		return Divergence{BarsAnalyzed: len(bars)}
	}

	mid := len(bars) / 2
	avgClose := func(half []DeltaBar) decimal.Decimal {
		sum := decimal.Zero
		for _, b := range half {
			sum = sum.Add(b.Close)
		}
		return sum.Div(decimal.NewFromInt(int64(len(half))))
	}
	sumDelta := func(half []DeltaBar) decimal.Decimal {
		sum := decimal.Zero
		for _, b := range half {
			sum = sum.Add(b.Delta())
		}
		return sum
	}

	firstDelta, secondDelta := sumDelta(bars[:mid]), sumDelta(bars[mid:])
	priceRising := avgClose(bars[mid:]).Cmp(avgClose(bars[:mid])) > 0
	deltaRising := secondDelta.Cmp(firstDelta) > 0

	div := Divergence{
		PriceRising:   priceRising,
		DeltaRising:   deltaRising,
		FirstHalfSum:  firstDelta,
		SecondHalfSum: secondDelta,
		BarsAnalyzed:  len(bars),
	}
	switch {
	case priceRising && !deltaRising:
		div.HasDivergence = true
		div.Type = "bearish"
	case !priceRising && deltaRising:
		div.HasDivergence = true
		div.Type = "bullish"
	}
	return div
}

// Stats summarizes delta over the last lookback bars.
func (d *DeltaCVD) Stats(symbol string, tf timeutil.Timeframe, lookback int) DeltaStats {
	bars := d.DeltaSeries(symbol, tf, 0, 0, lookback)
	stats := DeltaStats{BarCount: len(bars)}
	if len(bars) == 0 {
		return stats
	}
	for i, bar := range bars {
		delta := bar.Delta()
		stats.TotalDelta = stats.TotalDelta.Add(delta)
		if i == 0 || delta.Cmp(stats.MaxDelta) > 0 {
			stats.MaxDelta = delta
		}
		if i == 0 || delta.Cmp(stats.MinDelta) < 0 {
			stats.MinDelta = delta
		}
		switch delta.Sign() {
		case 1:
			stats.PositiveCount++
		case -1:
			stats.NegativeCount++
		}
	}
	stats.AvgDelta = stats.TotalDelta.Div(decimal.NewFromInt(int64(len(bars))))
	return stats
}
