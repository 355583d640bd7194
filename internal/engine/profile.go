package engine

import (
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/config"
	"orderflow-mcp/internal/market"
	"orderflow-mcp/internal/timeutil"
)

// ProfileLevel is one price bucket of a daily volume profile. It carries the
// breakdown persisted into the daily_trades table.
type ProfileLevel struct {
	Price      decimal.Decimal
	Volume     decimal.Decimal
	BuyVolume  decimal.Decimal
	SellVolume decimal.Decimal
	Notional   decimal.Decimal
	TradeCount int64
}

// ValueArea is the POC and value-area bounds of a profile. Defined is false
// for an empty profile.
type ValueArea struct {
	POC     decimal.Decimal
	VAH     decimal.Decimal
	VAL     decimal.Decimal
	Defined bool
}

type profileDay struct {
	dayStart int64
	levels   *treemap.Map // price -> *ProfileLevel, ascending
	total    decimal.Decimal
}

func newProfileDay(dayStart int64) *profileDay {
	return &profileDay{dayStart: dayStart, levels: treemap.NewWith(ascending)}
}

type profileState struct {
	current  *profileDay
	previous *profileDay
}

// VolumeProfile maintains per-symbol daily volume-at-price histograms and
// derives POC / VAH / VAL from them.
type VolumeProfile struct {
	cfg *config.Config

	mu     sync.RWMutex
	states map[string]*profileState
}

// NewVolumeProfile creates an empty profile engine.
func NewVolumeProfile(cfg *config.Config) *VolumeProfile {
	return &VolumeProfile{cfg: cfg, states: make(map[string]*profileState)}
}

func (p *VolumeProfile) state(symbol string) *profileState {
	st, ok := p.states[symbol]
	if !ok {
		st = &profileState{}
		p.states[symbol] = st
	}
	return st
}

func (d *profileDay) add(t market.Trade, bucket decimal.Decimal) {
	var lv *ProfileLevel
	if v, ok := d.levels.Get(bucket); ok {
		lv = v.(*ProfileLevel)
	} else {
		lv = &ProfileLevel{Price: bucket}
		d.levels.Put(bucket, lv)
	}
	lv.Volume = lv.Volume.Add(t.Quantity)
	lv.BuyVolume = lv.BuyVolume.Add(t.BuyVolume())
	lv.SellVolume = lv.SellVolume.Add(t.SellVolume())
	lv.Notional = lv.Notional.Add(t.Notional())
	lv.TradeCount++
	d.total = d.total.Add(t.Quantity)
}

// OnTrade buckets the trade price onto the tick grid and accumulates it into
// the trade's UTC day. Rolling is strictly forward: a late trade from the
// already-rolled previous day folds into that slot, anything older is dropped.
func (p *VolumeProfile) OnTrade(t market.Trade) {
	day := timeutil.DayStart(t.Timestamp)
	bucket := RoundToTick(t.Price, p.cfg.TickSize(t.Symbol))

	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.state(t.Symbol)
	switch {
	case st.current == nil:
		st.current = newProfileDay(day)
	case day > st.current.dayStart:
		st.previous = st.current
		st.current = newProfileDay(day)
	case day < st.current.dayStart:
		if st.previous != nil && st.previous.dayStart == day {
			st.previous.add(t, bucket)
		}
		return
	}
	st.current.add(t, bucket)
}

// OnRollover rotates every symbol into the new day.
func (p *VolumeProfile) OnRollover(dayStart int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.states {
		if st.current != nil && st.current.dayStart < dayStart {
			st.previous = st.current
			st.current = newProfileDay(dayStart)
		}
	}
}

// valueArea runs the two-bucket expansion from the POC until the running
// volume reaches valueAreaPct of the day's total.
func (d *profileDay) valueArea(pct float64) ValueArea {
	if d == nil || d.levels.Empty() {
		return ValueArea{}
	}

	prices := make([]decimal.Decimal, 0, d.levels.Size())
	vols := make([]decimal.Decimal, 0, d.levels.Size())
	pocIdx := 0
	best := decimal.Zero
	it := d.levels.Iterator()
	for it.Next() {
		lv := it.Value().(*ProfileLevel)
		if lv.Volume.Cmp(best) > 0 {
			best = lv.Volume
			pocIdx = len(prices)
		}
		prices = append(prices, lv.Price)
		vols = append(vols, lv.Volume)
	}

	target := d.total.Mul(decimal.NewFromFloat(pct / 100))
	low, high := pocIdx, pocIdx
	running := vols[pocIdx]

	for running.Cmp(target) < 0 && (low > 0 || high < len(vols)-1) {
		upPair := decimal.Zero
		for i := high + 1; i <= high+2 && i < len(vols); i++ {
			upPair = upPair.Add(vols[i])
		}
		downPair := decimal.Zero
		for i := low - 1; i >= low-2 && i >= 0; i-- {
			downPair = downPair.Add(vols[i])
		}

		if upPair.Cmp(downPair) >= 0 && high < len(vols)-1 {
			for i := 0; i < 2 && high < len(vols)-1 && running.Cmp(target) < 0; i++ {
				high++
				running = running.Add(vols[high])
			}
		} else {
			for i := 0; i < 2 && low > 0 && running.Cmp(target) < 0; i++ {
				low--
				running = running.Add(vols[low])
			}
		}
	}

	return ValueArea{POC: prices[pocIdx], VAH: prices[high], VAL: prices[low], Defined: true}
}

// Developing returns the current day's value area for symbol.
func (p *VolumeProfile) Developing(symbol string) ValueArea {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[symbol]
	if !ok || st.current == nil {
		return ValueArea{}
	}
	return st.current.valueArea(float64(p.cfg.ValueAreaPercent))
}

// Previous returns the previous complete day's value area for symbol.
func (p *VolumeProfile) Previous(symbol string) ValueArea {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[symbol]
	if !ok || st.previous == nil {
		return ValueArea{}
	}
	return st.previous.valueArea(float64(p.cfg.ValueAreaPercent))
}

// Levels returns the current day's levels sorted by price, plus the day
// start, for persistence of the daily_trades rows.
func (p *VolumeProfile) Levels(symbol string) (dayStart int64, levels []ProfileLevel) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[symbol]
	if !ok || st.current == nil {
		return 0, nil
	}
	it := st.current.levels.Iterator()
	for it.Next() {
		levels = append(levels, *it.Value().(*ProfileLevel))
	}
	return st.current.dayStart, levels
}

// TotalVolume returns the current day's total traded volume for symbol.
func (p *VolumeProfile) TotalVolume(symbol string) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[symbol]
	if !ok || st.current == nil {
		return decimal.Zero
	}
	return st.current.total
}
