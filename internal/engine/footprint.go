// Package engine holds the trade aggregator and the per-symbol orderflow
// indicator engines it dispatches to.
package engine

import (
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/market"
	"orderflow-mcp/internal/timeutil"
)

func ascending(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

// RoundToTick rounds price down to the symbol's tick grid.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

// FootprintLevel is the buy/sell volume traded at one price bucket of a bar.
type FootprintLevel struct {
	Price      decimal.Decimal
	BuyVolume  decimal.Decimal
	SellVolume decimal.Decimal
	TradeCount int64
}

// TotalVolume is buyVolume + sellVolume.
func (l FootprintLevel) TotalVolume() decimal.Decimal {
	return l.BuyVolume.Add(l.SellVolume)
}

// Delta is buyVolume − sellVolume.
func (l FootprintLevel) Delta() decimal.Decimal {
	return l.BuyVolume.Sub(l.SellVolume)
}

// FootprintBar is one candle annotated with per-price-level volume.
// It is not safe for concurrent use; the owning aggregator serializes access.
type FootprintBar struct {
	Symbol    string
	Timeframe timeutil.Timeframe
	OpenTime  int64
	CloseTime int64

	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal

	levels     *treemap.Map // price -> *FootprintLevel, ascending
	tradeCount int64
}

// NewFootprintBar creates an empty bar for the aligned openTime.
func NewFootprintBar(symbol string, tf timeutil.Timeframe, openTime int64) *FootprintBar {
	return &FootprintBar{
		Symbol:    symbol,
		Timeframe: tf,
		OpenTime:  openTime,
		CloseTime: openTime + timeutil.MustTimeframeMs(tf) - 1,
		levels:    treemap.NewWith(ascending),
	}
}

// AddTrade folds one trade into the bar. The price is bucketed onto the tick
// grid; OHLC tracks the raw trade price.
func (b *FootprintBar) AddTrade(t market.Trade, tick decimal.Decimal) {
	bucket := RoundToTick(t.Price, tick)

	var lv *FootprintLevel
	if v, ok := b.levels.Get(bucket); ok {
		lv = v.(*FootprintLevel)
	} else {
		lv = &FootprintLevel{Price: bucket}
		b.levels.Put(bucket, lv)
	}
	lv.BuyVolume = lv.BuyVolume.Add(t.BuyVolume())
	lv.SellVolume = lv.SellVolume.Add(t.SellVolume())
	lv.TradeCount++

	if b.tradeCount == 0 {
		b.Open = t.Price
		b.High = t.Price
		b.Low = t.Price
	} else {
		if t.Price.Cmp(b.High) > 0 {
			b.High = t.Price
		}
		if t.Price.Cmp(b.Low) < 0 {
			b.Low = t.Price
		}
	}
	b.Close = t.Price
	b.tradeCount++
}

// TradeCount is the number of trades folded into the bar.
func (b *FootprintBar) TradeCount() int64 { return b.tradeCount }

// Levels returns the bar's levels sorted by price ascending.
func (b *FootprintBar) Levels() []FootprintLevel {
	out := make([]FootprintLevel, 0, b.levels.Size())
	it := b.levels.Iterator()
	for it.Next() {
		out = append(out, *it.Value().(*FootprintLevel))
	}
	return out
}

// TotalBuyVolume sums buy volume across levels.
func (b *FootprintBar) TotalBuyVolume() decimal.Decimal {
	total := decimal.Zero
	it := b.levels.Iterator()
	for it.Next() {
		total = total.Add(it.Value().(*FootprintLevel).BuyVolume)
	}
	return total
}

// TotalSellVolume sums sell volume across levels.
func (b *FootprintBar) TotalSellVolume() decimal.Decimal {
	total := decimal.Zero
	it := b.levels.Iterator()
	for it.Next() {
		total = total.Add(it.Value().(*FootprintLevel).SellVolume)
	}
	return total
}

// TotalVolume is total buy + sell volume.
func (b *FootprintBar) TotalVolume() decimal.Decimal {
	return b.TotalBuyVolume().Add(b.TotalSellVolume())
}

// Delta is total buy − total sell volume.
func (b *FootprintBar) Delta() decimal.Decimal {
	return b.TotalBuyVolume().Sub(b.TotalSellVolume())
}

// POC returns the level with greatest total volume, lowest price on a tie.
// ok is false for an empty bar.
func (b *FootprintBar) POC() (price decimal.Decimal, ok bool) {
	best := decimal.Zero
	it := b.levels.Iterator()
	for it.Next() {
		lv := it.Value().(*FootprintLevel)
		// Strict > keeps the lowest price on ties (ascending iteration).
		if vol := lv.TotalVolume(); !ok || vol.Cmp(best) > 0 {
			best = vol
			price = lv.Price
			ok = true
		}
	}
	return price, ok
}

// DeltaExtremes returns the prices of the most positive and most negative
// level deltas. ok is false for an empty bar.
func (b *FootprintBar) DeltaExtremes() (maxPrice, minPrice decimal.Decimal, ok bool) {
	var maxDelta, minDelta decimal.Decimal
	it := b.levels.Iterator()
	for it.Next() {
		lv := it.Value().(*FootprintLevel)
		d := lv.Delta()
		if !ok || d.Cmp(maxDelta) > 0 {
			maxDelta = d
			maxPrice = lv.Price
		}
		if !ok || d.Cmp(minDelta) < 0 {
			minDelta = d
			minPrice = lv.Price
		}
		ok = true
	}
	return maxPrice, minPrice, ok
}
