package engine

import (
	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/market"
)

// ImbalanceLevel is one price level that crossed the imbalance ratio.
type ImbalanceLevel struct {
	Price      decimal.Decimal
	BuyVolume  decimal.Decimal
	SellVolume decimal.Decimal
	Ratio      decimal.Decimal // 0 when the opposite side is empty
	Side       market.Side
}

// StackedImbalance is a run of ≥ minConsecutive adjacent imbalance levels on
// the same side.
type StackedImbalance struct {
	Side   market.Side
	Levels []ImbalanceLevel
}

// StartPrice is the lowest price of the stack.
func (s StackedImbalance) StartPrice() decimal.Decimal { return s.Levels[0].Price }

// EndPrice is the highest price of the stack.
func (s StackedImbalance) EndPrice() decimal.Decimal { return s.Levels[len(s.Levels)-1].Price }

// TotalVolume sums buy+sell volume over the stack's levels.
func (s StackedImbalance) TotalVolume() decimal.Decimal {
	total := decimal.Zero
	for _, lv := range s.Levels {
		total = total.Add(lv.BuyVolume).Add(lv.SellVolume)
	}
	return total
}

// DetectStacked scans a finished bar's levels (sorted by price ascending)
// for stacked imbalances. A level with zero opposite-side volume counts as
// an imbalance on the nonzero side. Consecutive means adjacent in the
// price-sorted list; a non-qualifying level breaks both running stacks.
func DetectStacked(levels []FootprintLevel, ratio decimal.Decimal, minConsecutive int) []StackedImbalance {
	if minConsecutive < 1 {
		minConsecutive = 1
	}
	var out []StackedImbalance
	var buyStack, sellStack []ImbalanceLevel

	flush := func(stack []ImbalanceLevel, side market.Side) {
		if len(stack) >= minConsecutive {
			out = append(out, StackedImbalance{Side: side, Levels: stack})
		}
	}

	for _, lv := range levels {
		buyImb, buyRatio := imbalanced(lv.BuyVolume, lv.SellVolume, ratio)
		sellImb, sellRatio := imbalanced(lv.SellVolume, lv.BuyVolume, ratio)

		if buyImb {
			buyStack = append(buyStack, ImbalanceLevel{
				Price: lv.Price, BuyVolume: lv.BuyVolume, SellVolume: lv.SellVolume,
				Ratio: buyRatio, Side: market.Buy,
			})
		} else {
			flush(buyStack, market.Buy)
			buyStack = nil
		}
		if sellImb {
			sellStack = append(sellStack, ImbalanceLevel{
				Price: lv.Price, BuyVolume: lv.BuyVolume, SellVolume: lv.SellVolume,
				Ratio: sellRatio, Side: market.Sell,
			})
		} else {
			flush(sellStack, market.Sell)
			sellStack = nil
		}
	}
	flush(buyStack, market.Buy)
	flush(sellStack, market.Sell)
	return out
}

// imbalanced reports whether dominant/opposite meets the ratio threshold.
// A zero opposite side with nonzero dominant volume qualifies with ratio 0.
func imbalanced(dominant, opposite, ratio decimal.Decimal) (bool, decimal.Decimal) {
	if opposite.Sign() == 0 {
		return dominant.Sign() > 0, decimal.Zero
	}
	r := dominant.Div(opposite)
	return r.Cmp(ratio) >= 0, r
}
