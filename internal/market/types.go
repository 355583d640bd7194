// Package market defines the canonical in-memory shapes for exchange data.
// All prices and quantities are decimals parsed losslessly from the exchange
// wire strings; arithmetic never goes through binary floats.
package market

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side is the taker side of a trade.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Trade is one aggregated trade from the @aggTrade stream.
type Trade struct {
	AggID         int64
	Symbol        string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Timestamp     int64
	BuyerIsMaker  bool
}

// Side returns the aggressor side. buyerIsMaker=true means a taker sell.
func (t Trade) Side() Side {
	if t.BuyerIsMaker {
		return Sell
	}
	return Buy
}

// BuyVolume is the taker-buy quantity (zero for taker sells).
func (t Trade) BuyVolume() decimal.Decimal {
	if t.BuyerIsMaker {
		return decimal.Zero
	}
	return t.Quantity
}

// SellVolume is the taker-sell quantity (zero for taker buys).
func (t Trade) SellVolume() decimal.Decimal {
	if t.BuyerIsMaker {
		return t.Quantity
	}
	return decimal.Zero
}

// SignedVolume is +qty for taker buys, -qty for taker sells.
func (t Trade) SignedVolume() decimal.Decimal {
	if t.BuyerIsMaker {
		return t.Quantity.Neg()
	}
	return t.Quantity
}

// Notional is price × quantity.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// Validate rejects trades that would corrupt engine state.
func (t Trade) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("trade %d: empty symbol", t.AggID)
	}
	if t.Price.Sign() <= 0 {
		return fmt.Errorf("trade %d: non-positive price %s", t.AggID, t.Price)
	}
	if t.Quantity.Sign() <= 0 {
		return fmt.Errorf("trade %d: non-positive quantity %s", t.AggID, t.Quantity)
	}
	return nil
}

// PriceLevel is one (price, quantity) pair in a depth message.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// DepthUpdate is one diff from the @depth@100ms stream.
type DepthUpdate struct {
	Symbol           string
	EventTime        int64
	FirstUpdateID    int64 // U
	LastUpdateID     int64 // u
	PrevLastUpdateID int64 // pu
	Bids             []PriceLevel
	Asks             []PriceLevel
}

// DepthSnapshot is a REST depth snapshot.
type DepthSnapshot struct {
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// MarkPrice is one update from the @markPrice@1s stream.
type MarkPrice struct {
	Symbol          string
	MarkPrice       decimal.Decimal
	IndexPrice      decimal.Decimal
	FundingRate     decimal.Decimal
	NextFundingTime int64
	EventTime       int64
}

// Liquidation is one forced order from the @forceOrder stream.
type Liquidation struct {
	Symbol      string
	Side        string // "BUY" or "SELL" (the forced order's side)
	Price       decimal.Decimal
	AvgPrice    decimal.Decimal
	OrigQty     decimal.Decimal
	FilledQty   decimal.Decimal
	Timestamp   int64
	OrderStatus string
}

// Notional is avgPrice×filledQty when an average fill price exists,
// otherwise price×origQty.
func (l Liquidation) Notional() decimal.Decimal {
	if l.AvgPrice.Sign() > 0 {
		return l.AvgPrice.Mul(l.FilledQty)
	}
	return l.Price.Mul(l.OrigQty)
}
