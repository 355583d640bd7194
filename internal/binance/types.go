// Package binance is the exchange adapter: REST client, combined WS stream
// reader and wire-format parsing for USD-margined perpetual futures.
package binance

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/market"
)

// streamEnvelope is the combined-stream wrapper {stream, data}.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wsAggTrade struct {
	Symbol       string `json:"s"`
	AggID        int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

type wsDepthUpdate struct {
	Symbol           string      `json:"s"`
	EventTime        int64       `json:"E"`
	FirstUpdateID    int64       `json:"U"`
	LastUpdateID     int64       `json:"u"`
	PrevLastUpdateID int64       `json:"pu"`
	Bids             [][2]string `json:"b"`
	Asks             [][2]string `json:"a"`
}

type wsMarkPrice struct {
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
	EventTime       int64  `json:"E"`
}

type wsForceOrder struct {
	Order struct {
		Symbol    string `json:"s"`
		Side      string `json:"S"`
		OrigQty   string `json:"q"`
		Price     string `json:"p"`
		AvgPrice  string `json:"ap"`
		Status    string `json:"X"`
		FilledQty string `json:"z"`
		TradeTime int64  `json:"T"`
	} `json:"o"`
}

type restDepth struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

type restAggTrade struct {
	AggID        int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	Timestamp    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

type restTicker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	WeightedAvgPrice   string `json:"weightedAvgPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	CloseTime          int64  `json:"closeTime"`
}

type restPremiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

type restOpenInterest struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

type restOIHist struct {
	SumOpenInterest      string `json:"sumOpenInterest"`
	SumOpenInterestValue string `json:"sumOpenInterestValue"`
	Timestamp            int64  `json:"timestamp"`
}

type restFundingRate struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
	FundingTime int64  `json:"fundingTime"`
}

// Ticker24h is the parsed 24h ticker.
type Ticker24h struct {
	Symbol             string
	LastPrice          decimal.Decimal
	PriceChange        decimal.Decimal
	PriceChangePercent decimal.Decimal
	WeightedAvgPrice   decimal.Decimal
	HighPrice          decimal.Decimal
	LowPrice           decimal.Decimal
	Volume             decimal.Decimal
	QuoteVolume        decimal.Decimal
	CloseTime          int64
}

// OpenInterestPoint is one openInterestHist entry.
type OpenInterestPoint struct {
	OpenInterest      decimal.Decimal
	OpenInterestValue decimal.Decimal
	Timestamp         int64
}

// FundingRatePoint is one fundingRate history entry.
type FundingRatePoint struct {
	FundingRate decimal.Decimal
	FundingTime int64
}

func pd(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decimal %q: %w", s, err)
	}
	return d, nil
}

func parseLevels(raw [][2]string) ([]market.PriceLevel, error) {
	out := make([]market.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		price, err := pd(pair[0])
		if err != nil {
			return nil, err
		}
		qty, err := pd(pair[1])
		if err != nil {
			return nil, err
		}
		out = append(out, market.PriceLevel{Price: price, Qty: qty})
	}
	return out, nil
}

func (m wsAggTrade) toTrade() (market.Trade, error) {
	price, err := pd(m.Price)
	if err != nil {
		return market.Trade{}, err
	}
	qty, err := pd(m.Quantity)
	if err != nil {
		return market.Trade{}, err
	}
	return market.Trade{
		AggID:        m.AggID,
		Symbol:       strings.ToUpper(m.Symbol),
		Price:        price,
		Quantity:     qty,
		Timestamp:    m.TradeTime,
		BuyerIsMaker: m.BuyerIsMaker,
	}, nil
}

func (m wsDepthUpdate) toUpdate() (market.DepthUpdate, error) {
	bids, err := parseLevels(m.Bids)
	if err != nil {
		return market.DepthUpdate{}, err
	}
	asks, err := parseLevels(m.Asks)
	if err != nil {
		return market.DepthUpdate{}, err
	}
	return market.DepthUpdate{
		Symbol:           strings.ToUpper(m.Symbol),
		EventTime:        m.EventTime,
		FirstUpdateID:    m.FirstUpdateID,
		LastUpdateID:     m.LastUpdateID,
		PrevLastUpdateID: m.PrevLastUpdateID,
		Bids:             bids,
		Asks:             asks,
	}, nil
}

func (m wsMarkPrice) toMarkPrice() (market.MarkPrice, error) {
	mark, err := pd(m.MarkPrice)
	if err != nil {
		return market.MarkPrice{}, err
	}
	index, err := pd(m.IndexPrice)
	if err != nil {
		return market.MarkPrice{}, err
	}
	funding, err := pd(m.FundingRate)
	if err != nil {
		return market.MarkPrice{}, err
	}
	return market.MarkPrice{
		Symbol:          strings.ToUpper(m.Symbol),
		MarkPrice:       mark,
		IndexPrice:      index,
		FundingRate:     funding,
		NextFundingTime: m.NextFundingTime,
		EventTime:       m.EventTime,
	}, nil
}

func (m wsForceOrder) toLiquidation() (market.Liquidation, error) {
	o := m.Order
	price, err := pd(o.Price)
	if err != nil {
		return market.Liquidation{}, err
	}
	avg, err := pd(o.AvgPrice)
	if err != nil {
		return market.Liquidation{}, err
	}
	orig, err := pd(o.OrigQty)
	if err != nil {
		return market.Liquidation{}, err
	}
	filled, err := pd(o.FilledQty)
	if err != nil {
		return market.Liquidation{}, err
	}
	return market.Liquidation{
		Symbol:      strings.ToUpper(o.Symbol),
		Side:        o.Side,
		Price:       price,
		AvgPrice:    avg,
		OrigQty:     orig,
		FilledQty:   filled,
		Timestamp:   o.TradeTime,
		OrderStatus: o.Status,
	}, nil
}

func (t restTicker) parse() (Ticker24h, error) {
	out := Ticker24h{Symbol: t.Symbol, CloseTime: t.CloseTime}
	var err error
	fields := []struct {
		src string
		dst *decimal.Decimal
	}{
		{t.LastPrice, &out.LastPrice},
		{t.PriceChange, &out.PriceChange},
		{t.PriceChangePercent, &out.PriceChangePercent},
		{t.WeightedAvgPrice, &out.WeightedAvgPrice},
		{t.HighPrice, &out.HighPrice},
		{t.LowPrice, &out.LowPrice},
		{t.Volume, &out.Volume},
		{t.QuoteVolume, &out.QuoteVolume},
	}
	for _, fd := range fields {
		if *fd.dst, err = pd(fd.src); err != nil {
			return Ticker24h{}, err
		}
	}
	return out, nil
}
