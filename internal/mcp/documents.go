package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/book"
	"orderflow-mcp/internal/cache"
	"orderflow-mcp/internal/db"
	"orderflow-mcp/internal/engine"
	"orderflow-mcp/internal/market"
	"orderflow-mcp/internal/timeutil"
)

// Decimals serialize as strings so tool consumers never see float rounding.
func ds(d decimal.Decimal) string { return d.String() }

// dsOpt is ds for optional values: nil when undefined.
func dsOpt(d decimal.Decimal, ok bool) interface{} {
	if !ok {
		return nil
	}
	return d.String()
}

// --- get_market_snapshot -------------------------------------------------

type snapshotArgs struct {
	Symbol string `json:"symbol"`
}

func (s *Server) toolMarketSnapshot(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var args snapshotArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, badArgs("invalid arguments: %v", err)
	}
	sym, err := s.symbol(args.Symbol)
	if err != nil {
		return nil, err
	}

	snap := s.deps.Live.Snapshot(sym)
	oiValue := snap.OpenInterest.Mul(snap.MarkPrice)

	return map[string]interface{}{
		"symbol":                sym,
		"lastPrice":             ds(snap.LastPrice),
		"lastTradeTime":         snap.LastTradeTime,
		"markPrice":             ds(snap.MarkPrice),
		"indexPrice":            ds(snap.IndexPrice),
		"fundingRate":           ds(snap.FundingRate),
		"nextFundingTime":       snap.NextFundingTime,
		"openInterest":          ds(snap.OpenInterest),
		"openInterestValue":     ds(oiValue),
		"openInterestTime":      snap.OpenInterestAt,
		"cvd":                   ds(s.deps.Delta.CVD(sym)),
		"priceChange24h":        ds(snap.Ticker.PriceChange),
		"priceChangePercent24h": ds(snap.Ticker.PriceChangePercent),
		"weightedAvgPrice":      ds(snap.Ticker.WeightedAvgPrice),
		"high24h":               ds(snap.Ticker.HighPrice),
		"low24h":                ds(snap.Ticker.LowPrice),
		"volume24h":             ds(snap.Ticker.Volume),
		"quoteVolume24h":        ds(snap.Ticker.QuoteVolume),
		"timestamp":             timeutil.NowMs(),
	}, nil
}

// --- get_key_levels ------------------------------------------------------

type keyLevelsArgs struct {
	Symbol    string `json:"symbol"`
	Date      string `json:"date"`
	SessionTZ string `json:"sessionTZ"`
}

func (s *Server) toolKeyLevels(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var args keyLevelsArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, badArgs("invalid arguments: %v", err)
	}
	sym, err := s.symbol(args.Symbol)
	if err != nil {
		return nil, err
	}
	// Session windows are defined as UTC offsets from midnight.
	if args.SessionTZ != "" && args.SessionTZ != "UTC" {
		return nil, badArgs("sessionTZ %q unsupported, only UTC", args.SessionTZ)
	}

	today := timeutil.DateString(timeutil.NowMs())
	if args.Date != "" && args.Date != today {
		return s.keyLevelsHistorical(sym, args.Date)
	}
	return s.keyLevelsLive(sym, today), nil
}

// keyLevelsLive assembles today's levels from the in-memory engines.
func (s *Server) keyLevelsLive(sym, date string) map[string]interface{} {
	dVWAP, dOK := s.deps.VWAP.Current(sym)
	pdVWAP, pdOK := s.deps.VWAP.Previous(sym)
	developing := s.deps.Profile.Developing(sym)
	previous := s.deps.Profile.Previous(sym)
	current, prior := s.deps.Sessions.Snapshot(sym)

	doc := map[string]interface{}{
		"symbol": sym,
		"date":   date,
		"vwap": map[string]interface{}{
			"dVWAP":  dsOpt(dVWAP, dOK),
			"pdVWAP": dsOpt(pdVWAP, pdOK),
		},
		"volumeProfile": map[string]interface{}{
			"developing": valueAreaDoc(developing),
			"previous":   valueAreaDoc(previous),
		},
		"sessions": map[string]interface{}{
			"current":  sessionMapDoc(current),
			"previous": sessionMapDoc(prior),
		},
		"timestamp": timeutil.NowMs(),
	}
	// Flat aliases (TokyoH, pLondonL, dPOC, …) for consumers that want
	// single keys.
	for name, sl := range current {
		addFlatSession(doc, name, sl, "")
	}
	for name, sl := range prior {
		addFlatSession(doc, name, sl, "p")
	}
	if developing.Defined {
		doc["dPOC"], doc["dVAH"], doc["dVAL"] = ds(developing.POC), ds(developing.VAH), ds(developing.VAL)
	}
	if previous.Defined {
		doc["pdPOC"], doc["pdVAH"], doc["pdVAL"] = ds(previous.POC), ds(previous.VAH), ds(previous.VAL)
	}
	return doc
}

// keyLevelsHistorical serves a past day from the database.
func (s *Server) keyLevelsHistorical(sym, date string) (interface{}, error) {
	if _, err := timeutil.ParseDate(date); err != nil {
		return nil, badArgs("bad date %q, want YYYY-MM-DD", date)
	}
	if s.deps.Store == nil {
		return nil, fmt.Errorf("no database configured for historical queries")
	}

	dayStart, _ := timeutil.ParseDate(date)
	doc := map[string]interface{}{
		"symbol":    sym,
		"date":      date,
		"source":    "database",
		"timestamp": timeutil.NowMs(),
	}

	if day, ok, err := s.deps.Store.LoadVWAP(sym, dayStart); err != nil {
		return nil, err
	} else if ok {
		v, vok := day.Value()
		doc["vwap"] = map[string]interface{}{"dVWAP": dsOpt(v, vok), "pdVWAP": nil}
	} else {
		doc["vwap"] = map[string]interface{}{"dVWAP": nil, "pdVWAP": nil}
	}

	rows, err := s.deps.Store.SessionRows(sym, date)
	if err != nil {
		return nil, err
	}
	sessions := make(map[string]interface{}, len(rows))
	for _, sl := range rows {
		sessions[sl.Name] = sessionDoc(sl)
		addFlatSession(doc, sl.Name, sl, "")
	}
	doc["sessions"] = map[string]interface{}{"current": sessions}
	return doc, nil
}

func valueAreaDoc(va engine.ValueArea) interface{} {
	if !va.Defined {
		return nil
	}
	return map[string]interface{}{
		"poc": ds(va.POC),
		"vah": ds(va.VAH),
		"val": ds(va.VAL),
	}
}

func sessionDoc(sl engine.SessionLevels) map[string]interface{} {
	doc := map[string]interface{}{
		"name":      sl.Name,
		"date":      sl.Date,
		"hasTrades": sl.HasTrades,
		"complete":  sl.Complete,
	}
	if sl.StartTime != 0 || sl.EndTime != 0 {
		doc["startTime"] = sl.StartTime
		doc["endTime"] = sl.EndTime
	}
	if sl.HasTrades {
		doc["high"] = ds(sl.High)
		doc["low"] = ds(sl.Low)
		doc["highTime"] = sl.HighTime
		doc["lowTime"] = sl.LowTime
		doc["volume"] = ds(sl.Volume)
	}
	return doc
}

func sessionMapDoc(m map[string]engine.SessionLevels) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for name, sl := range m {
		out[name] = sessionDoc(sl)
	}
	return out
}

func addFlatSession(doc map[string]interface{}, name string, sl engine.SessionLevels, prefix string) {
	if !sl.HasTrades {
		return
	}
	doc[prefix+name+"H"] = ds(sl.High)
	doc[prefix+name+"L"] = ds(sl.Low)
}

// --- get_footprint -------------------------------------------------------

type rangeArgs struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

func (s *Server) toolFootprint(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var args rangeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, badArgs("invalid arguments: %v", err)
	}
	sym, err := s.symbol(args.Symbol)
	if err != nil {
		return nil, err
	}
	tf, err := s.timeframe(args.Timeframe)
	if err != nil {
		return nil, err
	}
	if args.EndTime != 0 && args.EndTime < args.StartTime {
		return nil, badArgs("endTime precedes startTime")
	}

	bars := s.deps.Agg.CompletedBars(sym, tf, args.StartTime, args.EndTime, 0)
	docs := make([]map[string]interface{}, 0, len(bars)+1)
	source := "live"

	// In-memory rings no longer cover old 1m ranges; fall back to the
	// persisted footprint.
	if len(bars) == 0 && tf == timeutil.TF1m && s.deps.Store != nil && args.StartTime > 0 {
		rows, err := s.deps.Store.FootprintRows(sym, args.StartTime, args.EndTime)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			docs = footprintRowsDoc(rows)
			source = "database"
		}
	}

	for _, bar := range bars {
		docs = append(docs, footprintBarDoc(bar, true))
	}
	if cur := s.deps.Agg.CurrentBar(sym, tf); cur != nil && cur.TradeCount() > 0 {
		if args.EndTime == 0 || cur.OpenTime <= args.EndTime {
			docs = append(docs, footprintBarDoc(cur, false))
		}
	}

	return map[string]interface{}{
		"symbol":    sym,
		"timeframe": string(tf),
		"tickSize":  ds(s.deps.Config.TickSize(sym)),
		"source":    source,
		"barCount":  len(docs),
		"bars":      docs,
	}, nil
}

func footprintBarDoc(bar *engine.FootprintBar, complete bool) map[string]interface{} {
	levels := bar.Levels()
	levelDocs := make([]map[string]interface{}, 0, len(levels))
	for _, lv := range levels {
		levelDocs = append(levelDocs, map[string]interface{}{
			"price":       ds(lv.Price),
			"buyVolume":   ds(lv.BuyVolume),
			"sellVolume":  ds(lv.SellVolume),
			"delta":       ds(lv.Delta()),
			"totalVolume": ds(lv.TotalVolume()),
			"tradeCount":  lv.TradeCount,
		})
	}

	doc := map[string]interface{}{
		"openTime":    bar.OpenTime,
		"closeTime":   bar.CloseTime,
		"open":        ds(bar.Open),
		"high":        ds(bar.High),
		"low":         ds(bar.Low),
		"close":       ds(bar.Close),
		"buyVolume":   ds(bar.TotalBuyVolume()),
		"sellVolume":  ds(bar.TotalSellVolume()),
		"totalVolume": ds(bar.TotalVolume()),
		"delta":       ds(bar.Delta()),
		"tradeCount":  bar.TradeCount(),
		"isComplete":  complete,
		"levels":      levelDocs,
	}
	if poc, ok := bar.POC(); ok {
		doc["poc"] = ds(poc)
	}
	if maxP, minP, ok := bar.DeltaExtremes(); ok {
		doc["maxDeltaPrice"] = ds(maxP)
		doc["minDeltaPrice"] = ds(minP)
	}
	return doc
}

// footprintRowsDoc regroups persisted per-level rows into per-minute bar
// documents. OHLC is not persisted, so these carry levels and volume only.
func footprintRowsDoc(rows []db.FootprintRow) []map[string]interface{} {
	var docs []map[string]interface{}
	var cur map[string]interface{}
	var curTS int64 = -1
	var buy, sell decimal.Decimal
	var levels []map[string]interface{}

	flush := func() {
		if cur == nil {
			return
		}
		cur["buyVolume"] = ds(buy)
		cur["sellVolume"] = ds(sell)
		cur["totalVolume"] = ds(buy.Add(sell))
		cur["delta"] = ds(buy.Sub(sell))
		cur["levels"] = levels
		docs = append(docs, cur)
	}

	for _, r := range rows {
		if r.Timestamp != curTS {
			flush()
			curTS = r.Timestamp
			buy, sell = decimal.Zero, decimal.Zero
			levels = nil
			cur = map[string]interface{}{
				"openTime":   r.Timestamp,
				"closeTime":  r.Timestamp + timeutil.MustTimeframeMs(timeutil.TF1m) - 1,
				"isComplete": true,
			}
		}
		buy = buy.Add(r.BuyVolume)
		sell = sell.Add(r.SellVolume)
		levels = append(levels, map[string]interface{}{
			"price":       ds(r.PriceLevel),
			"buyVolume":   ds(r.BuyVolume),
			"sellVolume":  ds(r.SellVolume),
			"delta":       ds(r.BuyVolume.Sub(r.SellVolume)),
			"totalVolume": ds(r.BuyVolume.Add(r.SellVolume)),
			"tradeCount":  r.TradeCount,
		})
	}
	flush()
	return docs
}

// --- get_orderflow_metrics -----------------------------------------------

const metricsLookback = 20

func (s *Server) toolOrderflowMetrics(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var args rangeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, badArgs("invalid arguments: %v", err)
	}
	sym, err := s.symbol(args.Symbol)
	if err != nil {
		return nil, err
	}
	tf, err := s.timeframe(args.Timeframe)
	if err != nil {
		return nil, err
	}

	deltaBars := s.deps.Delta.DeltaSeries(sym, tf, args.StartTime, args.EndTime, 0)
	cvdPoints := s.deps.Delta.CVDSeries(sym, tf, args.StartTime, args.EndTime, 0)
	divergence := s.deps.Delta.Divergence(sym, tf, metricsLookback)
	stats := s.deps.Delta.Stats(sym, tf, metricsLookback)

	barDocs := make([]map[string]interface{}, 0, len(deltaBars))
	for _, b := range deltaBars {
		barDocs = append(barDocs, map[string]interface{}{
			"openTime":     b.OpenTime,
			"closeTime":    b.CloseTime,
			"buyVolume":    ds(b.BuyVolume),
			"sellVolume":   ds(b.SellVolume),
			"delta":        ds(b.Delta()),
			"deltaPercent": ds(b.DeltaPercent()),
			"totalVolume":  ds(b.TotalVolume()),
			"tradeCount":   b.TradeCount,
			"close":        ds(b.Close),
		})
	}
	cvdDocs := make([]map[string]interface{}, 0, len(cvdPoints))
	for _, p := range cvdPoints {
		cvdDocs = append(cvdDocs, map[string]interface{}{
			"openTime":  p.OpenTime,
			"closeTime": p.CloseTime,
			"delta":     ds(p.Delta),
			"cvd":       ds(p.CVD),
		})
	}

	return map[string]interface{}{
		"symbol":           sym,
		"timeframe":        string(tf),
		"currentCVD":       ds(s.deps.Delta.CVD(sym)),
		"deltaBars":        barDocs,
		"cvdSeries":        cvdDocs,
		"imbalances":       s.imbalanceDoc(sym, tf),
		"footprintSummary": s.footprintSummaryDoc(sym, tf, args.StartTime, args.EndTime),
		"divergence": map[string]interface{}{
			"hasDivergence": divergence.HasDivergence,
			"type":          divergence.Type,
			"priceRising":   divergence.PriceRising,
			"deltaRising":   divergence.DeltaRising,
			"firstHalfSum":  ds(divergence.FirstHalfSum),
			"secondHalfSum": ds(divergence.SecondHalfSum),
			"barsAnalyzed":  divergence.BarsAnalyzed,
		},
		"deltaStats": map[string]interface{}{
			"barCount":      stats.BarCount,
			"totalDelta":    ds(stats.TotalDelta),
			"avgDelta":      ds(stats.AvgDelta),
			"maxDelta":      ds(stats.MaxDelta),
			"minDelta":      ds(stats.MinDelta),
			"positiveCount": stats.PositiveCount,
			"negativeCount": stats.NegativeCount,
		},
	}, nil
}

// imbalanceDoc scans the most recent bar with trades for stacked imbalances.
func (s *Server) imbalanceDoc(sym string, tf timeutil.Timeframe) map[string]interface{} {
	bar := s.deps.Agg.CurrentBar(sym, tf)
	if bar == nil || bar.TradeCount() == 0 {
		if recent := s.deps.Agg.CompletedBars(sym, tf, 0, 0, 1); len(recent) > 0 {
			bar = recent[0]
		}
	}
	if bar == nil || bar.TradeCount() == 0 {
		return map[string]interface{}{"stacked": []interface{}{}, "barOpenTime": nil}
	}

	cfg := s.deps.Config
	stacks := engine.DetectStacked(bar.Levels(),
		decimal.NewFromFloat(cfg.ImbalanceRatio), cfg.ImbalanceConsecutive)

	docs := make([]map[string]interface{}, 0, len(stacks))
	for _, st := range stacks {
		levelDocs := make([]map[string]interface{}, 0, len(st.Levels))
		for _, lv := range st.Levels {
			levelDocs = append(levelDocs, map[string]interface{}{
				"price":      ds(lv.Price),
				"buyVolume":  ds(lv.BuyVolume),
				"sellVolume": ds(lv.SellVolume),
				"ratio":      ds(lv.Ratio),
			})
		}
		docs = append(docs, map[string]interface{}{
			"side":        string(st.Side),
			"startPrice":  ds(st.StartPrice()),
			"endPrice":    ds(st.EndPrice()),
			"levelCount":  len(st.Levels),
			"totalVolume": ds(st.TotalVolume()),
			"levels":      levelDocs,
		})
	}
	return map[string]interface{}{
		"ratioThreshold": cfg.ImbalanceRatio,
		"minConsecutive": cfg.ImbalanceConsecutive,
		"barOpenTime":    bar.OpenTime,
		"barTradeCount":  bar.TradeCount(),
		"stacked":        docs,
	}
}

// footprintSummaryDoc aggregates the completed footprint bars in the range.
func (s *Server) footprintSummaryDoc(sym string, tf timeutil.Timeframe, startTime, endTime int64) map[string]interface{} {
	bars := s.deps.Agg.CompletedBars(sym, tf, startTime, endTime, 0)
	if len(bars) == 0 {
		return map[string]interface{}{"barCount": 0}
	}

	var totalVolume, totalDelta decimal.Decimal
	var bullish, bearish int
	for _, b := range bars {
		totalVolume = totalVolume.Add(b.TotalVolume())
		d := b.Delta()
		totalDelta = totalDelta.Add(d)
		switch d.Sign() {
		case 1:
			bullish++
		case -1:
			bearish++
		}
	}
	n := decimal.NewFromInt(int64(len(bars)))
	return map[string]interface{}{
		"barCount":    len(bars),
		"totalVolume": ds(totalVolume),
		"avgVolume":   ds(totalVolume.Div(n)),
		"avgDelta":    ds(totalDelta.Div(n)),
		"bullishBars": bullish,
		"bearishBars": bearish,
	}
}

// --- get_orderbook_depth_delta -------------------------------------------

type depthDeltaArgs struct {
	Symbol   string `json:"symbol"`
	Lookback int    `json:"lookback"`
}

func (s *Server) toolDepthDelta(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var args depthDeltaArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, badArgs("invalid arguments: %v", err)
	}
	sym, err := s.symbol(args.Symbol)
	if err != nil {
		return nil, err
	}
	lookbackSec := args.Lookback
	if lookbackSec <= 0 {
		lookbackSec = 3600
	}
	intervalSec := int(s.deps.Config.DepthDeltaInterval.Seconds())
	if intervalSec <= 0 {
		intervalSec = 1
	}
	samples := lookbackSec / intervalSec
	if samples <= 0 {
		samples = 1
	}

	sampler := s.deps.Sampler
	doc := map[string]interface{}{
		"symbol":      sym,
		"percent":     sampler.Percent(),
		"windowSec":   intervalSec,
		"lookbackSec": lookbackSec,
		"timestamp":   timeutil.NowMs(),
	}
	if cur, ok := sampler.Current(sym); ok {
		doc["current"] = depthStatsDoc(cur)
	} else {
		doc["current"] = nil
	}

	deltas := sampler.Deltas(sym, samples)
	deltaDocs := make([]map[string]interface{}, 0, len(deltas))
	for _, d := range deltas {
		deltaDocs = append(deltaDocs, map[string]interface{}{
			"timestamp":      d.Timestamp,
			"bidDelta":       ds(d.BidDelta),
			"askDelta":       ds(d.AskDelta),
			"netDelta":       ds(d.NetDelta),
			"midPriceChange": ds(d.MidPriceChange),
		})
	}
	doc["deltas"] = deltaDocs

	sum := sampler.Summary(sym, samples)
	doc["summary"] = map[string]interface{}{
		"sampleCount":   sum.SampleCount,
		"timeRangeMs":   sum.TimeRangeMs,
		"totalBidDelta": ds(sum.TotalBidDelta),
		"totalAskDelta": ds(sum.TotalAskDelta),
		"totalNetDelta": ds(sum.TotalNetDelta),
		"avgNetDelta":   ds(sum.AvgNetDelta),
		"positiveNet":   sum.PositiveNet,
		"negativeNet":   sum.NegativeNet,
		"trend":         sum.Trend,
	}
	return doc, nil
}

func depthStatsDoc(st book.DepthStats) map[string]interface{} {
	return map[string]interface{}{
		"bidVolume": ds(st.BidVolume),
		"askVolume": ds(st.AskVolume),
		"netVolume": ds(st.NetVolume),
		"midPrice":  ds(st.MidPrice),
		"percent":   st.Percent,
		"timestamp": st.Timestamp,
	}
}

// --- stream_liquidations -------------------------------------------------

type liquidationArgs struct {
	Symbol string `json:"symbol"`
	Limit  int    `json:"limit"`
}

func (s *Server) toolLiquidations(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var args liquidationArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, badArgs("invalid arguments: %v", err)
	}
	sym, err := s.symbol(args.Symbol)
	if err != nil {
		return nil, err
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 100
	}

	live := s.deps.Live.Liquidations(sym, "", limit)
	source := "live"

	// Supplement a short ring from the persisted history, keeping events
	// strictly older than the live window in front.
	if len(live) < limit && s.deps.Store != nil {
		stored, err := s.deps.Store.Liquidations(sym, "", limit)
		if err == nil && len(stored) > 0 {
			if len(live) == 0 {
				live = stored
				source = "database"
			} else {
				oldest := live[0].Timestamp
				var older []market.Liquidation
				for _, l := range stored {
					if l.Timestamp < oldest {
						older = append(older, l)
					}
				}
				if len(older) > 0 {
					merged := append(older, live...)
					if len(merged) > limit {
						merged = merged[len(merged)-limit:]
					}
					live = merged
					source = "mixed"
				}
			}
		}
	}

	docs := make([]map[string]interface{}, 0, len(live))
	for _, l := range live {
		docs = append(docs, map[string]interface{}{
			"symbol":    l.Symbol,
			"side":      l.Side,
			"price":     ds(l.Price),
			"avgPrice":  ds(l.AvgPrice),
			"origQty":   ds(l.OrigQty),
			"filledQty": ds(l.FilledQty),
			"notional":  ds(l.Notional()),
			"status":    l.OrderStatus,
			"timestamp": l.Timestamp,
		})
	}

	stats := cache.Stats(live)
	return map[string]interface{}{
		"symbol":       sym,
		"source":       source,
		"count":        len(docs),
		"liquidations": docs,
		"stats": map[string]interface{}{
			"longCount":     stats.LongCount,
			"shortCount":    stats.ShortCount,
			"longNotional":  ds(stats.LongNotional),
			"shortNotional": ds(stats.ShortNotional),
			"netNotional":   ds(stats.NetNotional),
			"dominantSide":  stats.DominantSide,
			"oldestTime":    stats.OldestTime,
			"newestTime":    stats.NewestTime,
		},
	}, nil
}

// --- get_open_interest ---------------------------------------------------

type openInterestArgs struct {
	Symbol string `json:"symbol"`
	Period string `json:"period"`
	Limit  int    `json:"limit"`
}

var oiPeriods = map[string]bool{
	"5m": true, "15m": true, "30m": true, "1h": true, "4h": true, "1d": true,
}

func (s *Server) toolOpenInterest(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args openInterestArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, badArgs("invalid arguments: %v", err)
	}
	sym, err := s.symbol(args.Symbol)
	if err != nil {
		return nil, err
	}
	if s.deps.Exchange == nil {
		return nil, fmt.Errorf("no exchange client configured")
	}
	period := args.Period
	if period == "" {
		period = "5m"
	}
	if !oiPeriods[period] {
		return nil, badArgs("unknown period %q", args.Period)
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 100
	}

	oi, at, err := s.deps.Exchange.OpenInterest(ctx, sym)
	if err != nil {
		return nil, err
	}
	hist, err := s.deps.Exchange.OpenInterestHist(ctx, sym, period, limit)
	if err != nil {
		return nil, err
	}

	histDocs := make([]map[string]interface{}, 0, len(hist))
	for _, p := range hist {
		histDocs = append(histDocs, map[string]interface{}{
			"openInterest":      ds(p.OpenInterest),
			"openInterestValue": ds(p.OpenInterestValue),
			"timestamp":         p.Timestamp,
		})
	}

	doc := map[string]interface{}{
		"symbol":       sym,
		"openInterest": ds(oi),
		"timestamp":    at,
		"period":       period,
		"history":      histDocs,
	}
	if len(hist) > 1 {
		change := hist[len(hist)-1].OpenInterest.Sub(hist[0].OpenInterest)
		doc["periodChange"] = ds(change)
	}
	return doc, nil
}

// --- get_funding_rate ----------------------------------------------------

const fundingHistoryLimit = 100

func (s *Server) toolFundingRate(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args snapshotArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, badArgs("invalid arguments: %v", err)
	}
	sym, err := s.symbol(args.Symbol)
	if err != nil {
		return nil, err
	}

	// The mark-price stream keeps the live cache current; REST is the
	// fallback before the first frame arrives.
	snap := s.deps.Live.Snapshot(sym)
	rate, mark := snap.FundingRate, snap.MarkPrice
	next := snap.NextFundingTime
	if next == 0 && s.deps.Exchange != nil {
		mp, err := s.deps.Exchange.PremiumIndex(ctx, sym)
		if err != nil {
			return nil, err
		}
		rate, mark, next = mp.FundingRate, mp.MarkPrice, mp.NextFundingTime
	}

	doc := map[string]interface{}{
		"symbol":          sym,
		"fundingRate":     ds(rate),
		"markPrice":       ds(mark),
		"nextFundingTime": next,
		"timestamp":       timeutil.NowMs(),
	}

	if s.deps.Exchange != nil {
		hist, err := s.deps.Exchange.FundingRateHistory(ctx, sym, fundingHistoryLimit)
		if err != nil {
			return nil, err
		}
		histDocs := make([]map[string]interface{}, 0, len(hist))
		for _, p := range hist {
			histDocs = append(histDocs, map[string]interface{}{
				"fundingRate": ds(p.FundingRate),
				"fundingTime": p.FundingTime,
			})
		}
		doc["history"] = histDocs
	}
	return doc, nil
}
