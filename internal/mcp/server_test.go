package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/binance"
	"orderflow-mcp/internal/book"
	"orderflow-mcp/internal/cache"
	"orderflow-mcp/internal/config"
	"orderflow-mcp/internal/engine"
	"orderflow-mcp/internal/market"
	"orderflow-mcp/internal/timeutil"
)

// 2024-01-15 00:00 UTC.
const day0 = int64(1705276800000)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeExchange struct{}

func (fakeExchange) OpenInterest(context.Context, string) (decimal.Decimal, int64, error) {
	return dec("12345.6"), day0, nil
}

func (fakeExchange) OpenInterestHist(_ context.Context, _ string, _ string, limit int) ([]binance.OpenInterestPoint, error) {
	return []binance.OpenInterestPoint{
		{OpenInterest: dec("12000"), OpenInterestValue: dec("600000000"), Timestamp: day0 - 300_000},
		{OpenInterest: dec("12345.6"), OpenInterestValue: dec("617280000"), Timestamp: day0},
	}, nil
}

func (fakeExchange) FundingRateHistory(context.Context, string, int) ([]binance.FundingRatePoint, error) {
	return []binance.FundingRatePoint{{FundingRate: dec("0.0001"), FundingTime: day0}}, nil
}

func (fakeExchange) PremiumIndex(_ context.Context, symbol string) (market.MarkPrice, error) {
	return market.MarkPrice{
		Symbol: symbol, MarkPrice: dec("50001"), IndexPrice: dec("50000.5"),
		FundingRate: dec("0.0001"), NextFundingTime: day0 + 8*3600_000,
	}, nil
}

func newTestServer(t *testing.T) (*Server, Deps) {
	t.Helper()
	cfg := config.Default()

	live := cache.NewLive()
	books := book.NewManager(nil, cfg.SnapshotLimit)
	agg := engine.NewAggregator(cfg, nil)
	vwap := engine.NewVWAP()
	profile := engine.NewVolumeProfile(cfg)
	sessions := engine.NewSessions(cfg.Sessions)
	delta := engine.NewDeltaCVD(cfg)
	sampler := engine.NewDepthSampler(books, cfg.DepthDeltaPercent, cfg.DepthDeltaInterval)

	agg.Register(vwap)
	agg.Register(profile)
	agg.Register(sessions)
	agg.Register(delta)
	agg.Register(live)

	deps := Deps{
		Config:   cfg,
		Live:     live,
		Books:    books,
		Agg:      agg,
		VWAP:     vwap,
		Profile:  profile,
		Sessions: sessions,
		Delta:    delta,
		Sampler:  sampler,
		Exchange: fakeExchange{},
	}
	return NewServer(deps, "test"), deps
}

func rpc(t *testing.T, h http.Handler, body string) rpcResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp rpcResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

// callTool runs tools/call and decodes the embedded text document.
func callTool(t *testing.T, h http.Handler, name string, args string) map[string]interface{} {
	t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, name, args)
	resp := rpc(t, h, body)
	if resp.Error != nil {
		t.Fatalf("%s: rpc error %d: %s", name, resp.Error.Code, resp.Error.Message)
	}

	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatal(err)
	}
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("content = %+v", result.Content)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(result.Content[0].Text), &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	return doc
}

func callToolErr(t *testing.T, h http.Handler, name string, args string) *rpcError {
	t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, name, args)
	resp := rpc(t, h, body)
	if resp.Error == nil {
		t.Fatalf("%s: expected an error", name)
	}
	return resp.Error
}

func trade(price, qty string, ts int64, maker bool) market.Trade {
	return market.Trade{
		AggID: ts, Symbol: "BTCUSDT",
		Price: dec(price), Quantity: dec(qty),
		Timestamp: ts, BuyerIsMaker: maker,
	}
}

func TestInitialize(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := rpc(t, srv.Handler(), `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	if result["protocolVersion"] != protocolVersion {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]interface{})
	if info["name"] != serverName {
		t.Errorf("serverInfo.name = %v", info["name"])
	}
}

func TestToolsList(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := rpc(t, srv.Handler(), `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	tools := resp.Result.(map[string]interface{})["tools"].([]interface{})
	if len(tools) != 8 {
		t.Fatalf("tool count = %d", len(tools))
	}
	names := make(map[string]bool)
	for _, tl := range tools {
		m := tl.(map[string]interface{})
		names[m["name"].(string)] = true
		if m["inputSchema"] == nil {
			t.Errorf("tool %v has no inputSchema", m["name"])
		}
	}
	for _, want := range []string{
		"get_market_snapshot", "get_key_levels", "get_footprint",
		"get_orderflow_metrics", "get_orderbook_depth_delta",
		"stream_liquidations", "get_open_interest", "get_funding_rate",
	} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
}

func TestUnknownMethodAndTool(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	resp := rpc(t, h, `{"jsonrpc":"2.0","id":3,"method":"bogus/method"}`)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Errorf("unknown method error = %+v", resp.Error)
	}

	e := callToolErr(t, h, "bogus_tool", `{}`)
	if e.Code != codeMethodNotFound {
		t.Errorf("unknown tool code = %d", e.Code)
	}
}

func TestBadArguments(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	if e := callToolErr(t, h, "get_market_snapshot", `{}`); e.Code != codeInvalidParams {
		t.Errorf("missing symbol code = %d", e.Code)
	}
	if e := callToolErr(t, h, "get_market_snapshot", `{"symbol":"DOGEUSDT"}`); e.Code != codeInvalidParams {
		t.Errorf("untracked symbol code = %d", e.Code)
	}
	if e := callToolErr(t, h, "get_footprint", `{"symbol":"BTCUSDT","timeframe":"7m","startTime":0,"endTime":0}`); e.Code != codeInvalidParams {
		t.Errorf("bad timeframe code = %d", e.Code)
	}
}

func TestMarketSnapshotTool(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.Agg.OnTrade(trade("50000", "2", day0+1000, false))
	deps.Agg.OnTrade(trade("50010", "0.5", day0+2000, true))
	deps.Live.UpdateMarkPrice(market.MarkPrice{
		Symbol: "BTCUSDT", MarkPrice: dec("50005"), IndexPrice: dec("50004"),
		FundingRate: dec("0.0001"), NextFundingTime: day0 + 8*3600_000,
	})
	deps.Live.UpdateOpenInterest("BTCUSDT", dec("100"), day0+2000)

	doc := callTool(t, srv.Handler(), "get_market_snapshot", `{"symbol":"btcusdt"}`)
	if doc["symbol"] != "BTCUSDT" {
		t.Errorf("symbol = %v", doc["symbol"])
	}
	if doc["lastPrice"] != "50010" {
		t.Errorf("lastPrice = %v", doc["lastPrice"])
	}
	// cvd = +2 − 0.5
	if doc["cvd"] != "1.5" {
		t.Errorf("cvd = %v", doc["cvd"])
	}
	// openInterestValue = 100 × 50005
	if doc["openInterestValue"] != "5000500" {
		t.Errorf("openInterestValue = %v", doc["openInterestValue"])
	}
}

func TestKeyLevelsTool(t *testing.T) {
	srv, deps := newTestServer(t)
	now := timeutil.NowMs()
	deps.Agg.OnTrade(trade("50000", "1", now, false))
	deps.Agg.OnTrade(trade("50100", "1", now, false))

	doc := callTool(t, srv.Handler(), "get_key_levels", `{"symbol":"BTCUSDT"}`)

	vwap := doc["vwap"].(map[string]interface{})
	if vwap["dVWAP"] != "50050" {
		t.Errorf("dVWAP = %v", vwap["dVWAP"])
	}
	if vwap["pdVWAP"] != nil {
		t.Errorf("pdVWAP = %v", vwap["pdVWAP"])
	}

	vp := doc["volumeProfile"].(map[string]interface{})
	if vp["developing"] == nil {
		t.Fatal("developing profile missing")
	}
	dev := vp["developing"].(map[string]interface{})
	if dev["poc"] != "50000" {
		t.Errorf("poc = %v", dev["poc"])
	}
	if doc["dPOC"] != "50000" {
		t.Errorf("dPOC = %v", doc["dPOC"])
	}

	// Flat aliases must mirror the session engine (trades near midnight UTC
	// may fall outside every window, so derive the expectation).
	current, _ := deps.Sessions.Snapshot("BTCUSDT")
	for name, sl := range current {
		if !sl.HasTrades {
			continue
		}
		if doc[name+"H"] != sl.High.String() || doc[name+"L"] != sl.Low.String() {
			t.Errorf("flat %s = %v/%v, want %s/%s", name, doc[name+"H"], doc[name+"L"], sl.High, sl.Low)
		}
	}
}

func TestFootprintToolIncludesDevelopingBar(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.Agg.OnTrade(trade("50000", "1", day0+1000, false))  // bar 1, finalized below
	deps.Agg.OnTrade(trade("50005", "2", day0+61_000, true)) // bar 2, developing

	doc := callTool(t, srv.Handler(), "get_footprint",
		`{"symbol":"BTCUSDT","timeframe":"1m","startTime":0,"endTime":0}`)

	if doc["timeframe"] != "1m" {
		t.Errorf("timeframe = %v", doc["timeframe"])
	}
	bars := doc["bars"].([]interface{})
	if len(bars) != 2 {
		t.Fatalf("bar count = %d", len(bars))
	}
	first := bars[0].(map[string]interface{})
	last := bars[1].(map[string]interface{})
	if first["isComplete"] != true || last["isComplete"] != false {
		t.Errorf("completeness = %v / %v", first["isComplete"], last["isComplete"])
	}
	if first["delta"] != "1" || last["delta"] != "-2" {
		t.Errorf("deltas = %v / %v", first["delta"], last["delta"])
	}
	levels := first["levels"].([]interface{})
	if len(levels) != 1 {
		t.Fatalf("levels = %v", levels)
	}
	if lv := levels[0].(map[string]interface{}); lv["price"] != "50000" {
		t.Errorf("level price = %v", lv["price"])
	}
}

func TestOrderflowMetricsTool(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.Agg.OnTrade(trade("50000", "3", day0+1000, false))
	deps.Agg.OnTrade(trade("50001", "1", day0+2000, true))

	doc := callTool(t, srv.Handler(), "get_orderflow_metrics",
		`{"symbol":"BTCUSDT","timeframe":"1m","startTime":0,"endTime":0}`)

	if doc["currentCVD"] != "2" {
		t.Errorf("currentCVD = %v", doc["currentCVD"])
	}
	bars := doc["deltaBars"].([]interface{})
	if len(bars) != 1 {
		t.Fatalf("deltaBars = %v", bars)
	}
	bar := bars[0].(map[string]interface{})
	if bar["delta"] != "2" || bar["deltaPercent"] != "50" {
		t.Errorf("bar = %v", bar)
	}
	imb := doc["imbalances"].(map[string]interface{})
	// 3 buy vs 1 sell at adjacent ticks: single levels, below the stack
	// minimum of 3.
	if stacked := imb["stacked"].([]interface{}); len(stacked) != 0 {
		t.Errorf("stacked = %v", stacked)
	}
	div := doc["divergence"].(map[string]interface{})
	if div["hasDivergence"] != false {
		t.Errorf("divergence = %v", div)
	}
	// Both trades landed in the still-developing bar; no completed bars yet.
	summary := doc["footprintSummary"].(map[string]interface{})
	if summary["barCount"] != float64(0) {
		t.Errorf("footprintSummary = %v", summary)
	}
}

func TestDepthDeltaTool(t *testing.T) {
	srv, deps := newTestServer(t)
	b := deps.Books.Get("BTCUSDT")
	if err := b.InstallSnapshot(&market.DepthSnapshot{
		LastUpdateID: 1,
		Bids:         []market.PriceLevel{{Price: dec("50000"), Qty: dec("5")}},
		Asks:         []market.PriceLevel{{Price: dec("50010"), Qty: dec("3")}},
	}); err != nil {
		t.Fatal(err)
	}
	deps.Sampler.SampleOnce()
	deps.Sampler.SampleOnce()

	doc := callTool(t, srv.Handler(), "get_orderbook_depth_delta", `{"symbol":"BTCUSDT"}`)
	cur := doc["current"].(map[string]interface{})
	if cur["bidVolume"] != "5" || cur["askVolume"] != "3" {
		t.Errorf("current = %v", cur)
	}
	sum := doc["summary"].(map[string]interface{})
	if sum["trend"] != "neutral" {
		t.Errorf("trend = %v", sum["trend"])
	}
	if doc["lookbackSec"] != float64(3600) {
		t.Errorf("lookbackSec = %v", doc["lookbackSec"])
	}
}

func TestLiquidationsTool(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.Live.AddLiquidation(market.Liquidation{
		Symbol: "BTCUSDT", Side: "SELL", Price: dec("49000"),
		AvgPrice: dec("48990"), OrigQty: dec("2"), FilledQty: dec("2"),
		Timestamp: day0 + 1000, OrderStatus: "FILLED",
	})

	doc := callTool(t, srv.Handler(), "stream_liquidations", `{"symbol":"BTCUSDT"}`)
	if doc["source"] != "live" || doc["count"] != float64(1) {
		t.Errorf("source/count = %v/%v", doc["source"], doc["count"])
	}
	stats := doc["stats"].(map[string]interface{})
	// A forced SELL closes longs.
	if stats["longCount"] != float64(1) || stats["dominantSide"] != "long" {
		t.Errorf("stats = %v", stats)
	}
}

func TestOpenInterestTool(t *testing.T) {
	srv, _ := newTestServer(t)
	doc := callTool(t, srv.Handler(), "get_open_interest", `{"symbol":"BTCUSDT"}`)
	if doc["openInterest"] != "12345.6" || doc["period"] != "5m" {
		t.Errorf("doc = %v", doc)
	}
	if doc["periodChange"] != "345.6" {
		t.Errorf("periodChange = %v", doc["periodChange"])
	}
	if e := callToolErr(t, srv.Handler(), "get_open_interest", `{"symbol":"BTCUSDT","period":"2m"}`); e.Code != codeInvalidParams {
		t.Errorf("bad period code = %d", e.Code)
	}
}

func TestFundingRateTool(t *testing.T) {
	srv, _ := newTestServer(t)
	// Empty live cache: the REST fallback supplies the current values.
	doc := callTool(t, srv.Handler(), "get_funding_rate", `{"symbol":"BTCUSDT"}`)
	if doc["fundingRate"] != "0.0001" || doc["markPrice"] != "50001" {
		t.Errorf("doc = %v", doc)
	}
	hist := doc["history"].([]interface{})
	if len(hist) != 1 {
		t.Errorf("history = %v", hist)
	}
}

func TestSSEInitEvent(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %s", ct)
	}
	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "event: initialized") {
		t.Errorf("first line = %q", line)
	}
	data, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(data, "BTCUSDT") {
		t.Errorf("init data = %q", data)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}
}
