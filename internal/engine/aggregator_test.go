package engine

import (
	"testing"

	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/config"
	"orderflow-mcp/internal/market"
	"orderflow-mcp/internal/timeutil"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// day0 is an arbitrary UTC day start used as the test time origin.
const day0 int64 = 1705276800000 // 2024-01-15T00:00:00Z

func trade(id int64, price, qty string, ts int64, maker bool) market.Trade {
	return market.Trade{
		AggID: id, Symbol: "BTCUSDT",
		Price: dec(price), Quantity: dec(qty),
		Timestamp: ts, BuyerIsMaker: maker,
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Timeframes = []timeutil.Timeframe{timeutil.TF1m, timeutil.TF5m}
	return cfg
}

func TestAggregator_BarInvariants(t *testing.T) {
	agg := NewAggregator(testConfig(), nil)
	agg.OnTrade(trade(1, "50000.05", "1.0", day0, false))
	agg.OnTrade(trade(2, "50000.15", "2.0", day0+1000, true))
	agg.OnTrade(trade(3, "49999.95", "0.5", day0+2000, false))

	bar := agg.CurrentBar("BTCUSDT", timeutil.TF1m)
	if bar == nil {
		t.Fatal("no current 1m bar")
	}

	// totalVolume = Σ level buy+sell; delta = Σ level delta.
	sumVol, sumDelta := decimal.Zero, decimal.Zero
	for _, lv := range bar.Levels() {
		sumVol = sumVol.Add(lv.TotalVolume())
		sumDelta = sumDelta.Add(lv.Delta())
	}
	if !bar.TotalVolume().Equal(sumVol) {
		t.Errorf("totalVolume %s != Σ levels %s", bar.TotalVolume(), sumVol)
	}
	if !bar.Delta().Equal(sumDelta) {
		t.Errorf("delta %s != Σ levels %s", bar.Delta(), sumDelta)
	}
	if !bar.Open.Equal(dec("50000.05")) || !bar.Close.Equal(dec("49999.95")) {
		t.Errorf("OHLC open=%s close=%s", bar.Open, bar.Close)
	}
	if !bar.High.Equal(dec("50000.15")) || !bar.Low.Equal(dec("49999.95")) {
		t.Errorf("OHLC high=%s low=%s", bar.High, bar.Low)
	}
}

func TestAggregator_TickBucketing(t *testing.T) {
	agg := NewAggregator(testConfig(), nil) // BTCUSDT tick 0.1
	agg.OnTrade(trade(1, "50000.07", "1.0", day0, false))
	agg.OnTrade(trade(2, "50000.01", "2.0", day0, false))

	bar := agg.CurrentBar("BTCUSDT", timeutil.TF1m)
	levels := bar.Levels()
	if len(levels) != 1 {
		t.Fatalf("got %d levels, want 1 shared bucket", len(levels))
	}
	if !levels[0].Price.Equal(dec("50000")) {
		t.Errorf("bucket = %s, want 50000", levels[0].Price)
	}
	if !levels[0].BuyVolume.Equal(dec("3")) {
		t.Errorf("bucket buyVolume = %s, want 3", levels[0].BuyVolume)
	}
}

// Five 1m bars each with the single level 50000:{buy=10,sell=5} aggregate to
// one 5m bar with 50000:{buy=50,sell=25}, delta 25, total 75.
func TestAggregator_FiveOneMinuteBarsMatchFiveMinuteBar(t *testing.T) {
	agg := NewAggregator(testConfig(), nil)
	id := int64(0)
	for minute := int64(0); minute < 5; minute++ {
		base := day0 + minute*60_000
		id++
		agg.OnTrade(trade(id, "50000", "10", base, false))
		id++
		agg.OnTrade(trade(id, "50000", "5", base+1000, true))
	}
	// Close both windows.
	agg.OnTrade(trade(id+1, "50000", "1", day0+5*60_000, false))

	ones := agg.CompletedBars("BTCUSDT", timeutil.TF1m, 0, 0, 0)
	if len(ones) != 5 {
		t.Fatalf("completed 1m bars = %d, want 5", len(ones))
	}
	fives := agg.CompletedBars("BTCUSDT", timeutil.TF5m, 0, 0, 0)
	if len(fives) != 1 {
		t.Fatalf("completed 5m bars = %d, want 1", len(fives))
	}

	five := fives[0]
	levels := five.Levels()
	if len(levels) != 1 || !levels[0].Price.Equal(dec("50000")) {
		t.Fatalf("5m levels = %+v", levels)
	}
	if !levels[0].BuyVolume.Equal(dec("50")) || !levels[0].SellVolume.Equal(dec("25")) {
		t.Errorf("5m level = buy %s sell %s, want 50/25", levels[0].BuyVolume, levels[0].SellVolume)
	}
	if !five.Delta().Equal(dec("25")) || !five.TotalVolume().Equal(dec("75")) {
		t.Errorf("5m delta=%s total=%s, want 25/75", five.Delta(), five.TotalVolume())
	}

	// Summing the 1m levels reproduces the 5m level exactly.
	buySum, sellSum := decimal.Zero, decimal.Zero
	for _, b := range ones {
		for _, lv := range b.Levels() {
			buySum = buySum.Add(lv.BuyVolume)
			sellSum = sellSum.Add(lv.SellVolume)
		}
	}
	if !buySum.Equal(levels[0].BuyVolume) || !sellSum.Equal(levels[0].SellVolume) {
		t.Errorf("1m sums %s/%s differ from 5m level %s/%s",
			buySum, sellSum, levels[0].BuyVolume, levels[0].SellVolume)
	}
}

// A late trade from an already-finalized window folds into the completed bar
// instead of evicting the current one; no two bars share an openTime.
func TestAggregator_LateTradeDoesNotDuplicateBar(t *testing.T) {
	agg := NewAggregator(testConfig(), nil)
	agg.OnTrade(trade(1, "50000", "1", day0, false))
	agg.OnTrade(trade(2, "50010", "1", day0+60_000, false))
	agg.OnTrade(trade(3, "50020", "2", day0+1000, false)) // late, first minute
	agg.OnTrade(trade(4, "50030", "1", day0+120_000, false))

	bars := agg.CompletedBars("BTCUSDT", timeutil.TF1m, 0, 0, 0)
	if len(bars) != 2 {
		t.Fatalf("completed 1m bars = %d, want 2", len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].OpenTime <= bars[i-1].OpenTime {
			t.Fatalf("openTimes not strictly increasing: %d then %d",
				bars[i-1].OpenTime, bars[i].OpenTime)
		}
	}
	if !bars[0].TotalVolume().Equal(dec("3")) {
		t.Errorf("first bar volume = %s, want 3 (late trade folded in)", bars[0].TotalVolume())
	}
	cur := agg.CurrentBar("BTCUSDT", timeutil.TF1m)
	if cur == nil || cur.OpenTime != day0+120_000 {
		t.Fatalf("current bar = %+v", cur)
	}
}

type countingConsumer struct{ trades int }

func (c *countingConsumer) OnTrade(market.Trade) { c.trades++ }

// Consumers see each trade once regardless of the timeframe count.
func TestAggregator_ForwardsOncePerTrade(t *testing.T) {
	agg := NewAggregator(testConfig(), nil) // two timeframes
	c := &countingConsumer{}
	agg.Register(c)

	agg.OnTrade(trade(1, "50000", "1", day0, false))
	agg.OnTrade(trade(2, "50000", "1", day0+500, true))

	if c.trades != 2 {
		t.Errorf("consumer saw %d trades, want 2", c.trades)
	}
}

func TestAggregator_RejectsInvalidTrade(t *testing.T) {
	agg := NewAggregator(testConfig(), nil)
	agg.OnTrade(market.Trade{AggID: 1, Symbol: "BTCUSDT", Price: dec("-1"), Quantity: dec("1"), Timestamp: day0})
	if agg.CurrentBar("BTCUSDT", timeutil.TF1m) != nil {
		t.Error("invalid trade must not create a bar")
	}
}

type recordingWriter struct{ bars []*FootprintBar }

func (w *recordingWriter) WriteBar(bar *FootprintBar) { w.bars = append(w.bars, bar) }

func TestAggregator_FlushWritesDevelopingBars(t *testing.T) {
	w := &recordingWriter{}
	agg := NewAggregator(testConfig(), w)
	agg.OnTrade(trade(1, "50000", "1", day0, false))

	agg.Flush()
	if len(w.bars) != 2 { // one developing bar per timeframe
		t.Fatalf("flushed %d bars, want 2", len(w.bars))
	}
	if agg.CurrentBar("BTCUSDT", timeutil.TF1m) != nil {
		t.Error("flush must clear developing bars")
	}
}
