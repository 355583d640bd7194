package db

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/book"
	"orderflow-mcp/internal/engine"
	"orderflow-mcp/internal/market"
	"orderflow-mcp/internal/timeutil"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const day0 int64 = 1705276800000 // 2024-01-15T00:00:00Z

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func oneMinuteBar(t *testing.T) *engine.FootprintBar {
	t.Helper()
	bar := engine.NewFootprintBar("BTCUSDT", timeutil.TF1m, day0)
	bar.AddTrade(market.Trade{
		AggID: 1, Symbol: "BTCUSDT", Price: dec("50000"), Quantity: dec("2"), Timestamp: day0,
	}, dec("0.1"))
	bar.AddTrade(market.Trade{
		AggID: 2, Symbol: "BTCUSDT", Price: dec("50000"), Quantity: dec("1"), Timestamp: day0 + 1000,
		BuyerIsMaker: true,
	}, dec("0.1"))
	return bar
}

func TestWriter_FootprintRoundTrip(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, 64)
	defer w.Close()

	w.WriteBar(oneMinuteBar(t))
	w.Flush()

	rows, err := s.FootprintRows("BTCUSDT", day0, day0+60_000)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	r := rows[0]
	if !r.PriceLevel.Equal(dec("50000")) || !r.BuyVolume.Equal(dec("2")) || !r.SellVolume.Equal(dec("1")) {
		t.Errorf("row = %+v", r)
	}
	if r.TradeCount != 2 {
		t.Errorf("tradeCount = %d", r.TradeCount)
	}
}

// Writing the same bar twice accumulates volumes rather than replacing.
func TestWriter_AdditiveUpsert(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, 64)
	defer w.Close()

	w.WriteBar(oneMinuteBar(t))
	w.WriteBar(oneMinuteBar(t))
	w.Flush()

	rows, err := s.FootprintRows("BTCUSDT", day0, day0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	if !rows[0].BuyVolume.Equal(dec("4")) || !rows[0].SellVolume.Equal(dec("2")) {
		t.Errorf("accumulated = %s/%s, want 4/2", rows[0].BuyVolume, rows[0].SellVolume)
	}
}

// Non-1m bars do not land in footprint_1m.
func TestWriter_HigherTimeframesSkipped(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, 64)
	defer w.Close()

	bar := engine.NewFootprintBar("BTCUSDT", timeutil.TF5m, day0)
	bar.AddTrade(market.Trade{AggID: 1, Symbol: "BTCUSDT", Price: dec("50000"), Quantity: dec("1"), Timestamp: day0}, dec("0.1"))
	w.WriteBar(bar)
	w.Flush()

	rows, err := s.FootprintRows("BTCUSDT", 0, day0+timeutil.DayMs)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %d, want 0", len(rows))
	}
}

func TestWriter_LiquidationRoundTrip(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, 64)
	defer w.Close()

	w.SaveLiquidation(market.Liquidation{
		Symbol: "BTCUSDT", Side: "SELL",
		Price: dec("50000"), AvgPrice: dec("50001"),
		OrigQty: dec("2"), FilledQty: dec("2"),
		Timestamp: day0, OrderStatus: "FILLED",
	})
	w.SaveLiquidation(market.Liquidation{
		Symbol: "BTCUSDT", Side: "BUY",
		Price: dec("50100"), AvgPrice: dec("50100"),
		OrigQty: dec("1"), FilledQty: dec("1"),
		Timestamp: day0 + 1000, OrderStatus: "FILLED",
	})
	w.Flush()

	all, err := s.Liquidations("BTCUSDT", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Timestamp != day0 {
		t.Fatalf("liquidations = %+v", all)
	}
	sells, err := s.Liquidations("BTCUSDT", "SELL", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sells) != 1 || !sells[0].AvgPrice.Equal(dec("50001")) {
		t.Errorf("sells = %+v", sells)
	}
}

func TestStore_VWAPRoundTrip(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, 64)
	defer w.Close()

	w.SaveVWAP("BTCUSDT", engine.VWAPDay{
		DayStart: day0, CumulativePV: dec("201000"), CumulativeV: dec("4"), LastUpdate: day0 + 5000,
	})
	w.Flush()

	day, ok, err := s.LoadVWAP("BTCUSDT", day0)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if !day.CumulativePV.Equal(dec("201000")) || !day.CumulativeV.Equal(dec("4")) {
		t.Errorf("day = %+v", day)
	}
	if _, ok, err := s.LoadVWAP("BTCUSDT", day0+timeutil.DayMs); ok || err != nil {
		t.Errorf("missing day: ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

// A real query failure surfaces as an error, not as a silent ok=false.
func TestStore_LoadVWAPReportsQueryErrors(t *testing.T) {
	s := openTestStore(t)
	s.Close()

	if _, _, err := s.LoadVWAP("BTCUSDT", day0); err == nil {
		t.Error("closed store must return a load error")
	}
}

func TestStore_SessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, 64)
	defer w.Close()

	w.SaveSessions("BTCUSDT", []engine.SessionLevels{{
		Name: "Tokyo", Date: timeutil.DateString(day0),
		High: dec("50500"), Low: dec("49500"),
		HighTime: day0 + 1000, LowTime: day0 + 2000,
		Volume: dec("12"), HasTrades: true,
	}})
	w.Flush()

	rows, err := s.SessionRows("BTCUSDT", timeutil.DateString(day0))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Name != "Tokyo" || !rows[0].High.Equal(dec("50500")) {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestStore_Sweep(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, 64)
	defer w.Close()

	old := timeutil.NowMs() - 30*timeutil.DayMs
	w.SaveLiquidation(market.Liquidation{
		Symbol: "BTCUSDT", Side: "SELL",
		Price: dec("1"), AvgPrice: dec("1"), OrigQty: dec("1"), FilledQty: dec("1"),
		Timestamp: old, OrderStatus: "FILLED",
	})
	w.SaveOpenInterest("BTCUSDT", dec("100"), old)
	w.SaveDepthSample("BTCUSDT", book.DepthStats{
		Timestamp: old, Percent: 1.0,
		MidPrice: dec("50000"), BidVolume: dec("1"), AskVolume: dec("1"), NetVolume: dec("0"),
	})
	w.Flush()

	s.Sweep(7)

	liqs, err := s.Liquidations("BTCUSDT", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(liqs) != 0 {
		t.Errorf("liquidations after sweep = %d", len(liqs))
	}
}
