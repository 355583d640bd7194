package engine

import (
	"testing"
	"time"

	"orderflow-mcp/internal/book"
	"orderflow-mcp/internal/market"
)

func pl(price, qty string) market.PriceLevel {
	return market.PriceLevel{Price: dec(price), Qty: dec(qty)}
}

func sampledBooks(t *testing.T) *book.Manager {
	t.Helper()
	m := book.NewManager(nil, 1000)
	b := m.Get("BTCUSDT")
	err := b.InstallSnapshot(&market.DepthSnapshot{
		LastUpdateID: 1,
		Bids:         []market.PriceLevel{pl("50000", "10")},
		Asks:         []market.PriceLevel{pl("50010", "8")},
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestDepthSampler_CurrentMatchesHistoryTail(t *testing.T) {
	m := sampledBooks(t)
	s := NewDepthSampler(m, 1.0, time.Second)

	s.SampleOnce()
	s.SampleOnce()

	cur, ok := s.Current("BTCUSDT")
	if !ok {
		t.Fatal("no current sample")
	}
	snaps := s.Snapshots("BTCUSDT", 0)
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snaps))
	}
	last := snaps[len(snaps)-1]
	if !cur.BidVolume.Equal(last.BidVolume) || !cur.AskVolume.Equal(last.AskVolume) || cur.Timestamp != last.Timestamp {
		t.Error("current sample must equal the history tail")
	}
}

func TestDepthSampler_DeltaBetweenSamples(t *testing.T) {
	m := sampledBooks(t)
	s := NewDepthSampler(m, 1.0, time.Second)
	s.SampleOnce()

	// Book changes between samples: bids +5, asks −3.
	err := m.Get("BTCUSDT").Process(market.DepthUpdate{
		FirstUpdateID: 2, LastUpdateID: 2, PrevLastUpdateID: 1,
		Bids: []market.PriceLevel{pl("50000", "15")},
		Asks: []market.PriceLevel{pl("50010", "5")},
	})
	if err != nil {
		t.Fatal(err)
	}
	s.SampleOnce()

	deltas := s.Deltas("BTCUSDT", 0)
	if len(deltas) != 1 {
		t.Fatalf("deltas = %d, want 1", len(deltas))
	}
	d := deltas[0]
	if !d.BidDelta.Equal(dec("5")) || !d.AskDelta.Equal(dec("-3")) {
		t.Errorf("bid/ask delta = %s/%s, want 5/-3", d.BidDelta, d.AskDelta)
	}
	if !d.NetDelta.Equal(dec("8")) {
		t.Errorf("net delta = %s, want 8", d.NetDelta)
	}
}

func TestDepthSampler_SkipsUnsyncedBooks(t *testing.T) {
	m := book.NewManager(nil, 1000)
	m.Get("BTCUSDT") // never synced
	s := NewDepthSampler(m, 1.0, time.Second)
	s.SampleOnce()

	if _, ok := s.Current("BTCUSDT"); ok {
		t.Error("unsynced book must not produce samples")
	}
}

func TestDepthSampler_Summary(t *testing.T) {
	m := sampledBooks(t)
	s := NewDepthSampler(m, 1.0, time.Second)
	s.SampleOnce()
	if err := m.Get("BTCUSDT").Process(market.DepthUpdate{
		FirstUpdateID: 2, LastUpdateID: 2, PrevLastUpdateID: 1,
		Bids: []market.PriceLevel{pl("50000", "20")},
	}); err != nil {
		t.Fatal(err)
	}
	s.SampleOnce()

	sum := s.Summary("BTCUSDT", 0)
	if sum.SampleCount != 1 {
		t.Fatalf("sampleCount = %d", sum.SampleCount)
	}
	if !sum.TotalNetDelta.Equal(dec("10")) || sum.Trend != "bullish" {
		t.Errorf("totalNet=%s trend=%s", sum.TotalNetDelta, sum.Trend)
	}
	if sum.PositiveNet != 1 || sum.NegativeNet != 0 {
		t.Errorf("pos/neg = %d/%d", sum.PositiveNet, sum.NegativeNet)
	}
	if sum.Current == nil || !sum.Current.BidVolume.Equal(dec("20")) {
		t.Errorf("current = %+v", sum.Current)
	}
}

func TestDepthSampler_SummaryEmpty(t *testing.T) {
	m := book.NewManager(nil, 1000)
	s := NewDepthSampler(m, 1.0, time.Second)
	sum := s.Summary("BTCUSDT", 60)
	if sum.SampleCount != 0 || sum.Trend != "neutral" {
		t.Errorf("summary = %+v", sum)
	}
}
