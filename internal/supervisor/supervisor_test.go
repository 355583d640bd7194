package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/config"
	"orderflow-mcp/internal/engine"
	"orderflow-mcp/internal/market"
	"orderflow-mcp/internal/timeutil"
)

func testTrade(id int64, price string) market.Trade {
	return market.Trade{
		AggID: id, Symbol: "BTCUSDT",
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.RequireFromString("1"),
		Timestamp: timeutil.NowMs(),
	}
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	cfg := config.Default()
	cfg.Symbols = []string{"BTCUSDT"}
	cfg.QueueSize = 2
	s := New(Options{Config: cfg})

	s.enqueueTrade(testTrade(1, "50000"))
	s.enqueueTrade(testTrade(2, "50001"))
	s.enqueueTrade(testTrade(3, "50002"))

	q := s.queues["BTCUSDT"]
	if got := q.dropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	first := <-q.trades
	second := <-q.trades
	if first.AggID != 2 || second.AggID != 3 {
		t.Errorf("kept trades %d, %d; want 2, 3", first.AggID, second.AggID)
	}
}

func TestEnqueueIgnoresUntrackedSymbol(t *testing.T) {
	cfg := config.Default()
	cfg.Symbols = []string{"BTCUSDT"}
	s := New(Options{Config: cfg})

	tr := testTrade(1, "50000")
	tr.Symbol = "DOGEUSDT"
	s.enqueueTrade(tr) // must not panic or block
	if len(s.queues["BTCUSDT"].trades) != 0 {
		t.Error("untracked trade landed in another symbol's queue")
	}
}

func TestDispatchLoopFeedsAggregator(t *testing.T) {
	cfg := config.Default()
	cfg.Symbols = []string{"BTCUSDT"}
	agg := engine.NewAggregator(cfg, nil)
	s := New(Options{Config: cfg, Agg: agg})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.dispatchLoop(ctx, "BTCUSDT", s.queues["BTCUSDT"])
	}()

	s.enqueueTrade(testTrade(1, "50000"))

	deadline := time.After(2 * time.Second)
	for agg.CurrentBar("BTCUSDT", timeutil.TF1m) == nil {
		select {
		case <-deadline:
			t.Fatal("trade never reached the aggregator")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
