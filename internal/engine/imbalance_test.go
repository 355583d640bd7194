package engine

import (
	"testing"

	"orderflow-mcp/internal/market"
)

func fl(price, buy, sell string) FootprintLevel {
	return FootprintLevel{Price: dec(price), BuyVolume: dec(buy), SellVolume: dec(sell)}
}

// Levels 50000..50020 have buy/sell ratios 6, 5, 6; 50030 flips to the sell
// side. With r=3, k=3 that is one buy stack of length 3.
func TestDetectStacked_BuyStack(t *testing.T) {
	levels := []FootprintLevel{
		fl("50000", "30", "5"),
		fl("50010", "15", "3"),
		fl("50020", "12", "2"),
		fl("50030", "4", "10"),
	}
	stacks := DetectStacked(levels, dec("3"), 3)
	if len(stacks) != 1 {
		t.Fatalf("stacks = %d, want 1", len(stacks))
	}
	st := stacks[0]
	if st.Side != market.Buy || len(st.Levels) != 3 {
		t.Fatalf("stack side=%s len=%d", st.Side, len(st.Levels))
	}
	if !st.StartPrice().Equal(dec("50000")) || !st.EndPrice().Equal(dec("50020")) {
		t.Errorf("stack range [%s, %s]", st.StartPrice(), st.EndPrice())
	}
}

func TestDetectStacked_BelowMinConsecutive(t *testing.T) {
	levels := []FootprintLevel{
		fl("50000", "30", "5"),
		fl("50010", "15", "3"),
		fl("50020", "4", "10"), // breaks the buy run at length 2
	}
	if stacks := DetectStacked(levels, dec("3"), 3); len(stacks) != 0 {
		t.Errorf("stacks = %d, want 0", len(stacks))
	}
}

// Zero opposite-side volume qualifies as an imbalance on the nonzero side.
func TestDetectStacked_ZeroOppositeSide(t *testing.T) {
	levels := []FootprintLevel{
		fl("50000", "10", "0"),
		fl("50010", "8", "0"),
		fl("50020", "12", "1"),
	}
	stacks := DetectStacked(levels, dec("3"), 3)
	if len(stacks) != 1 || stacks[0].Side != market.Buy {
		t.Fatalf("stacks = %+v", stacks)
	}
}

func TestDetectStacked_SellStackAtEnd(t *testing.T) {
	levels := []FootprintLevel{
		fl("50000", "10", "1"),
		fl("50010", "2", "9"),
		fl("50020", "1", "8"),
		fl("50030", "0", "5"),
	}
	stacks := DetectStacked(levels, dec("3"), 3)
	if len(stacks) != 1 {
		t.Fatalf("stacks = %d, want 1", len(stacks))
	}
	st := stacks[0]
	if st.Side != market.Sell || !st.StartPrice().Equal(dec("50010")) || !st.EndPrice().Equal(dec("50030")) {
		t.Errorf("sell stack = side %s [%s, %s]", st.Side, st.StartPrice(), st.EndPrice())
	}
}

func TestDetectStacked_RatioJustBelowThreshold(t *testing.T) {
	levels := []FootprintLevel{
		fl("50000", "29", "10"), // 2.9 < 3
		fl("50010", "30", "10"), // exactly 3 qualifies
		fl("50020", "31", "10"),
		fl("50030", "32", "10"),
	}
	stacks := DetectStacked(levels, dec("3"), 3)
	if len(stacks) != 1 || len(stacks[0].Levels) != 3 {
		t.Fatalf("stacks = %+v", stacks)
	}
	if !stacks[0].StartPrice().Equal(dec("50010")) {
		t.Errorf("stack starts at %s, want 50010", stacks[0].StartPrice())
	}
}

func TestDetectStacked_EmptyBar(t *testing.T) {
	if stacks := DetectStacked(nil, dec("3"), 3); len(stacks) != 0 {
		t.Errorf("stacks on empty bar = %d", len(stacks))
	}
}
