package market

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestTrade_SideAndVolumes(t *testing.T) {
	buy := Trade{AggID: 1, Symbol: "BTCUSDT", Price: dec("50000"), Quantity: dec("1.5"), BuyerIsMaker: false}
	sell := Trade{AggID: 2, Symbol: "BTCUSDT", Price: dec("50000"), Quantity: dec("2"), BuyerIsMaker: true}

	if buy.Side() != Buy || sell.Side() != Sell {
		t.Fatalf("sides: %s / %s", buy.Side(), sell.Side())
	}
	if !buy.BuyVolume().Equal(dec("1.5")) || !buy.SellVolume().IsZero() {
		t.Errorf("buy volumes: %s / %s", buy.BuyVolume(), buy.SellVolume())
	}
	if !sell.SellVolume().Equal(dec("2")) || !sell.BuyVolume().IsZero() {
		t.Errorf("sell volumes: %s / %s", sell.BuyVolume(), sell.SellVolume())
	}
}

// buyVolume + sellVolume = quantity, and exactly one is nonzero.
func TestTrade_VolumeIdentity(t *testing.T) {
	for _, maker := range []bool{true, false} {
		tr := Trade{AggID: 3, Symbol: "ETHUSDT", Price: dec("3000"), Quantity: dec("0.7"), BuyerIsMaker: maker}
		sum := tr.BuyVolume().Add(tr.SellVolume())
		if !sum.Equal(tr.Quantity) {
			t.Errorf("maker=%v: buy+sell = %s, want %s", maker, sum, tr.Quantity)
		}
		if tr.BuyVolume().IsZero() == tr.SellVolume().IsZero() {
			t.Errorf("maker=%v: exactly one of buy/sell must be nonzero", maker)
		}
	}
}

func TestTrade_Notional(t *testing.T) {
	tr := Trade{Price: dec("50000"), Quantity: dec("0.002")}
	if !tr.Notional().Equal(dec("100")) {
		t.Errorf("notional = %s, want 100", tr.Notional())
	}
}

func TestTrade_Validate(t *testing.T) {
	good := Trade{AggID: 1, Symbol: "BTCUSDT", Price: dec("1"), Quantity: dec("1")}
	if err := good.Validate(); err != nil {
		t.Errorf("valid trade rejected: %v", err)
	}
	bad := []Trade{
		{AggID: 2, Symbol: "", Price: dec("1"), Quantity: dec("1")},
		{AggID: 3, Symbol: "BTCUSDT", Price: dec("0"), Quantity: dec("1")},
		{AggID: 4, Symbol: "BTCUSDT", Price: dec("1"), Quantity: dec("-1")},
	}
	for _, tr := range bad {
		if err := tr.Validate(); err == nil {
			t.Errorf("trade %d should be rejected", tr.AggID)
		}
	}
}

func TestLiquidation_Notional(t *testing.T) {
	withAvg := Liquidation{Price: dec("100"), AvgPrice: dec("101"), OrigQty: dec("5"), FilledQty: dec("4")}
	if !withAvg.Notional().Equal(dec("404")) {
		t.Errorf("notional = %s, want 404", withAvg.Notional())
	}
	noAvg := Liquidation{Price: dec("100"), AvgPrice: decimal.Zero, OrigQty: dec("5"), FilledQty: dec("4")}
	if !noAvg.Notional().Equal(dec("500")) {
		t.Errorf("notional = %s, want 500", noAvg.Notional())
	}
}
