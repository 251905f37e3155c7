package exchange

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/wangxso/ftrader/pkg/types"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"btc/usdt":  "BTCUSDT",
		"BTC-USDT":  "BTCUSDT",
		"eth_usdt ": "ETHUSDT",
		"BTCUSDT":   "BTCUSDT",
	}
	for in, want := range cases {
		if got := NormalizeSymbol(in); got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRoundAmountHalfEven(t *testing.T) {
	p := SymbolPrecision{Price: 2, Amount: 3}

	cases := []struct {
		in   string
		want string
	}{
		{"0.0045", "0.004"}, // half to even: 4 stays
		{"0.0055", "0.006"}, // half to even: 5 rounds up to 6
		{"0.00449", "0.004"},
		{"0.00451", "0.005"},
		{"1.2345", "1.234"},
	}
	for _, c := range cases {
		in, _ := decimal.NewFromString(c.in)
		got := RoundAmount(in, p)
		if got.String() != c.want {
			t.Errorf("RoundAmount(%s) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestRoundPriceDirectional(t *testing.T) {
	p := SymbolPrecision{Price: 2, Amount: 3}
	price, _ := decimal.NewFromString("50000.128")

	// opening a long buys: round down
	if got := RoundPrice(price, p, types.SideLong, types.TradeKindOpen); got.String() != "50000.12" {
		t.Errorf("buy price = %s, want 50000.12", got)
	}
	// opening a short sells: round up
	if got := RoundPrice(price, p, types.SideShort, types.TradeKindOpen); got.String() != "50000.13" {
		t.Errorf("sell price = %s, want 50000.13", got)
	}
	// closing a long sells: round up
	if got := RoundPrice(price, p, types.SideLong, types.TradeKindClose); got.String() != "50000.13" {
		t.Errorf("close-long price = %s, want 50000.13", got)
	}
	// closing a short buys: round down
	if got := RoundPrice(price, p, types.SideShort, types.TradeKindClose); got.String() != "50000.12" {
		t.Errorf("close-short price = %s, want 50000.12", got)
	}
}
