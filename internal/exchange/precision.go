package exchange

import (
	"github.com/shopspring/decimal"

	"github.com/wangxso/ftrader/pkg/types"
)

// SymbolPrecision holds the venue-declared decimal places for a symbol.
type SymbolPrecision struct {
	Price  int32
	Amount int32
}

// RoundAmount rounds a contract quantity to the venue amount precision
// using banker's rounding (half to even).
func RoundAmount(qty decimal.Decimal, p SymbolPrecision) decimal.Decimal {
	return qty.RoundBank(p.Amount)
}

// RoundPrice rounds a price to the venue price precision. Buys round
// down and sells round up so the rounded price never crosses the
// intended level.
func RoundPrice(price decimal.Decimal, p SymbolPrecision, side types.Side, kind types.TradeKind) decimal.Decimal {
	if isBuy(side, kind) {
		return price.RoundFloor(p.Price)
	}
	return price.RoundCeil(p.Price)
}

// isBuy maps position side and trade kind to venue order direction:
// opening or adding to a long buys, closing a long sells, and the
// reverse for shorts.
func isBuy(side types.Side, kind types.TradeKind) bool {
	if kind == types.TradeKindClose {
		return side == types.SideShort
	}
	return side == types.SideLong
}
