// Package exchange provides the typed facade over the perpetual-futures
// venue: market data, leverage configuration, market orders, position
// and balance queries.
package exchange

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/wangxso/ftrader/pkg/types"
)

// Adapter is the venue contract. Implementations normalize symbols,
// enforce venue precision and classify failures into the typed error
// kinds of pkg/types. All operations honor context cancellation.
type Adapter interface {
	// ConfigureLeverage is idempotent; setting an already-set value
	// succeeds.
	ConfigureLeverage(ctx context.Context, symbol string, leverage int) error

	// FetchTicker returns the current market snapshot.
	FetchTicker(ctx context.Context, symbol string) (*types.Ticker, error)

	// FetchBars returns the most recent limit OHLCV bars, oldest first.
	FetchBars(ctx context.Context, symbol string, timeframe types.Timeframe, limit int) ([]types.Bar, error)

	// OpenMarket places a market order sized in quote currency. The
	// notional is converted to contract quantity at the current mark.
	OpenMarket(ctx context.Context, symbol string, side types.Side, notional decimal.Decimal) (*types.Fill, error)

	// CloseMarket flattens the position for symbol+side to zero.
	CloseMarket(ctx context.Context, symbol string, side types.Side) (*types.Fill, error)

	// FetchPosition returns the venue-side position, or nil if flat.
	FetchPosition(ctx context.Context, symbol string) (*types.Position, error)

	// FetchBalance returns the account balance.
	FetchBalance(ctx context.Context) (*types.Balance, error)
}

// NormalizeSymbol maps user-facing symbols ("btc/usdt", "BTC-USDT")
// to the venue form ("BTCUSDT").
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	return s
}
