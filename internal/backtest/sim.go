package backtest

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wangxso/ftrader/internal/exchange"
	"github.com/wangxso/ftrader/pkg/types"
)

// simAdapter is the simulated exchange backing a backtest. The ticker
// reports the current bar's close; orders fill at the NEXT bar's open
// so a kernel can never trade on information it has not seen yet. Fees
// are a flat percentage taken off the simulated balance.
type simAdapter struct {
	bars    []types.Bar
	cursor  int
	feeRate decimal.Decimal // fraction, e.g. 0.0004

	balance  decimal.Decimal
	position *types.Position
	leverage int
	fees     decimal.Decimal
}

var _ exchange.Adapter = (*simAdapter)(nil)

func newSimAdapter(bars []types.Bar, initialBalance, feeRate decimal.Decimal) *simAdapter {
	return &simAdapter{
		bars:     bars,
		feeRate:  feeRate,
		balance:  initialBalance,
		leverage: 1,
	}
}

// now is the simulated clock: the current bar's timestamp.
func (s *simAdapter) now() time.Time {
	if s.cursor < len(s.bars) {
		return s.bars[s.cursor].Timestamp
	}
	if len(s.bars) > 0 {
		return s.bars[len(s.bars)-1].Timestamp
	}
	return time.Time{}
}

// advance moves the simulated clock one bar forward and refreshes the
// position mark. It reports false once the stream is exhausted.
func (s *simAdapter) advance() bool {
	if s.cursor+1 >= len(s.bars) {
		return false
	}
	s.cursor++
	if s.position != nil {
		s.position.MarkPrice = s.bars[s.cursor].Close
	}
	return true
}

// fillPrice is the next bar's open; the last bar cannot fill.
func (s *simAdapter) fillPrice() (decimal.Decimal, bool) {
	if s.cursor+1 >= len(s.bars) {
		return decimal.Zero, false
	}
	return s.bars[s.cursor+1].Open, true
}

func (s *simAdapter) equity() decimal.Decimal {
	return s.balance.Add(s.position.UnrealizedPnL())
}

func (s *simAdapter) ConfigureLeverage(ctx context.Context, symbol string, leverage int) error {
	s.leverage = leverage
	return nil
}

func (s *simAdapter) FetchTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	if len(s.bars) == 0 {
		return nil, types.E(types.ErrKindBacktest, "backtest.FetchTicker", "no bars loaded")
	}
	bar := s.bars[s.cursor]
	return &types.Ticker{
		Symbol:    exchange.NormalizeSymbol(symbol),
		Bid:       bar.Close,
		Ask:       bar.Close,
		Last:      bar.Close,
		Mark:      bar.Close,
		Timestamp: bar.Timestamp,
	}, nil
}

func (s *simAdapter) FetchBars(ctx context.Context, symbol string, timeframe types.Timeframe, limit int) ([]types.Bar, error) {
	end := s.cursor + 1
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]types.Bar, end-start)
	copy(out, s.bars[start:end])
	return out, nil
}

func (s *simAdapter) OpenMarket(ctx context.Context, symbol string, side types.Side, notional decimal.Decimal) (*types.Fill, error) {
	price, ok := s.fillPrice()
	if !ok {
		return nil, types.E(types.ErrKindBacktest, "backtest.OpenMarket", "bar stream exhausted")
	}
	if notional.LessThanOrEqual(decimal.Zero) {
		return nil, types.E(types.ErrKindBacktest, "backtest.OpenMarket", "notional must be positive, got %s", notional)
	}

	qty := notional.Div(price).Round(8)
	fee := notional.Mul(s.feeRate)
	s.balance = s.balance.Sub(fee)
	s.fees = s.fees.Add(fee)

	if s.position == nil {
		s.position = &types.Position{
			Symbol:     exchange.NormalizeSymbol(symbol),
			Side:       side,
			EntryPrice: price,
			Quantity:   qty,
			Notional:   notional,
			Leverage:   s.leverage,
			OpenedAt:   s.now(),
			MarkPrice:  price,
		}
	} else {
		oldValue := s.position.EntryPrice.Mul(s.position.Quantity)
		newQty := s.position.Quantity.Add(qty)
		s.position.EntryPrice = oldValue.Add(price.Mul(qty)).Div(newQty)
		s.position.Quantity = newQty
		s.position.Notional = s.position.Notional.Add(notional)
		s.position.MarkPrice = price
		s.position.Additions++
	}

	return &types.Fill{
		Symbol:    exchange.NormalizeSymbol(symbol),
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Timestamp: s.now(),
	}, nil
}

func (s *simAdapter) CloseMarket(ctx context.Context, symbol string, side types.Side) (*types.Fill, error) {
	if s.position == nil || s.position.Side != side {
		return nil, types.E(types.ErrKindBacktest, "backtest.CloseMarket", "no %s position to close", side)
	}
	price, ok := s.fillPrice()
	if !ok {
		return nil, types.E(types.ErrKindBacktest, "backtest.CloseMarket", "bar stream exhausted")
	}

	pos := s.position
	var pnl decimal.Decimal
	if pos.Side == types.SideLong {
		pnl = price.Sub(pos.EntryPrice).Mul(pos.Quantity)
	} else {
		pnl = pos.EntryPrice.Sub(price).Mul(pos.Quantity)
	}
	fee := price.Mul(pos.Quantity).Mul(s.feeRate)
	s.balance = s.balance.Add(pnl).Sub(fee)
	s.fees = s.fees.Add(fee)

	fill := &types.Fill{
		Symbol:    pos.Symbol,
		Side:      side,
		Price:     price,
		Quantity:  pos.Quantity,
		Timestamp: s.now(),
	}
	s.position = nil
	return fill, nil
}

func (s *simAdapter) FetchPosition(ctx context.Context, symbol string) (*types.Position, error) {
	return s.position.Clone(), nil
}

func (s *simAdapter) FetchBalance(ctx context.Context) (*types.Balance, error) {
	used := decimal.Zero
	if s.position != nil {
		used = s.position.Notional
	}
	return &types.Balance{
		Total: s.balance,
		Free:  s.balance.Sub(used),
		Used:  used,
	}, nil
}
