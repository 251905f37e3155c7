package kernel

// In-package test harness: a scriptable exchange adapter and a context
// recorder that mimics the supervisor's position bookkeeping closely
// enough to drive kernels through their decision cycles.

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wangxso/ftrader/internal/config"
	"github.com/wangxso/ftrader/pkg/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func noplog() *zap.Logger { return zap.NewNop() }

func testCtx() context.Context { return context.Background() }

func docSection(doc map[string]any) config.Section { return config.DocumentFrom(doc) }

func mustTrading(t *testing.T, doc map[string]any) config.Trading {
	t.Helper()
	trading, err := config.ParseTrading(config.DocumentFrom(doc))
	if err != nil {
		t.Fatalf("trading config: %v", err)
	}
	return trading
}

type fakeExchange struct {
	price decimal.Decimal
	bars  []types.Bar
}

func (f *fakeExchange) ConfigureLeverage(context.Context, string, int) error { return nil }

func (f *fakeExchange) FetchTicker(_ context.Context, symbol string) (*types.Ticker, error) {
	return &types.Ticker{
		Symbol: symbol, Bid: f.price, Ask: f.price,
		Last: f.price, Mark: f.price, Timestamp: time.Now(),
	}, nil
}

func (f *fakeExchange) FetchBars(_ context.Context, _ string, _ types.Timeframe, limit int) ([]types.Bar, error) {
	if limit > len(f.bars) {
		limit = len(f.bars)
	}
	return f.bars[len(f.bars)-limit:], nil
}

func (f *fakeExchange) OpenMarket(_ context.Context, symbol string, side types.Side, notional decimal.Decimal) (*types.Fill, error) {
	return &types.Fill{Symbol: symbol, Side: side, Price: f.price,
		Quantity: notional.Div(f.price), Timestamp: time.Now()}, nil
}

func (f *fakeExchange) CloseMarket(_ context.Context, symbol string, side types.Side) (*types.Fill, error) {
	return &types.Fill{Symbol: symbol, Side: side, Price: f.price, Timestamp: time.Now()}, nil
}

func (f *fakeExchange) FetchPosition(context.Context, string) (*types.Position, error) {
	return nil, nil
}

func (f *fakeExchange) FetchBalance(context.Context) (*types.Balance, error) {
	return &types.Balance{Total: d(10000), Free: d(10000)}, nil
}

// request records one kernel trade request.
type request struct {
	kind     types.TradeKind
	side     types.Side
	notional decimal.Decimal
}

// harness drives one kernel with supervisor-like position bookkeeping.
type harness struct {
	t        *testing.T
	ex       *fakeExchange
	kern     Kernel
	ctx      *Context
	position *types.Position
	requests []request
	now      time.Time
	deny     bool // simulate a risk gate denial
}

func newHarness(t *testing.T, kern Kernel, doc map[string]any) *harness {
	t.Helper()

	ex := &fakeExchange{price: d(50000)}
	h := &harness{t: t, ex: ex, kern: kern, now: time.Unix(1700000000, 0)}

	section := config.DocumentFrom(doc)
	trading, err := config.ParseTrading(section)
	if err != nil {
		t.Fatalf("trading config: %v", err)
	}

	h.ctx = &Context{
		StrategyID: 1,
		Doc:        section,
		Trading:    trading,
		Exchange:   ex,
		Logger:     zap.NewNop(),
		Clock:      func() time.Time { return h.now },
		Position:   func() *types.Position { return h.position.Clone() },
		Request:    h.request,
	}

	if err := kern.Initialize(context.Background(), h.ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return h
}

func (h *harness) request(_ context.Context, kind types.TradeKind, side types.Side, notional decimal.Decimal) error {
	if h.deny {
		return types.E(types.ErrKindRiskDenied, "harness", "denied")
	}
	h.requests = append(h.requests, request{kind: kind, side: side, notional: notional})

	price := h.ex.price
	trade := types.Trade{
		Kind: kind, Side: side, Symbol: h.ctx.Trading.Symbol,
		Price: price, ExecutedAt: h.now,
	}
	switch kind {
	case types.TradeKindOpen:
		qty := notional.Div(price)
		trade.Quantity = qty
		h.position = &types.Position{
			Symbol: h.ctx.Trading.Symbol, Side: side,
			EntryPrice: price, Quantity: qty, Notional: notional,
			OpenedAt: h.now, MarkPrice: price,
		}
	case types.TradeKindAdd:
		qty := notional.Div(price)
		trade.Quantity = qty
		oldValue := h.position.EntryPrice.Mul(h.position.Quantity)
		newQty := h.position.Quantity.Add(qty)
		h.position.EntryPrice = oldValue.Add(price.Mul(qty)).Div(newQty)
		h.position.Quantity = newQty
		h.position.Notional = h.position.Notional.Add(notional)
		h.position.Additions++
	case types.TradeKindClose:
		trade.Quantity = h.position.Quantity
		h.position = nil
	}
	h.kern.OnTrade(trade)
	return nil
}

// tick sets the price and runs one decision step.
func (h *harness) tick(price float64) {
	h.t.Helper()
	h.ex.price = d(price)
	if h.position != nil {
		h.position.MarkPrice = h.ex.price
	}
	h.now = h.now.Add(30 * time.Second)
	if err := h.kern.RunOnce(context.Background(), h.ctx); err != nil {
		h.t.Fatalf("runOnce at %v: %v", price, err)
	}
}
