package backtest_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wangxso/ftrader/internal/backtest"
	"github.com/wangxso/ftrader/internal/events"
	"github.com/wangxso/ftrader/internal/kernel"
	"github.com/wangxso/ftrader/pkg/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// fixedBars serves a pre-built bar array.
type fixedBars struct{ bars []types.Bar }

func (f *fixedBars) Bars(context.Context, string, types.Timeframe, time.Time, time.Time) ([]types.Bar, error) {
	return f.bars, nil
}

// barSeq builds hourly bars whose opens continue the previous close, so
// next-open fills land exactly on the prior bar's close.
func barSeq(closes ...float64) []types.Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		hi, lo := open, c
		if c > hi {
			hi = c
		}
		if open < lo {
			lo = open
		}
		bars[i] = types.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      d(open), High: d(hi), Low: d(lo), Close: d(c),
			Volume: d(10),
		}
	}
	return bars
}

func martingaleDoc(maxAdditions int) map[string]any {
	return map[string]any{
		"kernel": "martingale",
		"trading": map[string]any{
			"symbol": "BTC/USDT", "side": "long", "leverage": 10,
		},
		"risk": map[string]any{
			"maxAdditions": maxAdditions,
		},
		"martingale": map[string]any{
			"initialPosition": 200.0,
			"multiplier":      2.0,
			"maxAdditions":    maxAdditions,
		},
		"trigger": map[string]any{
			"priceDropPercent": 5.0,
			"startImmediately": true,
		},
	}
}

func runBacktest(t *testing.T, closes []float64, doc map[string]any) *types.Backtest {
	t.Helper()

	logger := zap.NewNop()
	registry := kernel.NewRegistry(kernel.Deps{Logger: logger})
	engine := backtest.NewEngine(logger, registry, &fixedBars{bars: barSeq(closes...)}, nil)

	bt := &types.Backtest{
		ID: "bt-test",
		Params: types.BacktestParams{
			StrategyID:     1,
			Symbol:         "BTC/USDT",
			Timeframe:      types.Timeframe1h,
			Start:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:            time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			InitialBalance: d(10000),
			FeeRate:        decimal.Zero,
		},
		Status:    types.BacktestStatusPending,
		CreatedAt: time.Now(),
	}
	if err := engine.Run(context.Background(), bt, doc); err != nil {
		t.Fatalf("backtest: %v (stored error %q)", err, bt.Error)
	}
	return bt
}

// Martingale over the canonical bar sequence: an open at 50 000 for
// 200, one add at 47 500 for 400, nothing else.
func TestMartingaleReplay(t *testing.T) {
	closes := []float64{50000, 49500, 48500, 47500, 47500}
	bt := runBacktest(t, closes, martingaleDoc(5))

	if bt.Status != types.BacktestStatusCompleted {
		t.Fatalf("status = %s, error = %q", bt.Status, bt.Error)
	}
	if len(bt.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(bt.Trades))
	}

	open, add := bt.Trades[0], bt.Trades[1]
	if open.Kind != types.TradeKindOpen || !open.Price.Equal(d(50000)) {
		t.Errorf("open = %+v, want open at 50000", open)
	}
	wantQty := d(200).Div(d(50000))
	if !open.Quantity.Equal(wantQty) {
		t.Errorf("open qty = %s, want %s", open.Quantity, wantQty)
	}
	if add.Kind != types.TradeKindAdd || !add.Price.Equal(d(47500)) {
		t.Errorf("add = %+v, want add at 47500", add)
	}
	wantAddQty := d(400).Div(d(47500)).Round(8)
	if !add.Quantity.Equal(wantAddQty) {
		t.Errorf("add qty = %s, want %s (400 notional)", add.Quantity, wantAddQty)
	}
	if len(bt.EquityCurve) != len(closes) {
		t.Errorf("equity points = %d, want %d", len(bt.EquityCurve), len(closes))
	}
}

// The risk gate caps additions: three trigger-depth drops with
// maxAdditions=2 yield exactly two adds.
func TestMaxAdditionsCap(t *testing.T) {
	closes := []float64{50000, 47400, 44900, 42500, 42500, 42500}
	bt := runBacktest(t, closes, martingaleDoc(2))

	adds := 0
	for _, tr := range bt.Trades {
		if tr.Kind == types.TradeKindAdd {
			adds++
		}
	}
	if adds != 2 {
		t.Fatalf("adds = %d, want exactly 2", adds)
	}
}

// Identical inputs replay to identical trade sequences and equity
// curves.
func TestBacktestDeterminism(t *testing.T) {
	closes := []float64{50000, 49500, 48500, 47500, 48000, 46000, 47000, 45000, 45500}

	a := runBacktest(t, closes, martingaleDoc(5))
	b := runBacktest(t, closes, martingaleDoc(5))

	if len(a.Trades) != len(b.Trades) {
		t.Fatalf("trade counts differ: %d vs %d", len(a.Trades), len(b.Trades))
	}
	for i := range a.Trades {
		ta, tb := a.Trades[i], b.Trades[i]
		if ta.Kind != tb.Kind || !ta.Price.Equal(tb.Price) || !ta.Quantity.Equal(tb.Quantity) ||
			!ta.ExecutedAt.Equal(tb.ExecutedAt) {
			t.Errorf("trade %d differs: %+v vs %+v", i, ta, tb)
		}
	}

	if len(a.EquityCurve) != len(b.EquityCurve) {
		t.Fatalf("curve lengths differ: %d vs %d", len(a.EquityCurve), len(b.EquityCurve))
	}
	for i := range a.EquityCurve {
		pa, pb := a.EquityCurve[i], b.EquityCurve[i]
		if !pa.Equity.Equal(pb.Equity) || !pa.Timestamp.Equal(pb.Timestamp) {
			t.Errorf("curve point %d differs: %+v vs %+v", i, pa, pb)
		}
	}
	if !a.Stats.TotalReturn.Equal(b.Stats.TotalReturn) {
		t.Errorf("total return differs: %s vs %s", a.Stats.TotalReturn, b.Stats.TotalReturn)
	}
}

// A stop-loss policy force-closes during the replay and realizes the
// loss in a close trade.
func TestStopLossInReplay(t *testing.T) {
	doc := martingaleDoc(0)
	doc["risk"] = map[string]any{"stopLossPercent": 10.0}
	// no additions; price collapses through the stop
	closes := []float64{50000, 49000, 44000, 44000, 44000}
	bt := runBacktest(t, closes, doc)

	var closeTrade *types.Trade
	for i := range bt.Trades {
		if bt.Trades[i].Kind == types.TradeKindClose {
			closeTrade = &bt.Trades[i]
		}
	}
	if closeTrade == nil {
		t.Fatal("no close trade recorded")
	}
	if closeTrade.PnL == nil || !closeTrade.PnL.IsNegative() {
		t.Errorf("close pnl = %v, want negative", closeTrade.PnL)
	}
}

// Progress events stream on the bus during a replay.
func TestProgressEvents(t *testing.T) {
	logger := zap.NewNop()
	bus := events.NewBus(logger)
	defer bus.Close()
	sub := bus.Subscribe(events.TopicBacktestProgress, 64)
	defer bus.Unsubscribe(sub)

	registry := kernel.NewRegistry(kernel.Deps{Logger: logger})
	closes := []float64{50000, 49500, 48500, 47500, 47500}
	engine := backtest.NewEngine(logger, registry, &fixedBars{bars: barSeq(closes...)}, bus)

	bt := &types.Backtest{
		ID: "bt-progress",
		Params: types.BacktestParams{
			StrategyID: 1, Symbol: "BTC/USDT", Timeframe: types.Timeframe1h,
			Start:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:            time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			InitialBalance: d(10000),
		},
		CreatedAt: time.Now(),
	}
	if err := engine.Run(context.Background(), bt, martingaleDoc(5)); err != nil {
		t.Fatalf("backtest: %v", err)
	}

	select {
	case ev := <-sub.C():
		p := ev.Payload.(events.BacktestProgressPayload)
		if p.BacktestID != "bt-progress" || p.Total != len(closes) {
			t.Errorf("unexpected progress payload: %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no progress event published")
	}
}

// A kernel configuration failure is fatal and stored on the record.
func TestBacktestFailureStored(t *testing.T) {
	logger := zap.NewNop()
	registry := kernel.NewRegistry(kernel.Deps{Logger: logger})
	engine := backtest.NewEngine(logger, registry, &fixedBars{bars: barSeq(50000, 49000, 48000)}, nil)

	doc := martingaleDoc(5)
	delete(doc["martingale"].(map[string]any), "initialPosition")

	bt := &types.Backtest{
		ID: "bt-bad",
		Params: types.BacktestParams{
			StrategyID: 1, Symbol: "BTC/USDT", Timeframe: types.Timeframe1h,
			Start:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:            time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			InitialBalance: d(10000),
		},
		CreatedAt: time.Now(),
	}
	if err := engine.Run(context.Background(), bt, doc); err == nil {
		t.Fatal("expected an error")
	}
	if bt.Status != types.BacktestStatusFailed || bt.Error == "" {
		t.Errorf("status = %s, error = %q; want failed with a stored message", bt.Status, bt.Error)
	}
}
