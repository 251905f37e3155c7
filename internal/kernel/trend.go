package kernel

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wangxso/ftrader/pkg/types"
)

// Trend trades moving-average crossovers: fast crossing above slow
// opens a long, the reverse cross opens a short, and an opposite cross
// closes the current position first.
type Trend struct {
	logger *zap.Logger

	fastPeriod int
	slowPeriod int
	amount     decimal.Decimal
	timeframe  types.Timeframe

	mu       sync.Mutex
	wasAbove *bool
}

// NewTrend creates an uninitialized trend-following kernel.
func NewTrend(logger *zap.Logger) *Trend {
	return &Trend{logger: logger.Named(NameTrend)}
}

func (t *Trend) Name() string { return NameTrend }

func (t *Trend) Initialize(ctx context.Context, sc *Context) error {
	sec := sc.Doc.Sub("trend")

	t.fastPeriod = sec.Int("fastPeriod", 7)
	t.slowPeriod = sec.Int("slowPeriod", 25)
	if t.fastPeriod <= 0 || t.slowPeriod <= t.fastPeriod {
		return types.E(types.ErrKindConfig, "kernel.trend", "fastPeriod/slowPeriod invalid: %d/%d", t.fastPeriod, t.slowPeriod)
	}
	var err error
	if t.amount, err = sec.RequiredDecimal("amount"); err != nil {
		return err
	}
	t.timeframe = types.Timeframe(sec.String("timeframe", string(types.Timeframe1h)))
	if !t.timeframe.Valid() {
		return types.E(types.ErrKindConfig, "kernel.trend", "unsupported timeframe %q", t.timeframe)
	}

	t.mu.Lock()
	t.wasAbove = nil
	t.mu.Unlock()

	return sc.Exchange.ConfigureLeverage(ctx, sc.Trading.Symbol, sc.Trading.Leverage)
}

func (t *Trend) RunOnce(ctx context.Context, sc *Context) error {
	bars, err := sc.Exchange.FetchBars(ctx, sc.Trading.Symbol, t.timeframe, t.slowPeriod+2)
	if err != nil {
		return err
	}
	if len(bars) < t.slowPeriod {
		return nil
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close.InexactFloat64()
	}

	fast := SMA(closes, t.fastPeriod)
	slow := SMA(closes, t.slowPeriod)
	isAbove := fast > slow

	t.mu.Lock()
	prev := t.wasAbove
	t.wasAbove = &isAbove
	t.mu.Unlock()

	if prev == nil || *prev == isAbove {
		return nil // no cross this tick
	}

	want := types.SideLong
	if !isAbove {
		want = types.SideShort
	}

	pos := sc.Position()
	if pos != nil {
		if pos.Side == want {
			return nil
		}
		if err := ignoreDenied(sc.RequestTrade(ctx, types.TradeKindClose, pos.Side, decimal.Zero)); err != nil {
			return err
		}
	}

	t.logger.Info("crossover",
		zap.String("direction", string(want)),
		zap.Float64("fast", fast),
		zap.Float64("slow", slow))
	return ignoreDenied(sc.RequestTrade(ctx, types.TradeKindOpen, want, t.amount))
}

func (t *Trend) Shutdown(ctx context.Context, sc *Context, reason string) error {
	return nil
}

func (t *Trend) OnTrade(trade types.Trade) {}
