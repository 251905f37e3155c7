package kernel

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wangxso/ftrader/pkg/types"
)

// MeanReversion opens counter-trend when the price deviates from its
// moving-average baseline by deviationPct, and closes when the price
// returns to the baseline.
type MeanReversion struct {
	logger *zap.Logger

	period       int
	deviationPct decimal.Decimal
	amount       decimal.Decimal
	timeframe    types.Timeframe
}

// NewMeanReversion creates an uninitialized mean-reversion kernel.
func NewMeanReversion(logger *zap.Logger) *MeanReversion {
	return &MeanReversion{logger: logger.Named(NameMeanReversion)}
}

func (m *MeanReversion) Name() string { return NameMeanReversion }

func (m *MeanReversion) Initialize(ctx context.Context, sc *Context) error {
	sec := sc.Doc.Sub("meanReversion")

	m.period = sec.Int("period", 20)
	if m.period < 2 {
		return types.E(types.ErrKindConfig, "kernel.mean_reversion", "period must be at least 2, got %d", m.period)
	}
	var err error
	if m.deviationPct, err = sec.RequiredDecimal("deviationPct"); err != nil {
		return err
	}
	if m.deviationPct.LessThanOrEqual(decimal.Zero) {
		return types.E(types.ErrKindConfig, "kernel.mean_reversion", "deviationPct must be positive")
	}
	if m.amount, err = sec.RequiredDecimal("amount"); err != nil {
		return err
	}
	m.timeframe = types.Timeframe(sec.String("timeframe", string(types.Timeframe1h)))
	if !m.timeframe.Valid() {
		return types.E(types.ErrKindConfig, "kernel.mean_reversion", "unsupported timeframe %q", m.timeframe)
	}

	return sc.Exchange.ConfigureLeverage(ctx, sc.Trading.Symbol, sc.Trading.Leverage)
}

func (m *MeanReversion) RunOnce(ctx context.Context, sc *Context) error {
	bars, err := sc.Exchange.FetchBars(ctx, sc.Trading.Symbol, m.timeframe, m.period+1)
	if err != nil {
		return err
	}
	if len(bars) < m.period {
		return nil
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close.InexactFloat64()
	}
	baseline := decimal.NewFromFloat(SMA(closes, m.period))
	if baseline.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	ticker, err := sc.Exchange.FetchTicker(ctx, sc.Trading.Symbol)
	if err != nil {
		return err
	}
	price := ticker.Mark

	pos := sc.Position()
	if pos != nil {
		// exit on return to baseline
		reverted := (pos.Side == types.SideLong && price.GreaterThanOrEqual(baseline)) ||
			(pos.Side == types.SideShort && price.LessThanOrEqual(baseline))
		if reverted {
			return ignoreDenied(sc.RequestTrade(ctx, types.TradeKindClose, pos.Side, decimal.Zero))
		}
		return nil
	}

	deviation := price.Sub(baseline).Div(baseline).Mul(decimal.NewFromInt(100))
	switch {
	case deviation.LessThanOrEqual(m.deviationPct.Neg()):
		return ignoreDenied(sc.RequestTrade(ctx, types.TradeKindOpen, types.SideLong, m.amount))
	case deviation.GreaterThanOrEqual(m.deviationPct):
		return ignoreDenied(sc.RequestTrade(ctx, types.TradeKindOpen, types.SideShort, m.amount))
	}
	return nil
}

func (m *MeanReversion) Shutdown(ctx context.Context, sc *Context, reason string) error {
	return nil
}

func (m *MeanReversion) OnTrade(trade types.Trade) {}
