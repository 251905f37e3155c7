package kernel

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wangxso/ftrader/pkg/types"
)

// Martingale opens an initial position and averages in on adverse price
// moves, doubling down by a configured multiplier on each trigger. The
// run's extreme price (best since the last fill) is the trigger
// reference: once the move from the extreme to the current price
// crosses the configured drop percent, an addition of
// initialPosition × multiplier^(additions+1) is requested.
type Martingale struct {
	logger *zap.Logger

	initial          decimal.Decimal
	multiplier       decimal.Decimal
	maxAdditions     int
	dropPercent      decimal.Decimal
	startImmediately bool

	mu      sync.Mutex
	extreme decimal.Decimal
}

// NewMartingale creates an uninitialized martingale kernel.
func NewMartingale(logger *zap.Logger) *Martingale {
	return &Martingale{logger: logger.Named(NameMartingale)}
}

func (m *Martingale) Name() string { return NameMartingale }

func (m *Martingale) Initialize(ctx context.Context, sc *Context) error {
	sec := sc.Doc.Sub("martingale")

	var err error
	if m.initial, err = sec.RequiredDecimal("initialPosition"); err != nil {
		return err
	}
	if m.multiplier, err = sec.RequiredDecimal("multiplier"); err != nil {
		return err
	}
	if m.multiplier.LessThanOrEqual(decimal.Zero) {
		return types.E(types.ErrKindConfig, "kernel.martingale", "multiplier must be positive")
	}
	m.maxAdditions = sec.Int("maxAdditions", 0)

	trigger := sc.Doc.Sub("trigger")
	if m.dropPercent, err = trigger.RequiredDecimal("priceDropPercent"); err != nil {
		return err
	}
	m.startImmediately = trigger.Bool("startImmediately", true)

	m.mu.Lock()
	m.extreme = decimal.Zero
	m.mu.Unlock()

	return sc.Exchange.ConfigureLeverage(ctx, sc.Trading.Symbol, sc.Trading.Leverage)
}

func (m *Martingale) RunOnce(ctx context.Context, sc *Context) error {
	ticker, err := sc.Exchange.FetchTicker(ctx, sc.Trading.Symbol)
	if err != nil {
		return err
	}
	price := ticker.Mark

	pos := sc.Position()
	if pos == nil {
		if !m.startImmediately {
			return nil
		}
		err := sc.RequestTrade(ctx, types.TradeKindOpen, sc.Trading.Side, m.initial)
		return ignoreDenied(err)
	}

	m.mu.Lock()
	if m.extreme.IsZero() {
		m.extreme = pos.EntryPrice
	}
	// extend the extreme in the position's favor
	if pos.Side == types.SideLong && price.GreaterThan(m.extreme) {
		m.extreme = price
	}
	if pos.Side == types.SideShort && price.LessThan(m.extreme) {
		m.extreme = price
	}
	extreme := m.extreme
	m.mu.Unlock()

	if extreme.IsZero() {
		return nil
	}

	var movePct decimal.Decimal
	if pos.Side == types.SideLong {
		movePct = extreme.Sub(price).Div(extreme).Mul(decimal.NewFromInt(100))
	} else {
		movePct = price.Sub(extreme).Div(extreme).Mul(decimal.NewFromInt(100))
	}
	if movePct.LessThan(m.dropPercent) {
		return nil
	}

	size := m.initial.Mul(m.multiplier.Pow(decimal.NewFromInt(int64(pos.Additions + 1))))
	m.logger.Info("martingale trigger",
		zap.String("price", price.String()),
		zap.String("extreme", extreme.String()),
		zap.String("size", size.String()),
		zap.Int("additions", pos.Additions))

	return ignoreDenied(sc.RequestTrade(ctx, types.TradeKindAdd, pos.Side, size))
}

func (m *Martingale) Shutdown(ctx context.Context, sc *Context, reason string) error {
	return nil
}

// OnTrade resets the extreme to the fill price, re-arming the trigger.
func (m *Martingale) OnTrade(trade types.Trade) {
	if trade.Kind == types.TradeKindClose {
		m.mu.Lock()
		m.extreme = decimal.Zero
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	m.extreme = trade.Price
	m.mu.Unlock()
}

// ignoreDenied treats a risk denial as a quiet skip; the supervisor has
// already recorded the event.
func ignoreDenied(err error) error {
	if err != nil && types.IsKind(err, types.ErrKindRiskDenied) {
		return nil
	}
	return err
}
