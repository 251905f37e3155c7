package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wangxso/ftrader/pkg/types"
)

// DCA buys a fixed notional on a fixed cadence while the price stays at
// or under the configured ceiling, until the invested notional reaches
// maxInvestment.
type DCA struct {
	logger *zap.Logger

	amount        decimal.Decimal
	interval      time.Duration
	priceCeiling  decimal.Decimal
	maxInvestment decimal.Decimal

	mu        sync.Mutex
	lastBuyAt time.Time
}

// NewDCA creates an uninitialized DCA kernel.
func NewDCA(logger *zap.Logger) *DCA {
	return &DCA{logger: logger.Named(NameDCA)}
}

func (d *DCA) Name() string { return NameDCA }

func (d *DCA) Initialize(ctx context.Context, sc *Context) error {
	sec := sc.Doc.Sub("dca")

	var err error
	if d.amount, err = sec.RequiredDecimal("amount"); err != nil {
		return err
	}
	if d.amount.LessThanOrEqual(decimal.Zero) {
		return types.E(types.ErrKindConfig, "kernel.dca", "amount must be positive")
	}
	d.interval = sec.Seconds("interval", time.Hour)
	d.priceCeiling = sec.Decimal("priceCeiling", decimal.Zero)
	d.maxInvestment = sec.Decimal("maxInvestment", decimal.Zero)

	d.mu.Lock()
	d.lastBuyAt = time.Time{}
	d.mu.Unlock()

	return sc.Exchange.ConfigureLeverage(ctx, sc.Trading.Symbol, sc.Trading.Leverage)
}

func (d *DCA) RunOnce(ctx context.Context, sc *Context) error {
	ticker, err := sc.Exchange.FetchTicker(ctx, sc.Trading.Symbol)
	if err != nil {
		return err
	}
	price := ticker.Mark

	if d.priceCeiling.IsPositive() && price.GreaterThan(d.priceCeiling) {
		return nil
	}

	d.mu.Lock()
	last := d.lastBuyAt
	d.mu.Unlock()
	if !last.IsZero() && sc.Now().Sub(last) < d.interval {
		return nil
	}

	pos := sc.Position()
	invested := decimal.Zero
	kind := types.TradeKindOpen
	if pos != nil {
		invested = pos.Notional
		kind = types.TradeKindAdd
	}
	if d.maxInvestment.IsPositive() && invested.Add(d.amount).GreaterThan(d.maxInvestment) {
		return nil
	}

	return ignoreDenied(sc.RequestTrade(ctx, kind, sc.Trading.Side, d.amount))
}

func (d *DCA) Shutdown(ctx context.Context, sc *Context, reason string) error {
	return nil
}

// OnTrade stamps the cadence clock from the fill time.
func (d *DCA) OnTrade(trade types.Trade) {
	if trade.Kind == types.TradeKindClose {
		return
	}
	d.mu.Lock()
	d.lastBuyAt = trade.ExecutedAt
	d.mu.Unlock()
}
