package kernel

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wangxso/ftrader/pkg/types"
)

// Grid divides [priceLow, priceHigh] into evenly spaced levels, each
// holding at most one open long unit. A downward crossing of a free
// level opens a unit; an upward crossing closes the nearest held unit
// below it for profit.
//
// The position model admits only flat-to-zero closes, so a unit exit is
// realized as a full close followed by a re-open of the remaining
// units' aggregate notional; the re-open is retried across ticks if the
// risk gate defers it.
type Grid struct {
	logger *zap.Logger

	priceLow   decimal.Decimal
	priceHigh  decimal.Decimal
	unitAmount decimal.Decimal

	mu        sync.Mutex
	levels    []decimal.Decimal
	held      []bool
	lastPrice decimal.Decimal
	reopen    decimal.Decimal
}

// NewGrid creates an uninitialized grid kernel.
func NewGrid(logger *zap.Logger) *Grid {
	return &Grid{logger: logger.Named(NameGrid)}
}

func (g *Grid) Name() string { return NameGrid }

func (g *Grid) Initialize(ctx context.Context, sc *Context) error {
	sec := sc.Doc.Sub("grid")

	var err error
	if g.priceLow, err = sec.RequiredDecimal("priceLow"); err != nil {
		return err
	}
	if g.priceHigh, err = sec.RequiredDecimal("priceHigh"); err != nil {
		return err
	}
	if !g.priceHigh.GreaterThan(g.priceLow) || g.priceLow.LessThanOrEqual(decimal.Zero) {
		return types.E(types.ErrKindConfig, "kernel.grid", "priceLow/priceHigh range invalid: [%s, %s]", g.priceLow, g.priceHigh)
	}
	levels, err := sec.RequiredInt("levels")
	if err != nil {
		return err
	}
	if levels < 2 {
		return types.E(types.ErrKindConfig, "kernel.grid", "levels must be at least 2, got %d", levels)
	}
	if g.unitAmount, err = sec.RequiredDecimal("unitAmount"); err != nil {
		return err
	}

	step := g.priceHigh.Sub(g.priceLow).Div(decimal.NewFromInt(int64(levels - 1)))
	g.mu.Lock()
	g.levels = make([]decimal.Decimal, levels)
	g.held = make([]bool, levels)
	for i := range g.levels {
		g.levels[i] = g.priceLow.Add(step.Mul(decimal.NewFromInt(int64(i))))
	}
	g.lastPrice = decimal.Zero
	g.reopen = decimal.Zero
	g.mu.Unlock()

	return sc.Exchange.ConfigureLeverage(ctx, sc.Trading.Symbol, sc.Trading.Leverage)
}

func (g *Grid) RunOnce(ctx context.Context, sc *Context) error {
	ticker, err := sc.Exchange.FetchTicker(ctx, sc.Trading.Symbol)
	if err != nil {
		return err
	}
	price := ticker.Mark

	g.mu.Lock()
	last := g.lastPrice
	g.lastPrice = price
	reopen := g.reopen
	g.mu.Unlock()

	pos := sc.Position()

	// finish a deferred re-open from an earlier unit exit
	if reopen.IsPositive() && pos == nil {
		if err := ignoreDenied(sc.RequestTrade(ctx, types.TradeKindOpen, types.SideLong, reopen)); err != nil {
			return err
		}
		return nil
	}

	if last.IsZero() {
		return nil // first observation seeds the crossing reference
	}

	switch {
	case price.LessThan(last):
		return g.onDownMove(ctx, sc, last, price, pos)
	case price.GreaterThan(last):
		return g.onUpMove(ctx, sc, last, price, pos)
	}
	return nil
}

// onDownMove opens one unit per freshly crossed free level.
func (g *Grid) onDownMove(ctx context.Context, sc *Context, from, to decimal.Decimal, pos *types.Position) error {
	g.mu.Lock()
	crossed := make([]int, 0, 2)
	for i, level := range g.levels {
		if !g.held[i] && from.GreaterThan(level) && to.LessThanOrEqual(level) {
			crossed = append(crossed, i)
		}
	}
	g.mu.Unlock()

	for _, i := range crossed {
		kind := types.TradeKindAdd
		if sc.Position() == nil {
			kind = types.TradeKindOpen
		}
		err := sc.RequestTrade(ctx, kind, types.SideLong, g.unitAmount)
		if types.IsKind(err, types.ErrKindRiskDenied) {
			return nil // gate said no; the level stays free for a re-cross
		}
		if err != nil {
			return err
		}
		g.mu.Lock()
		g.held[i] = true
		g.mu.Unlock()
	}
	return nil
}

// onUpMove exits the nearest held unit below each crossed level. The
// release is planned first and committed only once the close actually
// executed: a denied close leaves the level bookkeeping untouched, so
// the one-unit-per-level invariant survives a cooldown denial.
func (g *Grid) onUpMove(ctx context.Context, sc *Context, from, to decimal.Decimal, pos *types.Position) error {
	if pos == nil {
		return nil
	}

	g.mu.Lock()
	release := make([]int, 0, 2)
	planned := make(map[int]bool, 2)
	for i, level := range g.levels {
		if from.LessThan(level) && to.GreaterThanOrEqual(level) {
			// plan the nearest held unit below this level
			for j := i - 1; j >= 0; j-- {
				if g.held[j] && !planned[j] {
					planned[j] = true
					release = append(release, j)
					break
				}
			}
		}
	}
	g.mu.Unlock()

	if len(release) == 0 {
		return nil
	}

	err := sc.RequestTrade(ctx, types.TradeKindClose, types.SideLong, decimal.Zero)
	if types.IsKind(err, types.ErrKindRiskDenied) {
		return nil // gate said no; the units stay held for a later cross
	}
	if err != nil {
		return err
	}

	g.mu.Lock()
	for _, j := range release {
		g.held[j] = false
	}
	remaining := 0
	for _, h := range g.held {
		if h {
			remaining++
		}
	}
	g.mu.Unlock()

	if remaining > 0 {
		total := g.unitAmount.Mul(decimal.NewFromInt(int64(remaining)))
		g.mu.Lock()
		g.reopen = total
		g.mu.Unlock()
		// attempt the re-open in the same tick; OnTrade clears it
		return ignoreDenied(sc.RequestTrade(ctx, types.TradeKindOpen, types.SideLong, total))
	}
	return nil
}

func (g *Grid) Shutdown(ctx context.Context, sc *Context, reason string) error {
	return nil
}

// OnTrade clears the deferred re-open once a new position exists.
func (g *Grid) OnTrade(trade types.Trade) {
	if trade.Kind != types.TradeKindOpen {
		return
	}
	g.mu.Lock()
	g.reopen = decimal.Zero
	g.mu.Unlock()
}
