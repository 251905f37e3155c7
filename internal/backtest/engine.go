// Package backtest replays strategy kernels against historical bars
// with a simulated exchange, producing an equity curve, a trade log and
// derived statistics. Given identical configuration, bars, balance and
// fee rate, two runs produce identical results.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wangxso/ftrader/internal/config"
	"github.com/wangxso/ftrader/internal/events"
	"github.com/wangxso/ftrader/internal/kernel"
	"github.com/wangxso/ftrader/internal/risk"
	"github.com/wangxso/ftrader/pkg/types"
)

// progressWallInterval paces progress publications against wall time.
const progressWallInterval = 200 * time.Millisecond

// BarSource supplies the historical bar stream.
type BarSource interface {
	Bars(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error)
}

// Engine drives one backtest synchronously.
type Engine struct {
	logger   *zap.Logger
	registry *kernel.Registry
	bars     BarSource
	bus      *events.Bus
}

// NewEngine creates a backtest engine. bus may be nil to suppress
// progress events.
func NewEngine(logger *zap.Logger, registry *kernel.Registry, bars BarSource, bus *events.Bus) *Engine {
	return &Engine{
		logger:   logger.Named("backtest"),
		registry: registry,
		bars:     bars,
		bus:      bus,
	}
}

// Run executes the backtest described by bt against the given strategy
// configuration document, filling in the curve, trades, stats and
// terminal status. Kernel failures are fatal to the backtest.
func (e *Engine) Run(ctx context.Context, bt *types.Backtest, doc map[string]any) error {
	if err := e.run(ctx, bt, doc); err != nil {
		bt.Status = types.BacktestStatusFailed
		bt.Error = err.Error()
		now := time.Now().UTC()
		bt.CompletedAt = &now
		return err
	}
	return nil
}

func (e *Engine) run(ctx context.Context, bt *types.Backtest, doc map[string]any) error {
	params := bt.Params

	section := config.DocumentFrom(doc)
	kernelName, err := kernel.KernelName(section)
	if err != nil {
		return err
	}
	kern, err := e.registry.Create(kernelName)
	if err != nil {
		return err
	}
	trading, err := config.ParseTrading(section)
	if err != nil {
		return err
	}
	// the submission overrides the document's market
	if params.Symbol != "" {
		trading.Symbol = params.Symbol
	}
	riskCfg, err := config.ParseRisk(section)
	if err != nil {
		return err
	}
	policy := risk.Policy{
		StopLossPct:   riskCfg.StopLossPercent,
		TakeProfitPct: riskCfg.TakeProfitPercent,
		MaxLossPct:    riskCfg.MaxLossPercent,
		MaxAdditions:  riskCfg.MaxAdditions,
		Cooldown:      riskCfg.Cooldown,
	}

	bars, err := e.bars.Bars(ctx, trading.Symbol, params.Timeframe, params.Start, params.End)
	if err != nil {
		return types.WrapErr(types.ErrKindBacktest, "backtest.Run", err)
	}
	if len(bars) < 2 {
		return types.E(types.ErrKindBacktest, "backtest.Run", "insufficient bars: %d", len(bars))
	}

	feeRate := params.FeeRate.Div(decimal.NewFromInt(100)) // percent → fraction
	sim := newSimAdapter(bars, params.InitialBalance, feeRate)

	st := &simState{
		engine:  e,
		bt:      bt,
		sim:     sim,
		kern:    kern,
		policy:  policy,
		trading: trading,
	}
	kctx := &kernel.Context{
		StrategyID: params.StrategyID,
		Doc:        section,
		Trading:    trading,
		Exchange:   sim,
		Logger:     e.logger.With(zap.String("backtest", bt.ID)),
		Clock:      sim.now,
		Position: func() *types.Position {
			return sim.position.Clone()
		},
		Request: st.requestTrade,
	}

	if err := kern.Initialize(ctx, kctx); err != nil {
		return err
	}

	total := len(bars)
	lastPub := time.Time{}
	terminal := false

	// the kernel lifecycle mirrors the live tick loop, advancing the
	// simulated clock one bar per decision step
	for {
		select {
		case <-ctx.Done():
			return types.WrapErr(types.ErrKindBacktest, "backtest.Run", ctx.Err())
		default:
		}

		dec := risk.Evaluate(policy, st.gateState(), nil)
		if dec.Verdict == risk.VerdictForceClose {
			if err := st.closePosition(ctx, dec.Reason); err != nil && !exhausted(err) {
				return err
			}
			if dec.Terminal {
				terminal = true
			}
		} else {
			if err := kern.RunOnce(ctx, kctx); err != nil && !types.IsKind(err, types.ErrKindRiskDenied) {
				return types.WrapErr(types.ErrKindBacktest, "backtest.Run", err)
			}
		}

		bt.EquityCurve = append(bt.EquityCurve, types.EquityPoint{
			Timestamp: sim.now(),
			Equity:    sim.equity(),
		})

		if e.bus != nil && (time.Since(lastPub) >= progressWallInterval || sim.cursor == total-1) {
			lastPub = time.Now()
			e.publishProgress(bt, sim.cursor+1, total, sim.equity())
		}

		if terminal || !sim.advance() {
			break
		}
	}

	if err := kern.Shutdown(ctx, kctx, "backtest"); err != nil {
		e.logger.Warn("kernel shutdown error", zap.Error(err))
	}

	bt.Stats = computeStats(bt.Trades, bt.EquityCurve, params.InitialBalance, params.Timeframe)
	bt.Status = types.BacktestStatusCompleted
	now := time.Now().UTC()
	bt.CompletedAt = &now

	e.logger.Info("backtest completed",
		zap.String("id", bt.ID),
		zap.Int("bars", total),
		zap.Int("trades", len(bt.Trades)),
		zap.String("totalReturn", bt.Stats.TotalReturn.String()))
	return nil
}

func (e *Engine) publishProgress(bt *types.Backtest, current, total int, equity decimal.Decimal) {
	e.bus.Publish(events.TopicBacktestProgress, events.BacktestProgressPayload{
		BacktestID:     bt.ID,
		Current:        current,
		Total:          total,
		Percentage:     float64(current) / float64(total) * 100,
		CurrentBalance: equity,
	})
}

// simState carries the run-scoped trading state of one backtest.
type simState struct {
	engine  *Engine
	bt      *types.Backtest
	sim     *simAdapter
	kern    kernel.Kernel
	policy  risk.Policy
	trading config.Trading

	realized    decimal.Decimal
	lastTradeAt time.Time
	seq         int
}

func (st *simState) gateState() risk.State {
	additions := 0
	if st.sim.position != nil {
		additions = st.sim.position.Additions
	}
	return risk.State{
		Position:     st.sim.position.Clone(),
		StartBalance: st.bt.Params.InitialBalance,
		RealizedPnL:  st.realized,
		Additions:    additions,
		LastTradeAt:  st.lastTradeAt,
		Now:          st.sim.now(),
	}
}

// requestTrade mirrors the live supervisor's callback against the
// simulated adapter.
func (st *simState) requestTrade(ctx context.Context, kind types.TradeKind, side types.Side, notional decimal.Decimal) error {
	dec := risk.Evaluate(st.policy, st.gateState(), &risk.Action{Kind: kind, Side: side, Notional: notional})
	if dec.Verdict == risk.VerdictForceClose {
		if err := st.closePosition(ctx, dec.Reason); err != nil {
			return err
		}
		dec = risk.Evaluate(st.policy, st.gateState(), &risk.Action{Kind: kind, Side: side, Notional: notional})
	}
	if dec.Verdict == risk.VerdictDeny {
		return types.E(types.ErrKindRiskDenied, "backtest.requestTrade", "%s", dec.Reason)
	}

	switch kind {
	case types.TradeKindOpen, types.TradeKindAdd:
		fill, err := st.sim.OpenMarket(ctx, st.trading.Symbol, side, notional)
		if err != nil {
			return err
		}
		st.record(types.Trade{
			ID:         st.nextID(),
			StrategyID: st.bt.Params.StrategyID,
			Kind:       kind,
			Side:       side,
			Symbol:     fill.Symbol,
			Price:      fill.Price,
			Quantity:   fill.Quantity,
			ExecutedAt: fill.Timestamp,
		})
		return nil
	case types.TradeKindClose:
		return st.closePosition(ctx, "kernel")
	default:
		return types.E(types.ErrKindBacktest, "backtest.requestTrade", "unknown trade kind %q", kind)
	}
}

func (st *simState) closePosition(ctx context.Context, reason string) error {
	pos := st.sim.position
	if pos == nil {
		return nil
	}
	entry := pos.EntryPrice
	qty := pos.Quantity
	side := pos.Side

	fill, err := st.sim.CloseMarket(ctx, st.trading.Symbol, side)
	if err != nil {
		return err
	}

	var pnl decimal.Decimal
	if side == types.SideLong {
		pnl = fill.Price.Sub(entry).Mul(qty)
	} else {
		pnl = entry.Sub(fill.Price).Mul(qty)
	}
	st.realized = st.realized.Add(pnl)
	st.record(types.Trade{
		ID:         st.nextID(),
		StrategyID: st.bt.Params.StrategyID,
		Kind:       types.TradeKindClose,
		Side:       side,
		Symbol:     fill.Symbol,
		Price:      fill.Price,
		Quantity:   fill.Quantity,
		PnL:        &pnl,
		ExecutedAt: fill.Timestamp,
	})
	return nil
}

func (st *simState) record(trade types.Trade) {
	st.bt.Trades = append(st.bt.Trades, trade)
	st.lastTradeAt = trade.ExecutedAt
	if st.kern != nil {
		st.kern.OnTrade(trade)
	}
}

// nextID mints sequential ids so identical runs yield identical trade
// logs.
func (st *simState) nextID() string {
	st.seq++
	return fmt.Sprintf("%s-%d", st.bt.ID, st.seq)
}

// exhausted reports a fill rejected because the bar stream ended; the
// remaining position simply stays open to the end of the replay.
func exhausted(err error) bool {
	return types.IsKind(err, types.ErrKindBacktest)
}
