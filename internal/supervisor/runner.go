package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wangxso/ftrader/internal/config"
	"github.com/wangxso/ftrader/internal/events"
	"github.com/wangxso/ftrader/internal/kernel"
	"github.com/wangxso/ftrader/internal/risk"
	"github.com/wangxso/ftrader/pkg/types"
)

// runState is the supervisor-side state machine of one strategy.
type runState int32

const (
	stateStopped runState = iota
	stateStarting
	stateRunning
	stateStopping
	stateError
)

func (s runState) strategyStatus() types.StrategyStatus {
	switch s {
	case stateRunning, stateStarting, stateStopping:
		return types.StrategyStatusRunning
	case stateError:
		return types.StrategyStatusError
	default:
		return types.StrategyStatusStopped
	}
}

// runner owns one strategy's control loop. All tick-internal steps run
// sequentially on the loop goroutine; the runner mutex only guards the
// snapshot state read by Status and command handlers.
type runner struct {
	sup    *Supervisor
	logger *zap.Logger

	strategyID int64
	kernelName string
	kern       kernel.Kernel
	kctx       *kernel.Context

	trading    config.Trading
	monitoring config.Monitoring
	policy     risk.Policy

	runID        int64
	startBalance decimal.Decimal

	cancel context.CancelFunc
	stopCh chan struct{}
	done   chan struct{}

	// guarded by sup.mu
	state runState

	// guarded by the loop (written) and sup.mu (snapshot reads)
	position    *types.Position
	realizedPnL decimal.Decimal
	lastTradeAt time.Time
	consecutive int
	terminal    bool
	termStatus  types.RunStatus
	finished    bool
}

// loop is the per-strategy control loop. One iteration sleeps for the
// configured check interval, then runs one tick.
func (r *runner) loop(ctx context.Context) {
	defer close(r.done)

	timer := time.NewTimer(r.monitoring.CheckInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-timer.C:
		}

		r.tick(ctx)
		mtxTicks.WithLabelValues(r.kernelName).Inc()

		if r.isTerminal() {
			// max-loss or error threshold: the loop initiates its own
			// teardown; stopFromLoop waits on done, so it must run off
			// this goroutine
			go r.sup.stopFromLoop(r)
			return
		}

		timer.Reset(r.monitoring.CheckInterval)
	}
}

func (r *runner) isTerminal() bool {
	r.sup.mu.Lock()
	defer r.sup.mu.Unlock()
	return r.terminal
}

func (r *runner) markTerminal(status types.RunStatus) {
	r.sup.mu.Lock()
	r.terminal = true
	r.termStatus = status
	r.sup.mu.Unlock()
}

// tick executes one decision cycle: refresh mark, risk gate, kernel
// step, heartbeat.
func (r *runner) tick(ctx context.Context) {
	// 1. refresh ticker and mark price
	ticker, err := r.kctx.Exchange.FetchTicker(ctx, r.trading.Symbol)
	if err != nil {
		r.recoverKernelError(err)
		return
	}
	r.updateMark(ctx, ticker.Mark)

	// 2. evaluate the gate against the current position
	dec := risk.Evaluate(r.policy, r.gateState(), nil)

	// 3. forced close preempts the kernel this tick
	if dec.Verdict == risk.VerdictForceClose {
		mtxForceCloses.WithLabelValues(dec.Reason).Inc()
		if err := r.executeClose(ctx, dec.Reason); err != nil {
			r.publishError(err)
		}
		if dec.Terminal {
			r.markTerminal(types.RunStatusCompleted)
		}
		r.publishStatus(ctx)
		return
	}

	// 4. one kernel decision step
	if err := r.kern.RunOnce(ctx, r.kctx); err != nil {
		if types.IsKind(err, types.ErrKindVenuePermanent) || types.IsKind(err, types.ErrKindLedger) {
			r.publishError(err)
			r.markTerminal(types.RunStatusError)
			return
		}
		r.recoverKernelError(err)
	} else {
		r.sup.mu.Lock()
		r.consecutive = 0
		r.sup.mu.Unlock()
	}

	// 5. heartbeat
	r.publishStatus(ctx)
}

// recoverKernelError logs and counts a recoverable failure; crossing
// the consecutive threshold ends the run in Error.
func (r *runner) recoverKernelError(err error) {
	mtxKernelErrors.WithLabelValues(r.kernelName).Inc()
	r.logger.Warn("recoverable kernel error", zap.Error(err))
	r.publishError(err)

	r.sup.mu.Lock()
	r.consecutive++
	over := r.consecutive >= r.sup.cfg.MaxConsecutiveErrors
	r.sup.mu.Unlock()

	if over {
		r.logger.Error("consecutive error threshold reached",
			zap.Int("threshold", r.sup.cfg.MaxConsecutiveErrors))
		r.markTerminal(types.RunStatusError)
	}
}

// updateMark refreshes the position's mark price and persists it.
func (r *runner) updateMark(ctx context.Context, mark decimal.Decimal) {
	r.sup.mu.Lock()
	if r.position == nil {
		r.sup.mu.Unlock()
		return
	}
	r.position.MarkPrice = mark
	pos := r.position.Clone()
	r.sup.mu.Unlock()

	if err := r.sup.ledger.UpsertPosition(ctx, r.runID, pos); err != nil {
		r.logger.Warn("mark price persist failed", zap.Error(err))
	}
}

// gateState assembles the risk gate input from the runner's view.
func (r *runner) gateState() risk.State {
	r.sup.mu.Lock()
	defer r.sup.mu.Unlock()

	additions := 0
	if r.position != nil {
		additions = r.position.Additions
	}
	// realizedPnL mirrors the ledger counter between appends; the
	// ledger stays authoritative
	return risk.State{
		Position:     r.position.Clone(),
		StartBalance: r.startBalance,
		RealizedPnL:  r.realizedPnL,
		Additions:    additions,
		LastTradeAt:  r.lastTradeAt,
		Now:          r.kctx.Now(),
	}
}

// requestTrade is the kernel callback: re-evaluate the gate for the
// concrete action, place the order, persist and announce the result.
func (r *runner) requestTrade(ctx context.Context, kind types.TradeKind, side types.Side, notional decimal.Decimal) error {
	dec := risk.Evaluate(r.policy, r.gateState(), &risk.Action{Kind: kind, Side: side, Notional: notional})

	if dec.Verdict == risk.VerdictForceClose {
		mtxForceCloses.WithLabelValues(dec.Reason).Inc()
		if err := r.executeClose(ctx, dec.Reason); err != nil {
			return err
		}
		if dec.Terminal {
			r.markTerminal(types.RunStatusCompleted)
			return types.E(types.ErrKindRiskDenied, "supervisor.requestTrade", "run terminated by %s", dec.Reason)
		}
		// the position is gone; re-evaluate the original action
		dec = risk.Evaluate(r.policy, r.gateState(), &risk.Action{Kind: kind, Side: side, Notional: notional})
	}

	if dec.Verdict == risk.VerdictDeny {
		mtxRiskDenials.WithLabelValues(dec.Reason).Inc()
		r.logger.Info("action denied by risk gate",
			zap.String("kind", string(kind)), zap.String("reason", dec.Reason))
		r.sup.bus.Publish(events.TopicError, events.ErrorPayload{
			StrategyID: r.strategyID,
			Kind:       types.ErrKindRiskDenied,
			Message:    dec.Reason,
		})
		return types.E(types.ErrKindRiskDenied, "supervisor.requestTrade", "%s", dec.Reason)
	}

	switch kind {
	case types.TradeKindOpen, types.TradeKindAdd:
		return r.executeEntry(ctx, kind, side, notional)
	case types.TradeKindClose:
		return r.executeClose(ctx, "kernel")
	default:
		return types.E(types.ErrKindKernelRecoverable, "supervisor.requestTrade", "unknown trade kind %q", kind)
	}
}

// executeEntry places an open or add order and applies it to the run.
func (r *runner) executeEntry(ctx context.Context, kind types.TradeKind, side types.Side, notional decimal.Decimal) error {
	fill, err := r.kctx.Exchange.OpenMarket(ctx, r.trading.Symbol, side, notional)
	if err != nil {
		// the venue is the source of truth: nothing is recorded when
		// the order did not go through
		r.publishError(err)
		return err
	}

	trade := types.Trade{
		ID:         newTradeID(),
		StrategyID: r.strategyID,
		RunID:      r.runID,
		Kind:       kind,
		Side:       side,
		Symbol:     fill.Symbol,
		Price:      fill.Price,
		Quantity:   fill.Quantity,
		ExecutedAt: r.kctx.Now(),
	}
	return r.applyTrade(ctx, trade, fill)
}

// executeClose flattens the position, realizes pnl and applies the
// close trade.
func (r *runner) executeClose(ctx context.Context, reason string) error {
	r.sup.mu.Lock()
	pos := r.position.Clone()
	r.sup.mu.Unlock()
	if pos == nil {
		return nil
	}

	fill, err := r.kctx.Exchange.CloseMarket(ctx, r.trading.Symbol, pos.Side)
	if err != nil {
		r.publishError(err)
		return err
	}

	pnl := realizedPnL(pos, fill.Price)
	trade := types.Trade{
		ID:         newTradeID(),
		StrategyID: r.strategyID,
		RunID:      r.runID,
		Kind:       types.TradeKindClose,
		Side:       pos.Side,
		Symbol:     fill.Symbol,
		Price:      fill.Price,
		Quantity:   fill.Quantity,
		PnL:        &pnl,
		ExecutedAt: r.kctx.Now(),
	}
	r.logger.Info("position closed",
		zap.String("reason", reason),
		zap.String("price", fill.Price.String()),
		zap.String("pnl", pnl.String()))
	return r.applyTrade(ctx, trade, fill)
}

// applyTrade persists the trade, mutates the position and fans out the
// events. An append rejected because the run closed underneath us is a
// reconciliation anomaly: logged, announced, not retried.
func (r *runner) applyTrade(ctx context.Context, trade types.Trade, fill *types.Fill) error {
	if err := r.sup.ledger.AppendTrade(ctx, &trade); err != nil {
		r.logger.Error("trade append rejected", zap.Error(err),
			zap.String("tradeId", trade.ID))
		r.publishError(err)
		return err
	}
	mtxTrades.WithLabelValues(r.kernelName, string(trade.Kind)).Inc()

	r.sup.mu.Lock()
	switch trade.Kind {
	case types.TradeKindOpen:
		r.position = &types.Position{
			Symbol:     trade.Symbol,
			Side:       trade.Side,
			EntryPrice: fill.Price,
			Quantity:   fill.Quantity,
			Notional:   fill.Price.Mul(fill.Quantity),
			Leverage:   r.trading.Leverage,
			OpenedAt:   trade.ExecutedAt,
			MarkPrice:  fill.Price,
		}
	case types.TradeKindAdd:
		if r.position != nil {
			oldValue := r.position.EntryPrice.Mul(r.position.Quantity)
			addValue := fill.Price.Mul(fill.Quantity)
			newQty := r.position.Quantity.Add(fill.Quantity)
			if newQty.IsPositive() {
				r.position.EntryPrice = oldValue.Add(addValue).Div(newQty)
			}
			r.position.Quantity = newQty
			r.position.Notional = r.position.Notional.Add(addValue)
			r.position.MarkPrice = fill.Price
			r.position.Additions++
		}
	case types.TradeKindClose:
		if trade.PnL != nil {
			r.realizedPnL = r.realizedPnL.Add(*trade.PnL)
		}
		r.position = nil
	}
	pos := r.position.Clone()
	r.lastTradeAt = trade.ExecutedAt
	r.sup.mu.Unlock()

	if err := r.sup.ledger.UpsertPosition(ctx, r.runID, pos); err != nil {
		r.logger.Error("position persist failed", zap.Error(err))
	}

	r.kern.OnTrade(trade)

	r.sup.bus.Publish(events.TopicTrade, events.TradePayload{Trade: trade})
	r.sup.bus.Publish(events.TopicPosition, events.PositionPayload{
		StrategyID: r.strategyID,
		RunID:      r.runID,
		Position:   pos,
	})
	return nil
}

// publishStatus emits the strategy_status heartbeat with the run
// counters.
func (r *runner) publishStatus(ctx context.Context) {
	run, err := r.sup.ledger.GetRun(ctx, r.runID)
	if err != nil {
		r.logger.Warn("status counters unavailable", zap.Error(err))
		return
	}

	r.sup.mu.Lock()
	status := r.state.strategyStatus()
	r.sup.mu.Unlock()

	r.sup.bus.Publish(events.TopicStrategyStatus, events.StrategyStatusPayload{
		StrategyID:  r.strategyID,
		Status:      status,
		RunID:       r.runID,
		TotalTrades: run.TotalTrades,
		WinTrades:   run.WinTrades,
		LossTrades:  run.LossTrades,
		RealizedPnL: run.RealizedPnL,
	})
}

func (r *runner) publishError(err error) {
	kind := types.KindOf(err)
	if kind == "" {
		kind = types.ErrKindKernelRecoverable
	}
	r.sup.bus.Publish(events.TopicError, events.ErrorPayload{
		StrategyID: r.strategyID,
		Kind:       kind,
		Message:    err.Error(),
	})
}

// newTradeID mints a trade identifier.
func newTradeID() string { return uuid.New().String() }

// realizedPnL computes the realized result of closing pos at price.
func realizedPnL(pos *types.Position, price decimal.Decimal) decimal.Decimal {
	if pos.Side == types.SideLong {
		return price.Sub(pos.EntryPrice).Mul(pos.Quantity)
	}
	return pos.EntryPrice.Sub(price).Mul(pos.Quantity)
}
