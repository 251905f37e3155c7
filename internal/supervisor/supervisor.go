// Package supervisor drives the per-strategy control loops: lifecycle
// state machines, tick scheduling, risk-gated trade execution,
// persistence and event fan-out. It is an explicit value constructed at
// process start; nothing here is a process-wide singleton.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wangxso/ftrader/internal/backtest"
	"github.com/wangxso/ftrader/internal/config"
	"github.com/wangxso/ftrader/internal/events"
	"github.com/wangxso/ftrader/internal/exchange"
	"github.com/wangxso/ftrader/internal/kernel"
	"github.com/wangxso/ftrader/internal/ledger"
	"github.com/wangxso/ftrader/internal/risk"
	"github.com/wangxso/ftrader/internal/template"
	"github.com/wangxso/ftrader/pkg/types"
)

// Config tunes supervisor behavior.
type Config struct {
	// StopTimeout bounds how long a stop command waits for the current
	// tick before canceling the loop and marking the run errored.
	StopTimeout time.Duration
	// MaxConsecutiveErrors is the recoverable-error threshold after
	// which a run transitions to Error.
	MaxConsecutiveErrors int
	// SnapshotInterval is the account snapshot cadence.
	SnapshotInterval time.Duration
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		StopTimeout:          30 * time.Second,
		MaxConsecutiveErrors: 5,
		SnapshotInterval:     time.Minute,
	}
}

// Supervisor owns the strategyId → loop table. Commands for the same
// strategy are serialized; commands across strategies run in parallel.
type Supervisor struct {
	logger   *zap.Logger
	ledger   *ledger.Ledger
	adapter  exchange.Adapter
	bus      *events.Bus
	registry *kernel.Registry
	cfg      Config

	// attached once at wiring time, before any command is served
	backtests *backtest.Runner
	templates *template.Registry

	mu      sync.Mutex
	runners map[int64]*runner
	cmdMu   map[int64]*sync.Mutex

	wg sync.WaitGroup
}

// New constructs a supervisor.
func New(logger *zap.Logger, led *ledger.Ledger, adapter exchange.Adapter, bus *events.Bus, registry *kernel.Registry, cfg Config) *Supervisor {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 5
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = time.Minute
	}
	return &Supervisor{
		logger:   logger.Named("supervisor"),
		ledger:   led,
		adapter:  adapter,
		bus:      bus,
		registry: registry,
		cfg:      cfg,
		runners:  make(map[int64]*runner),
		cmdMu:    make(map[int64]*sync.Mutex),
	}
}

// cmdLock serializes commands targeting one strategy id.
func (s *Supervisor) cmdLock(strategyID int64) func() {
	s.mu.Lock()
	m, ok := s.cmdMu[strategyID]
	if !ok {
		m = &sync.Mutex{}
		s.cmdMu[strategyID] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// --- strategy definition commands ---

// CreateStrategy validates the configuration document and persists a
// new stopped strategy.
func (s *Supervisor) CreateStrategy(ctx context.Context, name, description string, kind types.StrategyKind, doc map[string]any) (*types.Strategy, error) {
	if err := s.validateDocument(doc); err != nil {
		return nil, err
	}
	st := &types.Strategy{Name: name, Description: description, Kind: kind, Config: doc}
	if _, err := s.ledger.CreateStrategy(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// UpdateStrategy rewrites a stopped strategy's definition.
func (s *Supervisor) UpdateStrategy(ctx context.Context, st *types.Strategy) error {
	unlock := s.cmdLock(st.ID)
	defer unlock()

	if s.activeRunner(st.ID) != nil {
		return types.E(types.ErrKindConfig, "supervisor.UpdateStrategy", "strategy %d is running; stop it first", st.ID)
	}
	if err := s.validateDocument(st.Config); err != nil {
		return err
	}
	return s.ledger.UpdateStrategy(ctx, st)
}

// DeleteStrategy removes a stopped strategy.
func (s *Supervisor) DeleteStrategy(ctx context.Context, strategyID int64) error {
	unlock := s.cmdLock(strategyID)
	defer unlock()

	if s.activeRunner(strategyID) != nil {
		return types.E(types.ErrKindConfig, "supervisor.DeleteStrategy", "strategy %d is running; stop it first", strategyID)
	}
	return s.ledger.DeleteStrategy(ctx, strategyID)
}

// ListStrategies returns every definition.
func (s *Supervisor) ListStrategies(ctx context.Context) ([]types.Strategy, error) {
	return s.ledger.ListStrategies(ctx)
}

func (s *Supervisor) validateDocument(doc map[string]any) error {
	section := config.DocumentFrom(doc)
	name, err := kernel.KernelName(section)
	if err != nil {
		return err
	}
	if _, err := s.registry.Create(name); err != nil {
		return err
	}
	if _, err := config.ParseTrading(section); err != nil {
		return err
	}
	_, err = config.ParseRisk(section)
	return err
}

func (s *Supervisor) activeRunner(strategyID int64) *runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[strategyID]
}

// --- lifecycle commands ---

// Start opens a run and brings the strategy from Stopped through
// Starting to Running. Configuration failures leave the strategy
// stopped; venue failures during startup error the run.
func (s *Supervisor) Start(ctx context.Context, strategyID int64) error {
	unlock := s.cmdLock(strategyID)
	defer unlock()

	if s.activeRunner(strategyID) != nil {
		return types.E(types.ErrKindConfig, "supervisor.Start", "strategy %d already running", strategyID)
	}

	st, err := s.ledger.GetStrategy(ctx, strategyID)
	if err != nil {
		return err
	}

	doc := config.DocumentFrom(st.Config)
	kernelName, err := kernel.KernelName(doc)
	if err != nil {
		return err
	}
	kern, err := s.registry.Create(kernelName)
	if err != nil {
		return err
	}
	trading, err := config.ParseTrading(doc)
	if err != nil {
		return err
	}
	riskCfg, err := config.ParseRisk(doc)
	if err != nil {
		return err
	}
	monitoring := config.ParseMonitoring(doc)

	balance, err := s.adapter.FetchBalance(ctx)
	if err != nil {
		return err
	}

	runID, err := s.ledger.OpenRun(ctx, strategyID, balance.Total)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r := &runner{
		sup:        s,
		logger:     s.logger.With(zap.Int64("strategy", strategyID), zap.String("kernel", kernelName)),
		strategyID: strategyID,
		kernelName: kernelName,
		kern:       kern,
		trading:    trading,
		monitoring: monitoring,
		policy: risk.Policy{
			StopLossPct:   riskCfg.StopLossPercent,
			TakeProfitPct: riskCfg.TakeProfitPercent,
			MaxLossPct:    riskCfg.MaxLossPercent,
			MaxAdditions:  riskCfg.MaxAdditions,
			Cooldown:      riskCfg.Cooldown,
		},
		runID:        runID,
		startBalance: balance.Total,
		cancel:       cancel,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
		state:        stateStarting,
	}
	r.kctx = &kernel.Context{
		StrategyID: strategyID,
		Doc:        doc,
		Trading:    trading,
		Exchange:   s.adapter,
		Logger:     r.logger,
		Clock:      time.Now,
		Position: func() *types.Position {
			s.mu.Lock()
			defer s.mu.Unlock()
			return r.position.Clone()
		},
		Request: r.requestTrade,
	}

	// reconcile any pre-existing venue position before the first tick
	if err := s.reconcileOnStart(ctx, r); err != nil {
		cancel()
		s.failStart(ctx, r, err)
		return err
	}

	if err := kern.Initialize(ctx, r.kctx); err != nil {
		cancel()
		if types.IsKind(err, types.ErrKindConfig) {
			// bad configuration: surface to the caller, strategy stays
			// stopped
			s.abandonRun(ctx, r, types.RunStatusError)
			return err
		}
		s.failStart(ctx, r, err)
		return err
	}

	if err := s.ledger.SetStrategyStatus(ctx, strategyID, types.StrategyStatusRunning); err != nil {
		cancel()
		s.abandonRun(ctx, r, types.RunStatusError)
		return err
	}

	s.mu.Lock()
	r.state = stateRunning
	s.runners[strategyID] = r
	s.mu.Unlock()
	mtxActiveStrategies.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r.loop(loopCtx)
	}()

	s.logger.Info("strategy started",
		zap.Int64("strategy", strategyID),
		zap.Int64("run", runID),
		zap.String("kernel", kernelName))
	return nil
}

// reconcileOnStart aligns venue position state with the new run: close
// discards a pre-existing position before the run begins; adopt folds
// it in as a synthetic open trade at the venue-reported entry.
func (s *Supervisor) reconcileOnStart(ctx context.Context, r *runner) error {
	pos, err := s.adapter.FetchPosition(ctx, r.trading.Symbol)
	if err != nil {
		return err
	}
	if pos == nil {
		return nil
	}

	switch r.trading.ReconcileOnStart {
	case config.ReconcileAdopt:
		r.logger.Info("adopting pre-existing venue position",
			zap.String("side", string(pos.Side)),
			zap.String("quantity", pos.Quantity.String()))
		fill := &types.Fill{
			Symbol:    pos.Symbol,
			Side:      pos.Side,
			Price:     pos.EntryPrice,
			Quantity:  pos.Quantity,
			Timestamp: r.kctx.Now(),
		}
		trade := types.Trade{
			ID:         newTradeID(),
			StrategyID: r.strategyID,
			RunID:      r.runID,
			Kind:       types.TradeKindOpen,
			Side:       pos.Side,
			Symbol:     pos.Symbol,
			Price:      pos.EntryPrice,
			Quantity:   pos.Quantity,
			ExecutedAt: r.kctx.Now(),
		}
		return r.applyTrade(ctx, trade, fill)
	default: // close
		r.logger.Info("closing pre-existing venue position",
			zap.String("side", string(pos.Side)))
		// the fill predates the run, so no trade is recorded in it
		_, err := s.adapter.CloseMarket(ctx, r.trading.Symbol, pos.Side)
		return err
	}
}

// failStart errors the run after a venue failure during startup.
func (s *Supervisor) failStart(ctx context.Context, r *runner, cause error) {
	r.publishError(cause)
	s.abandonRun(ctx, r, types.RunStatusError)
	if err := s.ledger.SetStrategyStatus(ctx, r.strategyID, types.StrategyStatusError); err != nil {
		s.logger.Warn("strategy status update failed", zap.Error(err))
	}
}

// abandonRun closes the run record without a teardown cycle (no ticks
// were ever issued).
func (s *Supervisor) abandonRun(ctx context.Context, r *runner, status types.RunStatus) {
	if err := s.ledger.CloseRun(ctx, r.runID, r.startBalance, status); err != nil {
		s.logger.Warn("run close failed", zap.Error(err), zap.Int64("run", r.runID))
	}
}

// Stop brings a running strategy to Stopped. With closePositions true
// (the default of the external surface) any open position is closed
// synchronously before the run ends. Stop returns only once the state
// reaches Stopped, or after the stop timeout with the run in Error.
func (s *Supervisor) Stop(ctx context.Context, strategyID int64, closePositions bool) error {
	unlock := s.cmdLock(strategyID)
	defer unlock()

	r := s.activeRunner(strategyID)
	if r == nil {
		return types.E(types.ErrKindConfig, "supervisor.Stop", "strategy %d is not running", strategyID)
	}

	s.mu.Lock()
	r.state = stateStopping
	s.mu.Unlock()
	close(r.stopCh)

	select {
	case <-r.done:
	case <-time.After(s.cfg.StopTimeout):
		// the tick exceeded the bound: cancel hard and require human
		// reconciliation of venue-side state
		r.cancel()
		s.removeRunner(r)
		s.abandonRun(ctx, r, types.RunStatusError)
		if err := s.ledger.SetStrategyStatus(ctx, strategyID, types.StrategyStatusError); err != nil {
			s.logger.Warn("strategy status update failed", zap.Error(err))
		}
		err := types.E(types.ErrKindCancellationTimeout, "supervisor.Stop",
			"strategy %d did not stop within %s", strategyID, s.cfg.StopTimeout)
		r.publishError(err)
		return err
	}

	return s.teardown(ctx, r, closePositions, types.RunStatusCompleted, types.StrategyStatusStopped)
}

// stopFromLoop finishes a run that ended itself (max-loss force-close
// or the consecutive-error threshold).
func (s *Supervisor) stopFromLoop(r *runner) {
	unlock := s.cmdLock(r.strategyID)
	defer unlock()

	<-r.done

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()

	s.mu.Lock()
	status := r.termStatus
	s.mu.Unlock()

	stratStatus := types.StrategyStatusStopped
	if status == types.RunStatusError {
		stratStatus = types.StrategyStatusError
	}
	if err := s.teardown(ctx, r, false, status, stratStatus); err != nil {
		s.logger.Error("self-stop teardown failed", zap.Error(err),
			zap.Int64("strategy", r.strategyID))
	}
}

// teardown completes Stopping → Stopped: close position if requested,
// shut the kernel down, close the run and release the loop slot.
func (s *Supervisor) teardown(ctx context.Context, r *runner, closePositions bool, runStatus types.RunStatus, stratStatus types.StrategyStatus) error {
	s.mu.Lock()
	if r.finished {
		s.mu.Unlock()
		return nil
	}
	r.finished = true
	s.mu.Unlock()

	r.cancel()
	defer s.removeRunner(r)

	if closePositions {
		s.mu.Lock()
		hasPos := r.position != nil
		s.mu.Unlock()
		if hasPos {
			if err := r.executeClose(ctx, "stop"); err != nil {
				// the venue may still hold the position; error the run
				// so a human reconciles it
				r.logger.Error("force close on stop failed", zap.Error(err))
				runStatus = types.RunStatusError
				stratStatus = types.StrategyStatusError
			}
		}
	}

	if err := r.kern.Shutdown(ctx, r.kctx, string(runStatus)); err != nil {
		r.logger.Warn("kernel shutdown error", zap.Error(err))
	}

	endBalance := r.startBalance.Add(r.realizedPnL)
	if balance, err := s.adapter.FetchBalance(ctx); err == nil {
		endBalance = balance.Total
	}

	if err := s.ledger.CloseRun(ctx, r.runID, endBalance, runStatus); err != nil {
		r.logger.Error("run close failed", zap.Error(err))
		return err
	}
	if err := s.ledger.SetStrategyStatus(ctx, r.strategyID, stratStatus); err != nil {
		r.logger.Warn("strategy status update failed", zap.Error(err))
	}

	s.mu.Lock()
	r.state = stateStopped
	if stratStatus == types.StrategyStatusError {
		r.state = stateError
	}
	s.mu.Unlock()

	s.bus.Publish(events.TopicStrategyStatus, events.StrategyStatusPayload{
		StrategyID:  r.strategyID,
		Status:      stratStatus,
		RunID:       r.runID,
		RealizedPnL: r.realizedPnL,
	})
	r.logger.Info("strategy stopped",
		zap.String("runStatus", string(runStatus)),
		zap.String("endBalance", endBalance.String()))
	return nil
}

func (s *Supervisor) removeRunner(r *runner) {
	s.mu.Lock()
	if s.runners[r.strategyID] == r {
		delete(s.runners, r.strategyID)
		mtxActiveStrategies.Dec()
	}
	s.mu.Unlock()
}

// --- queries and auxiliary commands ---

// Status is the live view of one strategy.
type Status struct {
	Strategy      types.Strategy       `json:"strategy"`
	State         types.StrategyStatus `json:"state"`
	Run           *types.Run           `json:"run,omitempty"`
	Position      *types.Position      `json:"position,omitempty"`
	UnrealizedPnL decimal.Decimal      `json:"unrealizedPnl"`
}

// Status reports the strategy's current state, open run and position
// snapshot; unrealized pnl is derived, never stored.
func (s *Supervisor) Status(ctx context.Context, strategyID int64) (*Status, error) {
	st, err := s.ledger.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, err
	}

	out := &Status{Strategy: *st, State: st.Status}

	if r := s.activeRunner(strategyID); r != nil {
		s.mu.Lock()
		out.State = r.state.strategyStatus()
		out.Position = r.position.Clone()
		s.mu.Unlock()
		out.UnrealizedPnL = out.Position.UnrealizedPnL()

		run, err := s.ledger.GetRun(ctx, r.runID)
		if err == nil {
			out.Run = run
		}
		return out, nil
	}

	run, err := s.ledger.OpenRunFor(ctx, strategyID)
	if err == nil && run != nil {
		out.Run = run
	}
	return out, nil
}

// Trades pages the trade history.
func (s *Supervisor) Trades(ctx context.Context, strategyID, runID int64, offset, limit int) (*types.TradePage, error) {
	return s.ledger.ListTrades(ctx, strategyID, runID, offset, limit)
}

// Runs lists a strategy's run history.
func (s *Supervisor) Runs(ctx context.Context, strategyID int64) ([]types.Run, error) {
	return s.ledger.ListRuns(ctx, strategyID)
}

// PriceHistory returns recent bars for the symbol.
func (s *Supervisor) PriceHistory(ctx context.Context, symbol string, timeframe types.Timeframe, limit int) ([]types.Bar, error) {
	return s.adapter.FetchBars(ctx, symbol, timeframe, limit)
}

// ForceRetrain triggers a model retrain on a running ML strategy; the
// command is idempotent.
func (s *Supervisor) ForceRetrain(strategyID int64) error {
	r := s.activeRunner(strategyID)
	if r == nil {
		return types.E(types.ErrKindConfig, "supervisor.ForceRetrain", "strategy %d is not running", strategyID)
	}
	rt, ok := r.kern.(kernel.Retrainer)
	if !ok {
		return types.E(types.ErrKindConfig, "supervisor.ForceRetrain", "strategy %d kernel holds no trainable model", strategyID)
	}
	rt.ForceRetrain()
	return nil
}

// RunAccountMonitor captures periodic account snapshots until ctx ends.
func (s *Supervisor) RunAccountMonitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.snapshotAccount(ctx)
		}
	}
}

func (s *Supervisor) snapshotAccount(ctx context.Context) {
	balance, err := s.adapter.FetchBalance(ctx)
	if err != nil {
		s.logger.Warn("account snapshot skipped", zap.Error(err))
		return
	}

	unrealized := decimal.Zero
	s.mu.Lock()
	for _, r := range s.runners {
		unrealized = unrealized.Add(r.position.UnrealizedPnL())
	}
	s.mu.Unlock()

	snap := types.AccountSnapshot{
		Timestamp:     time.Now().UTC(),
		TotalBalance:  balance.Total,
		FreeBalance:   balance.Free,
		UsedBalance:   balance.Used,
		UnrealizedPnL: unrealized,
	}
	if err := s.ledger.SnapshotAccount(ctx, snap); err != nil {
		s.logger.Warn("account snapshot persist failed", zap.Error(err))
		return
	}

	mtxAccountEquity.Set(balance.Total.Add(unrealized).InexactFloat64())
	s.bus.Publish(events.TopicAccount, events.AccountPayload{Balance: *balance})
}

// Snapshots returns account snapshots since the given time.
func (s *Supervisor) Snapshots(ctx context.Context, since time.Time) ([]types.AccountSnapshot, error) {
	return s.ledger.QuerySnapshots(ctx, since)
}

// AttachBacktests wires the backtest runner into the command surface.
func (s *Supervisor) AttachBacktests(r *backtest.Runner) {
	s.backtests = r
}

// AttachTemplates wires the template catalog into the command surface.
func (s *Supervisor) AttachTemplates(reg *template.Registry) {
	s.templates = reg
}

// SubmitBacktest queues a backtest against the strategy's current
// configuration document.
func (s *Supervisor) SubmitBacktest(ctx context.Context, params types.BacktestParams) (*types.Backtest, error) {
	if s.backtests == nil {
		return nil, types.E(types.ErrKindBacktest, "supervisor.SubmitBacktest", "no backtest runner attached")
	}
	return s.backtests.Submit(ctx, params)
}

// ListBacktests returns all backtest records, newest first.
func (s *Supervisor) ListBacktests(ctx context.Context) ([]types.Backtest, error) {
	return s.ledger.ListBacktests(ctx)
}

// GetBacktest loads one backtest with its equity curve and trade log.
func (s *Supervisor) GetBacktest(ctx context.Context, id string) (*types.Backtest, error) {
	return s.ledger.GetBacktest(ctx, id)
}

// DeleteBacktest removes a backtest record.
func (s *Supervisor) DeleteBacktest(ctx context.Context, id string) error {
	return s.ledger.DeleteBacktest(ctx, id)
}

// Templates lists the seed catalog.
func (s *Supervisor) Templates() []template.Template {
	if s.templates == nil {
		return nil
	}
	return s.templates.List()
}

// Template returns one catalog entry as an isolated copy.
func (s *Supervisor) Template(id string) (*template.Template, error) {
	if s.templates == nil {
		return nil, types.E(types.ErrKindConfig, "supervisor.Template", "no template catalog attached")
	}
	return s.templates.Get(id)
}

// StopAll stops every running strategy; used during process shutdown.
func (s *Supervisor) StopAll(ctx context.Context, closePositions bool) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := s.Stop(ctx, id, closePositions); err != nil {
				s.logger.Warn("shutdown stop failed", zap.Int64("strategy", id), zap.Error(err))
			}
		}(id)
	}
	wg.Wait()
	s.wg.Wait()
}
