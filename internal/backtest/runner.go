package backtest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wangxso/ftrader/internal/ledger"
	"github.com/wangxso/ftrader/pkg/types"
)

// Runner executes submitted backtests on a bounded worker pool so the
// command path returns immediately; observers follow progress on the
// event bus and poll the persisted record.
type Runner struct {
	logger *zap.Logger
	ledger *ledger.Ledger
	engine *Engine

	jobs   chan job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

type job struct {
	bt  *types.Backtest
	doc map[string]any
}

// NewRunner starts a runner with the given worker count.
func NewRunner(logger *zap.Logger, led *ledger.Ledger, engine *Engine, workers int) *Runner {
	if workers <= 0 {
		workers = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		logger: logger.Named("backtest-runner"),
		ledger: led,
		engine: engine,
		jobs:   make(chan job, 16),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Submit validates the request, persists a pending record and queues
// the replay. The strategy's configuration document is cloned at
// submission time; later edits do not affect a queued backtest.
func (r *Runner) Submit(ctx context.Context, params types.BacktestParams) (*types.Backtest, error) {
	if !params.Timeframe.Valid() {
		return nil, types.E(types.ErrKindBacktest, "backtest.Submit", "unsupported timeframe %q", params.Timeframe)
	}
	if !params.End.After(params.Start) {
		return nil, types.E(types.ErrKindBacktest, "backtest.Submit", "time range is empty")
	}
	if params.InitialBalance.LessThanOrEqual(decimal.Zero) {
		return nil, types.E(types.ErrKindBacktest, "backtest.Submit", "initial balance must be positive")
	}

	st, err := r.ledger.GetStrategy(ctx, params.StrategyID)
	if err != nil {
		return nil, err
	}

	bt := &types.Backtest{
		ID:        uuid.New().String(),
		Params:    params,
		Status:    types.BacktestStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.ledger.SaveBacktest(ctx, bt); err != nil {
		return nil, err
	}

	select {
	case r.jobs <- job{bt: bt, doc: cloneDocument(st.Config)}:
	case <-r.ctx.Done():
		return nil, types.E(types.ErrKindBacktest, "backtest.Submit", "runner is shut down")
	}
	return bt, nil
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case j := <-r.jobs:
			r.execute(j)
		}
	}
}

func (r *Runner) execute(j job) {
	bt := j.bt
	bt.Status = types.BacktestStatusRunning
	if err := r.ledger.UpdateBacktest(r.ctx, bt); err != nil {
		r.logger.Error("backtest status update failed", zap.Error(err), zap.String("id", bt.ID))
	}

	if err := r.engine.Run(r.ctx, bt, j.doc); err != nil {
		r.logger.Warn("backtest failed", zap.String("id", bt.ID), zap.Error(err))
	}

	if err := r.ledger.UpdateBacktest(r.ctx, bt); err != nil {
		r.logger.Error("backtest result persist failed", zap.Error(err), zap.String("id", bt.ID))
	}
}

// Close drains no further work and waits for in-flight replays.
func (r *Runner) Close() {
	r.once.Do(func() {
		r.cancel()
		r.wg.Wait()
	})
}

// cloneDocument copies a configuration document, recursing into nested
// maps; other values, slices included, are shared with the source.
func cloneDocument(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if m, ok := v.(map[string]any); ok {
			out[k] = cloneDocument(m)
			continue
		}
		out[k] = v
	}
	return out
}
