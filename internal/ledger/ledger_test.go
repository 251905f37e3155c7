package ledger_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wangxso/ftrader/internal/ledger"
	"github.com/wangxso/ftrader/pkg/types"
)

func openLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func makeStrategy(t *testing.T, l *ledger.Ledger) *types.Strategy {
	t.Helper()
	st := &types.Strategy{
		Name: "mart-1",
		Kind: types.StrategyKindConfig,
		Config: map[string]any{
			"kernel":  "martingale",
			"trading": map[string]any{"symbol": "BTC/USDT"},
		},
	}
	_, err := l.CreateStrategy(context.Background(), st)
	require.NoError(t, err)
	return st
}

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestStrategyRoundTrip(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	st := makeStrategy(t, l)
	assert.Equal(t, types.StrategyStatusStopped, st.Status)

	got, err := l.GetStrategy(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "mart-1", got.Name)
	assert.Equal(t, "martingale", got.Config["kernel"])

	got.Name = "mart-2"
	require.NoError(t, l.UpdateStrategy(ctx, got))

	list, err := l.ListStrategies(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "mart-2", list[0].Name)

	require.NoError(t, l.DeleteStrategy(ctx, st.ID))
	_, err = l.GetStrategy(ctx, st.ID)
	assert.True(t, types.IsKind(err, types.ErrKindLedger))
}

func TestSingleOpenRunInvariant(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	st := makeStrategy(t, l)

	runID, err := l.OpenRun(ctx, st.ID, d(10000))
	require.NoError(t, err)

	// a second open run for the same strategy violates the invariant
	_, err = l.OpenRun(ctx, st.ID, d(10000))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrKindLedger))

	require.NoError(t, l.CloseRun(ctx, runID, d(10100), types.RunStatusCompleted))

	// closed run frees the slot
	_, err = l.OpenRun(ctx, st.ID, d(10100))
	require.NoError(t, err)
}

func TestDeleteStrategyWithOpenRunForbidden(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	st := makeStrategy(t, l)

	runID, err := l.OpenRun(ctx, st.ID, d(10000))
	require.NoError(t, err)

	err = l.DeleteStrategy(ctx, st.ID)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrKindLedger))

	require.NoError(t, l.CloseRun(ctx, runID, d(10000), types.RunStatusCompleted))
	require.NoError(t, l.DeleteStrategy(ctx, st.ID))
}

func TestAppendTradeUpdatesCounters(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	st := makeStrategy(t, l)

	runID, err := l.OpenRun(ctx, st.ID, d(10000))
	require.NoError(t, err)

	open := &types.Trade{
		ID: "t-1", StrategyID: st.ID, RunID: runID,
		Kind: types.TradeKindOpen, Side: types.SideLong, Symbol: "BTCUSDT",
		Price: d(50000), Quantity: d(0.004), ExecutedAt: time.Now(),
	}
	require.NoError(t, l.AppendTrade(ctx, open))

	win := d(25.5)
	closeTrade := &types.Trade{
		ID: "t-2", StrategyID: st.ID, RunID: runID,
		Kind: types.TradeKindClose, Side: types.SideLong, Symbol: "BTCUSDT",
		Price: d(56375), Quantity: d(0.004), PnL: &win, ExecutedAt: time.Now(),
	}
	require.NoError(t, l.AppendTrade(ctx, closeTrade))

	run, err := l.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 2, run.TotalTrades)
	assert.Equal(t, 1, run.WinTrades)
	assert.Equal(t, 0, run.LossTrades)
	assert.True(t, run.RealizedPnL.Equal(win), "realized = %s", run.RealizedPnL)

	// duplicate trade ids are a consistency violation
	err = l.AppendTrade(ctx, open)
	assert.True(t, types.IsKind(err, types.ErrKindLedger))
}

func TestAppendTradeToClosedRunFails(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	st := makeStrategy(t, l)

	runID, err := l.OpenRun(ctx, st.ID, d(10000))
	require.NoError(t, err)
	require.NoError(t, l.CloseRun(ctx, runID, d(10000), types.RunStatusCompleted))

	err = l.AppendTrade(ctx, &types.Trade{
		ID: "t-late", StrategyID: st.ID, RunID: runID,
		Kind: types.TradeKindOpen, Side: types.SideLong, Symbol: "BTCUSDT",
		Price: d(50000), Quantity: d(0.004), ExecutedAt: time.Now(),
	})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrKindLedger))
}

func TestPositionUpsertAndClear(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	st := makeStrategy(t, l)

	runID, err := l.OpenRun(ctx, st.ID, d(10000))
	require.NoError(t, err)

	pos := &types.Position{
		Symbol: "BTCUSDT", Side: types.SideLong,
		EntryPrice: d(50000), Quantity: d(0.004), Notional: d(200),
		Leverage: 10, OpenedAt: time.Now(), MarkPrice: d(50100),
	}
	require.NoError(t, l.UpsertPosition(ctx, runID, pos))

	got, err := l.GetPosition(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.EntryPrice.Equal(d(50000)))
	assert.Equal(t, 10, got.Leverage)

	// weighted-average mutation round-trips
	pos.EntryPrice = d(49166.67)
	pos.Quantity = d(0.012)
	pos.Additions = 1
	require.NoError(t, l.UpsertPosition(ctx, runID, pos))
	got, err = l.GetPosition(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Additions)

	// nil clears
	require.NoError(t, l.UpsertPosition(ctx, runID, nil))
	got, err = l.GetPosition(ctx, runID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListTradesPaging(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	st := makeStrategy(t, l)

	runID, err := l.OpenRun(ctx, st.ID, d(10000))
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.AppendTrade(ctx, &types.Trade{
			ID: string(rune('a' + i)), StrategyID: st.ID, RunID: runID,
			Kind: types.TradeKindAdd, Side: types.SideLong, Symbol: "BTCUSDT",
			Price: d(50000), Quantity: d(0.001),
			ExecutedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, err := l.ListTrades(ctx, st.ID, runID, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	// newest first
	assert.Equal(t, "e", page.Items[0].ID)

	page, err = l.ListTrades(ctx, st.ID, runID, 4, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "a", page.Items[0].ID)
}

func TestSnapshotsQueryWindow(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	old := types.AccountSnapshot{
		Timestamp: time.Now().Add(-2 * time.Hour), TotalBalance: d(9000),
		FreeBalance: d(9000), UsedBalance: d(0), UnrealizedPnL: d(0),
	}
	recent := types.AccountSnapshot{
		Timestamp: time.Now(), TotalBalance: d(10000),
		FreeBalance: d(9800), UsedBalance: d(200), UnrealizedPnL: d(12),
	}
	require.NoError(t, l.SnapshotAccount(ctx, old))
	require.NoError(t, l.SnapshotAccount(ctx, recent))

	got, err := l.QuerySnapshots(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].TotalBalance.Equal(d(10000)))
}

func TestBacktestCRUD(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	bt := &types.Backtest{
		ID: "bt-1",
		Params: types.BacktestParams{
			StrategyID: 1, Symbol: "BTCUSDT", Timeframe: types.Timeframe1h,
			InitialBalance: d(10000), FeeRate: d(0.04),
		},
		Status:    types.BacktestStatusPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, l.SaveBacktest(ctx, bt))

	bt.Status = types.BacktestStatusCompleted
	bt.EquityCurve = []types.EquityPoint{{Timestamp: time.Now(), Equity: d(10100)}}
	bt.Stats = &types.BacktestStats{TotalReturn: d(0.01)}
	done := time.Now()
	bt.CompletedAt = &done
	require.NoError(t, l.UpdateBacktest(ctx, bt))

	got, err := l.GetBacktest(ctx, "bt-1")
	require.NoError(t, err)
	assert.Equal(t, types.BacktestStatusCompleted, got.Status)
	require.Len(t, got.EquityCurve, 1)
	require.NotNil(t, got.Stats)
	assert.True(t, got.Stats.TotalReturn.Equal(d(0.01)))

	list, err := l.ListBacktests(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].EquityCurve, "list omits the curve")

	require.NoError(t, l.DeleteBacktest(ctx, "bt-1"))
	_, err = l.GetBacktest(ctx, "bt-1")
	assert.True(t, types.IsKind(err, types.ErrKindLedger))
}
