package risk_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/wangxso/ftrader/internal/risk"
	"github.com/wangxso/ftrader/pkg/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func longPosition(entry, mark float64) *types.Position {
	return &types.Position{
		Symbol:     "BTCUSDT",
		Side:       types.SideLong,
		EntryPrice: d(entry),
		Quantity:   d(0.004),
		Notional:   d(entry * 0.004),
		Leverage:   10,
		MarkPrice:  d(mark),
	}
}

func basePolicy() risk.Policy {
	return risk.Policy{
		StopLossPct:   d(10),
		TakeProfitPct: d(20),
		MaxLossPct:    d(30),
		MaxAdditions:  2,
		Cooldown:      time.Minute,
	}
}

func TestStopLossForceClose(t *testing.T) {
	// 50 000 → 44 500 is an 11% adverse move against a 10% stop
	st := risk.State{
		Position:     longPosition(50000, 44500),
		StartBalance: d(10000),
		Now:          time.Now(),
	}
	dec := risk.Evaluate(basePolicy(), st, nil)
	assert.Equal(t, risk.VerdictForceClose, dec.Verdict)
	assert.Equal(t, risk.ReasonStopLoss, dec.Reason)
	assert.False(t, dec.Terminal)
}

func TestTakeProfitForceClose(t *testing.T) {
	st := risk.State{
		Position:     longPosition(50000, 61000),
		StartBalance: d(10000),
		Now:          time.Now(),
	}
	dec := risk.Evaluate(basePolicy(), st, nil)
	assert.Equal(t, risk.VerdictForceClose, dec.Verdict)
	assert.Equal(t, risk.ReasonTakeProfit, dec.Reason)
}

func TestShortSideStopLoss(t *testing.T) {
	st := risk.State{
		Position: &types.Position{
			Side:       types.SideShort,
			EntryPrice: d(50000),
			Quantity:   d(0.01),
			MarkPrice:  d(55500), // 11% against the short
		},
		StartBalance: d(10000),
		Now:          time.Now(),
	}
	dec := risk.Evaluate(basePolicy(), st, nil)
	assert.Equal(t, risk.VerdictForceClose, dec.Verdict)
	assert.Equal(t, risk.ReasonStopLoss, dec.Reason)
}

func TestMaxLossIsTerminal(t *testing.T) {
	// realized -3 100 plus a small unrealized loss on a 10 000 start
	// crosses the 30% limit
	st := risk.State{
		Position:     longPosition(50000, 49000), // -4 unrealized on 0.004
		StartBalance: d(10000),
		RealizedPnL:  d(-3100),
		Now:          time.Now(),
	}
	pol := basePolicy()
	pol.StopLossPct = decimal.Zero // isolate the max-loss rule
	dec := risk.Evaluate(pol, st, nil)
	assert.Equal(t, risk.VerdictForceClose, dec.Verdict)
	assert.Equal(t, risk.ReasonMaxLoss, dec.Reason)
	assert.True(t, dec.Terminal)
}

func TestStopLossWinsOverMaxAdditions(t *testing.T) {
	// rule 1 fires before rule 4 even though the action would also be
	// denied
	st := risk.State{
		Position:     longPosition(50000, 44000),
		StartBalance: d(10000),
		Additions:    5,
		Now:          time.Now(),
	}
	action := &risk.Action{Kind: types.TradeKindAdd, Side: types.SideLong, Notional: d(400)}
	dec := risk.Evaluate(basePolicy(), st, action)
	assert.Equal(t, risk.VerdictForceClose, dec.Verdict)
	assert.Equal(t, risk.ReasonStopLoss, dec.Reason)
}

func TestMaxAdditionsDeny(t *testing.T) {
	st := risk.State{
		Position:     longPosition(50000, 49000),
		StartBalance: d(10000),
		Additions:    2,
		Now:          time.Now(),
	}
	action := &risk.Action{Kind: types.TradeKindAdd, Side: types.SideLong, Notional: d(800)}
	dec := risk.Evaluate(basePolicy(), st, action)
	assert.Equal(t, risk.VerdictDeny, dec.Verdict)
	assert.Equal(t, risk.ReasonMaxAdditions, dec.Reason)
}

func TestMaxAdditionsIgnoredForOpen(t *testing.T) {
	st := risk.State{
		StartBalance: d(10000),
		Additions:    5,
		Now:          time.Now(),
	}
	action := &risk.Action{Kind: types.TradeKindOpen, Side: types.SideLong, Notional: d(200)}
	dec := risk.Evaluate(basePolicy(), st, action)
	assert.Equal(t, risk.VerdictAllow, dec.Verdict)
}

func TestCooldownDeny(t *testing.T) {
	now := time.Now()
	st := risk.State{
		Position:     longPosition(50000, 49900),
		StartBalance: d(10000),
		LastTradeAt:  now.Add(-20 * time.Second),
		Now:          now,
	}
	action := &risk.Action{Kind: types.TradeKindAdd, Side: types.SideLong, Notional: d(400)}
	dec := risk.Evaluate(basePolicy(), st, action)
	assert.Equal(t, risk.VerdictDeny, dec.Verdict)
	assert.Equal(t, risk.ReasonCooldown, dec.Reason)

	st.LastTradeAt = now.Add(-2 * time.Minute)
	dec = risk.Evaluate(basePolicy(), st, action)
	assert.Equal(t, risk.VerdictAllow, dec.Verdict)
}

func TestFlatStateAllows(t *testing.T) {
	st := risk.State{StartBalance: d(10000), Now: time.Now()}
	dec := risk.Evaluate(basePolicy(), st, &risk.Action{Kind: types.TradeKindOpen, Side: types.SideLong, Notional: d(200)})
	assert.Equal(t, risk.VerdictAllow, dec.Verdict)
}

func TestDisabledRulesAllowEverything(t *testing.T) {
	st := risk.State{
		Position:     longPosition(50000, 20000), // 60% under water
		StartBalance: d(10000),
		Additions:    50,
		Now:          time.Now(),
	}
	dec := risk.Evaluate(risk.Policy{}, st, &risk.Action{Kind: types.TradeKindAdd, Side: types.SideLong, Notional: d(1)})
	assert.Equal(t, risk.VerdictAllow, dec.Verdict)
}
