// Package risk provides the stateless risk gate. Evaluation is a pure
// function of the policy, the run state and the proposed action; the
// supervisor owns all side effects.
package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/wangxso/ftrader/pkg/types"
)

// Verdict is the gate outcome.
type Verdict string

const (
	// VerdictAllow lets the action proceed.
	VerdictAllow Verdict = "allow"
	// VerdictDeny suppresses the action; the supervisor records a skip.
	VerdictDeny Verdict = "deny"
	// VerdictForceClose requires the supervisor to close the position
	// before considering any action.
	VerdictForceClose Verdict = "force_close"
)

// Deny and force-close reasons.
const (
	ReasonStopLoss     = "stop-loss"
	ReasonTakeProfit   = "take-profit"
	ReasonMaxLoss      = "max-loss"
	ReasonMaxAdditions = "max-additions"
	ReasonCooldown     = "cooldown"
)

// Policy holds the shared risk limits. Percentage fields are in percent
// units (10 means 10%); zero disables the corresponding rule, except
// MaxAdditions where zero likewise disables the cap.
type Policy struct {
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
	MaxLossPct    decimal.Decimal
	MaxAdditions  int
	Cooldown      time.Duration
}

// Action is a proposed trade.
type Action struct {
	Kind     types.TradeKind
	Side     types.Side
	Notional decimal.Decimal
}

// State is the run-scoped view the gate evaluates against. Now comes
// from the caller's clock so the same rules hold in backtest.
type State struct {
	Position     *types.Position
	StartBalance decimal.Decimal
	RealizedPnL  decimal.Decimal
	Additions    int
	LastTradeAt  time.Time
	Now          time.Time
}

// Decision is the gate result. Terminal marks the run as finished (set
// only with the max-loss force-close).
type Decision struct {
	Verdict  Verdict
	Reason   string
	Terminal bool
}

var hundred = decimal.NewFromInt(100)

// Evaluate applies the policy rules in order; the first match wins.
// action may be nil when the caller only wants the position checks
// (rules 1–3).
func Evaluate(pol Policy, st State, action *Action) Decision {
	movePct := st.Position.PnLPercent().Mul(hundred)

	// 1. stop-loss: adverse price move reached the limit
	if st.Position != nil && pol.StopLossPct.IsPositive() &&
		movePct.Neg().GreaterThanOrEqual(pol.StopLossPct) {
		return Decision{Verdict: VerdictForceClose, Reason: ReasonStopLoss}
	}

	// 2. take-profit: favorable move reached the target
	if st.Position != nil && pol.TakeProfitPct.IsPositive() &&
		movePct.GreaterThanOrEqual(pol.TakeProfitPct) {
		return Decision{Verdict: VerdictForceClose, Reason: ReasonTakeProfit}
	}

	// 3. max-loss: cumulative realized+unrealized loss against the
	// starting balance; terminal for the run
	if pol.MaxLossPct.IsPositive() && st.StartBalance.IsPositive() {
		total := st.RealizedPnL.Add(st.Position.UnrealizedPnL())
		lossPct := total.Neg().Div(st.StartBalance).Mul(hundred)
		if lossPct.GreaterThanOrEqual(pol.MaxLossPct) {
			return Decision{Verdict: VerdictForceClose, Reason: ReasonMaxLoss, Terminal: true}
		}
	}

	if action == nil {
		return Decision{Verdict: VerdictAllow}
	}

	// 4. max-additions
	if action.Kind == types.TradeKindAdd && pol.MaxAdditions > 0 &&
		st.Additions >= pol.MaxAdditions {
		return Decision{Verdict: VerdictDeny, Reason: ReasonMaxAdditions}
	}

	// 5. cooldown since the last trade of the run
	if pol.Cooldown > 0 && !st.LastTradeAt.IsZero() &&
		st.Now.Sub(st.LastTradeAt) < pol.Cooldown {
		return Decision{Verdict: VerdictDeny, Reason: ReasonCooldown}
	}

	return Decision{Verdict: VerdictAllow}
}
