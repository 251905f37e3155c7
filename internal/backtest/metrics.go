package backtest

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/wangxso/ftrader/pkg/types"
)

// computeStats derives the summary statistics of a completed replay.
// Ratio math runs on float64; results are converted back to decimals at
// the boundary.
func computeStats(trades []types.Trade, curve []types.EquityPoint, initialBalance decimal.Decimal, timeframe types.Timeframe) *types.BacktestStats {
	stats := &types.BacktestStats{}
	if len(curve) == 0 || initialBalance.IsZero() {
		return stats
	}

	final := curve[len(curve)-1].Equity
	stats.TotalReturn = final.Sub(initialBalance).Div(initialBalance)

	// trade statistics cover realized results only
	var wins, losses int
	totalWin, totalLoss := decimal.Zero, decimal.Zero
	for _, t := range trades {
		if t.PnL == nil {
			continue
		}
		switch {
		case t.PnL.IsPositive():
			wins++
			totalWin = totalWin.Add(*t.PnL)
		case t.PnL.IsNegative():
			losses++
			totalLoss = totalLoss.Add(t.PnL.Abs())
		}
	}
	if closed := wins + losses; closed > 0 {
		stats.WinRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(closed)))
	}
	if wins > 0 {
		stats.MeanWin = totalWin.Div(decimal.NewFromInt(int64(wins)))
	}
	if losses > 0 {
		stats.MeanLoss = totalLoss.Div(decimal.NewFromInt(int64(losses)))
	}
	if !totalLoss.IsZero() {
		stats.ProfitFactor = totalWin.Div(totalLoss)
	}

	stats.MaxDrawdown = maxDrawdown(curve)
	stats.SharpeRatio = sharpe(curve, timeframe)
	return stats
}

// maxDrawdown is the maximum peak-to-trough fraction of the equity
// curve.
func maxDrawdown(curve []types.EquityPoint) decimal.Decimal {
	peak := curve[0].Equity
	maxDD := decimal.Zero
	for _, p := range curve {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
		}
		if peak.IsPositive() {
			dd := peak.Sub(p.Equity).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// sharpe is the mean/std of per-bar returns annualized by the
// timeframe's bars-per-year.
func sharpe(curve []types.EquityPoint, timeframe types.Timeframe) decimal.Decimal {
	if len(curve) < 3 {
		return decimal.Zero
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity.InexactFloat64()
		if prev == 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity.InexactFloat64()-prev)/prev)
	}
	if len(returns) < 2 {
		return decimal.Zero
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	sd := math.Sqrt(variance)
	if sd == 0 {
		return decimal.Zero
	}

	return decimal.NewFromFloat(mean / sd * math.Sqrt(timeframe.BarsPerYear())).Round(6)
}
