// Package types provides shared type definitions for the trading supervisor.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a position or trade.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the reverse side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// TradeKind classifies a trade within a run.
type TradeKind string

const (
	TradeKindOpen  TradeKind = "open"
	TradeKindAdd   TradeKind = "add"
	TradeKindClose TradeKind = "close"
)

// StrategyKind distinguishes parameter-driven kernels from user-supplied ones.
type StrategyKind string

const (
	StrategyKindConfig StrategyKind = "config"
	StrategyKindCode   StrategyKind = "code"
)

// StrategyStatus is the lifecycle status of a strategy definition.
type StrategyStatus string

const (
	StrategyStatusStopped StrategyStatus = "stopped"
	StrategyStatusRunning StrategyStatus = "running"
	StrategyStatusPaused  StrategyStatus = "paused"
	StrategyStatusError   StrategyStatus = "error"
)

// RunStatus is the terminal status of a strategy run.
type RunStatus string

const (
	RunStatusOpen      RunStatus = "open"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// BacktestStatus is the lifecycle status of a backtest.
type BacktestStatus string

const (
	BacktestStatusPending   BacktestStatus = "pending"
	BacktestStatusRunning   BacktestStatus = "running"
	BacktestStatusCompleted BacktestStatus = "completed"
	BacktestStatusFailed    BacktestStatus = "failed"
)

// Timeframe represents a bar interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the bar interval as a time.Duration. Unknown
// timeframes resolve to one hour.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe30m:
		return 30 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	}
	return time.Hour
}

// BarsPerYear returns the annualization base for this timeframe.
func (tf Timeframe) BarsPerYear() float64 {
	return float64(365*24*time.Hour) / float64(tf.Duration())
}

// Valid reports whether tf is one of the enumerated timeframes.
func (tf Timeframe) Valid() bool {
	switch tf {
	case Timeframe1m, Timeframe5m, Timeframe15m, Timeframe30m, Timeframe1h, Timeframe4h, Timeframe1d:
		return true
	}
	return false
}

// Ticker is a current market snapshot.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Mark      decimal.Decimal `json:"mark"`
	Timestamp time.Time       `json:"timestamp"`
}

// Bar is a single OHLCV candle.
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Fill is a venue-reported execution.
type Fill struct {
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// Balance is an account balance snapshot from the venue.
type Balance struct {
	Total decimal.Decimal `json:"total"`
	Free  decimal.Decimal `json:"free"`
	Used  decimal.Decimal `json:"used"`
}

// Position is the single open position of an active run.
type Position struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Quantity   decimal.Decimal `json:"quantity"`
	Notional   decimal.Decimal `json:"notional"`
	Leverage   int             `json:"leverage"`
	OpenedAt   time.Time       `json:"openedAt"`
	MarkPrice  decimal.Decimal `json:"markPrice"`
	Additions  int             `json:"additions"`
}

// UnrealizedPnL is derived from the last observed mark price.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	if p == nil || p.Quantity.IsZero() || p.MarkPrice.IsZero() {
		return decimal.Zero
	}
	if p.Side == SideLong {
		return p.MarkPrice.Sub(p.EntryPrice).Mul(p.Quantity)
	}
	return p.EntryPrice.Sub(p.MarkPrice).Mul(p.Quantity)
}

// PnLPercent is the unrealized price move as a fraction of the entry
// price. Positive values are in the position's favor.
func (p *Position) PnLPercent() decimal.Decimal {
	if p == nil || p.EntryPrice.IsZero() || p.MarkPrice.IsZero() {
		return decimal.Zero
	}
	move := p.MarkPrice.Sub(p.EntryPrice).Div(p.EntryPrice)
	if p.Side == SideShort {
		move = move.Neg()
	}
	return move
}

// Clone returns a copy safe to hand to readers outside the supervisor.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Trade is an append-only record of an execution scoped to a run.
// PnL is set only on close trades.
type Trade struct {
	ID         string           `json:"id"`
	StrategyID int64            `json:"strategyId"`
	RunID      int64            `json:"runId"`
	Kind       TradeKind        `json:"kind"`
	Side       Side             `json:"side"`
	Symbol     string           `json:"symbol"`
	Price      decimal.Decimal  `json:"price"`
	Quantity   decimal.Decimal  `json:"quantity"`
	PnL        *decimal.Decimal `json:"pnl,omitempty"`
	ExecutedAt time.Time        `json:"executedAt"`
}

// Run is a single start→stop episode of one strategy. At most one run
// per strategy has a nil StoppedAt.
type Run struct {
	ID           int64            `json:"id"`
	StrategyID   int64            `json:"strategyId"`
	StartedAt    time.Time        `json:"startedAt"`
	StoppedAt    *time.Time       `json:"stoppedAt,omitempty"`
	StartBalance decimal.Decimal  `json:"startBalance"`
	EndBalance   *decimal.Decimal `json:"endBalance,omitempty"`
	TotalTrades  int              `json:"totalTrades"`
	WinTrades    int              `json:"winTrades"`
	LossTrades   int              `json:"lossTrades"`
	RealizedPnL  decimal.Decimal  `json:"realizedPnl"`
	Status       RunStatus        `json:"status"`
}

// Strategy is a persisted strategy definition.
type Strategy struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Kind        StrategyKind   `json:"kind"`
	Config      map[string]any `json:"config"`
	Status      StrategyStatus `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// AccountSnapshot is a periodic account capture.
type AccountSnapshot struct {
	Timestamp     time.Time       `json:"timestamp"`
	TotalBalance  decimal.Decimal `json:"totalBalance"`
	FreeBalance   decimal.Decimal `json:"freeBalance"`
	UsedBalance   decimal.Decimal `json:"usedBalance"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
}

// EquityPoint is one sample of a backtest equity curve.
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
}

// BacktestStats are the derived statistics of a completed backtest.
type BacktestStats struct {
	TotalReturn  decimal.Decimal `json:"totalReturn"`
	WinRate      decimal.Decimal `json:"winRate"`
	MaxDrawdown  decimal.Decimal `json:"maxDrawdown"`
	SharpeRatio  decimal.Decimal `json:"sharpeRatio"`
	ProfitFactor decimal.Decimal `json:"profitFactor"`
	MeanWin      decimal.Decimal `json:"meanWin"`
	MeanLoss     decimal.Decimal `json:"meanLoss"`
}

// BacktestParams are the inputs of a backtest submission.
type BacktestParams struct {
	StrategyID     int64           `json:"strategyId"`
	Symbol         string          `json:"symbol"`
	Timeframe      Timeframe       `json:"timeframe"`
	Start          time.Time       `json:"start"`
	End            time.Time       `json:"end"`
	InitialBalance decimal.Decimal `json:"initialBalance"`
	FeeRate        decimal.Decimal `json:"feeRate"`
}

// Backtest is a persisted backtest record.
type Backtest struct {
	ID          string         `json:"id"`
	Params      BacktestParams `json:"params"`
	Status      BacktestStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	EquityCurve []EquityPoint  `json:"equityCurve,omitempty"`
	Trades      []Trade        `json:"trades,omitempty"`
	Stats       *BacktestStats `json:"stats,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// TradePage is a paged trade listing.
type TradePage struct {
	Items []Trade `json:"items"`
	Total int     `json:"total"`
}
