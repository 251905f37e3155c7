// Package kernel provides the strategy decision units. A kernel is the
// interchangeable part of the supervisor: it sees the market through
// the exchange adapter, proposes trades through the context, and holds
// no authority over risk or persistence.
package kernel

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wangxso/ftrader/internal/config"
	"github.com/wangxso/ftrader/internal/exchange"
	"github.com/wangxso/ftrader/pkg/types"
)

// Kernel is the capability set every strategy implements. Initialize is
// called once per run before any RunOnce; RunOnce performs exactly one
// decision step and must be idempotent with respect to exchange state;
// Shutdown releases external resources (the supervisor liquidates
// positions separately); OnTrade observes every trade appended to the
// kernel's run.
type Kernel interface {
	Name() string
	Initialize(ctx context.Context, sc *Context) error
	RunOnce(ctx context.Context, sc *Context) error
	Shutdown(ctx context.Context, sc *Context, reason string) error
	OnTrade(trade types.Trade)
}

// Retrainer is implemented by kernels that hold a trainable model; the
// supervisor's force-retrain command targets it.
type Retrainer interface {
	ForceRetrain()
}

// RequestFunc routes a proposed trade through the supervisor, which
// re-evaluates the risk gate, places the order and persists the result.
// A denial surfaces as ErrKindRiskDenied.
type RequestFunc func(ctx context.Context, kind types.TradeKind, side types.Side, notional decimal.Decimal) error

// Context is the per-call view the supervisor hands a kernel. The
// clock is injectable so the same kernel code is deterministic when the
// backtest engine drives it.
type Context struct {
	StrategyID int64
	Doc        config.Section
	Trading    config.Trading
	Exchange   exchange.Adapter
	Logger     *zap.Logger
	Clock      func() time.Time
	Position   func() *types.Position
	Request    RequestFunc
}

// Now returns the supervising clock's current time.
func (c *Context) Now() time.Time { return c.Clock() }

// RequestTrade proposes a trade to the supervisor.
func (c *Context) RequestTrade(ctx context.Context, kind types.TradeKind, side types.Side, notional decimal.Decimal) error {
	return c.Request(ctx, kind, side, notional)
}

// Features is the fixed factor vector shared by the prediction oracles.
type Features struct {
	Price        float64
	SMAFast      float64
	SMASlow      float64
	EMA          float64
	RSI          float64
	MACD         float64
	MACDSignal   float64
	BollingerPos float64
	Return       float64
	Volatility   float64
}

// Vector flattens the features for model input.
func (f Features) Vector() []float64 {
	return []float64{
		f.Price, f.SMAFast, f.SMASlow, f.EMA, f.RSI,
		f.MACD, f.MACDSignal, f.BollingerPos, f.Return, f.Volatility,
	}
}

// Prediction is a directional call with confidence in [0, 1].
type Prediction struct {
	Direction  types.Side
	Confidence float64
	Reasoning  string
	RiskLevel  string
}

// Oracle turns a factor vector into a directional prediction. The
// classifier and the LLM signal source sit behind the same interface so
// live and backtest drive identical call sites.
type Oracle interface {
	Predict(ctx context.Context, f Features) (*Prediction, error)
}

// Deps are the construction-time dependencies of the built-in kernels.
type Deps struct {
	Logger    *zap.Logger
	Completer TextCompleter
}

// Factory builds a fresh kernel instance.
type Factory func(deps Deps) Kernel

// Registry is the catalog of available kernels.
type Registry struct {
	deps      Deps
	factories map[string]Factory
}

// Built-in kernel names.
const (
	NameMartingale    = "martingale"
	NameDCA           = "dca"
	NameGrid          = "grid"
	NameTrend         = "trend"
	NameMeanReversion = "mean_reversion"
	NameMLClassifier  = "ml_classifier"
	NameLLMSignal     = "llm_signal"
)

// NewRegistry creates a registry with all built-in kernels registered.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{deps: deps, factories: make(map[string]Factory)}
	r.Register(NameMartingale, func(d Deps) Kernel { return NewMartingale(d.Logger) })
	r.Register(NameDCA, func(d Deps) Kernel { return NewDCA(d.Logger) })
	r.Register(NameGrid, func(d Deps) Kernel { return NewGrid(d.Logger) })
	r.Register(NameTrend, func(d Deps) Kernel { return NewTrend(d.Logger) })
	r.Register(NameMeanReversion, func(d Deps) Kernel { return NewMeanReversion(d.Logger) })
	r.Register(NameMLClassifier, func(d Deps) Kernel { return NewMLClassifier(d.Logger) })
	r.Register(NameLLMSignal, func(d Deps) Kernel { return NewLLMSignal(d.Logger, d.Completer) })
	return r
}

// Register adds or replaces a kernel factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Create builds a fresh kernel by name.
func (r *Registry) Create(name string) (Kernel, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, types.E(types.ErrKindConfig, "kernel.Create", "unknown kernel %q", name)
	}
	return f(r.deps), nil
}

// List returns the registered kernel names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// KernelName extracts the kernel selector from a configuration
// document.
func KernelName(doc config.Section) (string, error) {
	return doc.RequiredString("kernel")
}
