package kernel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wangxso/ftrader/pkg/types"
)

// featureWarmup is the minimum price history before the feature vector
// is dense enough to train or predict on.
const featureWarmup = 35

// MLClassifier maintains a bounded price buffer, retrains a random
// forest on a tick cadence and trades when the predicted direction's
// probability clears the confidence threshold. A still-usable model is
// kept until a retrain succeeds; a forced retrain is exposed to the
// supervisor through the Retrainer interface.
type MLClassifier struct {
	logger *zap.Logger

	threshold       float64
	amount          decimal.Decimal
	retrainInterval int
	bufferSize      int
	minTrainSamples int

	mu              sync.Mutex
	prices          []float64
	oracle          Oracle
	ticksSinceTrain int

	forceTrain atomic.Bool
}

// NewMLClassifier creates an uninitialized classifier kernel.
func NewMLClassifier(logger *zap.Logger) *MLClassifier {
	return &MLClassifier{logger: logger.Named(NameMLClassifier)}
}

var _ Retrainer = (*MLClassifier)(nil)

func (k *MLClassifier) Name() string { return NameMLClassifier }

func (k *MLClassifier) Initialize(ctx context.Context, sc *Context) error {
	sec := sc.Doc.Sub("ml")

	threshold, err := sec.RequiredFloat("confidenceThreshold")
	if err != nil {
		return err
	}
	if threshold <= 0 || threshold > 1 {
		return types.E(types.ErrKindConfig, "kernel.ml_classifier", "confidenceThreshold must be in (0, 1], got %v", threshold)
	}
	k.threshold = threshold
	if k.amount, err = sec.RequiredDecimal("amount"); err != nil {
		return err
	}
	k.retrainInterval = sec.Int("retrainInterval", 100)
	k.bufferSize = sec.Int("bufferSize", 500)
	if k.bufferSize < featureWarmup*2 {
		k.bufferSize = featureWarmup * 2
	}
	k.minTrainSamples = sec.Int("minTrainSamples", 60)

	timeframe := types.Timeframe(sec.String("timeframe", string(types.Timeframe15m)))
	if !timeframe.Valid() {
		return types.E(types.ErrKindConfig, "kernel.ml_classifier", "unsupported timeframe %q", timeframe)
	}

	if err := sc.Exchange.ConfigureLeverage(ctx, sc.Trading.Symbol, sc.Trading.Leverage); err != nil {
		return err
	}

	// prime the price buffer so the first prediction does not wait for
	// bufferSize live ticks
	bars, err := sc.Exchange.FetchBars(ctx, sc.Trading.Symbol, timeframe, k.bufferSize)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.prices = k.prices[:0]
	for _, b := range bars {
		k.prices = append(k.prices, b.Close.InexactFloat64())
	}
	k.ticksSinceTrain = k.retrainInterval // train on the first tick
	k.mu.Unlock()

	return nil
}

func (k *MLClassifier) RunOnce(ctx context.Context, sc *Context) error {
	ticker, err := sc.Exchange.FetchTicker(ctx, sc.Trading.Symbol)
	if err != nil {
		return err
	}

	k.mu.Lock()
	k.prices = append(k.prices, ticker.Mark.InexactFloat64())
	if len(k.prices) > k.bufferSize {
		k.prices = k.prices[len(k.prices)-k.bufferSize:]
	}
	k.ticksSinceTrain++
	k.mu.Unlock()

	k.maybeRetrain()

	k.mu.Lock()
	oracle := k.oracle
	features := ComputeFeatures(k.prices)
	ready := len(k.prices) >= featureWarmup
	k.mu.Unlock()

	if oracle == nil || !ready {
		return nil
	}

	pred, err := oracle.Predict(ctx, features)
	if err != nil {
		return err
	}
	if pred.Confidence < k.threshold {
		return nil
	}

	pos := sc.Position()
	if pos == nil {
		k.logger.Info("model signal",
			zap.String("direction", string(pred.Direction)),
			zap.Float64("confidence", pred.Confidence))
		return ignoreDenied(sc.RequestTrade(ctx, types.TradeKindOpen, pred.Direction, k.amount))
	}
	if pos.Side != pred.Direction {
		return ignoreDenied(sc.RequestTrade(ctx, types.TradeKindClose, pos.Side, decimal.Zero))
	}
	return nil
}

// maybeRetrain trains inline when the cadence or a forced request calls
// for it. The previous model keeps serving until the new one is ready.
func (k *MLClassifier) maybeRetrain() {
	k.mu.Lock()
	due := k.ticksSinceTrain >= k.retrainInterval || k.oracle == nil
	forced := k.forceTrain.Load()
	var prices []float64
	if due || forced {
		prices = append([]float64(nil), k.prices...)
	}
	k.mu.Unlock()

	if prices == nil || len(prices) < k.minTrainSamples {
		return
	}

	samples, labels := buildTrainingSet(prices)
	forest := TrainForest(samples, labels, DefaultForestConfig())

	k.mu.Lock()
	k.ticksSinceTrain = 0
	if forest != nil {
		k.oracle = forest
	}
	k.mu.Unlock()
	k.forceTrain.Store(false)

	if forest == nil {
		k.logger.Warn("retrain skipped, training set degenerate",
			zap.Int("samples", len(samples)))
	} else {
		k.logger.Info("model retrained", zap.Int("samples", len(samples)))
	}
}

// buildTrainingSet labels each historical feature vector with the
// direction of the following price step.
func buildTrainingSet(prices []float64) ([][]float64, []int) {
	var samples [][]float64
	var labels []int
	for i := featureWarmup; i < len(prices)-1; i++ {
		f := ComputeFeatures(prices[:i+1])
		label := 0
		if prices[i+1] > prices[i] {
			label = 1
		}
		samples = append(samples, f.Vector())
		labels = append(labels, label)
	}
	return samples, labels
}

// ForceRetrain schedules a retrain on the next tick; repeated calls
// coalesce, making the command idempotent.
func (k *MLClassifier) ForceRetrain() {
	k.forceTrain.Store(true)
	k.mu.Lock()
	k.ticksSinceTrain = k.retrainInterval
	k.mu.Unlock()
}

func (k *MLClassifier) Shutdown(ctx context.Context, sc *Context, reason string) error {
	return nil
}

func (k *MLClassifier) OnTrade(trade types.Trade) {}
