package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wangxso/ftrader/pkg/types"
)

// TextCompleter is the minimal surface the LLM kernel needs from a
// completion endpoint.
type TextCompleter interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// OpenAICompleter backs TextCompleter with an OpenAI-compatible chat
// completion endpoint.
type OpenAICompleter struct {
	client openai.Client
	model  string
}

// NewOpenAICompleter creates a completer. baseURL may be empty for the
// default endpoint.
func NewOpenAICompleter(apiKey, baseURL, model string) *OpenAICompleter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAICompleter{client: openai.NewClient(opts...), model: model}
}

// Complete performs one chat completion and returns the raw text.
func (c *OpenAICompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	msgs = append(msgs, openai.UserMessage(prompt))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: msgs,
	})
	if err != nil {
		return "", types.WrapErr(types.ErrKindKernelRecoverable, "kernel.llm_signal", err)
	}
	if len(resp.Choices) == 0 {
		return "", types.E(types.ErrKindKernelRecoverable, "kernel.llm_signal", "empty completion")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

const signalSystemPrompt = `You are a quantitative trading signal generator for crypto perpetual futures. Respond with a single JSON object: {"signal": "long"|"short"|"hold", "confidence": <0..1>, "reasoning": "<one sentence>", "risk_level": "low"|"medium"|"high"}. No other text.`

var signalPromptTmpl = template.Must(template.New("signal").Parse(
	`Symbol: {{.Symbol}}
Last price: {{printf "%.4f" .Price}}
1-step return: {{printf "%.4f%%" .ReturnPct}}
SMA(7): {{printf "%.4f" .SMAFast}}  SMA(25): {{printf "%.4f" .SMASlow}}
EMA(12): {{printf "%.4f" .EMA}}
RSI(14): {{printf "%.2f" .RSI}}
MACD: {{printf "%.4f" .MACD}} (signal {{printf "%.4f" .MACDSignal}})
Bollinger position: {{printf "%.2f" .BollingerPos}}
Volatility(20): {{printf "%.4f" .Volatility}}

Given these factors, decide the directional signal.`))

type signalPromptData struct {
	Symbol    string
	ReturnPct float64
	Features
}

// llmOracle renders the factor summary into the prompt template and
// parses the structured response.
type llmOracle struct {
	completer TextCompleter
	symbol    string
}

func (o *llmOracle) Predict(ctx context.Context, f Features) (*Prediction, error) {
	var buf bytes.Buffer
	data := signalPromptData{Symbol: o.symbol, ReturnPct: f.Return * 100, Features: f}
	if err := signalPromptTmpl.Execute(&buf, data); err != nil {
		return nil, types.WrapErr(types.ErrKindKernelRecoverable, "kernel.llm_signal", err)
	}

	raw, err := o.completer.Complete(ctx, signalSystemPrompt, buf.String())
	if err != nil {
		return nil, err
	}
	return parseSignalResponse(raw)
}

// parseSignalResponse extracts the structured signal from the model
// output. A malformed response is a recoverable error; no trade is
// emitted for it.
func parseSignalResponse(raw string) (*Prediction, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, types.E(types.ErrKindKernelRecoverable, "kernel.llm_signal", "no JSON object in response: %q", truncate(raw, 120))
	}

	var parsed struct {
		Signal     string  `json:"signal"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
		RiskLevel  string  `json:"risk_level"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return nil, types.WrapErr(types.ErrKindKernelRecoverable, "kernel.llm_signal", err)
	}

	var direction types.Side
	switch strings.ToLower(parsed.Signal) {
	case "long", "buy":
		direction = types.SideLong
	case "short", "sell":
		direction = types.SideShort
	case "hold", "none", "flat":
		return &Prediction{Confidence: 0, Reasoning: parsed.Reasoning, RiskLevel: parsed.RiskLevel}, nil
	default:
		return nil, types.E(types.ErrKindKernelRecoverable, "kernel.llm_signal", "unknown signal %q", parsed.Signal)
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return nil, types.E(types.ErrKindKernelRecoverable, "kernel.llm_signal", "confidence out of range: %v", parsed.Confidence)
	}

	return &Prediction{
		Direction:  direction,
		Confidence: parsed.Confidence,
		Reasoning:  parsed.Reasoning,
		RiskLevel:  parsed.RiskLevel,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// LLMSignal asks a text-completion endpoint for a directional call, no
// more often than callInterval, and trades when the returned confidence
// clears the threshold.
type LLMSignal struct {
	logger    *zap.Logger
	completer TextCompleter

	threshold    float64
	amount       decimal.Decimal
	callInterval time.Duration

	mu         sync.Mutex
	oracle     Oracle
	prices     []float64
	lastCallAt time.Time
}

// NewLLMSignal creates an uninitialized LLM-signal kernel. completer
// may be nil, in which case Initialize fails with a config error.
func NewLLMSignal(logger *zap.Logger, completer TextCompleter) *LLMSignal {
	return &LLMSignal{logger: logger.Named(NameLLMSignal), completer: completer}
}

func (k *LLMSignal) Name() string { return NameLLMSignal }

func (k *LLMSignal) Initialize(ctx context.Context, sc *Context) error {
	if k.completer == nil {
		return types.E(types.ErrKindConfig, "kernel.llm_signal", "no completion endpoint configured")
	}
	sec := sc.Doc.Sub("llm")

	threshold, err := sec.RequiredFloat("confidenceThreshold")
	if err != nil {
		return err
	}
	if threshold <= 0 || threshold > 1 {
		return types.E(types.ErrKindConfig, "kernel.llm_signal", "confidenceThreshold must be in (0, 1], got %v", threshold)
	}
	k.threshold = threshold
	if k.amount, err = sec.RequiredDecimal("amount"); err != nil {
		return err
	}
	k.callInterval = sec.Seconds("callInterval", 5*time.Minute)

	timeframe := types.Timeframe(sec.String("timeframe", string(types.Timeframe15m)))
	if !timeframe.Valid() {
		return types.E(types.ErrKindConfig, "kernel.llm_signal", "unsupported timeframe %q", timeframe)
	}

	if err := sc.Exchange.ConfigureLeverage(ctx, sc.Trading.Symbol, sc.Trading.Leverage); err != nil {
		return err
	}

	bars, err := sc.Exchange.FetchBars(ctx, sc.Trading.Symbol, timeframe, featureWarmup*2)
	if err != nil {
		return err
	}

	k.mu.Lock()
	k.prices = k.prices[:0]
	for _, b := range bars {
		k.prices = append(k.prices, b.Close.InexactFloat64())
	}
	k.oracle = &llmOracle{completer: k.completer, symbol: sc.Trading.Symbol}
	k.lastCallAt = time.Time{}
	k.mu.Unlock()
	return nil
}

func (k *LLMSignal) RunOnce(ctx context.Context, sc *Context) error {
	ticker, err := sc.Exchange.FetchTicker(ctx, sc.Trading.Symbol)
	if err != nil {
		return err
	}

	k.mu.Lock()
	k.prices = append(k.prices, ticker.Mark.InexactFloat64())
	if len(k.prices) > featureWarmup*4 {
		k.prices = k.prices[len(k.prices)-featureWarmup*4:]
	}
	features := ComputeFeatures(k.prices)
	ready := len(k.prices) >= featureWarmup
	last := k.lastCallAt
	oracle := k.oracle
	k.mu.Unlock()

	if !ready {
		return nil
	}
	if !last.IsZero() && sc.Now().Sub(last) < k.callInterval {
		return nil
	}

	k.mu.Lock()
	k.lastCallAt = sc.Now()
	k.mu.Unlock()

	pred, err := oracle.Predict(ctx, features)
	if err != nil {
		return err
	}

	k.logger.Info("llm signal",
		zap.String("direction", string(pred.Direction)),
		zap.Float64("confidence", pred.Confidence),
		zap.String("risk", pred.RiskLevel),
		zap.String("reasoning", pred.Reasoning))

	if pred.Direction == "" || pred.Confidence < k.threshold {
		return nil
	}

	pos := sc.Position()
	if pos == nil {
		return ignoreDenied(sc.RequestTrade(ctx, types.TradeKindOpen, pred.Direction, k.amount))
	}
	if pos.Side != pred.Direction {
		return ignoreDenied(sc.RequestTrade(ctx, types.TradeKindClose, pos.Side, decimal.Zero))
	}
	return nil
}

func (k *LLMSignal) Shutdown(ctx context.Context, sc *Context, reason string) error {
	return nil
}

func (k *LLMSignal) OnTrade(trade types.Trade) {}
