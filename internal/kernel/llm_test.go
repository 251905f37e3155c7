package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/wangxso/ftrader/pkg/types"
)

func TestParseSignalResponse(t *testing.T) {
	raw := `Here is my analysis:
{"signal": "long", "confidence": 0.82, "reasoning": "momentum is positive", "risk_level": "medium"}`

	pred, err := parseSignalResponse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pred.Direction != types.SideLong {
		t.Errorf("direction = %s, want long", pred.Direction)
	}
	if pred.Confidence != 0.82 {
		t.Errorf("confidence = %v, want 0.82", pred.Confidence)
	}
	if pred.RiskLevel != "medium" {
		t.Errorf("risk level = %q, want medium", pred.RiskLevel)
	}
}

func TestParseSignalHold(t *testing.T) {
	pred, err := parseSignalResponse(`{"signal": "hold", "confidence": 0.9, "reasoning": "chop"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pred.Direction != "" || pred.Confidence != 0 {
		t.Errorf("hold should yield no direction: %+v", pred)
	}
}

func TestParseSignalMalformed(t *testing.T) {
	cases := []string{
		"I think the market will go up.",
		`{"signal": "sideways", "confidence": 0.5}`,
		`{"signal": "long", "confidence": 1.7}`,
		`{"signal": "long", "confidence": `,
	}
	for _, raw := range cases {
		if _, err := parseSignalResponse(raw); !types.IsKind(err, types.ErrKindKernelRecoverable) {
			t.Errorf("parse(%q) err = %v, want recoverable", raw, err)
		}
	}
}

// stubCompleter returns a canned response and counts calls.
type stubCompleter struct {
	response string
	calls    int
}

func (s *stubCompleter) Complete(context.Context, string, string) (string, error) {
	s.calls++
	return s.response, nil
}

func llmDoc() map[string]any {
	return map[string]any{
		"kernel": "llm_signal",
		"trading": map[string]any{
			"symbol": "BTC/USDT", "side": "long", "leverage": 3,
		},
		"llm": map[string]any{
			"confidenceThreshold": 0.7,
			"amount":              250.0,
			"callInterval":        300,
			"timeframe":           "15m",
		},
	}
}

// The endpoint is consulted at most once per call interval.
func TestLLMCallThrottle(t *testing.T) {
	stub := &stubCompleter{response: `{"signal": "hold", "confidence": 0.2}`}
	kern := NewLLMSignal(noplog(), stub)
	h := newHarness(t, kern, llmDoc())
	h.ex.bars = primedBars()
	if err := kern.Initialize(context.Background(), h.ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// harness ticks advance the clock 30s each; a 300s interval admits
	// one call in the first ten ticks
	for i := 0; i < 10; i++ {
		h.tick(50000 + float64(i))
	}
	if stub.calls != 1 {
		t.Fatalf("completer calls = %d, want 1 within the interval", stub.calls)
	}

	h.now = h.now.Add(5 * time.Minute)
	h.tick(50100)
	if stub.calls != 2 {
		t.Fatalf("completer calls = %d, want 2 after the interval", stub.calls)
	}
}

// A confident directional response opens; a malformed one surfaces as a
// recoverable error and trades nothing.
func TestLLMSignalTrades(t *testing.T) {
	stub := &stubCompleter{response: `{"signal": "short", "confidence": 0.85, "reasoning": "overbought", "risk_level": "high"}`}
	kern := NewLLMSignal(noplog(), stub)
	h := newHarness(t, kern, llmDoc())
	h.ex.bars = primedBars()
	if err := kern.Initialize(context.Background(), h.ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	h.tick(50000)
	if len(h.requests) != 1 || h.requests[0].kind != types.TradeKindOpen || h.requests[0].side != types.SideShort {
		t.Fatalf("requests = %+v, want one short open", h.requests)
	}

	// malformed response: recoverable error, no trade
	stub.response = "the market feels bullish"
	h.now = h.now.Add(10 * time.Minute)
	h.ex.price = d(50050)
	err := kern.RunOnce(context.Background(), h.ctx)
	if !types.IsKind(err, types.ErrKindKernelRecoverable) {
		t.Fatalf("err = %v, want recoverable", err)
	}
	if len(h.requests) != 1 {
		t.Fatalf("requests = %d, want still 1", len(h.requests))
	}
}

func TestLLMRequiresCompleter(t *testing.T) {
	kern := NewLLMSignal(noplog(), nil)
	sc := &Context{
		Doc:      docSection(llmDoc()),
		Trading:  mustTrading(t, llmDoc()),
		Exchange: &fakeExchange{price: d(50000)},
		Logger:   noplog(),
	}
	if err := kern.Initialize(testCtx(), sc); !types.IsKind(err, types.ErrKindConfig) {
		t.Fatalf("err = %v, want config error", err)
	}
}
