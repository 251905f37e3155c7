package kernel

import (
	"testing"

	"github.com/wangxso/ftrader/pkg/types"
)

func meanRevDoc() map[string]any {
	return map[string]any{
		"kernel": "mean_reversion",
		"trading": map[string]any{
			"symbol": "BTC/USDT", "side": "long", "leverage": 3,
		},
		"meanReversion": map[string]any{
			"period":       3,
			"deviationPct": 2.0,
			"amount":       300.0,
			"timeframe":    "1h",
		},
	}
}

// Counter-trend entries at the deviation bands, exit on the return to
// the baseline.
func TestMeanReversionCycle(t *testing.T) {
	h := newHarness(t, NewMeanReversion(noplog()), meanRevDoc())
	h.ex.bars = mkBars(100, 100, 100) // baseline pinned at 100

	h.tick(97) // 3% under: open long
	if len(h.requests) != 1 {
		t.Fatalf("requests = %d, want 1 long open", len(h.requests))
	}
	if h.requests[0].kind != types.TradeKindOpen || h.requests[0].side != types.SideLong ||
		!h.requests[0].notional.Equal(d(300)) {
		t.Errorf("request = %+v, want a long open for 300", h.requests[0])
	}

	h.tick(99) // still under the baseline: hold
	if len(h.requests) != 1 {
		t.Fatalf("requests = %d before reversion, want still 1", len(h.requests))
	}

	h.tick(100.5) // reverted: close
	if len(h.requests) != 2 || h.requests[1].kind != types.TradeKindClose {
		t.Fatalf("requests = %+v, want a close appended", h.requests)
	}
	if h.position != nil {
		t.Fatal("position should be flat after reversion")
	}

	h.tick(103) // 3% over: open short
	if len(h.requests) != 3 {
		t.Fatalf("requests = %d, want a short open appended", len(h.requests))
	}
	if h.requests[2].kind != types.TradeKindOpen || h.requests[2].side != types.SideShort {
		t.Errorf("request = %+v, want a short open", h.requests[2])
	}
}

// Inside the band nothing trades.
func TestMeanReversionInsideBand(t *testing.T) {
	h := newHarness(t, NewMeanReversion(noplog()), meanRevDoc())
	h.ex.bars = mkBars(100, 100, 100)

	h.tick(99)
	h.tick(101)
	if len(h.requests) != 0 {
		t.Fatalf("requests = %d inside the band, want 0", len(h.requests))
	}
}

// A short position closes on the way back down to the baseline.
func TestMeanReversionShortExit(t *testing.T) {
	h := newHarness(t, NewMeanReversion(noplog()), meanRevDoc())
	h.ex.bars = mkBars(100, 100, 100)

	h.tick(103) // open short
	h.tick(99.5)
	if len(h.requests) != 2 || h.requests[1].kind != types.TradeKindClose {
		t.Fatalf("requests = %+v, want short open then close", h.requests)
	}
}

func TestMeanReversionRejectsZeroDeviation(t *testing.T) {
	doc := meanRevDoc()
	doc["meanReversion"].(map[string]any)["deviationPct"] = 0.0

	kern := NewMeanReversion(noplog())
	sc := &Context{
		Doc:      docSection(doc),
		Trading:  mustTrading(t, doc),
		Exchange: &fakeExchange{price: d(50000)},
		Logger:   noplog(),
	}
	if err := kern.Initialize(testCtx(), sc); !types.IsKind(err, types.ErrKindConfig) {
		t.Fatalf("err = %v, want config error", err)
	}
}
