package kernel

import (
	"testing"

	"github.com/wangxso/ftrader/pkg/types"
)

func dcaDoc() map[string]any {
	return map[string]any{
		"kernel": "dca",
		"trading": map[string]any{
			"symbol": "BTC/USDT", "side": "long", "leverage": 2,
		},
		"dca": map[string]any{
			"amount":        100.0,
			"interval":      60,
			"maxInvestment": 250.0,
		},
	}
}

// Fixed-notional buys on the cadence, capped by maxInvestment. The
// harness clock advances 30s per tick against a 60s interval.
func TestDCACadenceAndCap(t *testing.T) {
	h := newHarness(t, NewDCA(noplog()), dcaDoc())

	h.tick(50000) // first buy opens
	h.tick(50000) // 30s since the fill: too soon
	h.tick(50000) // 60s: second buy adds
	h.tick(50000) // too soon again
	h.tick(50000) // due, but 200 + 100 would exceed maxInvestment

	if len(h.requests) != 2 {
		t.Fatalf("requests = %d, want 2 (open + add)", len(h.requests))
	}
	if h.requests[0].kind != types.TradeKindOpen || !h.requests[0].notional.Equal(d(100)) {
		t.Errorf("first request = %+v, want open for 100", h.requests[0])
	}
	if h.requests[1].kind != types.TradeKindAdd {
		t.Errorf("second request = %+v, want add", h.requests[1])
	}
	if h.position == nil || !h.position.Notional.Equal(d(200)) {
		t.Fatalf("position = %+v, want 200 invested", h.position)
	}
}

// No buys above the price ceiling.
func TestDCAPriceCeiling(t *testing.T) {
	doc := dcaDoc()
	doc["dca"].(map[string]any)["priceCeiling"] = 48000.0

	h := newHarness(t, NewDCA(noplog()), doc)

	h.tick(50000) // above the ceiling: nothing
	if len(h.requests) != 0 {
		t.Fatalf("requests = %d above the ceiling, want 0", len(h.requests))
	}

	h.tick(47000) // under the ceiling: buy
	if len(h.requests) != 1 || h.requests[0].kind != types.TradeKindOpen {
		t.Fatalf("requests = %+v, want one open", h.requests)
	}
}

// A denied buy leaves the cadence clock alone, so the next eligible
// tick retries.
func TestDCADenialRetries(t *testing.T) {
	h := newHarness(t, NewDCA(noplog()), dcaDoc())

	h.deny = true
	h.tick(50000)
	if len(h.requests) != 0 {
		t.Fatalf("requests = %d, want 0 while denied", len(h.requests))
	}

	h.deny = false
	h.tick(50000) // no fill happened, so the buy is still due
	if len(h.requests) != 1 {
		t.Fatalf("requests = %d, want the retried open", len(h.requests))
	}
}

func TestDCAMissingAmount(t *testing.T) {
	doc := dcaDoc()
	delete(doc["dca"].(map[string]any), "amount")

	kern := NewDCA(noplog())
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
