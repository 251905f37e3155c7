package kernel

import (
	"testing"

	"github.com/wangxso/ftrader/pkg/types"
)

func gridDoc() map[string]any {
	return map[string]any{
		"kernel": "grid",
		"trading": map[string]any{
			"symbol": "BTC/USDT", "side": "long", "leverage": 3,
		},
		"grid": map[string]any{
			"priceLow":   40000.0,
			"priceHigh":  60000.0,
			"levels":     5, // 40000, 45000, 50000, 55000, 60000
			"unitAmount": 100.0,
		},
	}
}

// A downward crossing opens one unit; crossing the level above it
// closes it again.
func TestGridOpenAndClose(t *testing.T) {
	h := newHarness(t, NewGrid(noplog()), gridDoc())

	h.tick(52000) // seeds the crossing reference
	h.tick(49000) // crosses 50000 downward: open one unit

	if len(h.requests) != 1 {
		t.Fatalf("requests = %d, want 1 open", len(h.requests))
	}
	if h.requests[0].kind != types.TradeKindOpen || !h.requests[0].notional.Equal(d(100)) {
		t.Errorf("request = %+v, want open for 100", h.requests[0])
	}

	h.tick(56000) // crosses 55000 upward: exit the unit below it

	if len(h.requests) != 2 || h.requests[1].kind != types.TradeKindClose {
		t.Fatalf("requests = %+v, want open then close", h.requests)
	}
	if h.position != nil {
		t.Error("position should be flat after the last unit exits")
	}
}

// A denied close must leave the level bookkeeping untouched: the level
// still reads held, so a later downward re-cross does not open a second
// unit on top of the live one.
func TestGridDeniedCloseKeepsLevels(t *testing.T) {
	h := newHarness(t, NewGrid(noplog()), gridDoc())

	h.tick(52000)
	h.tick(49000) // unit opened at the 50000 level
	if len(h.requests) != 1 {
		t.Fatalf("requests = %d, want 1 open", len(h.requests))
	}

	h.deny = true
	h.tick(56000) // exit crossing, but the gate denies the close
	if len(h.requests) != 1 {
		t.Fatalf("requests = %d after denied close, want still 1", len(h.requests))
	}
	if h.position == nil {
		t.Fatal("position must survive a denied close")
	}

	h.deny = false
	h.tick(49500) // crosses 55000 and 50000 downward again

	// only the free 55000 level opens; the 50000 level is still held
	if len(h.requests) != 2 {
		t.Fatalf("requests = %d, want 2 (no double unit on a held level)", len(h.requests))
	}
	if h.requests[1].kind != types.TradeKindAdd || !h.requests[1].notional.Equal(d(100)) {
		t.Errorf("request = %+v, want one add for 100", h.requests[1])
	}
}

// Exiting one of several units closes the whole position and re-opens
// the remaining units' aggregate notional.
func TestGridReopenRemainingUnits(t *testing.T) {
	h := newHarness(t, NewGrid(noplog()), gridDoc())

	h.tick(52000)
	h.tick(49000) // unit at 50000
	h.tick(44000) // unit at 45000
	if len(h.requests) != 2 {
		t.Fatalf("requests = %d, want open + add", len(h.requests))
	}

	h.tick(51000) // crosses 50000 upward: the 45000 unit exits

	if len(h.requests) != 4 {
		t.Fatalf("requests = %+v, want close + re-open appended", h.requests)
	}
	if h.requests[2].kind != types.TradeKindClose {
		t.Errorf("third request = %+v, want close", h.requests[2])
	}
	reopen := h.requests[3]
	if reopen.kind != types.TradeKindOpen || !reopen.notional.Equal(d(100)) {
		t.Errorf("re-open = %+v, want open for the one remaining unit (100)", reopen)
	}
	if h.position == nil {
		t.Error("position should exist again after the re-open")
	}
}

func TestGridConfigValidation(t *testing.T) {
	doc := gridDoc()
	doc["grid"].(map[string]any)["priceHigh"] = 30000.0 // below priceLow

	kern := NewGrid(noplog())
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
