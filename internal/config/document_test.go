package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangxso/ftrader/pkg/types"
)

func sampleDoc() map[string]any {
	return map[string]any{
		"trading": map[string]any{
			"symbol":   "BTC/USDT",
			"side":     "short",
			"leverage": 20,
		},
		"risk": map[string]any{
			"stopLossPercent":   10.0,
			"takeProfitPercent": 20.0,
			"maxLossPercent":    30.0,
			"maxAdditions":      3,
			"cooldown":          45,
		},
		"monitoring": map[string]any{
			"checkInterval": 15,
		},
	}
}

func TestParseTrading(t *testing.T) {
	trading, err := ParseTrading(DocumentFrom(sampleDoc()))
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", trading.Symbol)
	assert.Equal(t, types.SideShort, trading.Side)
	assert.Equal(t, 20, trading.Leverage)
	assert.Equal(t, ReconcileClose, trading.ReconcileOnStart)
}

func TestParseTradingMissingSymbol(t *testing.T) {
	doc := sampleDoc()
	delete(doc["trading"].(map[string]any), "symbol")

	_, err := ParseTrading(DocumentFrom(doc))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrKindConfig))
	assert.Contains(t, err.Error(), "trading.symbol")
}

func TestParseTradingRejectsBadValues(t *testing.T) {
	for _, mutate := range []func(m map[string]any){
		func(m map[string]any) { m["side"] = "sideways" },
		func(m map[string]any) { m["leverage"] = 500 },
		func(m map[string]any) { m["reconcileOnStart"] = "merge" },
	} {
		doc := sampleDoc()
		mutate(doc["trading"].(map[string]any))
		_, err := ParseTrading(DocumentFrom(doc))
		assert.True(t, types.IsKind(err, types.ErrKindConfig), "err = %v", err)
	}
}

func TestParseRisk(t *testing.T) {
	r, err := ParseRisk(DocumentFrom(sampleDoc()))
	require.NoError(t, err)
	assert.True(t, r.StopLossPercent.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 3, r.MaxAdditions)
	assert.Equal(t, 45*time.Second, r.Cooldown)
}

func TestParseRiskDefaultsDisable(t *testing.T) {
	r, err := ParseRisk(DocumentFrom(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, r.StopLossPercent.IsZero())
	assert.Zero(t, r.MaxAdditions)
	assert.Zero(t, r.Cooldown)
}

func TestParseMonitoringDefaults(t *testing.T) {
	m := ParseMonitoring(DocumentFrom(map[string]any{}))
	assert.Equal(t, 30*time.Second, m.CheckInterval)
	assert.Equal(t, 2, m.PricePrecision)

	m = ParseMonitoring(DocumentFrom(sampleDoc()))
	assert.Equal(t, 15*time.Second, m.CheckInterval)
}

func TestSectionNumericShapes(t *testing.T) {
	sec := DocumentFrom(map[string]any{"a": map[string]any{
		"f": 1.5, "i": 2, "s": "x",
	}}).Sub("a")

	f, err := sec.RequiredFloat("f")
	require.NoError(t, err)
	assert.Equal(t, 1.5, f)

	i, err := sec.RequiredInt("i")
	require.NoError(t, err)
	assert.Equal(t, 2, i)

	_, err = sec.RequiredFloat("s")
	assert.True(t, types.IsKind(err, types.ErrKindConfig))
	_, err = sec.RequiredFloat("missing")
	assert.True(t, types.IsKind(err, types.ErrKindConfig))
	assert.Contains(t, err.Error(), "a.missing")
}
