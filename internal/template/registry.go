// Package template provides the immutable catalog of parameterized
// configuration documents used to seed new strategy definitions. It has
// no runtime role beyond seeding.
package template

import (
	"sort"

	"github.com/wangxso/ftrader/pkg/types"
)

// Template is one catalog entry.
type Template struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Config      map[string]any `json:"config"`
}

// Registry is an immutable id → template mapping.
type Registry struct {
	templates map[string]Template
}

// NewRegistry returns the built-in catalog, one template per kernel.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]Template)}
	for _, t := range builtins() {
		r.templates[t.ID] = t
	}
	return r
}

// Get returns a deep copy of the template; callers may mutate the
// config freely.
func (r *Registry) Get(id string) (*Template, error) {
	t, ok := r.templates[id]
	if !ok {
		return nil, types.E(types.ErrKindConfig, "template.Get", "unknown template %q", id)
	}
	cp := t
	cp.Config = cloneConfig(t.Config)
	return &cp, nil
}

// List returns all templates ordered by id.
func (r *Registry) List() []Template {
	out := make([]Template, 0, len(r.templates))
	for _, t := range r.templates {
		cp := t
		cp.Config = cloneConfig(t.Config)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneConfig(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if mm, ok := v.(map[string]any); ok {
			out[k] = cloneConfig(mm)
			continue
		}
		out[k] = v
	}
	return out
}

func baseConfig(kernel string) map[string]any {
	return map[string]any{
		"kernel": kernel,
		"trading": map[string]any{
			"symbol":           "BTC/USDT",
			"side":             "long",
			"leverage":         5,
			"reconcileOnStart": "close",
		},
		"risk": map[string]any{
			"stopLossPercent":   10.0,
			"takeProfitPercent": 20.0,
			"maxLossPercent":    30.0,
		},
		"monitoring": map[string]any{
			"checkInterval":  30,
			"pricePrecision": 2,
		},
	}
}

func builtins() []Template {
	martingale := baseConfig("martingale")
	martingale["martingale"] = map[string]any{
		"initialPosition": 200.0,
		"multiplier":      2.0,
		"maxAdditions":    5,
	}
	martingale["trigger"] = map[string]any{
		"priceDropPercent": 5.0,
		"startImmediately": true,
	}
	martingale["risk"].(map[string]any)["maxAdditions"] = 5

	dca := baseConfig("dca")
	dca["dca"] = map[string]any{
		"amount":        100.0,
		"interval":      3600,
		"priceCeiling":  0.0,
		"maxInvestment": 2000.0,
	}

	grid := baseConfig("grid")
	grid["grid"] = map[string]any{
		"priceLow":   40000.0,
		"priceHigh":  70000.0,
		"levels":     10,
		"unitAmount": 150.0,
	}

	trend := baseConfig("trend")
	trend["trend"] = map[string]any{
		"fastPeriod": 7,
		"slowPeriod": 25,
		"amount":     300.0,
		"timeframe":  "1h",
	}

	meanRev := baseConfig("mean_reversion")
	meanRev["meanReversion"] = map[string]any{
		"period":       20,
		"deviationPct": 2.5,
		"amount":       300.0,
		"timeframe":    "1h",
	}

	ml := baseConfig("ml_classifier")
	ml["ml"] = map[string]any{
		"confidenceThreshold": 0.65,
		"amount":              250.0,
		"retrainInterval":     96,
		"bufferSize":          500,
		"timeframe":           "15m",
	}

	llm := baseConfig("llm_signal")
	llm["llm"] = map[string]any{
		"confidenceThreshold": 0.7,
		"amount":              250.0,
		"callInterval":        900,
		"timeframe":           "15m",
	}

	return []Template{
		{ID: "martingale-long", Name: "Martingale", Category: "averaging",
			Description: "Average down on fixed percentage drops with multiplied sizing", Config: martingale},
		{ID: "dca-steady", Name: "Dollar Cost Average", Category: "averaging",
			Description: "Fixed notional buys on a fixed cadence under a price ceiling", Config: dca},
		{ID: "grid-range", Name: "Grid", Category: "range",
			Description: "Evenly spaced long units across a price range", Config: grid},
		{ID: "trend-cross", Name: "Trend Following", Category: "trend",
			Description: "Moving average crossover entries in both directions", Config: trend},
		{ID: "meanrev-band", Name: "Mean Reversion", Category: "range",
			Description: "Counter-trend entries on deviation from the moving average", Config: meanRev},
		{ID: "ml-forest", Name: "ML Classifier", Category: "model",
			Description: "Random-forest direction classifier with confidence gating", Config: ml},
		{ID: "llm-signal", Name: "LLM Signal", Category: "model",
			Description: "Language-model factor analysis with confidence gating", Config: llm},
	}
}
