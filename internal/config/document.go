// Package config provides process configuration loading and typed
// access to strategy configuration documents.
package config

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wangxso/ftrader/pkg/types"
)

// Section is a typed view over one level of a hierarchical
// configuration document. Required lookups fail with ErrKindConfig on
// the first missing or malformed field; the raw map is never carried
// past initialize time.
type Section struct {
	path string
	m    map[string]any
}

// DocumentFrom wraps a strategy configuration document.
func DocumentFrom(m map[string]any) Section {
	if m == nil {
		m = map[string]any{}
	}
	return Section{m: m}
}

// Sub descends into a nested section. A missing section yields an
// empty one so that required leaf lookups report the full path.
func (s Section) Sub(name string) Section {
	path := name
	if s.path != "" {
		path = s.path + "." + name
	}
	if v, ok := s.m[name]; ok {
		if mm, ok := v.(map[string]any); ok {
			return Section{path: path, m: mm}
		}
	}
	return Section{path: path, m: map[string]any{}}
}

func (s Section) key(k string) string {
	if s.path == "" {
		return k
	}
	return s.path + "." + k
}

// RequiredString returns the string at k or a config error.
func (s Section) RequiredString(k string) (string, error) {
	v, ok := s.m[k]
	if !ok {
		return "", types.E(types.ErrKindConfig, "config", "missing field %q", s.key(k))
	}
	str, ok := v.(string)
	if !ok || str == "" {
		return "", types.E(types.ErrKindConfig, "config", "field %q must be a non-empty string", s.key(k))
	}
	return str, nil
}

// String returns the string at k or def.
func (s Section) String(k, def string) string {
	if v, ok := s.m[k].(string); ok && v != "" {
		return v
	}
	return def
}

// RequiredFloat returns the number at k or a config error.
func (s Section) RequiredFloat(k string) (float64, error) {
	v, ok := s.m[k]
	if !ok {
		return 0, types.E(types.ErrKindConfig, "config", "missing field %q", s.key(k))
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, types.E(types.ErrKindConfig, "config", "field %q must be a number", s.key(k))
	}
	return f, nil
}

// Float returns the number at k or def.
func (s Section) Float(k string, def float64) float64 {
	if f, ok := toFloat(s.m[k]); ok {
		return f
	}
	return def
}

// RequiredDecimal returns the number at k as a decimal.
func (s Section) RequiredDecimal(k string) (decimal.Decimal, error) {
	f, err := s.RequiredFloat(k)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(f), nil
}

// Decimal returns the number at k as a decimal, or def.
func (s Section) Decimal(k string, def decimal.Decimal) decimal.Decimal {
	if f, ok := toFloat(s.m[k]); ok {
		return decimal.NewFromFloat(f)
	}
	return def
}

// RequiredInt returns the integer at k or a config error.
func (s Section) RequiredInt(k string) (int, error) {
	f, err := s.RequiredFloat(k)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// Int returns the integer at k or def.
func (s Section) Int(k string, def int) int {
	if f, ok := toFloat(s.m[k]); ok {
		return int(f)
	}
	return def
}

// Bool returns the boolean at k or def.
func (s Section) Bool(k string, def bool) bool {
	if v, ok := s.m[k].(bool); ok {
		return v
	}
	return def
}

// Seconds reads k as a duration expressed in seconds, or def.
func (s Section) Seconds(k string, def time.Duration) time.Duration {
	if f, ok := toFloat(s.m[k]); ok && f > 0 {
		return time.Duration(f * float64(time.Second))
	}
	return def
}

// toFloat accepts the numeric shapes a JSON-decoded document can carry.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Trading is the parsed trading section shared by all kernels.
type Trading struct {
	Symbol           string
	Side             types.Side
	Leverage         int
	ReconcileOnStart ReconcileMode
}

// ReconcileMode decides what happens to a pre-existing venue position
// on start.
type ReconcileMode string

const (
	ReconcileAdopt ReconcileMode = "adopt"
	ReconcileClose ReconcileMode = "close"
)

// ParseTrading parses and validates the trading section.
func ParseTrading(doc Section) (Trading, error) {
	sec := doc.Sub("trading")

	symbol, err := sec.RequiredString("symbol")
	if err != nil {
		return Trading{}, err
	}

	side := types.Side(sec.String("side", string(types.SideLong)))
	if side != types.SideLong && side != types.SideShort {
		return Trading{}, types.E(types.ErrKindConfig, "config", "field %q must be long or short", sec.key("side"))
	}

	leverage := sec.Int("leverage", 1)
	if leverage < 1 || leverage > 125 {
		return Trading{}, types.E(types.ErrKindConfig, "config", "field %q out of range: %d", sec.key("leverage"), leverage)
	}

	mode := ReconcileMode(sec.String("reconcileOnStart", string(ReconcileClose)))
	if mode != ReconcileAdopt && mode != ReconcileClose {
		return Trading{}, types.E(types.ErrKindConfig, "config", "field %q must be adopt or close", sec.key("reconcileOnStart"))
	}

	return Trading{Symbol: symbol, Side: side, Leverage: leverage, ReconcileOnStart: mode}, nil
}

// Risk is the parsed risk section; percent fields are in percent units.
type Risk struct {
	StopLossPercent   decimal.Decimal
	TakeProfitPercent decimal.Decimal
	MaxLossPercent    decimal.Decimal
	MaxAdditions      int
	Cooldown          time.Duration
}

// ParseRisk parses the risk section. All limits are optional; absent
// limits disable the corresponding rule.
func ParseRisk(doc Section) (Risk, error) {
	sec := doc.Sub("risk")
	r := Risk{
		StopLossPercent:   sec.Decimal("stopLossPercent", decimal.Zero),
		TakeProfitPercent: sec.Decimal("takeProfitPercent", decimal.Zero),
		MaxLossPercent:    sec.Decimal("maxLossPercent", decimal.Zero),
		MaxAdditions:      sec.Int("maxAdditions", 0),
		Cooldown:          sec.Seconds("cooldown", 0),
	}
	for _, f := range []struct {
		name string
		v    decimal.Decimal
	}{
		{"stopLossPercent", r.StopLossPercent},
		{"takeProfitPercent", r.TakeProfitPercent},
		{"maxLossPercent", r.MaxLossPercent},
	} {
		if f.v.IsNegative() {
			return Risk{}, types.E(types.ErrKindConfig, "config", "field %q must not be negative", sec.key(f.name))
		}
	}
	return r, nil
}

// Monitoring is the parsed monitoring section.
type Monitoring struct {
	CheckInterval  time.Duration
	PricePrecision int
}

// ParseMonitoring parses the monitoring section with defaults.
func ParseMonitoring(doc Section) Monitoring {
	sec := doc.Sub("monitoring")
	return Monitoring{
		CheckInterval:  sec.Seconds("checkInterval", 30*time.Second),
		PricePrecision: sec.Int("pricePrecision", 2),
	}
}
