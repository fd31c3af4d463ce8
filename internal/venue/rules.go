package venue

import (
	"math"

	"github.com/shopspring/decimal"

	"chimera/internal/schema"
)

// Rules are a symbol's exchange filters. Zero disables a filter.
type Rules struct {
	MinQty      float64 `yaml:"minQty" json:"minQty"`
	Step        float64 `yaml:"step" json:"step"`
	Tick        float64 `yaml:"tick" json:"tick"`
	MinNotional float64 `yaml:"minNotional" json:"minNotional"`
}

// RulesSource looks up the rules of a symbol.
type RulesSource interface {
	Rules(symbol string) (Rules, bool)
}

// StaticRules is a fixed rules table keyed by symbol.
type StaticRules map[string]Rules

func (s StaticRules) Rules(symbol string) (Rules, bool) {
	r, ok := s[symbol]
	return r, ok
}

// Validate checks an order against the filters. Grid checks run in decimal
// so that 0.3 is a multiple of 0.1.
func (r Rules) Validate(price, qty float64) schema.RejectReason {
	absQty := math.Abs(qty)
	if absQty == 0 || math.IsNaN(absQty) || math.IsInf(absQty, 0) {
		return schema.RejectInvalidQty
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return schema.RejectInvalidPrice
	}

	q := decimal.NewFromFloat(absQty)
	p := decimal.NewFromFloat(price)

	if r.MinQty > 0 && q.LessThan(decimal.NewFromFloat(r.MinQty)) {
		return schema.RejectMinQty
	}
	if r.Step > 0 && !onGrid(q, r.Step) {
		return schema.RejectStepSize
	}
	if r.Tick > 0 && !onGrid(p, r.Tick) {
		return schema.RejectTickSize
	}
	if r.MinNotional > 0 && q.Mul(p).LessThan(decimal.NewFromFloat(r.MinNotional)) {
		return schema.RejectMinNotional
	}
	return schema.RejectNone
}

// RoundQty floors qty onto the step grid, keeping its sign.
func (r Rules) RoundQty(qty float64) float64 {
	if r.Step <= 0 {
		return qty
	}
	step := decimal.NewFromFloat(r.Step)
	q := decimal.NewFromFloat(math.Abs(qty)).Div(step).Floor().Mul(step)
	f, _ := q.Float64()
	if qty < 0 {
		return -f
	}
	return f
}

func onGrid(v decimal.Decimal, unit float64) bool {
	return v.Mod(decimal.NewFromFloat(unit)).IsZero()
}
