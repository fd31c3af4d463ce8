package mdg

import (
	"fmt"
	"math"

	"chimera/internal/schema"
)

// Grid converts integer ticks and steps into venue prices and quantities.
// Keeping the generator's state in integers makes every emitted float the
// same on every run.
type Grid struct {
	Tick float64
	Step float64
}

func (g Grid) validate() error {
	if g.Tick <= 0 || math.IsNaN(g.Tick) || math.IsInf(g.Tick, 0) {
		return fmt.Errorf("tick must be > 0")
	}
	if g.Step <= 0 || math.IsNaN(g.Step) || math.IsInf(g.Step, 0) {
		return fmt.Errorf("step must be > 0")
	}
	return nil
}

// Price converts ticks to a price.
func (g Grid) Price(ticks int64) float64 {
	return float64(ticks) * g.Tick
}

// Qty converts steps to a quantity.
func (g Grid) Qty(steps int64) float64 {
	return float64(steps) * g.Step
}

// Level builds a book level.
func (g Grid) Level(ticks, steps int64) schema.Level {
	return schema.Level{Price: g.Price(ticks), Qty: g.Qty(steps)}
}
