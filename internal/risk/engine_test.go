package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chimera/internal/schema"
)

func TestGuardChecksInOrder(t *testing.T) {
	g := NewGuard(Config{
		MaxOrderQty:          5,
		MaxOrderNotional:     1000,
		MaxPosition:          6,
		MaxPriceDeviationBps: 100,
	})
	base := Order{SymbolHash: 1, Price: 100, Qty: 1, ReferencePrice: 100}

	assert.Equal(t, schema.RejectNone, g.Evaluate(base, 0))

	o := base
	o.Qty = 0
	assert.Equal(t, schema.RejectInvalidQty, g.Evaluate(o, 0))

	o = base
	o.Price = -1
	assert.Equal(t, schema.RejectInvalidPrice, g.Evaluate(o, 0))

	o = base
	o.Qty = -6
	assert.Equal(t, schema.RejectMaxOrderQty, g.Evaluate(o, 0))

	o = base
	o.Price = 102
	assert.Equal(t, schema.RejectPriceBand, g.Evaluate(o, 0))

	o = base
	o.Qty = 4
	o.Price = 100.5
	o.ReferencePrice = 0
	assert.Equal(t, schema.RejectNone, g.Evaluate(o, 0))
	o.Price = 300
	assert.Equal(t, schema.RejectMaxNotional, g.Evaluate(o, 0))

	assert.Equal(t, schema.RejectMaxPosition, g.Evaluate(base, 6))
	o = base
	o.Qty = -1
	assert.Equal(t, schema.RejectNone, g.Evaluate(o, 6), "reducing orders pass the position limit")
}

func TestGuardKillSwitchAndInhibit(t *testing.T) {
	g := NewGuard(Config{})
	o := Order{SymbolHash: 7, Price: 1, Qty: 1}

	g.Inhibit(7, schema.RiskBlockSymbolDead)
	assert.True(t, g.Inhibited(7))
	assert.Equal(t, schema.RejectSymbolDead, g.Evaluate(o, 0))
	o.SymbolHash = 8
	assert.Equal(t, schema.RejectNone, g.Evaluate(o, 0))

	g.Kill()
	assert.True(t, g.Killed())
	assert.Equal(t, schema.RejectKillSwitch, g.Evaluate(o, 0))

	g.Revive()
	g.Release(7)
	o.SymbolHash = 7
	assert.Equal(t, schema.RejectNone, g.Evaluate(o, 0))

	assert.True(t, NewGuard(Config{KillSwitch: true}).Killed())
}

func TestGuardRateLimitUsesIntentTime(t *testing.T) {
	g := NewGuard(Config{OrderRateLimit: 2, OrderRateWindow: time.Second})
	o := Order{SymbolHash: 1, Price: 1, Qty: 1, TsLocal: 1}

	assert.Equal(t, schema.RejectNone, g.Evaluate(o, 0))
	o.TsLocal = 2
	assert.Equal(t, schema.RejectNone, g.Evaluate(o, 0))
	o.TsLocal = 3
	assert.Equal(t, schema.RejectRateLimit, g.Evaluate(o, 0))

	o.TsLocal = 1 + int64(time.Second)
	assert.Equal(t, schema.RejectNone, g.Evaluate(o, 0))
}
