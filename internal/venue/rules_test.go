package venue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"chimera/internal/schema"
)

func TestRulesValidate(t *testing.T) {
	r := Rules{MinQty: 0.001, Step: 0.001, Tick: 0.01, MinNotional: 5}

	assert.Equal(t, schema.RejectNone, r.Validate(100.25, 0.3))
	assert.Equal(t, schema.RejectNone, r.Validate(100.25, -0.3))
	assert.Equal(t, schema.RejectInvalidQty, r.Validate(100, 0))
	assert.Equal(t, schema.RejectInvalidPrice, r.Validate(0, 1))
	assert.Equal(t, schema.RejectMinQty, r.Validate(100, 0.0005))
	assert.Equal(t, schema.RejectStepSize, r.Validate(100, 0.0015))
	assert.Equal(t, schema.RejectTickSize, r.Validate(100.255, 1))
	assert.Equal(t, schema.RejectMinNotional, r.Validate(100, 0.01))
	assert.Equal(t, schema.RejectNone, Rules{}.Validate(3.14159, 0.123456))
}

func TestRulesRoundQty(t *testing.T) {
	r := Rules{Step: 0.01}
	assert.Equal(t, 0.12, r.RoundQty(0.129))
	assert.Equal(t, -0.12, r.RoundQty(-0.129))
	assert.Equal(t, 0.129, Rules{}.RoundQty(0.129))
}

func TestStaticRules(t *testing.T) {
	src := StaticRules{"BTCUSDT": {Tick: 0.1}}
	r, ok := src.Rules("BTCUSDT")
	assert.True(t, ok)
	assert.Equal(t, 0.1, r.Tick)
	_, ok = src.Rules("DOGEUSDT")
	assert.False(t, ok)
}
