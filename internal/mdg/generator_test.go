package mdg

import (
	"context"
	"testing"

	"chimera/internal/bus"
	"chimera/internal/depth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Seed:           7,
		Symbols:        []string{"btcusdt", "ethusdt"},
		TradeRatio:     0.2,
		IntentRatio:    0.1,
		SignalRatio:    0.05,
		HeartbeatEvery: 50,
	}
}

func TestGeneratorIsDeterministic(t *testing.T) {
	a, err := NewGenerator(testConfig())
	require.NoError(t, err)
	b, err := NewGenerator(testConfig())
	require.NoError(t, err)

	for i := 0; i < 2000; i++ {
		require.Equal(t, a.Next(), b.Next(), "event %d", i)
	}
}

func TestGeneratorDeltasAreContiguousAndUncrossed(t *testing.T) {
	g, err := NewGenerator(testConfig())
	require.NoError(t, err)

	books := map[string]*depth.Book{}
	last := map[string]uint64{}
	for _, name := range testConfig().Symbols {
		s, err := g.FetchSnapshot(context.Background(), name)
		require.NoError(t, err)
		b := depth.NewBook()
		b.ApplySnapshot(s)
		books[name] = b
		last[name] = s.LastUpdateID
	}

	kinds := map[bus.Kind]int{}
	var now int64
	for i := 0; i < 5000; i++ {
		e := g.Next()
		kinds[e.Kind]++
		require.GreaterOrEqual(t, e.TsLocal, now)
		now = e.TsLocal
		if e.Kind != bus.KindDelta {
			continue
		}
		require.Equal(t, last[e.Symbol]+1, e.Delta.FirstUpdateID)
		require.GreaterOrEqual(t, e.Delta.LastUpdateID, e.Delta.FirstUpdateID)
		last[e.Symbol] = e.Delta.LastUpdateID

		books[e.Symbol].ApplyDelta(e.Delta)
		top := books[e.Symbol].Top()
		if top.Valid() {
			require.Less(t, top.BidPrice, top.AskPrice)
		}
	}

	for _, k := range []bus.Kind{bus.KindDelta, bus.KindTrade, bus.KindIntent, bus.KindSignal, bus.KindDecision, bus.KindHeartbeat} {
		assert.Positive(t, kinds[k], k.String())
	}
	assert.Equal(t, kinds[bus.KindSignal], kinds[bus.KindDecision])

	for name, b := range books {
		s, err := g.FetchSnapshot(context.Background(), name)
		require.NoError(t, err)
		assert.Equal(t, s.LastUpdateID, b.LastUpdateID())
		assert.ElementsMatch(t, s.Bids, b.Bids(0))
		assert.ElementsMatch(t, s.Asks, b.Asks(0))
	}
}

func TestGeneratorFetchSnapshot(t *testing.T) {
	g, err := NewGenerator(testConfig())
	require.NoError(t, err)

	_, err = g.FetchSnapshot(context.Background(), "solusdt")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.FetchSnapshot(ctx, "btcusdt")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfigValidate(t *testing.T) {
	_, err := NewGenerator(Config{})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.TradeRatio = 0.9
	_, err = NewGenerator(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Symbols = []string{"btcusdt", "btcusdt"}
	_, err = NewGenerator(cfg)
	assert.Error(t, err)
}

func TestGrid(t *testing.T) {
	g := Grid{Tick: 0.5, Step: 0.25}
	assert.Equal(t, 50.0, g.Price(100))
	assert.Equal(t, 1.0, g.Qty(4))
	assert.Equal(t, 0.0, g.Level(3, 0).Qty)
	assert.Error(t, Grid{}.validate())
}
