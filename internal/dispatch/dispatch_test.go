package dispatch

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chimera/internal/clock"
	"chimera/internal/codec"
	"chimera/internal/depth"
	"chimera/internal/recorder"
	"chimera/internal/replay"
	"chimera/internal/schema"
	"chimera/internal/state"
)

type fillSpec struct {
	symbol string
	price  float64
	qty    float64
	fee    float64
}

var fills = []fillSpec{
	{"BTCUSDT", 100.1, 0.3, 0.01},
	{"ETHUSDT", 10.5, -2, 0.002},
	{"BTCUSDT", 101.7, -0.1, 0.003},
	{"BTCUSDT", 99.3, -0.5, 0.004},
	{"ETHUSDT", 10.1, 2, 0.002},
}

// writeSession appends fills through the writer with the ledger applied in
// the commit hook, the same way the shadow engine does.
func writeSession(t *testing.T, base string, specs []fillSpec) *state.Ledger {
	t.Helper()
	w, err := recorder.NewWriter(recorder.Config{BasePath: base, MapSize: 1 << 20}, recorder.WithClock(clock.NewManual(1)))
	require.NoError(t, err)

	ledger := state.NewLedger()
	for i, f := range specs {
		hash, err := w.RegisterSymbol(f.symbol)
		require.NoError(t, err)
		header := schema.NewHeader(schema.EventFill, schema.VenueSim, 1, hash, int64(i), int64(i))
		fill := schema.Fill{Price: f.price, Qty: f.qty, Fee: f.fee}
		_, err = w.AppendFunc(header, codec.EncodeFill(nil, fill), func(id uint64) error {
			h := header
			h.EventID = id
			_, err := ApplyFill(ledger, h, fill)
			return err
		})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return ledger
}

func TestBindLedgerReproducesLive(t *testing.T) {
	base := filepath.Join(t.TempDir(), "session")
	live := writeSession(t, base, fills)

	paths, err := recorder.Segments(base)
	require.NoError(t, err)
	engine, err := replay.NewEngine(replay.Config{Paths: paths})
	require.NoError(t, err)

	mode := replay.NewMode(false)
	var during bool
	replayed := state.NewLedger()
	BindLedger(engine, replayed)
	engine.Observe(func(schema.EventHeader, []byte) error {
		during = mode.Enabled()
		return nil
	})
	engine.WithMode(mode)
	require.NoError(t, engine.Run(context.Background()))

	assert.True(t, during)
	assert.False(t, mode.Enabled())
	require.NoError(t, state.CompareSnapshots(live.Dump(nil, 5), replayed.Dump(nil, 5)))
	assert.Equal(t, live.Equity(), replayed.Equity())

	name, ok := engine.Dictionary().Name(schema.SymbolHash("ETHUSDT"))
	assert.True(t, ok)
	assert.Equal(t, "ETHUSDT", name)
}

func TestTypedDecodeFailure(t *testing.T) {
	base := filepath.Join(t.TempDir(), "bad")
	w, err := recorder.NewWriter(recorder.Config{BasePath: base, MapSize: 1 << 20})
	require.NoError(t, err)
	_, err = w.Append(schema.NewHeader(schema.EventFill, schema.VenueSim, 1, 1, 0, 0), []byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	engine, err := replay.NewEngine(replay.Config{Paths: []string{recorder.SegmentPath(base, 0)}})
	require.NoError(t, err)
	BindLedger(engine, state.NewLedger())
	err = engine.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event_id 0")
}

func TestRecoverFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "session")

	// the snapshot covers the first three fills
	prefix := state.NewLedger()
	for i, f := range fills[:3] {
		_, err := prefix.OnFill(schema.SymbolHash(f.symbol), 1, f.price, f.qty, f.fee, uint64(i))
		require.NoError(t, err)
	}
	snapPath := filepath.Join(dir, "ledger.json")
	require.NoError(t, state.WriteSnapshot(snapPath, prefix.Dump(nil, 3)))

	live := writeSession(t, base, fills)
	paths, err := recorder.Segments(base)
	require.NoError(t, err)

	res, err := Recover(context.Background(), RecoverConfig{Paths: paths, SnapshotPath: snapPath}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.FromEventID)
	assert.Equal(t, uint64(5), res.NextEventID)
	assert.Equal(t, uint64(2), res.Replayed)
	require.NoError(t, state.CompareSnapshots(live.Dump(nil, 5), res.Ledger.Dump(nil, 5)))

	res, err = Recover(context.Background(), RecoverConfig{Paths: paths, SnapshotPath: filepath.Join(dir, "missing.json")}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res.Replayed)
	require.NoError(t, state.CompareSnapshots(live.Dump(nil, 5), res.Ledger.Dump(nil, 5)))

	require.NoError(t, state.WriteSnapshot(snapPath, prefix.Dump(nil, 9)))
	_, err = Recover(context.Background(), RecoverConfig{Paths: paths, SnapshotPath: snapPath}, nil)
	assert.Error(t, err)
}

func TestBindBooksRebuildsBook(t *testing.T) {
	base := filepath.Join(t.TempDir(), "books")
	w, err := recorder.NewWriter(recorder.Config{BasePath: base, MapSize: 1 << 20})
	require.NoError(t, err)
	hash, err := w.RegisterSymbol("BTCUSDT")
	require.NoError(t, err)

	deltas := []schema.DepthDelta{
		{FirstUpdateID: 99, LastUpdateID: 101, Bids: []schema.Level{{Price: 100, Qty: 1}}},
		{FirstUpdateID: 102, LastUpdateID: 103, Asks: []schema.Level{{Price: 101, Qty: 3}}},
	}
	for _, d := range deltas {
		_, err := w.Append(schema.NewHeader(schema.EventDepthDelta, schema.VenueBinance, 0, hash, 0, 1), codec.EncodeDepthDelta(nil, d))
		require.NoError(t, err)
	}
	snap := schema.Snapshot{
		LastUpdateID: 100,
		Bids:         []schema.Level{{Price: 99, Qty: 2}},
		Asks:         []schema.Level{{Price: 102, Qty: 5}},
	}
	_, err = w.Append(schema.NewHeader(schema.EventSnapshot, schema.VenueBinance, 0, hash, 0, 2), codec.EncodeSnapshot(nil, snap))
	require.NoError(t, err)
	_, err = w.Append(schema.NewHeader(schema.EventDepthDelta, schema.VenueBinance, 0, hash, 0, 3), codec.EncodeDepthDelta(nil, schema.DepthDelta{
		FirstUpdateID: 104, LastUpdateID: 104, Bids: []schema.Level{{Price: 100, Qty: 0}},
	}))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	engine, err := replay.NewEngine(replay.Config{Paths: []string{recorder.SegmentPath(base, 0)}})
	require.NoError(t, err)
	books := NewBooks(schema.VenueBinance, engine.Dictionary())
	BindBooks(engine, books)
	require.NoError(t, engine.Run(context.Background()))

	r, ok := books.Book(hash)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", r.Symbol())
	assert.Equal(t, depth.SyncLive, r.State())
	assert.Equal(t, uint64(104), r.LastApplied())
	assert.Equal(t, depth.Top{BidPrice: 99, BidQty: 2, AskPrice: 101, AskQty: 3}, r.Top())
	assert.Equal(t, []uint32{hash}, books.Symbols())
}
