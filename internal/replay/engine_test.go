package replay

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chimera/internal/clock"
	"chimera/internal/codec"
	"chimera/internal/errors"
	"chimera/internal/recorder"
	"chimera/internal/schema"
)

const recordHeaderSize = 40

func dataStart(t *testing.T, path string) int {
	t.Helper()
	r, err := recorder.OpenReader(path, recorder.ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	return int(r.DataStart())
}

// writeLog appends n records alternating FILL and HEARTBEAT, spaced one
// millisecond apart in ts_local.
func writeLog(t *testing.T, mapSize int64, n int) (string, []string) {
	t.Helper()
	base := filepath.Join(t.TempDir(), "replay")
	w, err := recorder.NewWriter(recorder.Config{BasePath: base, MapSize: mapSize, HighWater: 0.5}, recorder.WithClock(clock.NewManual(1)))
	require.NoError(t, err)
	hash, err := w.RegisterSymbol("BTCUSDT")
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		ts := int64(i+1) * int64(time.Millisecond)
		if i%2 == 0 {
			_, err = w.Append(schema.NewHeader(schema.EventFill, schema.VenueSim, 1, hash, ts, ts), codec.EncodeFill(nil, schema.Fill{Price: 100, Qty: 1}))
		} else {
			_, err = w.Append(schema.NewHeader(schema.EventHeartbeat, schema.VenueSim, 1, 0, ts, ts), codec.EncodeHeartbeat(nil, schema.Heartbeat{Seq: uint64(i)}))
		}
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return base, w.Paths()
}

func TestEngineDispatchesInWriteOrder(t *testing.T) {
	_, paths := writeLog(t, 1<<16, 10)

	e, err := NewEngine(Config{Paths: paths})
	require.NoError(t, err)

	var fills, all []uint64
	e.On(schema.EventFill, func(h schema.EventHeader, _ []byte) error {
		fills = append(fills, h.EventID)
		return nil
	})
	e.Observe(func(h schema.EventHeader, _ []byte) error {
		all = append(all, h.EventID)
		return nil
	})
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, []uint64{0, 2, 4, 6, 8}, fills)
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, all)
	assert.Equal(t, uint64(10), e.Stats().Dispatched)
	assert.Equal(t, uint64(9), e.Stats().LastEventID)

	_, ok := e.Dictionary().Name(schema.SymbolHash("BTCUSDT"))
	assert.True(t, ok)
}

func TestEngineOnReplacesHandler(t *testing.T) {
	_, paths := writeLog(t, 1<<16, 4)

	e, err := NewEngine(Config{Paths: paths})
	require.NoError(t, err)

	var first, second int
	e.On(schema.EventFill, func(schema.EventHeader, []byte) error { first++; return nil })
	e.On(schema.EventFill, func(schema.EventHeader, []byte) error { second++; return nil })
	require.NotNil(t, e.Handler(schema.EventFill))
	require.NoError(t, e.Run(context.Background()))

	assert.Zero(t, first)
	assert.Equal(t, 2, second)
	assert.Equal(t, uint64(2), e.Stats().Skipped)

	e.On(schema.EventFill, nil)
	assert.Nil(t, e.Handler(schema.EventFill))
}

func TestEngineContinuesAcrossFiles(t *testing.T) {
	base, paths := writeLog(t, 4096, 200)
	require.Greater(t, len(paths), 1)

	resolved, err := recorder.Resolve(base)
	require.NoError(t, err)
	require.Equal(t, paths, resolved)

	e, err := NewEngine(Config{Paths: resolved})
	require.NoError(t, err)

	var next uint64
	e.Observe(func(h schema.EventHeader, _ []byte) error {
		require.Equal(t, next, h.EventID)
		next++
		return nil
	})
	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, uint64(200), next)
	assert.Equal(t, len(paths), e.Stats().Files)
}

func TestEngineRejectsMissingFile(t *testing.T) {
	_, paths := writeLog(t, 4096, 200)
	require.Greater(t, len(paths), 2)

	e, err := NewEngine(Config{Paths: []string{paths[0], paths[2]}})
	require.NoError(t, err)
	err = e.Run(context.Background())
	assert.ErrorIs(t, err, recorder.ErrSequenceBreak)
}

func TestEngineReportsCorruptRecord(t *testing.T) {
	_, paths := writeLog(t, 1<<16, 5)

	start := dataStart(t, paths[0])
	raw, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	fill := recordHeaderSize + schema.Align8(codec.FillPayloadSize)
	beat := recordHeaderSize + schema.Align8(codec.HeartbeatPayloadSize)
	third := start + fill + beat
	raw[third+recordHeaderSize+3] ^= 0xff
	require.NoError(t, os.WriteFile(paths[0], raw, 0o644))

	e, err := NewEngine(Config{Paths: paths})
	require.NoError(t, err)
	var seen int
	e.Observe(func(schema.EventHeader, []byte) error { seen++; return nil })

	err = e.Run(context.Background())
	var corrupt *recorder.CorruptRecordError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, uint64(2), corrupt.EventID)
	assert.Equal(t, 2, seen)
}

func TestEngineSkipsTypesFromNewerMinorVersion(t *testing.T) {
	_, paths := writeLog(t, 1<<16, 4)

	start := dataStart(t, paths[0])
	raw, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	binary.LittleEndian.PutUint16(raw[6:8], schema.VersionMinor+5)
	raw[start+30] = 200 // type byte of event 0
	require.NoError(t, os.WriteFile(paths[0], raw, 0o644))

	e, err := NewEngine(Config{Paths: paths})
	require.NoError(t, err)
	var fills, beats int
	var seen []uint64
	e.On(schema.EventFill, func(schema.EventHeader, []byte) error { fills++; return nil })
	e.On(schema.EventHeartbeat, func(schema.EventHeader, []byte) error { beats++; return nil })
	e.Observe(func(h schema.EventHeader, _ []byte) error {
		seen = append(seen, h.EventID)
		return nil
	})
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, 1, fills)
	assert.Equal(t, 2, beats)
	assert.Equal(t, []uint64{1, 2, 3}, seen)
	assert.Equal(t, uint64(4), e.Stats().Records)
	assert.Equal(t, uint64(1), e.Stats().Skipped)
	assert.Equal(t, uint64(3), e.Stats().LastEventID)
}

func TestEngineHandlerErrorNamesEvent(t *testing.T) {
	_, paths := writeLog(t, 1<<16, 4)

	e, err := NewEngine(Config{Paths: paths})
	require.NoError(t, err)
	boom := errors.New("boom")
	e.On(schema.EventHeartbeat, func(schema.EventHeader, []byte) error { return boom })

	err = e.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "event_id 1")
}

func TestEngineSetsModeDuringRun(t *testing.T) {
	_, paths := writeLog(t, 1<<16, 2)

	mode := NewMode(false)
	e, err := NewEngine(Config{Paths: paths})
	require.NoError(t, err)
	e.WithMode(mode)

	var during bool
	e.Observe(func(schema.EventHeader, []byte) error {
		during = mode.Enabled()
		return nil
	})
	require.NoError(t, e.Run(context.Background()))
	assert.True(t, during)
	assert.False(t, mode.Enabled())
	assert.True(t, NewMode(true).Enabled())

	t.Setenv(EnvReplayMode, "1")
	assert.True(t, ModeFromEnv().Enabled())
}

func TestEnginePacesOnRecordedTime(t *testing.T) {
	_, paths := writeLog(t, 1<<16, 4)

	sleeper := clock.NewManual(0)
	e, err := NewEngine(Config{Paths: paths, Speed: 2})
	require.NoError(t, err)
	e.WithSleeper(sleeper)
	require.NoError(t, e.Run(context.Background()))

	half := time.Millisecond / 2
	assert.Equal(t, []time.Duration{half, half, half}, sleeper.Sleeps())
}

func TestEngineStopsOnCancel(t *testing.T) {
	_, paths := writeLog(t, 1<<16, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e, err := NewEngine(Config{Paths: paths})
	require.NoError(t, err)
	assert.ErrorIs(t, e.Run(ctx), context.Canceled)
}

func TestConfigValidate(t *testing.T) {
	_, err := NewEngine(Config{})
	assert.Error(t, err)
	_, err = NewEngine(Config{Paths: []string{"x"}, Speed: -1})
	assert.Error(t, err)
}
