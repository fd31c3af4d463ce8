package depth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chimera/internal/clock"
	"chimera/internal/codec"
	"chimera/internal/errors"
	"chimera/internal/obs"
	"chimera/internal/schema"
)

type memLog struct {
	mu      sync.Mutex
	headers []schema.EventHeader
	bodies  [][]byte
}

func (l *memLog) Append(h schema.EventHeader, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h.EventID = uint64(len(l.headers))
	l.headers = append(l.headers, h)
	l.bodies = append(l.bodies, append([]byte(nil), payload...))
	return h.EventID, nil
}

func (l *memLog) types() []schema.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]schema.EventType, len(l.headers))
	for i, h := range l.headers {
		out[i] = h.Type
	}
	return out
}

func (l *memLog) drifts(t *testing.T) []schema.Drift {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []schema.Drift
	for i, h := range l.headers {
		if h.Type != schema.EventDrift {
			continue
		}
		d, ok := codec.DecodeDrift(l.bodies[i])
		require.True(t, ok)
		out = append(out, d)
	}
	return out
}

type fetchResult struct {
	snap schema.Snapshot
	err  error
}

type scriptedFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
}

func (f *scriptedFetcher) FetchSnapshot(ctx context.Context, symbol string) (schema.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return schema.Snapshot{}, errors.New("no snapshot scripted")
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.snap, r.err
}

type recordingGuard struct {
	mu        sync.Mutex
	inhibited map[uint32]schema.RiskBlockReason
	killed    bool
}

type fetchFunc func(ctx context.Context, symbol string) (schema.Snapshot, error)

func (f fetchFunc) FetchSnapshot(ctx context.Context, symbol string) (schema.Snapshot, error) {
	return f(ctx, symbol)
}

func (g *recordingGuard) Inhibit(symbolHash uint32, reason schema.RiskBlockReason) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inhibited == nil {
		g.inhibited = make(map[uint32]schema.RiskBlockReason)
	}
	g.inhibited[symbolHash] = reason
}

func (g *recordingGuard) Release(symbolHash uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inhibited, symbolHash)
}

func (g *recordingGuard) Killed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killed
}

func (g *recordingGuard) kill() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.killed = true
}

func (g *recordingGuard) has(symbolHash uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inhibited[symbolHash]
	return ok
}

func delta(first, last uint64) schema.DepthDelta {
	return schema.DepthDelta{
		FirstUpdateID: first,
		LastUpdateID:  last,
		Bids:          []schema.Level{{Price: 100, Qty: float64(last)}},
	}
}

func snapshot(id uint64) schema.Snapshot {
	return schema.Snapshot{
		LastUpdateID: id,
		Bids:         []schema.Level{{Price: 100, Qty: 1}, {Price: 99, Qty: 2}},
		Asks:         []schema.Level{{Price: 101, Qty: 3}},
	}
}

func TestGateClassifiesDeltas(t *testing.T) {
	log := &memLog{}
	g := NewGate(schema.VenueBinance, 9, log, nil)

	v, err := g.Accept(1, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, VerdictRejected, v, "uninitialized gate rejects")

	g.Seed(100)
	for _, tc := range []struct {
		first, last uint64
		want        Verdict
	}{
		{90, 99, VerdictStale},
		{95, 100, VerdictStale},
		{101, 103, VerdictApply},
		{102, 105, VerdictApply},
		{7, 3, VerdictInvalid},
		{107, 110, VerdictGap},
		{106, 108, VerdictRejected},
	} {
		v, err := g.Accept(tc.first, tc.last, 0)
		require.NoError(t, err)
		assert.Equalf(t, tc.want, v, "delta [%d, %d]", tc.first, tc.last)
	}

	assert.Equal(t, GateResync, g.State())
	assert.Equal(t, uint64(105), g.LastApplied())
	assert.Equal(t, uint64(1), g.Gaps())

	drifts := log.drifts(t)
	require.Len(t, drifts, 1)
	assert.Equal(t, schema.Drift{Reason: schema.DriftGap, Expected: 106, First: 107, Last: 110}, drifts[0])
}

func TestGateDropsEveryStaleDelta(t *testing.T) {
	g := NewGate(schema.VenueBinance, 1, nil, nil)
	g.Seed(50)
	for b := uint64(0); b <= 50; b++ {
		for a := uint64(0); a <= b; a++ {
			v, err := g.Accept(a, b, 0)
			require.NoError(t, err)
			require.Equal(t, VerdictStale, v)
		}
	}
	assert.Equal(t, uint64(50), g.LastApplied())
}

func newTestReconciler(t *testing.T, fetcher SnapshotFetcher, log Appender, guard Inhibitor, sleeper clock.Sleeper, bufferSize int) *Reconciler {
	t.Helper()
	r, err := NewReconciler(ReconcilerConfig{
		Venue:      schema.VenueBinance,
		Symbol:     "BTCUSDT",
		BufferSize: bufferSize,
	}, Deps{
		Fetcher: fetcher,
		Log:     log,
		Guard:   guard,
		Sleeper: sleeper,
		Clock:   clock.NewManual(0),
	})
	require.NoError(t, err)
	return r
}

func TestReconcilerRecoversFromGap(t *testing.T) {
	log := &memLog{}
	fetcher := &scriptedFetcher{results: []fetchResult{{snap: snapshot(100)}, {snap: snapshot(108)}}}
	r := newTestReconciler(t, fetcher, log, nil, clock.NewManual(0), 16)

	require.NoError(t, r.Sync(t.Context()))
	require.Equal(t, SyncLive, r.State())
	require.Equal(t, uint64(100), r.LastApplied())

	v, err := r.OnDelta(delta(105, 110), 1)
	require.NoError(t, err)
	assert.Equal(t, VerdictGap, v)
	assert.Equal(t, SyncSyncing, r.State())

	v, err = r.OnDelta(delta(111, 115), 2)
	require.NoError(t, err)
	assert.Equal(t, VerdictBuffered, v)
	assert.Equal(t, 2, r.Buffered())

	select {
	case <-r.Wake():
	default:
		t.Fatal("gap must wake the sync worker")
	}

	require.NoError(t, r.Sync(t.Context()))
	assert.Equal(t, SyncLive, r.State())
	assert.Equal(t, uint64(115), r.LastApplied())

	last := r.LastSync()
	assert.Equal(t, uint64(108), last.SnapshotID)
	assert.Equal(t, 2, last.Applied)
	assert.LessOrEqual(t, last.FirstApplied.FirstUpdateID, last.SnapshotID+1)
	assert.GreaterOrEqual(t, last.FirstApplied.LastUpdateID, last.SnapshotID+1)

	drifts := log.drifts(t)
	require.Len(t, drifts, 1)
	assert.Equal(t, schema.DriftGap, drifts[0].Reason)

	v, err = r.OnDelta(delta(116, 116), 3)
	require.NoError(t, err)
	assert.Equal(t, VerdictApply, v)
	assert.Equal(t, 116.0, r.Top().BidQty)
}

func TestReconcilerDiscardsDeltasCoveredBySnapshot(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{{snap: snapshot(120)}}}
	r := newTestReconciler(t, fetcher, nil, nil, clock.NewManual(0), 16)

	for _, d := range []schema.DepthDelta{delta(101, 110), delta(111, 118), delta(119, 125), delta(126, 130)} {
		v, err := r.OnDelta(d, 0)
		require.NoError(t, err)
		require.Equal(t, VerdictBuffered, v)
	}

	require.NoError(t, r.Sync(t.Context()))
	last := r.LastSync()
	assert.Equal(t, 2, last.Discarded)
	assert.Equal(t, 2, last.Applied)
	assert.Equal(t, uint64(119), last.FirstApplied.FirstUpdateID)
	assert.Equal(t, uint64(130), r.LastApplied())
}

func TestReconcilerRetriesStaleSnapshot(t *testing.T) {
	log := &memLog{}
	sleeper := clock.NewManual(0)
	fetcher := &scriptedFetcher{results: []fetchResult{{snap: snapshot(100)}, {snap: snapshot(108)}}}
	r := newTestReconciler(t, fetcher, log, nil, sleeper, 16)

	_, err := r.OnDelta(delta(105, 110), 0)
	require.NoError(t, err)

	require.NoError(t, r.Sync(t.Context()))
	assert.Equal(t, SyncLive, r.State())
	assert.Equal(t, 2, fetcher.calls)
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, sleeper.Sleeps())

	drifts := log.drifts(t)
	require.Len(t, drifts, 1)
	assert.Equal(t, schema.DriftSnapshotStale, drifts[0].Reason)
	assert.Equal(t, uint32(1), drifts[0].Attempt)
}

func TestReconcilerDiesAfterFiveFailures(t *testing.T) {
	log := &memLog{}
	guard := &recordingGuard{}
	sleeper := clock.NewManual(0)
	fail := fetchResult{err: errors.New("503")}
	fetcher := &scriptedFetcher{results: []fetchResult{fail, fail, fail, fail, fail}}
	r := newTestReconciler(t, fetcher, log, guard, sleeper, 16)

	err := r.Sync(t.Context())
	require.ErrorIs(t, err, ErrSymbolDead)
	assert.Equal(t, errors.KindLocalFatal, errors.KindOf(err))
	assert.Equal(t, SyncDead, r.State())
	assert.True(t, guard.has(r.SymbolHash()))

	assert.Equal(t, []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
	}, sleeper.Sleeps())

	types := log.types()
	require.Len(t, types, 6)
	assert.Equal(t, schema.EventRiskBlock, types[5])
	for i, d := range log.drifts(t) {
		assert.Equal(t, schema.DriftSnapshotFailed, d.Reason)
		assert.Equal(t, uint32(i+1), d.Attempt)
	}

	v, err := r.OnDelta(delta(1, 2), 0)
	require.NoError(t, err)
	assert.Equal(t, VerdictRejected, v)

	r.Reset()
	assert.Equal(t, SyncSyncing, r.State())
	assert.False(t, guard.has(r.SymbolHash()))
}

func TestReconcilerThrottlesOnRateLimit(t *testing.T) {
	log := &memLog{}
	fetcher := &scriptedFetcher{results: []fetchResult{{err: ErrRateLimited}, {snap: snapshot(5)}}}
	r := newTestReconciler(t, fetcher, log, nil, clock.NewManual(0), 16)

	require.NoError(t, r.Sync(t.Context()))
	assert.Equal(t, []schema.EventType{schema.EventThrottle}, log.types())

	body := log.bodies[0]
	throttle, ok := codec.DecodeThrottle(body)
	require.True(t, ok)
	assert.Equal(t, schema.ThrottleRateLimited, throttle.Reason)
	assert.Equal(t, int64(250*time.Millisecond), throttle.BackoffNs)
}

func TestReconcilerBufferOverflowKeepsNewest(t *testing.T) {
	log := &memLog{}
	fetcher := &scriptedFetcher{results: []fetchResult{{snap: snapshot(12)}}}
	r := newTestReconciler(t, fetcher, log, nil, clock.NewManual(0), 2)

	for _, d := range []schema.DepthDelta{delta(1, 5), delta(6, 10), delta(11, 15), delta(16, 20)} {
		_, err := r.OnDelta(d, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, r.Buffered())

	drifts := log.drifts(t)
	require.Len(t, drifts, 1, "overflow is reported once per sync")
	assert.Equal(t, schema.DriftBufferOverflow, drifts[0].Reason)

	require.NoError(t, r.Sync(t.Context()))
	assert.Equal(t, uint64(20), r.LastApplied())
}

func TestReconcilerRecordsSnapshots(t *testing.T) {
	log := &memLog{}
	r, err := NewReconciler(ReconcilerConfig{Symbol: "ETHUSDT", RecordSnapshots: true}, Deps{
		Fetcher: &scriptedFetcher{results: []fetchResult{{snap: snapshot(3)}}},
		Log:     log,
		Sleeper: clock.NewManual(0),
	})
	require.NoError(t, err)

	require.NoError(t, r.Sync(t.Context()))
	require.Equal(t, []schema.EventType{schema.EventSnapshot}, log.types())
	snap, ok := codec.DecodeSnapshot(log.bodies[0])
	require.True(t, ok)
	assert.Equal(t, snapshot(3), snap)
}

func TestReconcilerDisconnectForcesResync(t *testing.T) {
	log := &memLog{}
	fetcher := &scriptedFetcher{results: []fetchResult{{snap: snapshot(10)}}}
	r := newTestReconciler(t, fetcher, log, nil, clock.NewManual(0), 4)
	require.NoError(t, r.Sync(t.Context()))

	require.NoError(t, r.OnDisconnect(5))
	assert.Equal(t, SyncSyncing, r.State())
	drifts := log.drifts(t)
	require.Len(t, drifts, 1)
	assert.Equal(t, schema.DriftDisconnect, drifts[0].Reason)
}

func TestReconcilerSyncHonoursContext(t *testing.T) {
	r := newTestReconciler(t, &scriptedFetcher{}, nil, nil, clock.NewManual(0), 4)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.ErrorIs(t, r.Sync(ctx), context.Canceled)
}

func TestBookLevels(t *testing.T) {
	b := NewBook()
	b.ApplySnapshot(snapshot(1))
	assert.Equal(t, Top{BidPrice: 100, BidQty: 1, AskPrice: 101, AskQty: 3}, b.Top())

	b.ApplyDelta(schema.DepthDelta{
		FirstUpdateID: 2,
		LastUpdateID:  3,
		Bids:          []schema.Level{{Price: 100.5, Qty: 4}, {Price: 100, Qty: 0}},
		Asks:          []schema.Level{{Price: 102, Qty: 1}, {Price: 101, Qty: 0}},
	})
	assert.Equal(t, []schema.Level{{Price: 100.5, Qty: 4}, {Price: 99, Qty: 2}}, b.Bids(0))
	assert.Equal(t, []schema.Level{{Price: 102, Qty: 1}}, b.Asks(5))
	assert.Equal(t, uint64(3), b.LastUpdateID())
	assert.True(t, b.Top().Valid())

	b.ApplyDelta(schema.DepthDelta{FirstUpdateID: 4, LastUpdateID: 4, Asks: []schema.Level{{Price: 102, Qty: 0}}})
	assert.False(t, b.Top().Valid())
}

func TestReconcilerStopsWhenKilled(t *testing.T) {
	log := &memLog{}
	guard := &recordingGuard{}
	guard.kill()
	fetcher := &scriptedFetcher{results: []fetchResult{{snap: snapshot(10)}}}
	r := newTestReconciler(t, fetcher, log, guard, clock.NewManual(0), 4)

	err := r.Sync(t.Context())
	require.ErrorIs(t, err, ErrKilled)
	assert.Equal(t, errors.KindLocalFatal, errors.KindOf(err))
	assert.Zero(t, fetcher.calls)
	assert.Empty(t, log.types())
	assert.Equal(t, SyncSyncing, r.State())
}

func TestReconcilerStopsRetryingAfterKill(t *testing.T) {
	log := &memLog{}
	guard := &recordingGuard{}
	sleeper := clock.NewManual(0)
	calls := 0
	fetcher := fetchFunc(func(context.Context, string) (schema.Snapshot, error) {
		calls++
		guard.kill()
		return schema.Snapshot{}, errors.New("503")
	})
	r := newTestReconciler(t, fetcher, log, guard, sleeper, 4)

	require.ErrorIs(t, r.Sync(t.Context()), ErrKilled)
	assert.Equal(t, 1, calls)
	assert.Zero(t, r.Attempts())
	assert.Empty(t, sleeper.Sleeps())
	assert.Empty(t, log.types(), "no drift or throttle after the kill")
}

func TestReconcilerTimesSyncWithInjectedClock(t *testing.T) {
	m := clock.NewManual(0)
	metrics := obs.NewMetrics()
	r, err := NewReconciler(ReconcilerConfig{Symbol: "BTCUSDT"}, Deps{
		Fetcher: &scriptedFetcher{results: []fetchResult{{snap: snapshot(100)}, {snap: snapshot(108)}}},
		Sleeper: m,
		Clock:   m,
		Metrics: metrics,
	})
	require.NoError(t, err)

	_, err = r.OnDelta(delta(105, 110), 0)
	require.NoError(t, err)
	require.NoError(t, r.Sync(t.Context()))

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.SyncLatency.Count)
	assert.Equal(t, 250*time.Millisecond, snap.SyncLatency.Max)
	assert.Equal(t, uint64(2), snap.SnapshotLatency.Count)
	assert.Zero(t, snap.SnapshotLatency.Max)
}
