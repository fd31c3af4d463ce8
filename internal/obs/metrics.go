package obs

import (
	"sync/atomic"
	"time"

	"chimera/internal/schema"
)

// Metrics is a set of lock-free counters shared by the writer, the
// reconcilers, the shadow engine and the ingress queue. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	events  [int(schema.MaxEventType) + 1]atomic.Uint64
	rejects [int(schema.MaxRejectReason) + 1]atomic.Uint64
	drifts  [int(schema.DriftDisconnect) + 1]atomic.Uint64

	appendBytes atomic.Uint64
	rotations   atomic.Uint64
	halts       atomic.Uint64
	resyncs     atomic.Uint64
	deadSymbols atomic.Uint64
	staleDeltas atomic.Uint64
	throttles   atomic.Uint64
	queueDrops  atomic.Uint64
	queueClosed atomic.Uint64

	snapshotLatency LatencyStats
	syncLatency     LatencyStats
}

// Snapshot is a point-in-time copy of Metrics. Zero counts are left out of
// the maps.
type Snapshot struct {
	EventCounts     map[schema.EventType]uint64
	RejectCounts    map[schema.RejectReason]uint64
	DriftCounts     map[schema.DriftReason]uint64
	AppendBytes     uint64
	Rotations       uint64
	Halts           uint64
	Resyncs         uint64
	DeadSymbols     uint64
	StaleDeltas     uint64
	Throttles       uint64
	QueueDrops      uint64
	QueueClosed     uint64
	SnapshotLatency LatencySnapshot
	SyncLatency     LatencySnapshot
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveAppend counts one record of type t taking bytes in the log.
func (m *Metrics) ObserveAppend(t schema.EventType, bytes int) {
	if m == nil {
		return
	}
	if int(t) < len(m.events) {
		m.events[t].Add(1)
	}
	m.appendBytes.Add(uint64(bytes))
}

func (m *Metrics) IncReject(reason schema.RejectReason) {
	if m == nil || int(reason) >= len(m.rejects) {
		return
	}
	m.rejects[reason].Add(1)
}

func (m *Metrics) IncDrift(reason schema.DriftReason) {
	if m == nil || int(reason) >= len(m.drifts) {
		return
	}
	m.drifts[reason].Add(1)
}

func (m *Metrics) IncRotation() {
	if m != nil {
		m.rotations.Add(1)
	}
}

func (m *Metrics) IncHalt() {
	if m != nil {
		m.halts.Add(1)
	}
}

func (m *Metrics) IncResync() {
	if m != nil {
		m.resyncs.Add(1)
	}
}

func (m *Metrics) IncDeadSymbol() {
	if m != nil {
		m.deadSymbols.Add(1)
	}
}

func (m *Metrics) IncStaleDelta() {
	if m != nil {
		m.staleDeltas.Add(1)
	}
}

func (m *Metrics) IncThrottle() {
	if m != nil {
		m.throttles.Add(1)
	}
}

func (m *Metrics) IncQueueDrop() {
	if m != nil {
		m.queueDrops.Add(1)
	}
}

func (m *Metrics) IncQueueClosed() {
	if m != nil {
		m.queueClosed.Add(1)
	}
}

// ObserveSnapshotFetch measures one REST snapshot round trip.
func (m *Metrics) ObserveSnapshotFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.snapshotLatency.Observe(d)
}

// ObserveSync measures the time from entering sync to live.
func (m *Metrics) ObserveSync(d time.Duration) {
	if m == nil {
		return
	}
	m.syncLatency.Observe(d)
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	s := Snapshot{
		EventCounts:     make(map[schema.EventType]uint64),
		RejectCounts:    make(map[schema.RejectReason]uint64),
		DriftCounts:     make(map[schema.DriftReason]uint64),
		AppendBytes:     m.appendBytes.Load(),
		Rotations:       m.rotations.Load(),
		Halts:           m.halts.Load(),
		Resyncs:         m.resyncs.Load(),
		DeadSymbols:     m.deadSymbols.Load(),
		StaleDeltas:     m.staleDeltas.Load(),
		Throttles:       m.throttles.Load(),
		QueueDrops:      m.queueDrops.Load(),
		QueueClosed:     m.queueClosed.Load(),
		SnapshotLatency: m.snapshotLatency.Snapshot(),
		SyncLatency:     m.syncLatency.Snapshot(),
	}
	for i := range m.events {
		if v := m.events[i].Load(); v > 0 {
			s.EventCounts[schema.EventType(i)] = v
		}
	}
	for i := range m.rejects {
		if v := m.rejects[i].Load(); v > 0 {
			s.RejectCounts[schema.RejectReason(i)] = v
		}
	}
	for i := range m.drifts {
		if v := m.drifts[i].Load(); v > 0 {
			s.DriftCounts[schema.DriftReason(i)] = v
		}
	}
	return s
}

// LatencyStats keeps count, sum, min and max of duration samples.
type LatencyStats struct {
	count atomic.Uint64
	sum   atomic.Uint64
	min   atomic.Uint64 // 0 until the first sample
	max   atomic.Uint64
}

type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Observe adds one sample. Negative durations are ignored.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	ns := uint64(d)
	l.count.Add(1)
	l.sum.Add(ns)
	for cur := l.min.Load(); cur == 0 || ns < cur; cur = l.min.Load() {
		if l.min.CompareAndSwap(cur, ns) {
			break
		}
	}
	for cur := l.max.Load(); ns > cur; cur = l.max.Load() {
		if l.max.CompareAndSwap(cur, ns) {
			break
		}
	}
}

func (l *LatencyStats) Snapshot() LatencySnapshot {
	n := l.count.Load()
	if n == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: n,
		Min:   time.Duration(l.min.Load()),
		Max:   time.Duration(l.max.Load()),
		Avg:   time.Duration(l.sum.Load() / n),
	}
}
