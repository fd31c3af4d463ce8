package depth

import (
	"chimera/internal/codec"
	"chimera/internal/obs"
	"chimera/internal/schema"
)

// Appender is the part of the log writer that control events need.
type Appender interface {
	Append(header schema.EventHeader, payload []byte) (uint64, error)
}

// GateState is the continuity state of one symbol.
type GateState uint8

const (
	GateUninitialized GateState = iota
	GateLive
	GateResync
)

func (s GateState) String() string {
	switch s {
	case GateLive:
		return "live"
	case GateResync:
		return "resync"
	default:
		return "uninitialized"
	}
}

// Verdict is the gate's answer for one delta.
type Verdict uint8

const (
	VerdictApply Verdict = iota
	VerdictStale
	VerdictGap
	VerdictRejected
	VerdictBuffered
	VerdictInvalid
)

func (v Verdict) String() string {
	switch v {
	case VerdictApply:
		return "apply"
	case VerdictStale:
		return "stale"
	case VerdictGap:
		return "gap"
	case VerdictRejected:
		return "rejected"
	case VerdictBuffered:
		return "buffered"
	default:
		return "invalid"
	}
}

// Gate enforces contiguous update ids for one symbol's depth stream.
type Gate struct {
	venue       schema.VenueID
	symbolHash  uint32
	log         Appender
	metrics     *obs.Metrics
	state       GateState
	lastApplied uint64
	gaps        uint64
}

// NewGate creates an uninitialized gate. log may be nil during replay.
func NewGate(venue schema.VenueID, symbolHash uint32, log Appender, metrics *obs.Metrics) *Gate {
	return &Gate{
		venue:      venue,
		symbolHash: symbolHash,
		log:        log,
		metrics:    metrics,
	}
}

// Seed marks the gate live with lastUpdateID taken from a snapshot.
func (g *Gate) Seed(lastUpdateID uint64) {
	g.lastApplied = lastUpdateID
	g.state = GateLive
}

// Accept classifies a delta covering [first, last]. An error means the
// DRIFT record could not be written.
func (g *Gate) Accept(first, last uint64, tsLocal int64) (Verdict, error) {
	if first > last {
		return VerdictInvalid, nil
	}

	switch g.state {
	case GateUninitialized, GateResync:
		return VerdictRejected, nil
	}

	if last <= g.lastApplied {
		g.metrics.IncStaleDelta()
		return VerdictStale, nil
	}

	if first > g.lastApplied+1 {
		expected := g.lastApplied + 1
		g.state = GateResync
		g.gaps++
		g.metrics.IncDrift(schema.DriftGap)
		return VerdictGap, g.emitDrift(schema.Drift{
			Reason:   schema.DriftGap,
			Expected: expected,
			First:    first,
			Last:     last,
		}, tsLocal)
	}

	g.lastApplied = last
	return VerdictApply, nil
}

// Invalidate forces a resync, e.g. after a disconnect.
func (g *Gate) Invalidate() {
	if g.state == GateLive {
		g.state = GateResync
	}
}

func (g *Gate) State() GateState {
	return g.state
}

func (g *Gate) LastApplied() uint64 {
	return g.lastApplied
}

func (g *Gate) Gaps() uint64 {
	return g.gaps
}

func (g *Gate) emitDrift(d schema.Drift, tsLocal int64) error {
	if g.log == nil {
		return nil
	}
	_, err := g.log.Append(
		schema.NewHeader(schema.EventDrift, g.venue, 0, g.symbolHash, 0, tsLocal),
		codec.EncodeDrift(nil, d),
	)
	return err
}
