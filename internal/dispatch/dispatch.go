// Package dispatch connects recorded events to the consumers that also run
// live, so a replay drives exactly the same state transitions.
package dispatch

import (
	"fmt"

	"chimera/internal/codec"
	"chimera/internal/replay"
	"chimera/internal/schema"
	"chimera/internal/state"
)

// ApplyFill books a fill into the ledger. The live shadow engine calls it
// from the writer commit hook and replay calls it per FILL record.
func ApplyFill(l *state.Ledger, h schema.EventHeader, f schema.Fill) (state.Position, error) {
	return l.OnFill(h.SymbolHash, h.EngineID, f.Price, f.Qty, f.Fee, h.EventID)
}

// Typed holds decoded handlers per event type. Nil fields are not registered.
type Typed struct {
	OnSignal    func(schema.EventHeader, schema.SignalVector) error
	OnDecision  func(schema.EventHeader, schema.Decision) error
	OnOrder     func(schema.EventHeader, schema.Order) error
	OnFill      func(schema.EventHeader, schema.Fill) error
	OnReject    func(schema.EventHeader, schema.Reject) error
	OnDrift     func(schema.EventHeader, schema.Drift) error
	OnRiskBlock func(schema.EventHeader, schema.RiskBlock) error
	OnThrottle  func(schema.EventHeader, schema.Throttle) error
	OnHeartbeat func(schema.EventHeader, schema.Heartbeat) error
	OnTrade     func(schema.EventHeader, schema.MarketTick) error
	OnDepth     func(schema.EventHeader, schema.DepthDelta) error
	OnSnapshot  func(schema.EventHeader, schema.Snapshot) error
}

// Bind registers every non-nil handler on e, replacing earlier ones.
func (t Typed) Bind(e *replay.Engine) {
	bind(e, schema.EventSignal, t.OnSignal, codec.DecodeSignal)
	bind(e, schema.EventDecision, t.OnDecision, codec.DecodeDecision)
	bind(e, schema.EventOrder, t.OnOrder, codec.DecodeOrder)
	bind(e, schema.EventFill, t.OnFill, codec.DecodeFill)
	bind(e, schema.EventReject, t.OnReject, codec.DecodeReject)
	bind(e, schema.EventDrift, t.OnDrift, codec.DecodeDrift)
	bind(e, schema.EventRiskBlock, t.OnRiskBlock, codec.DecodeRiskBlock)
	bind(e, schema.EventThrottle, t.OnThrottle, codec.DecodeThrottle)
	bind(e, schema.EventHeartbeat, t.OnHeartbeat, codec.DecodeHeartbeat)
	bind(e, schema.EventMarketTick, t.OnTrade, codec.DecodeMarketTick)
	bind(e, schema.EventDepthDelta, t.OnDepth, codec.DecodeDepthDelta)
	bind(e, schema.EventSnapshot, t.OnSnapshot, codec.DecodeSnapshot)
}

func bind[T any](e *replay.Engine, t schema.EventType, fn func(schema.EventHeader, T) error, decode func([]byte) (T, bool)) {
	if fn == nil {
		return
	}
	e.On(t, func(h schema.EventHeader, payload []byte) error {
		v, ok := decode(payload)
		if !ok {
			return fmt.Errorf("decode %s payload of %d bytes", t, len(payload))
		}
		return fn(h, v)
	})
}

// BindLedger makes every replayed FILL update l.
func BindLedger(e *replay.Engine, l *state.Ledger) {
	Typed{
		OnFill: func(h schema.EventHeader, f schema.Fill) error {
			_, err := ApplyFill(l, h, f)
			return err
		},
	}.Bind(e)
}
