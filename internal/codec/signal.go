package codec

import "chimera/internal/schema"

const (
	SignalPayloadSize   = 56
	DecisionPayloadSize = SignalPayloadSize + 24
)

func EncodeSignal(dst []byte, s schema.SignalVector) []byte {
	dst = fixed(dst, SignalPayloadSize)
	putSignal(dst, s)
	return dst
}

func DecodeSignal(src []byte) (schema.SignalVector, bool) {
	if len(src) < SignalPayloadSize {
		return schema.SignalVector{}, false
	}
	return readSignal(src), true
}

// EncodeDecision serializes the signal vector followed by trade, qty and price.
func EncodeDecision(dst []byte, d schema.Decision) []byte {
	dst = fixed(dst, DecisionPayloadSize)
	putSignal(dst, d.Signals)
	putF64(dst[56:64], d.Trade)
	putF64(dst[64:72], d.Qty)
	putF64(dst[72:80], d.Price)
	return dst
}

func DecodeDecision(src []byte) (schema.Decision, bool) {
	if len(src) < DecisionPayloadSize {
		return schema.Decision{}, false
	}
	return schema.Decision{
		Signals: readSignal(src),
		Trade:   f64(src[56:64]),
		Qty:     f64(src[64:72]),
		Price:   f64(src[72:80]),
	}, true
}

func putSignal(dst []byte, s schema.SignalVector) {
	putF64(dst[0:8], s.OFI)
	putF64(dst[8:16], s.Impulse)
	putF64(dst[16:24], s.Spread)
	putF64(dst[24:32], s.Depth)
	putF64(dst[32:40], s.VPIN)
	putF64(dst[40:48], s.Funding)
	putF64(dst[48:56], s.Regime)
}

func readSignal(src []byte) schema.SignalVector {
	return schema.SignalVector{
		OFI:     f64(src[0:8]),
		Impulse: f64(src[8:16]),
		Spread:  f64(src[16:24]),
		Depth:   f64(src[24:32]),
		VPIN:    f64(src[32:40]),
		Funding: f64(src[40:48]),
		Regime:  f64(src[48:56]),
	}
}
