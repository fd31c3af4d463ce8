package codec

import (
	"encoding/binary"

	"chimera/internal/schema"
)

const (
	RejectPayloadSize    = 40
	RiskBlockPayloadSize = 16
	DriftPayloadSize     = 32
	ThrottlePayloadSize  = 16
	HeartbeatPayloadSize = 16
)

// EncodeReject serializes a refused order intent.
func EncodeReject(dst []byte, reject schema.Reject) []byte {
	dst = fixed(dst, RejectPayloadSize)

	binary.LittleEndian.PutUint64(dst[0:8], reject.OrderEventID)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(reject.Reason))
	putF64(dst[16:24], reject.Price)
	putF64(dst[24:32], reject.Qty)
	putF64(dst[32:40], reject.FillProbability)

	return dst
}

// DecodeReject parses a reject payload.
func DecodeReject(src []byte) (schema.Reject, bool) {
	if len(src) < RejectPayloadSize {
		return schema.Reject{}, false
	}
	return schema.Reject{
		OrderEventID:    binary.LittleEndian.Uint64(src[0:8]),
		Reason:          schema.RejectReason(binary.LittleEndian.Uint32(src[8:12])),
		Price:           f64(src[16:24]),
		Qty:             f64(src[24:32]),
		FillProbability: f64(src[32:40]),
	}, true
}

func EncodeRiskBlock(dst []byte, block schema.RiskBlock) []byte {
	dst = fixed(dst, RiskBlockPayloadSize)
	binary.LittleEndian.PutUint32(dst[0:4], uint32(block.Reason))
	binary.LittleEndian.PutUint32(dst[4:8], block.Attempts)
	binary.LittleEndian.PutUint64(dst[8:16], block.LastUpdateID)
	return dst
}

func DecodeRiskBlock(src []byte) (schema.RiskBlock, bool) {
	if len(src) < RiskBlockPayloadSize {
		return schema.RiskBlock{}, false
	}
	return schema.RiskBlock{
		Reason:       schema.RiskBlockReason(binary.LittleEndian.Uint32(src[0:4])),
		Attempts:     binary.LittleEndian.Uint32(src[4:8]),
		LastUpdateID: binary.LittleEndian.Uint64(src[8:16]),
	}, true
}

func EncodeDrift(dst []byte, drift schema.Drift) []byte {
	dst = fixed(dst, DriftPayloadSize)
	binary.LittleEndian.PutUint32(dst[0:4], uint32(drift.Reason))
	binary.LittleEndian.PutUint32(dst[4:8], drift.Attempt)
	binary.LittleEndian.PutUint64(dst[8:16], drift.Expected)
	binary.LittleEndian.PutUint64(dst[16:24], drift.First)
	binary.LittleEndian.PutUint64(dst[24:32], drift.Last)
	return dst
}

func DecodeDrift(src []byte) (schema.Drift, bool) {
	if len(src) < DriftPayloadSize {
		return schema.Drift{}, false
	}
	return schema.Drift{
		Reason:   schema.DriftReason(binary.LittleEndian.Uint32(src[0:4])),
		Attempt:  binary.LittleEndian.Uint32(src[4:8]),
		Expected: binary.LittleEndian.Uint64(src[8:16]),
		First:    binary.LittleEndian.Uint64(src[16:24]),
		Last:     binary.LittleEndian.Uint64(src[24:32]),
	}, true
}

func EncodeThrottle(dst []byte, throttle schema.Throttle) []byte {
	dst = fixed(dst, ThrottlePayloadSize)
	binary.LittleEndian.PutUint32(dst[0:4], uint32(throttle.Reason))
	binary.LittleEndian.PutUint32(dst[4:8], throttle.Attempt)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(throttle.BackoffNs))
	return dst
}

func DecodeThrottle(src []byte) (schema.Throttle, bool) {
	if len(src) < ThrottlePayloadSize {
		return schema.Throttle{}, false
	}
	return schema.Throttle{
		Reason:    schema.ThrottleReason(binary.LittleEndian.Uint32(src[0:4])),
		Attempt:   binary.LittleEndian.Uint32(src[4:8]),
		BackoffNs: int64(binary.LittleEndian.Uint64(src[8:16])),
	}, true
}

func EncodeHeartbeat(dst []byte, hb schema.Heartbeat) []byte {
	dst = fixed(dst, HeartbeatPayloadSize)
	binary.LittleEndian.PutUint64(dst[0:8], hb.Seq)
	binary.LittleEndian.PutUint32(dst[8:12], hb.Symbols)
	return dst
}

func DecodeHeartbeat(src []byte) (schema.Heartbeat, bool) {
	if len(src) < HeartbeatPayloadSize {
		return schema.Heartbeat{}, false
	}
	return schema.Heartbeat{
		Seq:     binary.LittleEndian.Uint64(src[0:8]),
		Symbols: binary.LittleEndian.Uint32(src[8:12]),
	}, true
}
