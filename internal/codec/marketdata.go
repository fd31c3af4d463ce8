package codec

import (
	"encoding/binary"

	"chimera/internal/schema"
)

const (
	TickPayloadSize       = 32
	MarketTickPayloadSize = 32

	levelSize          = 16
	depthDeltaBaseSize = 24
	snapshotBaseSize   = 16
)

// EncodeTick serializes a top-of-book update.
func EncodeTick(dst []byte, tick schema.Tick) []byte {
	dst = fixed(dst, TickPayloadSize)

	putF64(dst[0:8], tick.BidPrice)
	putF64(dst[8:16], tick.BidQty)
	putF64(dst[16:24], tick.AskPrice)
	putF64(dst[24:32], tick.AskQty)

	return dst
}

// DecodeTick parses a top-of-book payload.
func DecodeTick(src []byte) (schema.Tick, bool) {
	if len(src) < TickPayloadSize {
		return schema.Tick{}, false
	}
	return schema.Tick{
		BidPrice: f64(src[0:8]),
		BidQty:   f64(src[8:16]),
		AskPrice: f64(src[16:24]),
		AskQty:   f64(src[24:32]),
	}, true
}

// EncodeMarketTick serializes a public trade print.
func EncodeMarketTick(dst []byte, tick schema.MarketTick) []byte {
	dst = fixed(dst, MarketTickPayloadSize)

	binary.LittleEndian.PutUint64(dst[0:8], tick.TradeID)
	putF64(dst[8:16], tick.Price)
	putF64(dst[16:24], tick.Qty)
	putBool(dst[24:28], tick.BuyerMaker)

	return dst
}

// DecodeMarketTick parses a trade print payload.
func DecodeMarketTick(src []byte) (schema.MarketTick, bool) {
	if len(src) < MarketTickPayloadSize {
		return schema.MarketTick{}, false
	}
	return schema.MarketTick{
		TradeID:    binary.LittleEndian.Uint64(src[0:8]),
		Price:      f64(src[8:16]),
		Qty:        f64(src[16:24]),
		BuyerMaker: binary.LittleEndian.Uint32(src[24:28]) != 0,
	}, true
}

// DepthDeltaPayloadSize returns the encoded size of d.
func DepthDeltaPayloadSize(d schema.DepthDelta) int {
	return depthDeltaBaseSize + levelSize*(len(d.Bids)+len(d.Asks))
}

// EncodeDepthDelta serializes a diff-depth message.
//
// Layout: first(u64) last(u64) bids(u32) asks(u32) then price/qty pairs.
func EncodeDepthDelta(dst []byte, d schema.DepthDelta) []byte {
	dst = fixed(dst, DepthDeltaPayloadSize(d))

	binary.LittleEndian.PutUint64(dst[0:8], d.FirstUpdateID)
	binary.LittleEndian.PutUint64(dst[8:16], d.LastUpdateID)
	binary.LittleEndian.PutUint32(dst[16:20], uint32(len(d.Bids)))
	binary.LittleEndian.PutUint32(dst[20:24], uint32(len(d.Asks)))
	off := putLevels(dst, depthDeltaBaseSize, d.Bids)
	putLevels(dst, off, d.Asks)

	return dst
}

// DecodeDepthDelta parses a diff-depth payload. Level slices are freshly allocated.
func DecodeDepthDelta(src []byte) (schema.DepthDelta, bool) {
	if len(src) < depthDeltaBaseSize {
		return schema.DepthDelta{}, false
	}
	nb := int(binary.LittleEndian.Uint32(src[16:20]))
	na := int(binary.LittleEndian.Uint32(src[20:24]))
	if (len(src)-depthDeltaBaseSize)/levelSize < nb+na {
		return schema.DepthDelta{}, false
	}

	d := schema.DepthDelta{
		FirstUpdateID: binary.LittleEndian.Uint64(src[0:8]),
		LastUpdateID:  binary.LittleEndian.Uint64(src[8:16]),
	}
	var off int
	d.Bids, off = readLevels(src, depthDeltaBaseSize, nb)
	d.Asks, _ = readLevels(src, off, na)
	return d, true
}

// SnapshotPayloadSize returns the encoded size of s.
func SnapshotPayloadSize(s schema.Snapshot) int {
	return snapshotBaseSize + levelSize*(len(s.Bids)+len(s.Asks))
}

// EncodeSnapshot serializes a full book image.
func EncodeSnapshot(dst []byte, s schema.Snapshot) []byte {
	dst = fixed(dst, SnapshotPayloadSize(s))

	binary.LittleEndian.PutUint64(dst[0:8], s.LastUpdateID)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(len(s.Bids)))
	binary.LittleEndian.PutUint32(dst[12:16], uint32(len(s.Asks)))
	off := putLevels(dst, snapshotBaseSize, s.Bids)
	putLevels(dst, off, s.Asks)

	return dst
}

// DecodeSnapshot parses a book image payload.
func DecodeSnapshot(src []byte) (schema.Snapshot, bool) {
	if len(src) < snapshotBaseSize {
		return schema.Snapshot{}, false
	}
	nb := int(binary.LittleEndian.Uint32(src[8:12]))
	na := int(binary.LittleEndian.Uint32(src[12:16]))
	if (len(src)-snapshotBaseSize)/levelSize < nb+na {
		return schema.Snapshot{}, false
	}

	s := schema.Snapshot{LastUpdateID: binary.LittleEndian.Uint64(src[0:8])}
	var off int
	s.Bids, off = readLevels(src, snapshotBaseSize, nb)
	s.Asks, _ = readLevels(src, off, na)
	return s, true
}

func putLevels(dst []byte, off int, levels []schema.Level) int {
	for _, l := range levels {
		putF64(dst[off:off+8], l.Price)
		putF64(dst[off+8:off+16], l.Qty)
		off += levelSize
	}
	return off
}

func readLevels(src []byte, off, n int) ([]schema.Level, int) {
	if n == 0 {
		return nil, off
	}
	levels := make([]schema.Level, n)
	for i := range levels {
		levels[i] = schema.Level{Price: f64(src[off : off+8]), Qty: f64(src[off+8 : off+16])}
		off += levelSize
	}
	return levels, off
}
