package codec

import (
	"encoding/binary"

	"chimera/internal/schema"
)

const FillPayloadSize = 48

// EncodeFill serializes a fill into a fixed-size payload.
func EncodeFill(dst []byte, fill schema.Fill) []byte {
	dst = fixed(dst, FillPayloadSize)

	binary.LittleEndian.PutUint64(dst[0:8], fill.OrderEventID)
	putF64(dst[8:16], fill.Price)
	putF64(dst[16:24], fill.Qty)
	putF64(dst[24:32], fill.FeeBps)
	putF64(dst[32:40], fill.LatencyMs)
	putF64(dst[40:48], fill.Fee)

	return dst
}

// DecodeFill parses a fixed-size fill payload.
func DecodeFill(src []byte) (schema.Fill, bool) {
	if len(src) < FillPayloadSize {
		return schema.Fill{}, false
	}
	return schema.Fill{
		OrderEventID: binary.LittleEndian.Uint64(src[0:8]),
		Price:        f64(src[8:16]),
		Qty:          f64(src[16:24]),
		FeeBps:       f64(src[24:32]),
		LatencyMs:    f64(src[32:40]),
		Fee:          f64(src[40:48]),
	}, true
}
