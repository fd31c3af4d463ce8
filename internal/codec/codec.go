package codec

import (
	"encoding/binary"
	"math"
)

// fixed returns dst resized to n bytes, reusing its backing array when possible.
func fixed(dst []byte, n int) []byte {
	if cap(dst) < n {
		return make([]byte, n)
	}
	dst = dst[:n]
	clear(dst)
	return dst
}

func putF64(dst []byte, v float64) {
	binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
}

func f64(src []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(src))
}

func putBool(dst []byte, v bool) {
	if v {
		binary.LittleEndian.PutUint32(dst, 1)
		return
	}
	binary.LittleEndian.PutUint32(dst, 0)
}
