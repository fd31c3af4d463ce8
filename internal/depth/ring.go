package depth

import "chimera/internal/schema"

// ring is a bounded FIFO of deltas that drops the oldest entry when full.
type ring struct {
	buf  []schema.DepthDelta
	head int
	n    int
}

func newRing(size int) *ring {
	return &ring{buf: make([]schema.DepthDelta, size)}
}

// push appends d and reports whether an older delta was dropped.
func (r *ring) push(d schema.DepthDelta) bool {
	if r.n == len(r.buf) {
		r.buf[r.head] = d
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.n)%len(r.buf)] = d
	r.n++
	return false
}

// drain returns the buffered deltas oldest first and empties the ring.
func (r *ring) drain() []schema.DepthDelta {
	out := make([]schema.DepthDelta, r.n)
	for i := range out {
		idx := (r.head + i) % len(r.buf)
		out[i] = r.buf[idx]
		r.buf[idx] = schema.DepthDelta{}
	}
	r.head, r.n = 0, 0
	return out
}

func (r *ring) reset() {
	clear(r.buf)
	r.head, r.n = 0, 0
}

func (r *ring) len() int {
	return r.n
}
