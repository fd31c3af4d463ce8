package state

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"chimera/internal/errors"
)

// flatEpsilon snaps residual float noise on a closed position to zero.
const flatEpsilon = 1e-12

var (
	ErrStaleFill   = errors.New("fill event id not after last applied")
	ErrInvalidFill = errors.New("fill has non-finite or non-positive price")
)

// Position is the per-symbol ledger state.
type Position struct {
	SymbolHash  uint32  `json:"symbolHash"`
	NetQty      float64 `json:"netQty"`
	AvgPrice    float64 `json:"avgPrice"`
	RealizedPnL float64 `json:"realizedPnl"`
	FeesPaid    float64 `json:"feesPaid"`
	Fills       uint64  `json:"fills"`
	LastEventID uint64  `json:"lastEventId"`
	EngineID    uint8   `json:"engineId"`
}

type entry struct {
	mu      sync.Mutex
	pos     Position
	seen    bool
	retired bool // dropped by Reset or Restore
}

// Ledger tracks positions and realized P&L from fills. Each symbol has its
// own lock; total equity is a lock-free float accumulator.
type Ledger struct {
	mu      sync.RWMutex
	entries map[uint32]*entry

	equity uint64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[uint32]*entry)}
}

// OnFill applies one fill and returns the updated position. qty is signed.
// Fills for one symbol must arrive with increasing event ids.
func (l *Ledger) OnFill(symbolHash uint32, engineID uint8, price, qty, fee float64, eventID uint64) (Position, error) {
	if !finite(price) || !finite(qty) || !finite(fee) || (qty != 0 && price <= 0) {
		return Position{}, ErrInvalidFill
	}

	e := l.lockedEntry(symbolHash)
	defer e.mu.Unlock()

	if e.seen && eventID <= e.pos.LastEventID {
		return e.pos, ErrStaleFill
	}

	p := &e.pos
	var realized float64
	switch {
	case qty == 0:
	case p.NetQty == 0:
		p.AvgPrice = price
		p.NetQty = qty
	case sameSign(p.NetQty, qty):
		absNet, absQty := math.Abs(p.NetQty), math.Abs(qty)
		p.AvgPrice = (p.AvgPrice*absNet + price*absQty) / (absNet + absQty)
		p.NetQty += qty
	default:
		closed := math.Min(math.Abs(qty), math.Abs(p.NetQty))
		realized = closed * (price - p.AvgPrice) * sign(p.NetQty)
		p.RealizedPnL += realized
		p.NetQty += qty
		if math.Abs(p.NetQty) < flatEpsilon {
			p.NetQty = 0
			p.AvgPrice = 0
		} else if sameSign(p.NetQty, qty) {
			// flipped: the remainder opens at the fill price
			p.AvgPrice = price
		}
	}
	p.FeesPaid += fee
	p.Fills++
	p.LastEventID = eventID
	p.EngineID = engineID
	e.seen = true

	l.addEquity(realized - fee)
	return *p, nil
}

// Snapshot returns the position of one symbol.
func (l *Ledger) Snapshot(symbolHash uint32) (Position, bool) {
	l.mu.RLock()
	e, ok := l.entries[symbolHash]
	l.mu.RUnlock()
	if !ok {
		return Position{SymbolHash: symbolHash}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos, true
}

// NetQty returns the signed position of one symbol, zero when unknown.
func (l *Ledger) NetQty(symbolHash uint32) float64 {
	pos, _ := l.Snapshot(symbolHash)
	return pos.NetQty
}

// Equity returns the sum of realized P&L minus fees over all symbols.
func (l *Ledger) Equity() float64 {
	return math.Float64frombits(atomic.LoadUint64(&l.equity))
}

// Positions returns every tracked position ordered by symbol hash.
func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.pos)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SymbolHash < out[j].SymbolHash
	})
	return out
}

// Reset drops every position and zeroes equity for a new session. A fill
// running concurrently either completes before the reset or applies to the
// new, empty ledger.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retireLocked()
	l.entries = make(map[uint32]*entry)
	atomicStoreFloat(&l.equity, 0)
}

// retireLocked waits for fills in flight and marks every entry dropped.
func (l *Ledger) retireLocked() {
	for _, e := range l.entries {
		e.mu.Lock()
		e.retired = true
		e.mu.Unlock()
	}
}

// Count returns the number of tracked symbols.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Ledger) entry(symbolHash uint32) *entry {
	l.mu.RLock()
	e, ok := l.entries[symbolHash]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[symbolHash]; ok {
		return e
	}
	e = &entry{pos: Position{SymbolHash: symbolHash}}
	l.entries[symbolHash] = e
	return e
}

// lockedEntry returns the current entry of symbolHash with its lock held.
func (l *Ledger) lockedEntry(symbolHash uint32) *entry {
	for {
		e := l.entry(symbolHash)
		e.mu.Lock()
		if !e.retired {
			return e
		}
		e.mu.Unlock()
	}
}

func (l *Ledger) addEquity(delta float64) {
	for {
		old := atomic.LoadUint64(&l.equity)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(&l.equity, old, next) {
			return
		}
	}
}

func atomicStoreFloat(addr *uint64, v float64) {
	atomic.StoreUint64(addr, math.Float64bits(v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
