package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"chimera/internal/depth"
	"chimera/internal/replay"
	"chimera/internal/schema"
)

// Books rebuilds order books from recorded SNAPSHOT and DEPTH_DELTA records.
// The reconcilers run without a log or fetcher, so they never emit or fetch.
type Books struct {
	venue schema.VenueID
	dict  *schema.Dictionary

	mu    sync.Mutex
	books map[uint32]*depth.Reconciler
}

// NewBooks creates an empty book set. dict names symbols in logs, may be nil.
func NewBooks(venue schema.VenueID, dict *schema.Dictionary) *Books {
	return &Books{
		venue: venue,
		dict:  dict,
		books: make(map[uint32]*depth.Reconciler),
	}
}

// Book returns the reconciler holding one symbol's book.
func (b *Books) Book(symbolHash uint32) (*depth.Reconciler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.books[symbolHash]
	return r, ok
}

// Symbols returns the hashes of every book seen, ordered.
func (b *Books) Symbols() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint32, 0, len(b.books))
	for h := range b.books {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *Books) book(symbolHash uint32) (*depth.Reconciler, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.books[symbolHash]; ok {
		return r, nil
	}

	name := fmt.Sprintf("%08x", symbolHash)
	if b.dict != nil {
		if n, ok := b.dict.Name(symbolHash); ok {
			name = n
		}
	}
	r, err := depth.NewReconciler(depth.ReconcilerConfig{Venue: b.venue, Symbol: name}, depth.Deps{})
	if err != nil {
		return nil, err
	}
	b.books[symbolHash] = r
	return r, nil
}

func (b *Books) onDelta(h schema.EventHeader, d schema.DepthDelta) error {
	r, err := b.book(h.SymbolHash)
	if err != nil {
		return err
	}
	_, err = r.OnDelta(d, h.TsLocal)
	return err
}

func (b *Books) onSnapshot(h schema.EventHeader, s schema.Snapshot) error {
	r, err := b.book(h.SymbolHash)
	if err != nil {
		return err
	}
	if r.State() != depth.SyncSyncing {
		r.Reset()
	}
	_, _, err = r.Reconcile(s, h.TsLocal)
	return err
}

// BindBooks makes replay rebuild books into b.
func BindBooks(e *replay.Engine, b *Books) {
	Typed{
		OnDepth:    b.onDelta,
		OnSnapshot: b.onSnapshot,
	}.Bind(e)
}
