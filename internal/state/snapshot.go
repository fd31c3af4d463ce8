package state

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"chimera/internal/schema"
)

// Snapshot captures the ledger at a point in the log.
type Snapshot struct {
	Timestamp   int64           `json:"timestamp"`
	// NextEventID is the first log event not reflected in the snapshot.
	NextEventID uint64          `json:"nextEventId"`
	Equity      float64         `json:"equity"`
	Positions   []PositionEntry `json:"positions"`
}

// PositionEntry is one symbol's position, named when a dictionary was at hand.
type PositionEntry struct {
	Symbol string `json:"symbol,omitempty"`
	Position
}

// Dump builds a snapshot of every position. dict, when set, names the symbols.
func (l *Ledger) Dump(dict *schema.Dictionary, nextEventID uint64) Snapshot {
	positions := l.Positions()
	entries := make([]PositionEntry, 0, len(positions))
	for _, p := range positions {
		entry := PositionEntry{Position: p}
		if dict != nil {
			entry.Symbol, _ = dict.Name(p.SymbolHash)
		}
		entries = append(entries, entry)
	}
	return Snapshot{
		Timestamp:   time.Now().UTC().UnixNano(),
		NextEventID: nextEventID,
		Equity:      l.Equity(),
		Positions:   entries,
	}
}

// Restore replaces the ledger content with a snapshot.
func (l *Ledger) Restore(snapshot Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.retireLocked()
	l.entries = make(map[uint32]*entry, len(snapshot.Positions))
	for _, p := range snapshot.Positions {
		l.entries[p.SymbolHash] = &entry{pos: p.Position, seen: p.Fills > 0}
	}
	atomicStoreFloat(&l.equity, snapshot.Equity)
}

// WriteSnapshot stores snapshot as indented JSON. The file is replaced
// atomically so a crash never leaves a half written snapshot behind.
func WriteSnapshot(path string, snapshot Snapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return snap, nil
}

// CompareSnapshots checks that two snapshots hold bit-identical values.
// Symbol names and timestamps are not compared.
func CompareSnapshots(expected, actual Snapshot) error {
	if !sameBits(expected.Equity, actual.Equity) {
		return fmt.Errorf("snapshot equity mismatch: expected=%v actual=%v", expected.Equity, actual.Equity)
	}
	if n, m := len(expected.Positions), len(actual.Positions); n != m {
		return fmt.Errorf("snapshot length mismatch: expected=%d actual=%d", n, m)
	}

	want := make(map[uint32]Position, len(expected.Positions))
	for _, e := range expected.Positions {
		want[e.SymbolHash] = e.Position
	}
	for _, a := range actual.Positions {
		w, ok := want[a.SymbolHash]
		if !ok {
			return fmt.Errorf("snapshot missing symbol: %08x", a.SymbolHash)
		}
		for _, f := range []struct {
			name      string
			want, got float64
		}{
			{"net qty", w.NetQty, a.NetQty},
			{"avg price", w.AvgPrice, a.AvgPrice},
			{"realized pnl", w.RealizedPnL, a.RealizedPnL},
			{"fees", w.FeesPaid, a.FeesPaid},
		} {
			if !sameBits(f.want, f.got) {
				return fmt.Errorf("snapshot %s mismatch: symbol=%08x expected=%v actual=%v", f.name, a.SymbolHash, f.want, f.got)
			}
		}
	}
	return nil
}

func sameBits(a, b float64) bool {
	return math.Float64bits(a) == math.Float64bits(b)
}
