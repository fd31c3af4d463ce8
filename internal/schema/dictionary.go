package schema

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// SymbolHash folds the 64-bit xxhash of the symbol name into 32 bits.
func SymbolHash(symbol string) uint32 {
	h := xxhash.Sum64String(symbol)
	return uint32(h) ^ uint32(h>>32)
}

// Symbol binds a symbol name to its hash.
type Symbol struct {
	Hash uint32
	Name string
}

const maxSymbolName = 1<<16 - 1

// Dictionary maps symbol hashes to names. It is safe for concurrent use.
type Dictionary struct {
	mu      sync.RWMutex
	symbols []Symbol
	byHash  map[uint32]int
}

// NewDictionary creates an empty dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{
		byHash: make(map[uint32]int),
	}
}

// Add registers name and returns its hash. Adding a known name is a no-op.
func (d *Dictionary) Add(name string) (uint32, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("symbol name is empty")
	}
	if len(name) > maxSymbolName {
		return 0, false, fmt.Errorf("symbol name too long: %d", len(name))
	}

	hash := SymbolHash(name)

	d.mu.Lock()
	defer d.mu.Unlock()

	if idx, ok := d.byHash[hash]; ok {
		if d.symbols[idx].Name != name {
			return 0, false, fmt.Errorf("symbol hash collision: %s and %s", d.symbols[idx].Name, name)
		}
		return hash, false, nil
	}

	d.byHash[hash] = len(d.symbols)
	d.symbols = append(d.symbols, Symbol{Hash: hash, Name: name})
	return hash, true, nil
}

// Name returns the symbol name for hash.
func (d *Dictionary) Name(hash uint32) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	idx, ok := d.byHash[hash]
	if !ok {
		return "", false
	}
	return d.symbols[idx].Name, true
}

// Len returns the number of registered symbols.
func (d *Dictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.symbols)
}

// Symbols returns the symbols in registration order.
func (d *Dictionary) Symbols() []Symbol {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Symbol, len(d.symbols))
	copy(out, d.symbols)
	return out
}

// Merge adds every symbol of other.
func (d *Dictionary) Merge(other *Dictionary) error {
	for _, s := range other.Symbols() {
		if _, _, err := d.Add(s.Name); err != nil {
			return err
		}
	}
	return nil
}

// EncodedSize is the size of the dictionary block, padded to 8 bytes.
//
// Layout: count(u32) then per symbol hash(u32) len(u16) name.
func (d *Dictionary) EncodedSize() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.encodedSizeLocked()
}

// EncodedSizeWith is the block size after name would be added.
func (d *Dictionary) EncodedSizeWith(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	size := d.encodedSizeLocked()
	if _, ok := d.byHash[SymbolHash(name)]; ok {
		return size
	}
	return Align8(d.rawSizeLocked() + 6 + len(name))
}

func (d *Dictionary) rawSizeLocked() int {
	size := 4
	for _, s := range d.symbols {
		size += 6 + len(s.Name)
	}
	return size
}

func (d *Dictionary) encodedSizeLocked() int {
	return Align8(d.rawSizeLocked())
}

// Encode appends the dictionary block to dst.
func (d *Dictionary) Encode(dst []byte) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	start := len(dst)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(d.symbols)))
	for _, s := range d.symbols {
		dst = binary.LittleEndian.AppendUint32(dst, s.Hash)
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(s.Name)))
		dst = append(dst, s.Name...)
	}
	for (len(dst)-start)%8 != 0 {
		dst = append(dst, 0)
	}
	return dst
}

// DecodeDictionary parses a dictionary block.
func DecodeDictionary(src []byte) (*Dictionary, error) {
	if len(src) < 4 {
		return nil, fmt.Errorf("dictionary block too short: %d", len(src))
	}

	count := binary.LittleEndian.Uint32(src)
	off := 4
	d := NewDictionary()
	for i := uint32(0); i < count; i++ {
		if len(src)-off < 6 {
			return nil, fmt.Errorf("dictionary entry %d truncated", i)
		}
		hash := binary.LittleEndian.Uint32(src[off:])
		n := int(binary.LittleEndian.Uint16(src[off+4:]))
		off += 6
		if len(src)-off < n {
			return nil, fmt.Errorf("dictionary entry %d name truncated", i)
		}
		name := string(src[off : off+n])
		off += n

		got, _, err := d.Add(name)
		if err != nil {
			return nil, err
		}
		if got != hash {
			return nil, fmt.Errorf("dictionary entry %s hash mismatch: %08x != %08x", name, hash, got)
		}
	}
	return d, nil
}

// Align8 rounds n up to a multiple of 8.
func Align8(n int) int {
	return (n + 7) &^ 7
}
