package recorder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"chimera/internal/errors"
	"chimera/internal/schema"
)

const (
	fileHeaderSize   = 24
	recordHeaderSize = 40
)

var (
	fileMagic = [4]byte{'C', 'H', 'L', 'G'}
	crcTable  = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrClosed             = errors.New("log writer closed")
	ErrHalted             = errors.New("log halted")
	ErrPayloadTooLarge    = errors.New("log payload too large")
	ErrRecordTooLarge     = errors.New("log record larger than a file")
	ErrInvalidType        = errors.New("log invalid event type")
	ErrBadMagic           = errors.New("log invalid magic")
	ErrUnsupportedVersion = errors.New("log unsupported major version")
	ErrShortFile          = errors.New("log file shorter than its header")
	ErrChecksumMismatch   = errors.New("log checksum mismatch")
	ErrSequenceBreak      = errors.New("log event id discontinuity")
	ErrMissingSegment     = errors.New("log segment missing")
)

const maxPayloadLen = int(^uint32(0) >> 1)

// CorruptRecordError pinpoints a record that failed verification.
type CorruptRecordError struct {
	Path    string
	Offset  int64
	EventID uint64
	Err     error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record event_id=%d offset=%d file=%s: %v", e.EventID, e.Offset, e.Path, e.Err)
}

func (e *CorruptRecordError) Unwrap() error {
	return e.Err
}

// FileHeader is the fixed header at offset 0 of every log file. A dictionary
// block of the symbols known when the file was opened follows it, then the
// records. DictOffset points at the full dictionary appended when the writer
// closes the file cleanly and is zero until then.
type FileHeader struct {
	Major      uint16
	Minor      uint16
	StartNs    int64
	DictOffset uint64
}

// SegmentPath returns the path of the index-th file of a log.
func SegmentPath(basePath string, index int) string {
	return fmt.Sprintf("%s_%d.bin", basePath, index)
}

func encodeFileHeader(dst []byte, h FileHeader) {
	_ = dst[fileHeaderSize-1]
	copy(dst[0:4], fileMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], h.Major)
	binary.LittleEndian.PutUint16(dst[6:8], h.Minor)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(h.StartNs))
	binary.LittleEndian.PutUint64(dst[16:24], h.DictOffset)
}

func decodeFileHeader(src []byte) (FileHeader, error) {
	if len(src) < fileHeaderSize {
		return FileHeader{}, ErrShortFile
	}
	if !bytes.Equal(src[0:4], fileMagic[:]) {
		return FileHeader{}, ErrBadMagic
	}
	h := FileHeader{
		Major:      binary.LittleEndian.Uint16(src[4:6]),
		Minor:      binary.LittleEndian.Uint16(src[6:8]),
		StartNs:    int64(binary.LittleEndian.Uint64(src[8:16])),
		DictOffset: binary.LittleEndian.Uint64(src[16:24]),
	}
	if h.Major != schema.VersionMajor {
		return h, ErrUnsupportedVersion
	}
	return h, nil
}

func encodeRecordHeader(dst []byte, h schema.EventHeader) {
	_ = dst[recordHeaderSize-1]
	binary.LittleEndian.PutUint64(dst[0:8], h.EventID)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(h.TsExchange))
	binary.LittleEndian.PutUint64(dst[16:24], uint64(h.TsLocal))
	binary.LittleEndian.PutUint32(dst[24:28], h.SymbolHash)
	dst[28] = byte(h.Venue)
	dst[29] = h.EngineID
	dst[30] = byte(h.Type)
	dst[31] = 0
	binary.LittleEndian.PutUint32(dst[32:36], h.PayloadSize)
	binary.LittleEndian.PutUint32(dst[36:40], h.CRC32)
}

func decodeRecordHeader(src []byte) schema.EventHeader {
	_ = src[recordHeaderSize-1]
	return schema.EventHeader{
		EventID:     binary.LittleEndian.Uint64(src[0:8]),
		TsExchange:  int64(binary.LittleEndian.Uint64(src[8:16])),
		TsLocal:     int64(binary.LittleEndian.Uint64(src[16:24])),
		SymbolHash:  binary.LittleEndian.Uint32(src[24:28]),
		Venue:       schema.VenueID(src[28]),
		EngineID:    src[29],
		Type:        schema.EventType(src[30]),
		PayloadSize: binary.LittleEndian.Uint32(src[32:36]),
		CRC32:       binary.LittleEndian.Uint32(src[36:40]),
	}
}

func checksum(payload []byte) uint32 {
	return crc32.Checksum(payload, crcTable)
}

func recordStride(payloadLen int) int64 {
	return int64(recordHeaderSize + schema.Align8(payloadLen))
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
