package recorder

import (
	"io"
	"os"

	"chimera/internal/errors"
	"chimera/internal/schema"
)

// ReaderOptions controls record decoding.
type ReaderOptions struct {
	DisableChecksum bool
	MaxPayloadSize  int
}

// Reader iterates the records of one log file through a read-only mapping.
type Reader struct {
	path   string
	file   *os.File
	data   []byte
	header FileHeader
	dict   *schema.Dictionary
	opts   ReaderOptions

	start  int64
	off    int64
	end    int64
	sealed bool

	expect   uint64
	checkSeq bool
	err      error
}

// OpenReader maps path and validates its file header.
func OpenReader(path string, opts ReaderOptions) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open log file "+path)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "stat log file "+path)
	}
	size := info.Size()
	if size < fileHeaderSize {
		_ = file.Close()
		return nil, errors.Wrap(ErrShortFile, path)
	}

	data, err := mapFile(file, size, false)
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "map log file "+path)
	}

	r := &Reader{
		path: path,
		file: file,
		data: data,
		opts: opts,
		end:  size,
	}

	r.header, err = decodeFileHeader(data)
	if err != nil {
		_ = r.Close()
		return nil, errors.Wrap(err, path)
	}

	head, err := schema.DecodeDictionary(data[fileHeaderSize:])
	if err != nil {
		_ = r.Close()
		return nil, &CorruptRecordError{Path: path, Offset: fileHeaderSize, Err: err}
	}
	r.dict = head
	r.start = fileHeaderSize + int64(head.EncodedSize())
	if r.start > size {
		_ = r.Close()
		return nil, &CorruptRecordError{Path: path, Offset: fileHeaderSize, Err: errors.New("dictionary past end of file")}
	}
	r.off = r.start

	if off := r.header.DictOffset; off != 0 {
		if int64(off) < r.start || int64(off) > size {
			_ = r.Close()
			return nil, &CorruptRecordError{Path: path, Offset: int64(off), Err: errors.New("dictionary offset out of range")}
		}
		tail, err := schema.DecodeDictionary(data[off:])
		if err == nil {
			err = r.dict.Merge(tail)
		}
		if err != nil {
			_ = r.Close()
			return nil, &CorruptRecordError{Path: path, Offset: int64(off), Err: err}
		}
		r.end = int64(off)
		r.sealed = true
	}
	return r, nil
}

// Header returns the file header.
func (r *Reader) Header() FileHeader {
	return r.header
}

// Dictionary returns the symbols stored in the file. A file that was never
// closed cleanly only knows the symbols registered before its first record.
func (r *Reader) Dictionary() *schema.Dictionary {
	return r.dict
}

// DataStart returns the offset of the first record.
func (r *Reader) DataStart() int64 {
	return r.start
}

// Sealed reports whether the writer closed the file cleanly.
func (r *Reader) Sealed() bool {
	return r.sealed
}

// Path returns the mapped file path.
func (r *Reader) Path() string {
	return r.path
}

// ExpectNext makes Next fail unless the next record carries id.
func (r *Reader) ExpectNext(id uint64) {
	r.expect = id
	r.checkSeq = true
}

// Next returns the next record header and payload.
// The payload aliases the mapping and is valid until Close.
// A torn record at the tail of an unsealed file reads as io.EOF.
func (r *Reader) Next() (schema.EventHeader, []byte, error) {
	if r.err != nil {
		return schema.EventHeader{}, nil, r.err
	}

	h, payload, err := r.next()
	if err != nil {
		r.err = err
		return schema.EventHeader{}, nil, err
	}
	return h, payload, nil
}

func (r *Reader) next() (schema.EventHeader, []byte, error) {
	if r.end-r.off < recordHeaderSize {
		return schema.EventHeader{}, nil, io.EOF
	}
	raw := r.data[r.off : r.off+recordHeaderSize]
	if allZero(raw) {
		return schema.EventHeader{}, nil, io.EOF
	}

	h := decodeRecordHeader(raw)
	size := int(h.PayloadSize)
	if h.Type == schema.EventUnknown {
		return h, nil, r.corrupt(h, ErrInvalidType)
	}
	if r.opts.MaxPayloadSize > 0 && size > r.opts.MaxPayloadSize {
		return h, nil, r.corrupt(h, ErrPayloadTooLarge)
	}

	stride := recordStride(size)
	if stride > r.end-r.off {
		if r.sealed {
			return h, nil, r.corrupt(h, io.ErrUnexpectedEOF)
		}
		return schema.EventHeader{}, nil, io.EOF
	}

	start := r.off + recordHeaderSize
	payload := r.data[start : start+int64(size)]

	if !r.opts.DisableChecksum && checksum(payload) != h.CRC32 {
		if !r.sealed && r.tornTail(r.off+stride) {
			return schema.EventHeader{}, nil, io.EOF
		}
		return h, nil, r.corrupt(h, ErrChecksumMismatch)
	}

	if r.checkSeq && h.EventID != r.expect {
		return h, nil, r.corrupt(h, ErrSequenceBreak)
	}
	r.expect = h.EventID + 1
	r.checkSeq = true
	r.off += stride
	return h, payload, nil
}

// tornTail reports whether nothing was written after off.
func (r *Reader) tornTail(off int64) bool {
	if off >= r.end {
		return true
	}
	return allZero(r.data[off:min(off+recordHeaderSize, r.end)])
}

func (r *Reader) corrupt(h schema.EventHeader, err error) error {
	return &CorruptRecordError{Path: r.path, Offset: r.off, EventID: h.EventID, Err: err}
}

// Close unmaps the file. Payloads returned by Next become invalid.
func (r *Reader) Close() error {
	var errs []error
	if err := unmapFile(r.data); err != nil {
		errs = append(errs, err)
	}
	r.data = nil
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			errs = append(errs, err)
		}
		r.file = nil
	}
	return errors.Join(errs...)
}
