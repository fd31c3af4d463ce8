package recorder

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"chimera/internal/clock"
	"chimera/internal/errors"
	"chimera/internal/obs"
	"chimera/internal/schema"
)

// Writer appends records to memory-mapped log files.
//
// Every append takes a single mutex, which is what makes event ids gap-free
// and the file order equal to the id order.
type Writer struct {
	cfg     Config
	clock   clock.Clock
	metrics *obs.Metrics

	mu      sync.Mutex
	seg     *segment
	index   int
	nextID  uint64
	dict    *schema.Dictionary
	paths   []string
	staging []byte
	msync   func(data []byte, sync bool) error
	closed  bool
	haltErr error
	halted  atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type segment struct {
	path  string
	file  *os.File
	data  []byte
	start int64 // first record, right after the head dictionary
	off   int64
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock sets the clock used for file header timestamps.
func WithClock(c clock.Clock) Option {
	return func(w *Writer) {
		w.clock = c
	}
}

// WithMetrics attaches a metrics container.
func WithMetrics(m *obs.Metrics) Option {
	return func(w *Writer) {
		w.metrics = m
	}
}

// NewWriter creates BasePath_0.bin and maps it.
func NewWriter(cfg Config, opts ...Option) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.BasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create log directory")
		}
	}

	w := &Writer{
		cfg:  cfg,
		dict:  schema.NewDictionary(),
		msync: msync,
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.clock == nil {
		w.clock = clock.NewMonotonic()
	}

	if err := w.openSegment(0); err != nil {
		return nil, err
	}

	if cfg.FlushInterval > 0 || cfg.SyncInterval > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.run()
		}()
	}
	return w, nil
}

// RegisterSymbol adds a symbol to the dictionary. Symbols registered before
// the first record of a file land in its head block; later ones only in the
// block written when the file is sealed.
func (w *Writer) RegisterSymbol(name string) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usableLocked(); err != nil {
		return 0, err
	}

	size := int64(w.dict.EncodedSizeWith(name))
	if w.seg.off > w.seg.start && w.seg.off+size > w.cfg.MapSize {
		if err := w.rotateLocked(); err != nil {
			return 0, w.haltLocked(err)
		}
	}
	if w.seg.off == w.seg.start && fileHeaderSize+2*size > w.cfg.MapSize {
		return 0, ErrRecordTooLarge
	}

	hash, added, err := w.dict.Add(name)
	if err != nil {
		return 0, err
	}
	if added && w.seg.off == w.seg.start {
		w.writeHeadLocked()
	}
	return hash, nil
}

// Append writes one record and returns its event id.
func (w *Writer) Append(header schema.EventHeader, payload []byte) (uint64, error) {
	return w.AppendFunc(header, payload, nil)
}

// AppendFunc writes one record. commit, when set, runs under the writer lock
// after the id is assigned and before the record becomes visible; an error
// from commit aborts the append without consuming the id.
func (w *Writer) AppendFunc(header schema.EventHeader, payload []byte, commit func(eventID uint64) error) (uint64, error) {
	if !header.Type.Known() {
		return 0, ErrInvalidType
	}
	if len(payload) > maxPayloadLen {
		return 0, ErrPayloadTooLarge
	}
	sum := checksum(payload)
	need := recordStride(len(payload))

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usableLocked(); err != nil {
		return 0, err
	}
	if err := w.ensureSpaceLocked(need); err != nil {
		return 0, err
	}

	id := w.nextID
	header.EventID = id
	header.PayloadSize = uint32(len(payload))
	header.CRC32 = sum

	if commit != nil {
		if err := commit(id); err != nil {
			return 0, err
		}
	}

	if int64(cap(w.staging)) < need {
		w.staging = make([]byte, need)
	}
	buf := w.staging[:need]
	encodeRecordHeader(buf, header)
	copy(buf[recordHeaderSize:], payload)
	clear(buf[recordHeaderSize+len(payload):])

	copy(w.seg.data[w.seg.off:], buf)
	w.seg.off += need
	w.nextID++

	w.metrics.ObserveAppend(header.Type, int(need))
	return id, nil
}

// NextID returns the id the next append will receive.
func (w *Writer) NextID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextID
}

// Flush schedules written pages for writeback (MS_ASYNC).
func (w *Writer) Flush() error {
	return w.syncPages(false)
}

// Sync blocks until written pages reach the disk (MS_SYNC).
func (w *Writer) Sync() error {
	return w.syncPages(true)
}

func (w *Writer) syncPages(sync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seg == nil {
		return nil
	}
	if err := w.usableLocked(); err != nil {
		return err
	}
	if err := w.msync(w.seg.data[:w.seg.off], sync); err != nil {
		return w.haltLocked(errors.Wrap(err, "msync "+w.seg.path))
	}
	return nil
}

// Halted reports whether the writer stopped accepting appends.
func (w *Writer) Halted() bool {
	return w.halted.Load()
}

// Err returns the cause of a halt, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.haltErr
}

// Paths returns every file this writer created, in order.
func (w *Writer) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.paths))
	copy(out, w.paths)
	return out
}

// BasePath returns the configured path prefix.
func (w *Writer) BasePath() string {
	return w.cfg.BasePath
}

// Dictionary returns the symbols registered so far.
func (w *Writer) Dictionary() *schema.Dictionary {
	return w.dict
}

// Close writes the dictionary block, truncates the file to its used size
// and unmaps it. Close is idempotent.
func (w *Writer) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.seg == nil {
		return nil
	}
	err := w.finishSegmentLocked(!w.halted.Load())
	w.seg = nil
	return err
}

func (w *Writer) run() {
	var flushC, syncC <-chan time.Time
	if w.cfg.FlushInterval > 0 {
		t := time.NewTicker(w.cfg.FlushInterval)
		defer t.Stop()
		flushC = t.C
	}
	if w.cfg.SyncInterval > 0 {
		t := time.NewTicker(w.cfg.SyncInterval)
		defer t.Stop()
		syncC = t.C
	}

	for {
		var err error
		select {
		case <-w.stop:
			return
		case <-flushC:
			err = w.Flush()
		case <-syncC:
			err = w.Sync()
		}
		if err != nil {
			// the halt was already logged; nothing is written after it
			return
		}
	}
}

func (w *Writer) usableLocked() error {
	if w.closed {
		return ErrClosed
	}
	if w.halted.Load() {
		return errors.WithKind(errors.Join(ErrHalted, w.haltErr), errors.KindGlobalFatal)
	}
	return nil
}

func (w *Writer) ensureSpaceLocked(need int64) error {
	fits := func() bool {
		end := w.seg.off + need
		return end <= w.cfg.limit() && end+int64(w.dict.EncodedSize()) <= w.cfg.MapSize
	}
	if fits() {
		return nil
	}
	if w.seg.off == w.seg.start {
		return ErrRecordTooLarge
	}
	if err := w.rotateLocked(); err != nil {
		return w.haltLocked(err)
	}
	if !fits() {
		return ErrRecordTooLarge
	}
	return nil
}

func (w *Writer) rotateLocked() error {
	if err := w.finishSegmentLocked(true); err != nil {
		w.seg = nil
		return err
	}
	w.seg = nil
	if err := w.openSegment(w.index + 1); err != nil {
		return err
	}
	w.metrics.IncRotation()
	logs.Infof("log rotated to %s at event_id %d", w.seg.path, w.nextID)
	return nil
}

func (w *Writer) haltLocked(err error) error {
	w.haltErr = err
	w.halted.Store(true)
	w.metrics.IncHalt()
	logs.Errorf("log halted at event_id %d, err: %+v", w.nextID, err)
	return errors.WithKind(errors.Join(ErrHalted, err), errors.KindGlobalFatal)
}

func (w *Writer) openSegment(index int) error {
	path := SegmentPath(w.cfg.BasePath, index)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrap(err, "create log file "+path)
	}

	if err := preallocate(file, w.cfg.MapSize); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return errors.Wrap(err, "preallocate log file "+path)
	}

	data, err := mapFile(file, w.cfg.MapSize, true)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return errors.Wrap(err, "map log file "+path)
	}

	if fileHeaderSize+2*int64(w.dict.EncodedSize()) > w.cfg.MapSize {
		_ = unmapFile(data)
		_ = file.Close()
		_ = os.Remove(path)
		return errors.Wrap(ErrRecordTooLarge, "dictionary of "+path)
	}

	encodeFileHeader(data, FileHeader{
		Major:   schema.VersionMajor,
		Minor:   schema.VersionMinor,
		StartNs: w.clock.Now(),
	})

	w.seg = &segment{path: path, file: file, data: data}
	w.writeHeadLocked()
	w.index = index
	w.paths = append(w.paths, path)
	return nil
}

// writeHeadLocked writes the dictionary block that follows the file header.
// It only runs while the file holds no records.
func (w *Writer) writeHeadLocked() {
	block := w.dict.Encode(nil)
	copy(w.seg.data[fileHeaderSize:], block)
	w.seg.start = fileHeaderSize + int64(len(block))
	w.seg.off = w.seg.start
}

// finishSegmentLocked seals the current file. A clean finish appends the
// full dictionary block and records its offset in the file header.
func (w *Writer) finishSegmentLocked(clean bool) error {
	seg := w.seg
	end := seg.off

	if clean {
		block := w.dict.Encode(nil)
		copy(seg.data[seg.off:], block)
		binary.LittleEndian.PutUint64(seg.data[16:24], uint64(seg.off))
		end += int64(len(block))
	}

	var errs []error
	if err := w.msync(seg.data, true); err != nil {
		errs = append(errs, errors.Wrap(err, "msync "+seg.path))
	}
	if err := unmapFile(seg.data); err != nil {
		errs = append(errs, errors.Wrap(err, "unmap "+seg.path))
	}
	seg.data = nil
	if err := seg.file.Truncate(end); err != nil {
		errs = append(errs, errors.Wrap(err, "truncate "+seg.path))
	}
	if err := seg.file.Sync(); err != nil {
		errs = append(errs, errors.Wrap(err, "fsync "+seg.path))
	}
	if err := seg.file.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "close "+seg.path))
	}
	return errors.Join(errs...)
}
