package depth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/yanun0323/logs"

	"chimera/internal/clock"
	"chimera/internal/codec"
	"chimera/internal/errors"
	"chimera/internal/obs"
	"chimera/internal/schema"
)

const (
	defaultBufferSize      = 1024
	defaultSnapshotTimeout = 10 * time.Second
	defaultMaxAttempts     = 5
	defaultBackoffInitial  = 250 * time.Millisecond
	defaultBackoffMax      = 30 * time.Second
)

var (
	// ErrRateLimited is returned by fetchers when the venue asks to slow down.
	ErrRateLimited = errors.New("venue rate limited")
	ErrSymbolDead  = errors.New("symbol dead")
	ErrKilled      = errors.New("kill switch engaged")
)

// SnapshotFetcher loads a full book image. The deadline comes from ctx.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbol string) (schema.Snapshot, error)
}

// Inhibitor blocks trading on a symbol. Once Killed reports true the
// reconciler stops fetching snapshots.
type Inhibitor interface {
	Inhibit(symbolHash uint32, reason schema.RiskBlockReason)
	Release(symbolHash uint32)
	Killed() bool
}

// SyncState is the reconciler's lifecycle state.
type SyncState uint8

const (
	SyncSyncing SyncState = iota
	SyncLive
	SyncDead
)

func (s SyncState) String() string {
	switch s {
	case SyncLive:
		return "live"
	case SyncDead:
		return "dead"
	default:
		return "syncing"
	}
}

// ReconcilerConfig controls snapshot recovery for one symbol.
type ReconcilerConfig struct {
	Venue           schema.VenueID
	Symbol          string
	BufferSize      int
	SnapshotTimeout time.Duration
	MaxAttempts     int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	// RecordSnapshots writes every accepted snapshot to the log.
	RecordSnapshots bool
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.SnapshotTimeout == 0 {
		c.SnapshotTimeout = defaultSnapshotTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = defaultBackoffInitial
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = defaultBackoffMax
	}
	return c
}

// Validate checks if the configuration is usable.
func (c ReconcilerConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("invalid reconciler config: Symbol is empty")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("invalid reconciler config: BufferSize must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("invalid reconciler config: MaxAttempts must be > 0")
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("invalid reconciler config: backoff bounds are invalid")
	}
	return nil
}

// Deps are the collaborators of a Reconciler. Only Fetcher is required
// for live use; Log and Guard may be nil during replay.
type Deps struct {
	Fetcher SnapshotFetcher
	Log     Appender
	Guard   Inhibitor
	Sleeper clock.Sleeper
	Clock   clock.Clock
	Metrics *obs.Metrics
}

// SyncResult describes the last successful reconciliation.
type SyncResult struct {
	SnapshotID   uint64
	FirstApplied schema.DepthDelta
	Applied      int
	Discarded    int
}

// Reconciler owns one symbol's gate, book and delta buffer, and rebuilds
// the book from a snapshot whenever continuity is lost.
type Reconciler struct {
	cfg  ReconcilerConfig
	hash uint32
	deps Deps

	mu          sync.Mutex
	state       SyncState
	gate        *Gate
	book        *Book
	buf         *ring
	overflowed  bool
	attempts    int
	lastSync    SyncResult
	syncStarted int64
	bo          *backoff.ExponentialBackOff

	wake chan struct{}
}

// NewReconciler creates a reconciler in the syncing state.
func NewReconciler(cfg ReconcilerConfig, deps Deps) (*Reconciler, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Sleeper == nil {
		deps.Sleeper = clock.Real{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewMonotonic()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffInitial
	bo.MaxInterval = cfg.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	hash := schema.SymbolHash(cfg.Symbol)
	r := &Reconciler{
		cfg:         cfg,
		hash:        hash,
		deps:        deps,
		state:       SyncSyncing,
		gate:        NewGate(cfg.Venue, hash, deps.Log, deps.Metrics),
		book:        NewBook(),
		buf:         newRing(cfg.BufferSize),
		bo:          bo,
		wake:        make(chan struct{}, 1),
		syncStarted: deps.Clock.Now(),
	}
	r.signal()
	return r, nil
}

// Symbol returns the symbol name.
func (r *Reconciler) Symbol() string {
	return r.cfg.Symbol
}

// SymbolHash returns the hash of the symbol name.
func (r *Reconciler) SymbolHash() uint32 {
	return r.hash
}

// Wake is signalled whenever the reconciler needs a snapshot.
func (r *Reconciler) Wake() <-chan struct{} {
	return r.wake
}

// OnDelta routes one delta through the gate, or buffers it while syncing.
// The reconciler takes ownership of d's level slices.
func (r *Reconciler) OnDelta(d schema.DepthDelta, tsLocal int64) (Verdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case SyncDead:
		return VerdictRejected, nil
	case SyncSyncing:
		return VerdictBuffered, r.bufferLocked(d, tsLocal)
	}

	v, err := r.gate.Accept(d.FirstUpdateID, d.LastUpdateID, tsLocal)
	switch v {
	case VerdictApply:
		r.book.ApplyDelta(d)
	case VerdictGap:
		logs.Infof("%s depth gap, expected %d got [%d, %d]", r.cfg.Symbol, r.gate.LastApplied()+1, d.FirstUpdateID, d.LastUpdateID)
		r.enterSyncLocked()
		r.buf.push(d)
	}
	return v, err
}

// OnDisconnect forces a resync after the stream dropped.
func (r *Reconciler) OnDisconnect(tsLocal int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != SyncLive {
		return nil
	}
	r.gate.Invalidate()
	r.enterSyncLocked()
	r.deps.Metrics.IncDrift(schema.DriftDisconnect)
	return r.emitLocked(schema.EventDrift, codec.EncodeDrift(nil, schema.Drift{
		Reason:   schema.DriftDisconnect,
		Expected: r.gate.LastApplied() + 1,
	}), tsLocal)
}

// Sync fetches snapshots until the book is live again, the attempt budget
// is spent (ErrSymbolDead) or ctx is done.
func (r *Reconciler) Sync(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.mu.Lock()
		state := r.state
		r.mu.Unlock()
		switch state {
		case SyncLive:
			return nil
		case SyncDead:
			return errors.WithKind(ErrSymbolDead, errors.KindLocalFatal)
		}
		if r.killed() {
			return errors.WithKind(ErrKilled, errors.KindLocalFatal)
		}

		start := r.deps.Clock.Now()
		fctx, cancel := context.WithTimeout(ctx, r.cfg.SnapshotTimeout)
		snap, err := r.deps.Fetcher.FetchSnapshot(fctx, r.cfg.Symbol)
		cancel()
		r.deps.Metrics.ObserveSnapshotFetch(time.Duration(r.deps.Clock.Now() - start))
		if r.killed() {
			return errors.WithKind(ErrKilled, errors.KindLocalFatal)
		}

		var reason schema.DriftReason
		if err == nil {
			ok, why, err := r.Reconcile(snap, r.deps.Clock.Now())
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			reason = why
		} else {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			reason = schema.DriftSnapshotFailed
			if errors.Is(err, context.DeadlineExceeded) {
				reason = schema.DriftSnapshotTimeout
			}
			logs.Errorf("%s snapshot fetch failed, err: %+v", r.cfg.Symbol, err)
		}

		wait, err := r.failAttempt(reason, errors.Is(err, ErrRateLimited))
		if err != nil {
			return err
		}
		if err := r.deps.Sleeper.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Reconcile applies snapshot s to the buffered stream. It returns false with
// a reason when the buffer cannot be bridged to s.
func (r *Reconciler) Reconcile(s schema.Snapshot, tsLocal int64) (bool, schema.DriftReason, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != SyncSyncing {
		return r.state == SyncLive, 0, nil
	}

	items := r.buf.drain()
	r.overflowed = false

	discard := 0
	for discard < len(items) && items[discard].LastUpdateID <= s.LastUpdateID {
		discard++
	}
	rest := items[discard:]
	if len(rest) > 0 && rest[0].FirstUpdateID > s.LastUpdateID+1 {
		for _, d := range rest {
			r.buf.push(d)
		}
		return false, schema.DriftSnapshotStale, nil
	}

	if r.cfg.RecordSnapshots {
		if err := r.emitLocked(schema.EventSnapshot, codec.EncodeSnapshot(nil, s), tsLocal); err != nil {
			return false, 0, err
		}
	}

	r.gate.Seed(s.LastUpdateID)
	r.book.ApplySnapshot(s)
	result := SyncResult{SnapshotID: s.LastUpdateID, Discarded: discard}
	for i, d := range rest {
		v, err := r.gate.Accept(d.FirstUpdateID, d.LastUpdateID, tsLocal)
		if err != nil {
			return false, 0, err
		}
		switch v {
		case VerdictApply:
			if result.Applied == 0 {
				result.FirstApplied = d
			}
			result.Applied++
			r.book.ApplyDelta(d)
		case VerdictGap:
			for _, d := range rest[i:] {
				r.buf.push(d)
			}
			return false, schema.DriftGap, nil
		}
	}

	r.state = SyncLive
	r.attempts = 0
	r.bo.Reset()
	r.lastSync = result
	r.deps.Metrics.IncResync()
	r.deps.Metrics.ObserveSync(time.Duration(r.deps.Clock.Now() - r.syncStarted))
	logs.Infof("%s book live at update %d, applied %d buffered deltas", r.cfg.Symbol, r.gate.LastApplied(), result.Applied)
	return true, 0, nil
}

// Reset revives a dead symbol and starts a fresh sync.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deps.Guard != nil {
		r.deps.Guard.Release(r.hash)
	}
	r.gate.Invalidate()
	r.attempts = 0
	r.bo.Reset()
	r.enterSyncLocked()
}

func (r *Reconciler) State() SyncState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Top returns the best levels of the book.
func (r *Reconciler) Top() Top {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.book.Top()
}

// Levels returns up to n levels per side.
func (r *Reconciler) Levels(n int) (bids, asks []schema.Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.book.Bids(n), r.book.Asks(n)
}

func (r *Reconciler) LastApplied() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gate.LastApplied()
}

func (r *Reconciler) LastSync() SyncResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSync
}

func (r *Reconciler) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *Reconciler) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.len()
}

func (r *Reconciler) bufferLocked(d schema.DepthDelta, tsLocal int64) error {
	if !r.buf.push(d) || r.overflowed {
		return nil
	}
	r.overflowed = true
	r.deps.Metrics.IncDrift(schema.DriftBufferOverflow)
	logs.Infof("%s delta buffer overflow, dropping oldest", r.cfg.Symbol)
	return r.emitLocked(schema.EventDrift, codec.EncodeDrift(nil, schema.Drift{
		Reason: schema.DriftBufferOverflow,
		First:  d.FirstUpdateID,
		Last:   d.LastUpdateID,
	}), tsLocal)
}

// failAttempt books one failed sync attempt and returns the backoff to wait.
func (r *Reconciler) failAttempt(reason schema.DriftReason, rateLimited bool) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.killed() {
		return 0, errors.WithKind(ErrKilled, errors.KindLocalFatal)
	}

	r.attempts++
	wait := r.bo.NextBackOff()
	tsLocal := r.deps.Clock.Now()

	var err error
	switch {
	case rateLimited:
		r.deps.Metrics.IncThrottle()
		err = r.emitLocked(schema.EventThrottle, codec.EncodeThrottle(nil, schema.Throttle{
			Reason:    schema.ThrottleRateLimited,
			Attempt:   uint32(r.attempts),
			BackoffNs: int64(wait),
		}), tsLocal)
	case reason != schema.DriftGap:
		// the gate already recorded gaps
		r.deps.Metrics.IncDrift(reason)
		err = r.emitLocked(schema.EventDrift, codec.EncodeDrift(nil, schema.Drift{
			Reason:   reason,
			Attempt:  uint32(r.attempts),
			Expected: r.gate.LastApplied() + 1,
		}), tsLocal)
	}
	if err != nil {
		return 0, err
	}

	if r.attempts < r.cfg.MaxAttempts {
		return wait, nil
	}

	r.state = SyncDead
	r.buf.reset()
	r.deps.Metrics.IncDeadSymbol()
	if r.deps.Guard != nil {
		r.deps.Guard.Inhibit(r.hash, schema.RiskBlockSymbolDead)
	}
	logs.Errorf("%s dead after %d sync attempts", r.cfg.Symbol, r.attempts)
	if err := r.emitLocked(schema.EventRiskBlock, codec.EncodeRiskBlock(nil, schema.RiskBlock{
		Reason:       schema.RiskBlockSymbolDead,
		Attempts:     uint32(r.attempts),
		LastUpdateID: r.gate.LastApplied(),
	}), tsLocal); err != nil {
		return 0, err
	}
	return 0, errors.WithKind(ErrSymbolDead, errors.KindLocalFatal)
}

func (r *Reconciler) enterSyncLocked() {
	r.state = SyncSyncing
	r.buf.reset()
	r.overflowed = false
	r.syncStarted = r.deps.Clock.Now()
	r.signal()
}

func (r *Reconciler) killed() bool {
	return r.deps.Guard != nil && r.deps.Guard.Killed()
}

func (r *Reconciler) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reconciler) emitLocked(t schema.EventType, payload []byte, tsLocal int64) error {
	if r.deps.Log == nil {
		return nil
	}
	_, err := r.deps.Log.Append(schema.NewHeader(t, r.cfg.Venue, 0, r.hash, 0, tsLocal), payload)
	return err
}
