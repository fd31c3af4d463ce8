package core

import (
	"context"
	"sort"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/yanun0323/logs"

	"chimera/internal/bus"
	"chimera/internal/codec"
	"chimera/internal/depth"
	"chimera/internal/errors"
	"chimera/internal/schema"
	"chimera/internal/shadow"
	"chimera/pkg/exception"
)

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithInlineSync reconciles books on the event loop instead of background
// workers. Snapshot fetches then happen in event order, which makes a run
// over a deterministic source reproducible.
func WithInlineSync() SessionOption {
	return func(s *Session) {
		s.inline = true
	}
}

// WithHeartbeat publishes a HEARTBEAT every interval while Run is active.
func WithHeartbeat(interval time.Duration) SessionOption {
	return func(s *Session) {
		s.heartbeat = interval
	}
}

// WithResultHook is called after every shadow intent.
func WithResultHook(fn func(shadow.Intent, shadow.Result)) SessionOption {
	return func(s *Session) {
		s.onResult = fn
	}
}

// Session runs the live data flow of a context:
// bus events -> reconciler -> book -> shadow -> ledger -> writer.
type Session struct {
	ctx    *Context
	books  map[uint32]*depth.Reconciler
	order  []*depth.Reconciler
	shadow *shadow.Engine
	queue  *bus.Queue

	inline     bool
	heartbeat  time.Duration
	heartbeats uint64
	onResult   func(shadow.Intent, shadow.Result)
}

// NewSession builds one reconciler per configured symbol. fetcher loads
// the snapshots every reconciler needs to go live.
func NewSession(c *Context, fetcher depth.SnapshotFetcher, opts ...SessionOption) (*Session, error) {
	if c.writer == nil {
		return nil, exception.ErrReplayMode
	}
	if len(c.cfg.Symbols) == 0 {
		return nil, exception.ErrNoSymbols
	}
	if fetcher == nil {
		return nil, exception.ErrNilInstance
	}

	s := &Session{
		ctx:   c,
		books: make(map[uint32]*depth.Reconciler, len(c.cfg.Symbols)),
		queue: bus.NewQueue(c.cfg.QueueSize, c.metrics),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, name := range c.cfg.SymbolNames() {
		r, err := depth.NewReconciler(c.cfg.ReconcilerConfig(name), depth.Deps{
			Fetcher: fetcher,
			Log:     c.writer,
			Guard:   c.guard,
			Sleeper: c.sleeper,
			Clock:   c.clock,
			Metrics: c.metrics,
		})
		if err != nil {
			return nil, err
		}
		s.books[r.SymbolHash()] = r
		s.order = append(s.order, r)
	}

	engine, err := shadow.NewEngine(c.cfg.ShadowConfig(), shadow.Deps{
		Log:     c.writer,
		Ledger:  c.ledger,
		Guard:   c.guard,
		Rules:   c.cfg.Rules(),
		Metrics: c.metrics,
	})
	if err != nil {
		return nil, err
	}
	s.shadow = engine
	return s, nil
}

// Queue is the ingress queue producers publish to.
func (s *Session) Queue() *bus.Queue {
	return s.queue
}

// Book returns the reconciler of symbol.
func (s *Session) Book(symbol string) (*depth.Reconciler, bool) {
	r, ok := s.books[schema.SymbolHash(symbol)]
	return r, ok
}

// Symbols lists the session symbols in name order.
func (s *Session) Symbols() []string {
	out := make([]string, 0, len(s.order))
	for _, r := range s.order {
		out = append(out, r.Symbol())
	}
	sort.Strings(out)
	return out
}

// Run consumes the queue until it is closed and drained, ctx is done or a
// global fatal error stops the session.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	if !s.inline {
		for _, r := range s.order {
			r := r
			wg.Go(func() {
				s.syncLoop(ctx, r)
			})
		}
	}
	if s.heartbeat > 0 {
		wg.Go(func() {
			s.heartbeatLoop(ctx)
		})
	}

	err := s.queue.Run(ctx, func(e bus.Event) error {
		return s.Handle(ctx, e)
	})
	cancel()
	wg.Wait()
	return err
}

// Handle processes one event on the caller's goroutine. Only errors that
// must stop the whole session are returned.
//
// After the kill switch trips only intents are handled, and the guard
// rejects every one of them.
func (s *Session) Handle(ctx context.Context, e bus.Event) error {
	if e.Kind != bus.KindIntent && s.ctx.guard.Killed() {
		return nil
	}
	hash := schema.SymbolHash(e.Symbol)

	switch e.Kind {
	case bus.KindDelta:
		r, ok := s.books[hash]
		if !ok {
			return nil
		}
		if err := s.record(schema.EventDepthDelta, e, hash, codec.EncodeDepthDelta(nil, e.Delta)); err != nil {
			return s.check(e.Symbol, err)
		}
		if _, err := r.OnDelta(e.Delta, e.TsLocal); err != nil {
			return s.check(e.Symbol, err)
		}
		if s.inline && r.State() == depth.SyncSyncing {
			if err := r.Sync(ctx); err != nil {
				return s.check(e.Symbol, err)
			}
		}
		if r.State() == depth.SyncLive {
			s.shadow.OnBook(hash, r.Top())
		}

	case bus.KindTrade:
		if err := s.record(schema.EventMarketTick, e, hash, codec.EncodeMarketTick(nil, e.Trade)); err != nil {
			return s.check(e.Symbol, err)
		}
		s.shadow.OnTrade(hash, e.Trade.Qty, e.TsLocal)

	case bus.KindIntent:
		result, err := s.shadow.OnIntent(e.Intent)
		if err != nil {
			return s.check(e.Intent.Symbol, err)
		}
		if s.onResult != nil {
			s.onResult(e.Intent, result)
		}

	case bus.KindSignal:
		return s.check(e.Symbol, s.record(schema.EventSignal, e, hash, codec.EncodeSignal(nil, e.Signal)))

	case bus.KindDecision:
		return s.check(e.Symbol, s.record(schema.EventDecision, e, hash, codec.EncodeDecision(nil, e.Decision)))

	case bus.KindHeartbeat:
		s.heartbeats++
		return s.check("", s.record(schema.EventHeartbeat, e, 0, codec.EncodeHeartbeat(nil, schema.Heartbeat{
			Seq:     s.heartbeats,
			Symbols: uint32(len(s.order)),
		})))

	case bus.KindDisconnect:
		for _, r := range s.order {
			if e.Symbol != "" && r.SymbolHash() != hash {
				continue
			}
			if err := r.OnDisconnect(e.TsLocal); err != nil {
				return s.check(r.Symbol(), err)
			}
		}
	}
	return nil
}

func (s *Session) record(t schema.EventType, e bus.Event, hash uint32, payload []byte) error {
	venue := e.Venue
	if venue == schema.VenueUnknown {
		venue = s.ctx.cfg.VenueID()
	}
	_, err := s.ctx.writer.Append(schema.NewHeader(t, venue, e.EngineID, hash, e.TsExchange, e.TsLocal), payload)
	return err
}

// check keeps the session running unless err is global.
func (s *Session) check(symbol string, err error) error {
	if err == nil {
		return nil
	}
	if errors.KindOf(err) == errors.KindGlobalFatal {
		logs.Errorf("session stopped, err: %+v", err)
		return err
	}
	logs.Errorf("%s event dropped, err: %+v", symbol, err)
	return nil
}

func (s *Session) syncLoop(ctx context.Context, r *depth.Reconciler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.Wake():
		}

		if err := r.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, depth.ErrKilled) {
				logs.Infof("%s sync stopped by kill switch", r.Symbol())
				continue
			}
			logs.Errorf("%s sync stopped, state: %s, err: %+v", r.Symbol(), r.State(), err)
			continue
		}
		s.shadow.OnBook(r.SymbolHash(), r.Top())
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.queue.TryPublish(bus.Event{Kind: bus.KindHeartbeat, TsLocal: s.ctx.clock.Now()})
		}
	}
}
