/*
Core wires the event bus, the books, the shadow engine and the ledger.

# Module
  - context: owns the log writer, ledger, guard, metrics and replay mode
  - session: consumes ingress events, records them and drives books and shadow fills
  - replay: feeds a recorded log back through the same ledger path

# Source
 1. venue depth and trade streams
 2. synthetic market from the generator
 3. recorded logs from the replay engine

# Produce
  - an append-only event log, ledger snapshots and a session summary
*/
package core

import (
	"context"

	"github.com/yanun0323/logs"

	"chimera/internal/catalog"
	"chimera/internal/clock"
	"chimera/internal/codec"
	"chimera/internal/dispatch"
	"chimera/internal/errors"
	"chimera/internal/obs"
	"chimera/internal/ops"
	"chimera/internal/recorder"
	"chimera/internal/replay"
	"chimera/internal/risk"
	"chimera/internal/schema"
	"chimera/internal/state"
	"chimera/pkg/exception"
)

// Option configures a Context.
type Option func(*Context)

// WithClock sets the ts_local source of records the context creates itself.
func WithClock(c clock.Clock) Option {
	return func(ctx *Context) {
		ctx.clock = c
	}
}

// WithSleeper sets the sleeper used by reconciler backoff and replay pacing.
func WithSleeper(s clock.Sleeper) Option {
	return func(ctx *Context) {
		ctx.sleeper = s
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(ctx *Context) {
		ctx.metrics = m
	}
}

// WithMode shares a replay mode flag instead of reading it from the config.
func WithMode(m *replay.Mode) Option {
	return func(ctx *Context) {
		ctx.mode = m
	}
}

// Context is the explicit engine context. Nothing in the engine reads
// process globals; components get what they need from here.
type Context struct {
	cfg     ops.Config
	mode    *replay.Mode
	clock   clock.Clock
	sleeper clock.Sleeper
	metrics *obs.Metrics
	ledger  *state.Ledger
	guard   *risk.Guard
	writer  *recorder.Writer
	startNs int64
}

func newContext(cfg ops.Config, opts []Option) *Context {
	c := &Context{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = clock.NewMonotonic()
	}
	if c.sleeper == nil {
		c.sleeper = clock.Real{}
	}
	if c.metrics == nil {
		c.metrics = obs.NewMetrics()
	}
	c.ledger = state.NewLedger()
	c.guard = risk.NewGuard(cfg.Risk)
	c.startNs = c.clock.Now()
	return c
}

// NewLive opens the log writer and registers the configured symbols.
// It refuses to start when replay mode is on.
func NewLive(cfg ops.Config, opts ...Option) (*Context, error) {
	c := newContext(cfg, opts)
	if c.mode == nil {
		c.mode = replay.NewMode(cfg.ReplayMode)
	}
	if c.mode.Enabled() {
		return nil, exception.ErrReplayMode
	}

	w, err := recorder.NewWriter(cfg.RecorderConfig(), recorder.WithClock(c.clock), recorder.WithMetrics(c.metrics))
	if err != nil {
		return nil, err
	}
	for _, name := range cfg.SymbolNames() {
		if _, err := w.RegisterSymbol(name); err != nil {
			_ = w.Close()
			return nil, errors.Wrap(err, "register symbol "+name)
		}
	}
	c.writer = w
	logs.Infof("live context opened, log: %s, symbols: %d", cfg.BasePath(), len(cfg.Symbols))
	return c, nil
}

// NewReplay creates a context with replay mode forced on and no writer.
func NewReplay(cfg ops.Config, opts ...Option) (*Context, error) {
	c := newContext(cfg, opts)
	if c.mode == nil {
		c.mode = replay.NewMode(true)
	}
	return c, nil
}

// Replay plays paths through the ledger. bind runs before the engine starts;
// use Engine.Observe there to watch records without replacing the FILL handler.
func (c *Context) Replay(ctx context.Context, paths []string, speed float64, bind ...func(*replay.Engine)) (replay.Stats, error) {
	engine, err := replay.NewEngine(replay.Config{Paths: paths, Speed: speed})
	if err != nil {
		return replay.Stats{}, err
	}
	engine.WithMode(c.mode).WithSleeper(c.sleeper)
	dispatch.BindLedger(engine, c.ledger)
	for _, fn := range bind {
		fn(engine)
	}

	err = engine.Run(ctx)
	return engine.Stats(), err
}

// Kill trips the kill switch and records it. Sessions stop recording
// ingress and reconcilers stop fetching; intents are only rejected.
func (c *Context) Kill(tsLocal int64) error {
	c.guard.Kill()
	logs.Errorf("kill switch engaged")
	if c.writer == nil {
		return nil
	}
	header := schema.NewHeader(schema.EventRiskBlock, c.cfg.VenueID(), 0, 0, 0, tsLocal)
	_, err := c.writer.Append(header, codec.EncodeRiskBlock(nil, schema.RiskBlock{Reason: schema.RiskBlockKillSwitch}))
	return err
}

// Close seals the log.
func (c *Context) Close() error {
	if c.writer == nil {
		return nil
	}
	return c.writer.Close()
}

func (c *Context) Config() ops.Config {
	return c.cfg
}

func (c *Context) Mode() *replay.Mode {
	return c.mode
}

func (c *Context) Clock() clock.Clock {
	return c.clock
}

func (c *Context) Sleeper() clock.Sleeper {
	return c.sleeper
}

func (c *Context) Metrics() *obs.Metrics {
	return c.metrics
}

func (c *Context) Ledger() *state.Ledger {
	return c.ledger
}

func (c *Context) Guard() *risk.Guard {
	return c.guard
}

// Writer is nil for replay contexts.
func (c *Context) Writer() *recorder.Writer {
	return c.writer
}

// Dictionary returns the symbols of the live log, or nil in replay.
func (c *Context) Dictionary() *schema.Dictionary {
	if c.writer == nil {
		return nil
	}
	return c.writer.Dictionary()
}

// Snapshot dumps the ledger with the writer's watermark.
func (c *Context) Snapshot() state.Snapshot {
	var next uint64
	if c.writer != nil {
		next = c.writer.NextID()
	}
	return c.ledger.Dump(c.Dictionary(), next)
}

// Summary describes the session for the catalog.
func (c *Context) Summary() catalog.Summary {
	s := catalog.Summary{
		BasePath: c.cfg.BasePath(),
		Mode:     "replay",
		StartNs:  c.startNs,
		ClosedNs: c.clock.Now(),
		Ledger:   c.Snapshot(),
	}
	if c.writer != nil {
		s.Mode = "live"
		s.Files = len(c.writer.Paths())
		s.Events = c.writer.NextID()
	}
	return s
}
