package replay

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/yanun0323/logs"

	"chimera/internal/clock"
	"chimera/internal/errors"
	"chimera/internal/recorder"
	"chimera/internal/schema"
)

// Handler consumes one record. The payload is only valid during the call.
type Handler func(header schema.EventHeader, payload []byte) error

// Config controls replay behavior.
type Config struct {
	Paths []string
	// Speed paces replay against recorded timestamps. Zero replays as fast as possible.
	Speed float64
	// UseExchangeTime paces on ts_exchange instead of ts_local.
	UseExchangeTime bool
	DisableChecksum bool
	MaxPayloadSize  int
}

// Validate checks if the config is usable.
func (c Config) Validate() error {
	if len(c.Paths) == 0 {
		return fmt.Errorf("invalid replay config: Paths is empty")
	}
	if c.Speed < 0 {
		return fmt.Errorf("invalid replay config: Speed must be >= 0")
	}
	if c.MaxPayloadSize < 0 {
		return fmt.Errorf("invalid replay config: MaxPayloadSize must be >= 0")
	}
	return nil
}

// Stats summarizes a replay run.
type Stats struct {
	Files        int
	Records      uint64
	Dispatched   uint64
	Skipped      uint64
	FirstEventID uint64
	LastEventID  uint64
}

// Engine reads log files in order and dispatches records by type.
type Engine struct {
	cfg      Config
	sleeper  clock.Sleeper
	mode     *Mode
	handlers [256]Handler
	all      []Handler
	dict     *schema.Dictionary
	stats    Stats
}

// NewEngine validates the config and creates a replay engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		sleeper: clock.Real{},
		dict:    schema.NewDictionary(),
	}, nil
}

// WithSleeper swaps the pacing sleeper.
func (e *Engine) WithSleeper(s clock.Sleeper) *Engine {
	if s != nil {
		e.sleeper = s
	}
	return e
}

// WithMode marks mode as active for the duration of Run.
func (e *Engine) WithMode(m *Mode) *Engine {
	e.mode = m
	return e
}

// On sets the handler of one event type, replacing any previous one.
// A nil handler unregisters the type.
func (e *Engine) On(t schema.EventType, h Handler) {
	e.handlers[t] = h
}

// Handler returns the handler registered for t.
func (e *Engine) Handler(t schema.EventType) Handler {
	return e.handlers[t]
}

// Observe adds a handler that sees every record after the typed one.
func (e *Engine) Observe(h Handler) {
	e.all = append(e.all, h)
}

// Dictionary returns the symbols collected from the files read so far.
func (e *Engine) Dictionary() *schema.Dictionary {
	return e.dict
}

// Stats returns counters of the last run.
func (e *Engine) Stats() Stats {
	return e.stats
}

// Run replays every file. Event ids must continue across file boundaries.
func (e *Engine) Run(ctx context.Context) error {
	if e.mode != nil {
		e.mode.Enter()
		defer e.mode.Exit()
	}

	e.stats = Stats{}
	var (
		expect  uint64
		started bool
		prevTS  int64
	)
	for _, path := range e.cfg.Paths {
		next, saw, err := e.playFile(ctx, path, expect, started, &prevTS)
		if err != nil {
			return err
		}
		e.stats.Files++
		if saw {
			expect, started = next, true
		}
	}
	logs.Infof("replay done, files: %d, records: %d, dispatched: %d", e.stats.Files, e.stats.Records, e.stats.Dispatched)
	return nil
}

func (e *Engine) playFile(ctx context.Context, path string, expect uint64, started bool, prevTS *int64) (uint64, bool, error) {
	reader, err := recorder.OpenReader(path, recorder.ReaderOptions{
		DisableChecksum: e.cfg.DisableChecksum,
		MaxPayloadSize:  e.cfg.MaxPayloadSize,
	})
	if err != nil {
		return expect, false, err
	}
	defer reader.Close()

	if err := e.dict.Merge(reader.Dictionary()); err != nil {
		return expect, false, errors.Wrap(err, "merge dictionary of "+path)
	}
	if started {
		reader.ExpectNext(expect)
	}

	saw := false
	for {
		if err := ctx.Err(); err != nil {
			return expect, saw, err
		}

		header, payload, err := reader.Next()
		if err == io.EOF {
			return expect, saw, nil
		}
		if err != nil {
			return expect, saw, err
		}

		if e.stats.Records == 0 {
			e.stats.FirstEventID = header.EventID
		}
		e.stats.Records++
		e.stats.LastEventID = header.EventID
		expect = header.EventID + 1
		saw = true

		if err := e.pace(ctx, header, prevTS); err != nil {
			return expect, saw, err
		}
		if err := e.dispatch(header, payload); err != nil {
			return expect, saw, errors.Wrap(err, fmt.Sprintf("handle %s event_id %d", header.Type, header.EventID))
		}
	}
}

func (e *Engine) dispatch(header schema.EventHeader, payload []byte) error {
	typed := e.handlers[header.Type]
	// types from a newer minor version: the reader already stepped over the payload
	if !header.Type.Known() || typed == nil && len(e.all) == 0 {
		e.stats.Skipped++
		return nil
	}
	if typed != nil {
		if err := typed(header, payload); err != nil {
			return err
		}
	}
	for _, h := range e.all {
		if err := h(header, payload); err != nil {
			return err
		}
	}
	e.stats.Dispatched++
	return nil
}

func (e *Engine) pace(ctx context.Context, header schema.EventHeader, prevTS *int64) error {
	if e.cfg.Speed <= 0 {
		return nil
	}
	current := header.TsLocal
	if e.cfg.UseExchangeTime {
		current = header.TsExchange
	}
	if current <= 0 {
		return nil
	}
	if *prevTS > 0 {
		if delta := current - *prevTS; delta > 0 {
			if err := e.sleeper.Sleep(ctx, time.Duration(float64(delta)/e.cfg.Speed)); err != nil {
				return err
			}
		}
	}
	*prevTS = current
	return nil
}
