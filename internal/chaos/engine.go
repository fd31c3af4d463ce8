// Package chaos disturbs ingress streams the way a flaky venue connection
// does: lost, repeated, late and out of order messages. All randomness comes
// from one seeded source so a run can be reproduced exactly.
package chaos

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"chimera/internal/bus"
)

type Config struct {
	Seed          int64         `yaml:"seed"`
	DropRate      float64       `yaml:"dropRate"`
	DuplicateRate float64       `yaml:"duplicateRate"`
	ReorderWindow int           `yaml:"reorderWindow"`
	MaxDelay      time.Duration `yaml:"maxDelay"`
	// Kinds names the disturbed event kinds. Empty means depth deltas only.
	Kinds []string `yaml:"kinds"`
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("invalid chaos config: dropRate %v not in [0, 1]", c.DropRate)
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return fmt.Errorf("invalid chaos config: duplicateRate %v not in [0, 1]", c.DuplicateRate)
	}
	if c.ReorderWindow < 0 {
		return fmt.Errorf("invalid chaos config: reorderWindow %d is negative", c.ReorderWindow)
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("invalid chaos config: maxDelay %s is negative", c.MaxDelay)
	}
	_, err := parseKinds(c.Kinds)
	return err
}

func parseKinds(names []string) (map[bus.Kind]bool, error) {
	kinds := make(map[bus.Kind]bool, len(names)+1)
	for _, name := range names {
		k, ok := bus.ParseKind(name)
		if !ok {
			return nil, fmt.Errorf("invalid chaos config: unknown kind %q", name)
		}
		kinds[k] = true
	}
	if len(kinds) == 0 {
		kinds[bus.KindDelta] = true
	}
	return kinds, nil
}

// Stats counts what the engine did to the stream.
type Stats struct {
	Dropped    uint64
	Duplicated uint64
	Reordered  uint64
	Delayed    uint64
}

// Engine applies the configured faults. Reordering happens inside one
// symbol's stream; events of other kinds release everything held and pass
// through in place.
type Engine struct {
	cfg    Config
	window int
	rng    *rand.Rand
	kinds  map[bus.Kind]bool
	held   map[string][]bus.Event
	stats  Stats
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kinds, _ := parseKinds(cfg.Kinds)
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	window := cfg.ReorderWindow
	if window == 0 {
		window = 1
	}
	return &Engine{
		cfg:    cfg,
		window: window,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		kinds:  kinds,
		held:   make(map[string][]bus.Event),
	}, nil
}

// Process takes one event and returns the events to deliver now, possibly none.
func (e *Engine) Process(ev bus.Event) []bus.Event {
	if e == nil {
		return []bus.Event{ev}
	}
	if !e.kinds[ev.Kind] {
		return append(e.Flush(), ev)
	}
	if e.hit(e.cfg.DropRate) {
		e.stats.Dropped++
		return nil
	}
	ev = e.delay(ev)
	if e.window == 1 {
		return e.emit(ev)
	}

	q := append(e.held[ev.Symbol], ev)
	if len(q) < e.window {
		e.held[ev.Symbol] = q
		return nil
	}
	i := e.rng.Intn(len(q))
	if i != 0 {
		e.stats.Reordered++
	}
	out := q[i]
	e.held[ev.Symbol] = append(q[:i], q[i+1:]...)
	return e.emit(out)
}

// Flush releases every held event, symbol by symbol in name order.
func (e *Engine) Flush() []bus.Event {
	if e == nil || len(e.held) == 0 {
		return nil
	}
	symbols := make([]string, 0, len(e.held))
	for s, q := range e.held {
		if len(q) > 0 {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)

	var out []bus.Event
	for _, s := range symbols {
		q := e.held[s]
		for len(q) > 0 {
			i := e.rng.Intn(len(q))
			if i != 0 {
				e.stats.Reordered++
			}
			out = append(out, e.emit(q[i])...)
			q = append(q[:i], q[i+1:]...)
		}
		delete(e.held, s)
	}
	return out
}

// Held returns the number of events waiting in reorder windows.
func (e *Engine) Held() int {
	n := 0
	for _, q := range e.held {
		n += len(q)
	}
	return n
}

func (e *Engine) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	return e.stats
}

func (e *Engine) hit(rate float64) bool {
	return rate > 0 && e.rng.Float64() < rate
}

func (e *Engine) emit(ev bus.Event) []bus.Event {
	if e.hit(e.cfg.DuplicateRate) {
		e.stats.Duplicated++
		return []bus.Event{ev, ev}
	}
	return []bus.Event{ev}
}

// delay pushes tsLocal back by up to MaxDelay, as if the message sat in a
// socket buffer.
func (e *Engine) delay(ev bus.Event) bus.Event {
	if e.cfg.MaxDelay <= 0 {
		return ev
	}
	d := e.rng.Int63n(int64(e.cfg.MaxDelay) + 1)
	if d > 0 {
		e.stats.Delayed++
		ev.TsLocal += d
	}
	return ev
}
