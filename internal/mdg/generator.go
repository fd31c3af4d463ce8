package mdg

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"chimera/internal/bus"
	"chimera/internal/depth"
	"chimera/internal/schema"
	"chimera/internal/shadow"
)

const (
	defaultBasePrice = 100
	defaultTick      = 0.01
	defaultStep      = 0.001
	defaultLevels    = 5
	defaultInterval  = time.Millisecond
	maxLevelSteps    = 2000
	maxTradeSteps    = 1500
	maxIntentSteps   = 400
)

// Config controls the synthetic market.
type Config struct {
	Seed      int64
	Symbols   []string
	BasePrice float64
	Grid      Grid
	Levels    int
	// Interval is the ts_local distance between events.
	Interval time.Duration
	StartNs  int64
	// Ratios of trades, intents and signal/decision pairs; the rest are deltas.
	TradeRatio  float64
	IntentRatio float64
	SignalRatio float64
	// HeartbeatEvery emits a heartbeat every n events. Zero disables it.
	HeartbeatEvery int
	EngineID       uint8
}

func (c Config) withDefaults() Config {
	if c.BasePrice == 0 {
		c.BasePrice = defaultBasePrice
	}
	if c.Grid.Tick == 0 {
		c.Grid.Tick = defaultTick
	}
	if c.Grid.Step == 0 {
		c.Grid.Step = defaultStep
	}
	if c.Levels == 0 {
		c.Levels = defaultLevels
	}
	if c.Interval == 0 {
		c.Interval = defaultInterval
	}
	if c.EngineID == 0 {
		c.EngineID = 1
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("generator has no symbols")
	}
	if err := c.Grid.validate(); err != nil {
		return err
	}
	if c.BasePrice <= 0 || c.Levels <= 0 || c.Interval <= 0 {
		return fmt.Errorf("basePrice, levels and interval must be > 0")
	}
	if c.TradeRatio < 0 || c.IntentRatio < 0 || c.SignalRatio < 0 || c.TradeRatio+c.IntentRatio+c.SignalRatio > 1 {
		return fmt.Errorf("event ratios must be >= 0 and sum to <= 1")
	}
	if c.HeartbeatEvery < 0 {
		return fmt.Errorf("heartbeatEvery must be >= 0")
	}
	return nil
}

type market struct {
	name     string
	mid      int64
	updateID uint64
	bids     map[int64]int64
	asks     map[int64]int64
	book     *depth.Book
}

// Generator produces a seeded, fully deterministic stream of ingress events
// over a set of true order books. It also serves snapshots of those books
// and the stream's clock, so a session can run against it with no network.
type Generator struct {
	cfg Config
	rng *rand.Rand

	mu       sync.Mutex
	markets  []*market
	byName   map[string]*market
	index    int
	count    int
	now      int64
	clientID uint64
	pending  []bus.Event
}

// NewGenerator creates a generator for cfg.Symbols.
func NewGenerator(cfg Config) (*Generator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Generator{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		byName: make(map[string]*market, len(cfg.Symbols)),
		now:    cfg.StartNs,
	}
	for i, name := range cfg.Symbols {
		if _, ok := g.byName[name]; ok {
			return nil, fmt.Errorf("duplicate symbol: %s", name)
		}
		m := &market{
			name:     name,
			mid:      int64(cfg.BasePrice/cfg.Grid.Tick) + int64(i)*100,
			updateID: uint64(1000 * (i + 1)),
			bids:     make(map[int64]int64),
			asks:     make(map[int64]int64),
			book:     depth.NewBook(),
		}
		for k := int64(1); k <= int64(cfg.Levels); k++ {
			m.bids[m.mid-k] = 1 + g.rng.Int63n(maxLevelSteps)
			m.asks[m.mid+k] = 1 + g.rng.Int63n(maxLevelSteps)
		}
		m.book.ApplySnapshot(g.snapshotLocked(m))
		g.markets = append(g.markets, m)
		g.byName[name] = m
	}
	return g, nil
}

// Now returns the ts_local of the last generated event.
func (g *Generator) Now() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now
}

// Count returns the number of events generated so far.
func (g *Generator) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// FetchSnapshot returns the true book of symbol as of the last event.
func (g *Generator) FetchSnapshot(ctx context.Context, symbol string) (schema.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return schema.Snapshot{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.byName[symbol]
	if !ok {
		return schema.Snapshot{}, fmt.Errorf("unknown symbol: %s", symbol)
	}
	return g.snapshotLocked(m), nil
}

// Next generates one event.
func (g *Generator) Next() bus.Event {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.pending) > 0 {
		e := g.pending[0]
		g.pending = g.pending[1:]
		return e
	}

	g.count++
	g.now += int64(g.cfg.Interval)

	if g.cfg.HeartbeatEvery > 0 && g.count%g.cfg.HeartbeatEvery == 0 {
		return bus.Event{Kind: bus.KindHeartbeat, TsLocal: g.now}
	}

	m := g.markets[g.index]
	g.index = (g.index + 1) % len(g.markets)

	r := g.rng.Float64()
	switch {
	case r < g.cfg.TradeRatio:
		return g.tradeLocked(m)
	case r < g.cfg.TradeRatio+g.cfg.IntentRatio:
		return g.intentLocked(m)
	case r < g.cfg.TradeRatio+g.cfg.IntentRatio+g.cfg.SignalRatio:
		signal, decision := g.signalLocked(m)
		g.pending = append(g.pending, decision)
		return signal
	default:
		return g.deltaLocked(m)
	}
}

func (g *Generator) event(kind bus.Kind, m *market) bus.Event {
	return bus.Event{
		Kind:       kind,
		Venue:      schema.VenueSim,
		Symbol:     m.name,
		EngineID:   g.cfg.EngineID,
		TsExchange: g.now - int64(time.Microsecond),
		TsLocal:    g.now,
	}
}

func (g *Generator) deltaLocked(m *market) bus.Event {
	var d schema.DepthDelta
	updates := 1 + g.rng.Intn(3)

	if g.rng.Intn(8) == 0 {
		// move the mid one tick and clear the level that would cross
		if g.rng.Intn(2) == 0 {
			if _, ok := m.asks[m.mid+1]; ok {
				delete(m.asks, m.mid+1)
				d.Asks = append(d.Asks, g.cfg.Grid.Level(m.mid+1, 0))
			}
			m.mid++
			m.bids[m.mid-1] = 1 + g.rng.Int63n(maxLevelSteps)
			d.Bids = append(d.Bids, g.cfg.Grid.Level(m.mid-1, m.bids[m.mid-1]))
		} else {
			if _, ok := m.bids[m.mid-1]; ok {
				delete(m.bids, m.mid-1)
				d.Bids = append(d.Bids, g.cfg.Grid.Level(m.mid-1, 0))
			}
			m.mid--
			m.asks[m.mid+1] = 1 + g.rng.Int63n(maxLevelSteps)
			d.Asks = append(d.Asks, g.cfg.Grid.Level(m.mid+1, m.asks[m.mid+1]))
		}
	} else {
		k := 1 + g.rng.Int63n(int64(g.cfg.Levels))
		qty := g.rng.Int63n(maxLevelSteps)
		if g.rng.Intn(2) == 0 {
			setSide(m.bids, m.mid-k, qty)
			d.Bids = append(d.Bids, g.cfg.Grid.Level(m.mid-k, qty))
		} else {
			setSide(m.asks, m.mid+k, qty)
			d.Asks = append(d.Asks, g.cfg.Grid.Level(m.mid+k, qty))
		}
	}

	d.FirstUpdateID = m.updateID + 1
	d.LastUpdateID = m.updateID + uint64(updates)
	m.updateID = d.LastUpdateID
	m.book.ApplyDelta(d)

	e := g.event(bus.KindDelta, m)
	e.Delta = d
	return e
}

func (g *Generator) tradeLocked(m *market) bus.Event {
	top := m.book.Top()
	if !top.Valid() {
		return g.deltaLocked(m)
	}
	buyerMaker := g.rng.Intn(2) == 0
	price := top.AskPrice
	if buyerMaker {
		price = top.BidPrice
	}
	e := g.event(bus.KindTrade, m)
	e.Trade = schema.MarketTick{
		TradeID:    uint64(g.count),
		Price:      price,
		Qty:        g.cfg.Grid.Qty(1 + g.rng.Int63n(maxTradeSteps)),
		BuyerMaker: buyerMaker,
	}
	return e
}

func (g *Generator) intentLocked(m *market) bus.Event {
	top := m.book.Top()
	steps := 1 + g.rng.Int63n(maxIntentSteps)
	price := top.BidPrice
	if g.rng.Intn(2) == 0 {
		steps = -steps
		price = top.AskPrice
	}
	g.clientID++
	e := g.event(bus.KindIntent, m)
	e.Intent = shadow.Intent{
		Symbol:     m.name,
		EngineID:   g.cfg.EngineID,
		ClientID:   g.clientID,
		Price:      price,
		Qty:        g.cfg.Grid.Qty(steps),
		TsLocal:    e.TsLocal,
		TsExchange: e.TsExchange,
	}
	return e
}

func (g *Generator) signalLocked(m *market) (bus.Event, bus.Event) {
	top := m.book.Top()
	s := schema.SignalVector{
		OFI:     g.rng.NormFloat64(),
		Impulse: g.rng.NormFloat64(),
		Spread:  top.AskPrice - top.BidPrice,
		Depth:   top.BidQty + top.AskQty,
		VPIN:    g.rng.Float64(),
		Funding: g.rng.NormFloat64() * 1e-4,
		Regime:  float64(g.rng.Intn(3)),
	}
	signal := g.event(bus.KindSignal, m)
	signal.Signal = s

	trade := 0.0
	if s.OFI > 1 {
		trade = 1
	}
	decision := g.event(bus.KindDecision, m)
	decision.Decision = schema.Decision{
		Signals: s,
		Trade:   trade,
		Qty:     g.cfg.Grid.Qty(1 + g.rng.Int63n(maxIntentSteps)),
		Price:   top.BidPrice,
	}
	return signal, decision
}

func (g *Generator) snapshotLocked(m *market) schema.Snapshot {
	s := schema.Snapshot{LastUpdateID: m.updateID}
	for _, k := range sortedKeys(m.bids, true) {
		s.Bids = append(s.Bids, g.cfg.Grid.Level(k, m.bids[k]))
	}
	for _, k := range sortedKeys(m.asks, false) {
		s.Asks = append(s.Asks, g.cfg.Grid.Level(k, m.asks[k]))
	}
	return s
}

func sortedKeys(side map[int64]int64, desc bool) []int64 {
	keys := make([]int64, 0, len(side))
	for k := range side {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if desc {
			return keys[i] > keys[j]
		}
		return keys[i] < keys[j]
	})
	return keys
}

func setSide(side map[int64]int64, price, qty int64) {
	if qty == 0 {
		delete(side, price)
		return
	}
	side[price] = qty
}
