package shadow

import (
	"fmt"
	"math"
	"sync"
	"time"

	"chimera/internal/codec"
	"chimera/internal/depth"
	"chimera/internal/dispatch"
	"chimera/internal/obs"
	"chimera/internal/risk"
	"chimera/internal/schema"
	"chimera/internal/state"
	"chimera/internal/venue"
)

const (
	defaultMinFillProbability = 0.7
	defaultTradeWindow        = time.Second
)

// Log is the part of the recorder the engine writes through.
type Log interface {
	Append(header schema.EventHeader, payload []byte) (uint64, error)
	AppendFunc(header schema.EventHeader, payload []byte, commit func(eventID uint64) error) (uint64, error)
}

// Config controls the simulated execution.
type Config struct {
	Venue              schema.VenueID `yaml:"-" json:"-"`
	MinFillProbability float64        `yaml:"minFillProbability" json:"minFillProbability"`
	FeeBps             float64        `yaml:"feeBps" json:"feeBps"`
	LatencyMs          float64        `yaml:"latencyMs" json:"latencyMs"`
	TradeWindow        time.Duration  `yaml:"tradeWindow" json:"tradeWindow"`
}

func (c Config) withDefaults() Config {
	if c.MinFillProbability == 0 {
		c.MinFillProbability = defaultMinFillProbability
	}
	if c.TradeWindow == 0 {
		c.TradeWindow = defaultTradeWindow
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.MinFillProbability < 0 || c.MinFillProbability > 1 {
		return fmt.Errorf("invalid shadow config: MinFillProbability must be in [0, 1]")
	}
	if c.FeeBps < 0 || c.LatencyMs < 0 {
		return fmt.Errorf("invalid shadow config: FeeBps and LatencyMs must be >= 0")
	}
	if c.TradeWindow <= 0 {
		return fmt.Errorf("invalid shadow config: TradeWindow must be > 0")
	}
	return nil
}

// Intent is an order a strategy wants filled. Qty is signed, positive buys.
type Intent struct {
	Symbol     string
	EngineID   uint8
	ClientID   uint64
	Price      float64
	Qty        float64
	TsLocal    int64
	TsExchange int64
}

// Result is the outcome of one intent.
type Result struct {
	OrderID         uint64
	FillID          uint64
	Filled          bool
	Reason          schema.RejectReason
	FillProbability float64
	Position        state.Position
}

type market struct {
	top  depth.Top
	tape *tape
}

// Engine converts intents into FILL or REJECT records. Every time value it
// uses comes from the intent or market inputs, so equal inputs give equal logs.
type Engine struct {
	cfg     Config
	log     Log
	ledger  *state.Ledger
	guard   *risk.Guard
	rules   venue.RulesSource
	metrics *obs.Metrics
	model   QueueModel

	mu      sync.Mutex
	markets map[uint32]*market
}

// Deps are the collaborators of an Engine. Rules and Metrics may be nil.
type Deps struct {
	Log     Log
	Ledger  *state.Ledger
	Guard   *risk.Guard
	Rules   venue.RulesSource
	Metrics *obs.Metrics
}

// NewEngine creates a shadow fill engine.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Log == nil || deps.Ledger == nil || deps.Guard == nil {
		return nil, fmt.Errorf("shadow engine needs a log, a ledger and a guard")
	}
	return &Engine{
		cfg:     cfg,
		log:     deps.Log,
		ledger:  deps.Ledger,
		guard:   deps.Guard,
		rules:   deps.Rules,
		metrics: deps.Metrics,
		markets: make(map[uint32]*market),
	}, nil
}

// OnBook updates the best levels of a symbol.
func (e *Engine) OnBook(symbolHash uint32, top depth.Top) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.market(symbolHash).top = top
}

// OnTrade adds a print to the symbol's trade window.
func (e *Engine) OnTrade(symbolHash uint32, qty float64, tsLocal int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.market(symbolHash).tape.add(tsLocal, qty)
}

// OnIntent records the order, runs the checks and records the outcome.
// A FILL is applied to the ledger under the writer lock with its own id.
func (e *Engine) OnIntent(in Intent) (Result, error) {
	hash := schema.SymbolHash(in.Symbol)

	orderHeader := schema.NewHeader(schema.EventOrder, e.cfg.Venue, in.EngineID, hash, in.TsExchange, in.TsLocal)
	orderID, err := e.log.Append(orderHeader, codec.EncodeOrder(nil, schema.Order{
		ClientID: in.ClientID,
		Price:    in.Price,
		Qty:      in.Qty,
	}))
	if err != nil {
		return Result{}, err
	}
	result := Result{OrderID: orderID}

	e.mu.Lock()
	m := e.market(hash)
	top := m.top
	recent := m.tape.volume(in.TsLocal)
	e.mu.Unlock()

	reason := e.guard.Evaluate(risk.Order{
		SymbolHash:     hash,
		Price:          in.Price,
		Qty:            in.Qty,
		TsLocal:        in.TsLocal,
		ReferencePrice: mid(top),
	}, e.ledger.NetQty(hash))

	if reason == schema.RejectNone && e.rules != nil {
		if rules, ok := e.rules.Rules(in.Symbol); ok {
			reason = rules.Validate(in.Price, in.Qty)
		}
	}

	if reason == schema.RejectNone && !top.Valid() {
		reason = schema.RejectNoBook
	}

	if reason == schema.RejectNone {
		result.FillProbability = e.model.FillProbability(queueSize(top, in.Qty), recent)
		if result.FillProbability < e.cfg.MinFillProbability {
			reason = schema.RejectLowFillProbability
		}
	}

	if reason != schema.RejectNone {
		return e.reject(in, hash, orderID, reason, result)
	}

	fill := schema.Fill{
		OrderEventID: orderID,
		Price:        in.Price,
		Qty:          in.Qty,
		FeeBps:       e.cfg.FeeBps,
		LatencyMs:    e.cfg.LatencyMs,
		Fee:          math.Abs(in.Qty) * in.Price * e.cfg.FeeBps / 1e4,
	}
	fillHeader := schema.NewHeader(schema.EventFill, e.cfg.Venue, in.EngineID, hash, in.TsExchange, in.TsLocal)
	fillID, err := e.log.AppendFunc(fillHeader, codec.EncodeFill(nil, fill), func(eventID uint64) error {
		h := fillHeader
		h.EventID = eventID
		pos, err := dispatch.ApplyFill(e.ledger, h, fill)
		result.Position = pos
		return err
	})
	if err != nil {
		return Result{}, err
	}

	result.FillID = fillID
	result.Filled = true
	return result, nil
}

func (e *Engine) reject(in Intent, hash uint32, orderID uint64, reason schema.RejectReason, result Result) (Result, error) {
	e.metrics.IncReject(reason)
	header := schema.NewHeader(schema.EventReject, e.cfg.Venue, in.EngineID, hash, in.TsExchange, in.TsLocal)
	if _, err := e.log.Append(header, codec.EncodeReject(nil, schema.Reject{
		OrderEventID:    orderID,
		Reason:          reason,
		Price:           in.Price,
		Qty:             in.Qty,
		FillProbability: result.FillProbability,
	})); err != nil {
		return Result{}, err
	}
	result.Reason = reason
	result.Position, _ = e.ledger.Snapshot(hash)
	return result, nil
}

func (e *Engine) market(hash uint32) *market {
	m, ok := e.markets[hash]
	if !ok {
		m = &market{tape: newTape(e.cfg.TradeWindow)}
		e.markets[hash] = m
	}
	return m
}

// queueSize is the displayed size a passive order joins: the bid for buys.
func queueSize(top depth.Top, qty float64) float64 {
	if qty > 0 {
		return top.BidQty
	}
	return top.AskQty
}

func mid(top depth.Top) float64 {
	if !top.Valid() {
		return 0
	}
	return (top.BidPrice + top.AskPrice) / 2
}
