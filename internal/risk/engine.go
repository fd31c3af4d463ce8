package risk

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"chimera/internal/schema"
)

// Config defines simple risk limits. Zero disables a limit.
type Config struct {
	KillSwitch           bool          `yaml:"killSwitch" json:"killSwitch"`
	MaxOrderQty          float64       `yaml:"maxOrderQty" json:"maxOrderQty"`
	MaxOrderNotional     float64       `yaml:"maxOrderNotional" json:"maxOrderNotional"`
	MaxPosition          float64       `yaml:"maxPosition" json:"maxPosition"`
	OrderRateLimit       int           `yaml:"orderRateLimit" json:"orderRateLimit"`
	OrderRateWindow      time.Duration `yaml:"orderRateWindow" json:"orderRateWindow"`
	MaxPriceDeviationBps float64       `yaml:"maxPriceDeviationBps" json:"maxPriceDeviationBps"`
}

// Order is the part of an intent the guard looks at. Qty is signed.
type Order struct {
	SymbolHash     uint32
	Price          float64
	Qty            float64
	TsLocal        int64
	ReferencePrice float64
}

// Guard holds the kill switch, per-symbol inhibits and static limits.
type Guard struct {
	cfg    Config
	killed atomic.Bool

	mu              sync.Mutex
	inhibited       map[uint32]schema.RiskBlockReason
	rateWindowStart int64
	rateCount       int
}

// NewGuard creates a guard with static limits.
func NewGuard(cfg Config) *Guard {
	g := &Guard{
		cfg:       cfg,
		inhibited: make(map[uint32]schema.RiskBlockReason),
	}
	g.killed.Store(cfg.KillSwitch)
	return g
}

// Kill stops all new orders. Fills already in flight still apply.
func (g *Guard) Kill() {
	g.killed.Store(true)
}

// Revive clears the kill switch.
func (g *Guard) Revive() {
	g.killed.Store(false)
}

func (g *Guard) Killed() bool {
	return g.killed.Load()
}

// Inhibit blocks orders on one symbol until Release.
func (g *Guard) Inhibit(symbolHash uint32, reason schema.RiskBlockReason) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inhibited[symbolHash] = reason
}

func (g *Guard) Release(symbolHash uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inhibited, symbolHash)
}

func (g *Guard) Inhibited(symbolHash uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inhibited[symbolHash]
	return ok
}

// Evaluate applies the checks in order and returns the first failing reason,
// or RejectNone. position is the current signed net quantity.
func (g *Guard) Evaluate(o Order, position float64) schema.RejectReason {
	if g.killed.Load() {
		return schema.RejectKillSwitch
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.inhibited[o.SymbolHash]; ok {
		return schema.RejectSymbolDead
	}

	if math.IsNaN(o.Qty) || math.IsInf(o.Qty, 0) || o.Qty == 0 {
		return schema.RejectInvalidQty
	}
	if math.IsNaN(o.Price) || math.IsInf(o.Price, 0) || o.Price <= 0 {
		return schema.RejectInvalidPrice
	}

	if g.cfg.OrderRateLimit > 0 && g.cfg.OrderRateWindow > 0 {
		window := int64(g.cfg.OrderRateWindow)
		if g.rateCount == 0 || o.TsLocal-g.rateWindowStart >= window {
			g.rateWindowStart = o.TsLocal
			g.rateCount = 0
		}
		g.rateCount++
		if g.rateCount > g.cfg.OrderRateLimit {
			return schema.RejectRateLimit
		}
	}

	qty := math.Abs(o.Qty)
	if g.cfg.MaxOrderQty > 0 && qty > g.cfg.MaxOrderQty {
		return schema.RejectMaxOrderQty
	}

	if g.cfg.MaxPriceDeviationBps > 0 && o.ReferencePrice > 0 {
		deviation := math.Abs(o.Price-o.ReferencePrice) / o.ReferencePrice * 1e4
		if deviation > g.cfg.MaxPriceDeviationBps {
			return schema.RejectPriceBand
		}
	}

	if g.cfg.MaxOrderNotional > 0 && qty*o.Price > g.cfg.MaxOrderNotional {
		return schema.RejectMaxNotional
	}

	if g.cfg.MaxPosition > 0 && math.Abs(position+o.Qty) > g.cfg.MaxPosition {
		return schema.RejectMaxPosition
	}

	return schema.RejectNone
}
