package schema

// Level is one price level of an order book side.
type Level struct {
	Price float64
	Qty   float64
}

// DepthDelta is a venue diff-depth message covering update ids [FirstUpdateID, LastUpdateID].
// A level with zero quantity removes the price.
type DepthDelta struct {
	FirstUpdateID uint64
	LastUpdateID  uint64
	Bids          []Level
	Asks          []Level
}

// Snapshot is a full book image valid as of LastUpdateID.
type Snapshot struct {
	LastUpdateID uint64
	Bids         []Level
	Asks         []Level
}

// Tick is a top-of-book update.
type Tick struct {
	BidPrice float64
	BidQty   float64
	AskPrice float64
	AskQty   float64
}

// MarketTick is a public trade print.
type MarketTick struct {
	TradeID    uint64
	Price      float64
	Qty        float64
	BuyerMaker bool
}

// SignalVector is the feature set computed for one decision.
type SignalVector struct {
	OFI     float64
	Impulse float64
	Spread  float64
	Depth   float64
	VPIN    float64
	Funding float64
	Regime  float64
}

// Decision is the strategy output derived from a signal vector.
// Trade is +1 buy, -1 sell, 0 no trade.
type Decision struct {
	Signals SignalVector
	Trade   float64
	Qty     float64
	Price   float64
}

// Order is an order intent. Qty is signed: positive buys, negative sells.
type Order struct {
	ClientID uint64
	Price    float64
	Qty      float64
}

// Fill is a (shadow) execution of an order.
type Fill struct {
	OrderEventID uint64
	Price        float64
	Qty          float64
	FeeBps       float64
	LatencyMs    float64
	Fee          float64
}

// Route records which venue an order was routed to.
type Route struct {
	OrderEventID uint64
	Venue        VenueID
}

// Ack is a venue acknowledgement of an order.
type Ack struct {
	OrderEventID uint64
	Accepted     bool
	Code         uint32
}

// Cancel records an order cancel.
type Cancel struct {
	OrderEventID uint64
	Reason       uint32
}

// RejectReason explains why an order intent did not fill.
type RejectReason uint32

const (
	RejectNone RejectReason = iota
	RejectKillSwitch
	RejectSymbolDead
	RejectMaxOrderQty
	RejectMaxPosition
	RejectInvalidQty
	RejectInvalidPrice
	RejectMinQty
	RejectStepSize
	RejectTickSize
	RejectMinNotional
	RejectNoBook
	RejectLowFillProbability
	RejectMaxNotional
	RejectRateLimit
	RejectPriceBand
)

var rejectReasonNames = [...]string{
	RejectNone:               "none",
	RejectKillSwitch:         "kill_switch",
	RejectSymbolDead:         "symbol_dead",
	RejectMaxOrderQty:        "max_order_qty",
	RejectMaxPosition:        "max_position",
	RejectInvalidQty:         "invalid_qty",
	RejectInvalidPrice:       "invalid_price",
	RejectMinQty:             "min_qty",
	RejectStepSize:           "step_size",
	RejectTickSize:           "tick_size",
	RejectMinNotional:        "min_notional",
	RejectNoBook:             "no_book",
	RejectLowFillProbability: "low_fill_probability",
	RejectMaxNotional:        "max_notional",
	RejectRateLimit:          "rate_limit",
	RejectPriceBand:          "price_band",
}

// MaxRejectReason is the highest reject reason this build defines.
const MaxRejectReason = RejectPriceBand

func (r RejectReason) String() string {
	if int(r) < len(rejectReasonNames) {
		return rejectReasonNames[r]
	}
	return "unknown"
}

// Reject records a refused order intent.
type Reject struct {
	OrderEventID    uint64
	Reason          RejectReason
	Price           float64
	Qty             float64
	FillProbability float64
}

// DriftReason explains a loss of book continuity.
type DriftReason uint32

const (
	DriftGap DriftReason = iota + 1
	DriftBufferOverflow
	DriftSnapshotTimeout
	DriftSnapshotFailed
	DriftSnapshotStale
	DriftDisconnect
)

func (r DriftReason) String() string {
	switch r {
	case DriftGap:
		return "gap"
	case DriftBufferOverflow:
		return "buffer_overflow"
	case DriftSnapshotTimeout:
		return "snapshot_timeout"
	case DriftSnapshotFailed:
		return "snapshot_failed"
	case DriftSnapshotStale:
		return "snapshot_stale"
	case DriftDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Drift is emitted when a symbol's book leaves the live state.
type Drift struct {
	Reason   DriftReason
	Attempt  uint32
	Expected uint64
	First    uint64
	Last     uint64
}

// RiskBlockReason explains why trading on a symbol (or globally) stopped.
type RiskBlockReason uint32

const (
	RiskBlockSymbolDead RiskBlockReason = iota + 1
	RiskBlockKillSwitch
	RiskBlockLogHalted
)

func (r RiskBlockReason) String() string {
	switch r {
	case RiskBlockSymbolDead:
		return "symbol_dead"
	case RiskBlockKillSwitch:
		return "kill_switch"
	case RiskBlockLogHalted:
		return "log_halted"
	default:
		return "unknown"
	}
}

// RiskBlock records a trading inhibit.
type RiskBlock struct {
	Reason       RiskBlockReason
	Attempts     uint32
	LastUpdateID uint64
}

// ThrottleReason explains why an outbound call was delayed.
type ThrottleReason uint32

const (
	ThrottleRateLimited ThrottleReason = iota + 1
)

// Throttle records a venue rate-limit backoff.
type Throttle struct {
	Reason    ThrottleReason
	Attempt   uint32
	BackoffNs int64
}

// Heartbeat is a liveness marker.
type Heartbeat struct {
	Seq     uint64
	Symbols uint32
}
