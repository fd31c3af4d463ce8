package schema

// Log format version. Readers accept any minor version of the same major.
const (
	VersionMajor uint16 = 1
	VersionMinor uint16 = 0
)

// EventType defines the category of an event stored in the log.
type EventType uint8

const (
	EventUnknown EventType = iota
	EventTick
	EventSignal
	EventDecision
	EventOrder
	EventFill
	EventHeartbeat
	EventMarketTick
	EventRoute
	EventAck
	EventRiskBlock
	EventThrottle
	EventDrift
	EventCancel
	EventReject
	EventDepthDelta
	EventSnapshot
)

// MaxEventType is the highest type this build knows how to decode.
const MaxEventType = EventSnapshot

var eventTypeNames = [...]string{
	EventUnknown:     "UNKNOWN",
	EventTick:        "TICK",
	EventSignal:      "SIGNAL",
	EventDecision:    "DECISION",
	EventOrder:       "ORDER",
	EventFill:        "FILL",
	EventHeartbeat:   "HEARTBEAT",
	EventMarketTick:  "MARKET_TICK",
	EventRoute:       "ROUTE",
	EventAck:         "ACK",
	EventRiskBlock:   "RISK_BLOCK",
	EventThrottle:    "THROTTLE",
	EventDrift:       "DRIFT",
	EventCancel:      "CANCEL",
	EventReject:      "REJECT",
	EventDepthDelta:  "DEPTH_DELTA",
	EventSnapshot:    "SNAPSHOT",
}

func (t EventType) String() string {
	if int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return "UNKNOWN"
}

// Known reports whether t is a type this build can decode.
func (t EventType) Known() bool {
	return t > EventUnknown && t <= MaxEventType
}

// VenueID is the numeric identifier for a venue.
type VenueID uint8

const (
	VenueUnknown VenueID = iota
	VenueBinance
	VenueFIX
	VenueSim
)

func (v VenueID) String() string {
	switch v {
	case VenueBinance:
		return "binance"
	case VenueFIX:
		return "fix"
	case VenueSim:
		return "sim"
	default:
		return "unknown"
	}
}

// ParseVenue maps a configured venue name to its id.
func ParseVenue(name string) (VenueID, bool) {
	switch name {
	case "binance":
		return VenueBinance, true
	case "fix":
		return VenueFIX, true
	case "sim":
		return VenueSim, true
	}
	return VenueUnknown, false
}

// EventHeader is the common metadata attached to every record.
// EventID, PayloadSize and CRC32 are assigned by the log writer.
type EventHeader struct {
	EventID     uint64
	TsExchange  int64
	TsLocal     int64
	SymbolHash  uint32
	Venue       VenueID
	EngineID    uint8
	Type        EventType
	PayloadSize uint32
	CRC32       uint32
}

// NewHeader builds a header for a record that has not been appended yet.
func NewHeader(eventType EventType, venue VenueID, engineID uint8, symbolHash uint32, tsExchange, tsLocal int64) EventHeader {
	return EventHeader{
		Type:       eventType,
		Venue:      venue,
		EngineID:   engineID,
		SymbolHash: symbolHash,
		TsExchange: tsExchange,
		TsLocal:    tsLocal,
	}
}
