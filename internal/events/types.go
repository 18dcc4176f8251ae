package events

import "time"

// Event enumerates the callback topics this client exposes to the engine.
type Event string

const (
	EventTick          Event = "tick"
	EventOrderUpdate   Event = "order.update"
	EventFill          Event = "order.fill"
	EventAccountChange Event = "account.change"
	EventMessage       Event = "message"
	EventConnection    Event = "connection"
)

// Severity grades a Message.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Message is delivered on the message sink.
type Message struct {
	Severity Severity
	Code     int // remote code when code-driven, 0 otherwise
	Text     string
}

// ConnectionChange announces reconnected/disconnected transitions.
type ConnectionChange struct {
	Connected bool
	Reason    string
}

// OrderUpdate reports a non-fill order status transition.
type OrderUpdate struct {
	ClientRef string
	BrokerID  int64
	Status    string
	Text      string
}

// Fill is the single reconciled event per execution id: execution mechanics
// joined with its commission.
type Fill struct {
	ClientRef  string
	BrokerID   int64
	ExecID     string
	Instrument string
	Account    string
	Quantity   float64 // this event, signed (sell negative)
	CumQty     float64
	Remaining  float64
	Price      float64 // scale-normalized
	Commission float64
	Status     string // PARTIALLY_FILLED or FILLED
	Time       time.Time
}

// AccountDelta reports a cash-balance or account-value change.
type AccountDelta struct {
	Account  string
	Key      string
	Value    string
	Currency string
}

// Tick is a normalized, emittable market-data observation.
type Tick struct {
	Instrument string
	Value      float64 // midpoint when both sides known
	Bid        float64
	Ask        float64
	Last       float64
	Time       time.Time // exchange-local
}

// OpenInterestTick reports open interest for an instrument.
type OpenInterestTick struct {
	Instrument string
	Value      float64
	Time       time.Time
}
