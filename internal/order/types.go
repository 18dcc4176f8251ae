package order

import (
	"sync"

	"venuelink/pkg/venue"
)

// Status is the engine-side order status set.
type Status string

const (
	StatusNone            Status = "NONE"
	StatusNew             Status = "NEW"
	StatusSubmitted       Status = "SUBMITTED"
	StatusUpdateSubmitted Status = "UPDATE_SUBMITTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelPending   Status = "CANCEL_PENDING"
	StatusCanceled        Status = "CANCELED"
	StatusInvalid         Status = "INVALID"
)

// Closed reports whether no further transitions are accepted.
func (s Status) Closed() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusInvalid
}

// mapVenueStatus translates a gateway status string. Fill-bearing statuses
// map to StatusNone: fills come only from the execution/commission join,
// never from status events.
func mapVenueStatus(s string) Status {
	switch s {
	case "PendingSubmit", "PreSubmitted":
		return StatusNew
	case "Submitted":
		return StatusSubmitted
	case "PendingCancel":
		return StatusCancelPending
	case "Cancelled", "ApiCancelled":
		return StatusCanceled
	case "Inactive":
		return StatusInvalid
	case "Filled", "PartiallyFilled":
		return StatusNone
	default:
		return StatusNone
	}
}

// Order tracks one engine order and every broker id ever attached to it.
type Order struct {
	mu sync.Mutex

	ClientRef  string
	Descriptor venue.ContractDescriptor
	Side       venue.Side
	Quantity   float64
	Kind       venue.OrderKind
	LimitPrice float64
	StopPrice  float64
	TIF        venue.TimeInForce
	Account    string // sub-account override; empty means master

	BrokerIDs []int64
	Status    Status
	CumFilled float64
}

// PriceScale returns the divisor applied to raw venue prices.
func (o *Order) PriceScale() float64 {
	if o.Descriptor.PriceMagnifier > 0 {
		return o.Descriptor.PriceMagnifier
	}
	return 1
}

func (o *Order) lastBrokerID() int64 {
	if len(o.BrokerIDs) == 0 {
		return 0
	}
	return o.BrokerIDs[len(o.BrokerIDs)-1]
}

// Snapshot returns a copy of the mutable fields for reporting.
func (o *Order) Snapshot() (Status, []int64, float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]int64, len(o.BrokerIDs))
	copy(ids, o.BrokerIDs)
	return o.Status, ids, o.CumFilled
}

// PlaceRequest describes a placement or update from the engine.
type PlaceRequest struct {
	ClientRef  string
	Descriptor venue.ContractDescriptor
	Side       venue.Side
	Quantity   float64
	Kind       venue.OrderKind
	LimitPrice float64
	StopPrice  float64
	TIF        venue.TimeInForce
	Account    string // optional sub-account override
	Update     bool   // reuse the existing broker id
}
