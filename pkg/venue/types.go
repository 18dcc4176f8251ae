package venue

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderKind denotes the order types the gateway accepts.
type OrderKind string

const (
	OrderKindMarket       OrderKind = "MKT"
	OrderKindLimit        OrderKind = "LMT"
	OrderKindStop         OrderKind = "STP"
	OrderKindStopLimit    OrderKind = "STP_LMT"
	OrderKindMarketOnOpen OrderKind = "MOO"
	OrderKindLimitOnOpen  OrderKind = "LOO"
)

// AtOpen reports whether the kind executes at the market open auction.
// The gateway never acknowledges these before the auction, so no response
// is awaited for them.
func (k OrderKind) AtOpen() bool {
	return k == OrderKindMarketOnOpen || k == OrderKindLimitOnOpen
}

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFOPG TimeInForce = "OPG" // at the opening
)

// TickField identifies which quote field a tick event updates.
type TickField int

const (
	TickBid TickField = iota
	TickAsk
	TickLast
	TickBidSize
	TickAskSize
	TickLastSize
	TickOpenInterest
)

func (f TickField) String() string {
	switch f {
	case TickBid:
		return "bid"
	case TickAsk:
		return "ask"
	case TickLast:
		return "last"
	case TickBidSize:
		return "bid_size"
	case TickAskSize:
		return "ask_size"
	case TickLastSize:
		return "last_size"
	case TickOpenInterest:
		return "open_interest"
	default:
		return "unknown"
	}
}

// ContractDescriptor is the venue's description of a tradable instrument.
type ContractDescriptor struct {
	Symbol         string  `json:"symbol"`
	SecurityType   string  `json:"security_type"` // STK, FUT, OPT, ...
	Exchange       string  `json:"exchange"`
	Currency       string  `json:"currency"`
	Expiry         string  `json:"expiry,omitempty"`
	Multiplier     string  `json:"multiplier,omitempty"`
	Underlying     string  `json:"underlying,omitempty"`
	TimeZone       string  `json:"time_zone,omitempty"`
	PriceMagnifier float64 `json:"price_magnifier,omitempty"`
}

// Signature is a normalized identity string used as a cache key for
// contract-details lookups.
func (d ContractDescriptor) Signature() string {
	return d.Symbol + "/" + d.SecurityType + "/" + d.Exchange + "/" + d.Currency + "/" + d.Expiry
}

// OrderTicket carries the order parameters sent with a placement command.
type OrderTicket struct {
	BrokerID   int64       `json:"broker_id"`
	ClientRef  string      `json:"client_ref"` // engine-side order id
	Side       Side        `json:"side"`
	Quantity   float64     `json:"quantity"`
	Kind       OrderKind   `json:"kind"`
	LimitPrice float64     `json:"limit_price,omitempty"`
	StopPrice  float64     `json:"stop_price,omitempty"`
	TIF        TimeInForce `json:"tif"`
	Account    string      `json:"account,omitempty"` // sub-account override
}
