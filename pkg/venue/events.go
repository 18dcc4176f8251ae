package venue

// Event is an inbound message pushed by the gateway. Delivery is ordered per
// connection; nothing is guaranteed across reconnects.
type Event interface{ isEvent() }

// HandshakeAck is the first event after a successful connect.
type HandshakeAck struct {
	ServerVersion int   `json:"server_version"`
	ServerTime    int64 `json:"server_time"`
}

// SequenceID assigns the initial request/order id for this session. Ids the
// client allocates must start at or above Next.
type SequenceID struct {
	Next int64 `json:"next"`
}

// ManagedAccounts lists the accounts this session may trade; the first one
// is the primary account.
type ManagedAccounts struct {
	Accounts []string `json:"accounts"`
}

// OrderStatusEvent reports an order status transition. Fill-bearing statuses
// here are advisory only; fills are reconciled from executions.
type OrderStatusEvent struct {
	OrderID      int64   `json:"order_id"`
	Status       string  `json:"status"`
	Filled       float64 `json:"filled"`
	Remaining    float64 `json:"remaining"`
	AvgFillPrice float64 `json:"avg_fill_price"`
	WhyHeld      string  `json:"why_held,omitempty"`
}

// ExecutionEvent describes one trade execution, without cost.
type ExecutionEvent struct {
	ReqID      int64              `json:"req_id"`
	OrderID    int64              `json:"order_id"`
	ExecID     string             `json:"exec_id"`
	Account    string             `json:"account"`
	Descriptor ContractDescriptor `json:"descriptor"`
	Side       Side               `json:"side"`
	Quantity   float64            `json:"quantity"`
	Price      float64            `json:"price"`
	CumQty     float64            `json:"cum_qty"`
	VenueTime  int64              `json:"venue_time"`
}

// CommissionEvent carries the cost for an execution, delivered independently
// of (and unordered with) the execution itself.
type CommissionEvent struct {
	ExecID      string  `json:"exec_id"`
	Commission  float64 `json:"commission"`
	Currency    string  `json:"currency"`
	RealizedPnL float64 `json:"realized_pnl,omitempty"`
}

// ErrorEvent carries a remote code. ReqID is -1 for session-level codes.
type ErrorEvent struct {
	ReqID   int64  `json:"req_id"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// TickPriceEvent updates one price field of a market-data stream.
type TickPriceEvent struct {
	StreamID int64     `json:"stream_id"`
	Field    TickField `json:"field"`
	Price    float64   `json:"price"`
}

// TickSizeEvent updates one size field of a market-data stream.
type TickSizeEvent struct {
	StreamID int64     `json:"stream_id"`
	Field    TickField `json:"field"`
	Size     float64   `json:"size"`
}

// AccountValueEvent is one key/value pair of the account download stream.
type AccountValueEvent struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Currency string `json:"currency"`
	Account  string `json:"account"`
}

// AccountDownloadEnd marks the end of an account bootstrap download.
type AccountDownloadEnd struct {
	Account string `json:"account"`
}

// ServerTimeEvent answers a current-time probe.
type ServerTimeEvent struct {
	Unix int64 `json:"unix"`
}

// ContractDetailsEvent answers a contract lookup.
type ContractDetailsEvent struct {
	ReqID      int64              `json:"req_id"`
	Descriptor ContractDescriptor `json:"descriptor"`
}

// ContractDetailsEnd marks the end of a contract lookup reply.
type ContractDetailsEnd struct {
	ReqID int64 `json:"req_id"`
}

// OpenOrderEvent reports one working order during an open-orders download.
type OpenOrderEvent struct {
	OrderID    int64              `json:"order_id"`
	Ticket     OrderTicket        `json:"ticket"`
	Descriptor ContractDescriptor `json:"descriptor"`
	Status     string             `json:"status"`
}

// OpenOrdersEnd marks the end of an open-orders download.
type OpenOrdersEnd struct{}

// HistoryBarEvent is one bar of a historical data reply.
type HistoryBarEvent struct {
	ReqID  int64   `json:"req_id"`
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// HistoryEnd marks the end of a historical data reply.
type HistoryEnd struct {
	ReqID int64 `json:"req_id"`
}

// ExecutionsEnd marks the end of an executions download.
type ExecutionsEnd struct {
	ReqID int64 `json:"req_id"`
}

func (HandshakeAck) isEvent()         {}
func (SequenceID) isEvent()           {}
func (ManagedAccounts) isEvent()      {}
func (OrderStatusEvent) isEvent()     {}
func (ExecutionEvent) isEvent()       {}
func (CommissionEvent) isEvent()      {}
func (ErrorEvent) isEvent()           {}
func (TickPriceEvent) isEvent()       {}
func (TickSizeEvent) isEvent()        {}
func (AccountValueEvent) isEvent()    {}
func (AccountDownloadEnd) isEvent()   {}
func (ServerTimeEvent) isEvent()      {}
func (ContractDetailsEvent) isEvent() {}
func (ContractDetailsEnd) isEvent()   {}
func (OpenOrderEvent) isEvent()       {}
func (OpenOrdersEnd) isEvent()        {}
func (HistoryBarEvent) isEvent()      {}
func (HistoryEnd) isEvent()           {}
func (ExecutionsEnd) isEvent()        {}
