package venue

import (
	"context"
	"errors"
)

var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrAlreadyConnected = errors.New("transport already connected")
)

// Command is an outbound fire-and-forget message to the gateway. Replies, if
// any, arrive later as events carrying a correlation id.
type Command interface{ isCommand() }

// PlaceOrderCmd submits or updates an order. Updating reuses the broker id.
type PlaceOrderCmd struct {
	OrderID    int64              `json:"order_id"`
	Descriptor ContractDescriptor `json:"descriptor"`
	Ticket     OrderTicket        `json:"ticket"`
}

// CancelOrderCmd requests cancellation of one broker order id.
type CancelOrderCmd struct {
	OrderID int64 `json:"order_id"`
}

// RequestOpenOrdersCmd asks for the working-order download.
type RequestOpenOrdersCmd struct{}

// RequestAccountUpdatesCmd toggles the account value/holdings stream.
type RequestAccountUpdatesCmd struct {
	Subscribe bool   `json:"subscribe"`
	Account   string `json:"account"`
}

// RequestExecutionsCmd asks for the execution download since session start.
type RequestExecutionsCmd struct {
	ReqID   int64  `json:"req_id"`
	Account string `json:"account,omitempty"`
}

// RequestCurrentTimeCmd probes the server clock; used as the heartbeat.
type RequestCurrentTimeCmd struct{}

// RequestContractDetailsCmd looks up the full descriptor of an instrument.
type RequestContractDetailsCmd struct {
	ReqID      int64              `json:"req_id"`
	Descriptor ContractDescriptor `json:"descriptor"`
}

// RequestHistoryCmd requests one page of historical bars.
type RequestHistoryCmd struct {
	ReqID      int64              `json:"req_id"`
	Descriptor ContractDescriptor `json:"descriptor"`
	EndTime    int64              `json:"end_time"`
	Duration   string             `json:"duration"`
	BarSize    string             `json:"bar_size"`
}

// SubscribeMarketDataCmd opens a tick stream under the given stream id.
type SubscribeMarketDataCmd struct {
	StreamID   int64              `json:"stream_id"`
	Descriptor ContractDescriptor `json:"descriptor"`
}

// UnsubscribeMarketDataCmd tears down a tick stream.
type UnsubscribeMarketDataCmd struct {
	StreamID int64 `json:"stream_id"`
}

func (PlaceOrderCmd) isCommand()             {}
func (CancelOrderCmd) isCommand()            {}
func (RequestOpenOrdersCmd) isCommand()      {}
func (RequestAccountUpdatesCmd) isCommand()  {}
func (RequestExecutionsCmd) isCommand()      {}
func (RequestCurrentTimeCmd) isCommand()     {}
func (RequestContractDetailsCmd) isCommand() {}
func (RequestHistoryCmd) isCommand()         {}
func (SubscribeMarketDataCmd) isCommand()    {}
func (UnsubscribeMarketDataCmd) isCommand()  {}

// Transport is the wire-level collaborator. It owns the encoding; this
// client only sees typed commands and the ordered event stream.
type Transport interface {
	// Connect opens the session. Events start flowing on Events() once the
	// gateway accepts the client id.
	Connect(ctx context.Context, host string, port int, clientID int) error
	// Disconnect closes the session; idempotent. The Events channel is
	// closed after the last in-flight event.
	Disconnect() error
	// Events returns the ordered inbound stream for the current connection.
	Events() <-chan Event
	// Send issues one command; it never waits for a reply.
	Send(ctx context.Context, cmd Command) error
}
