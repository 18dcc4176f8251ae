package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"venuelink/internal/logger"
)

const eventBuffer = 1024

// WSTransport speaks the gateway's websocket framing: one JSON envelope per
// message, {"type": ..., "data": ...} in both directions.
type WSTransport struct {
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
	out  chan Event
	once *sync.Once // guards close of the current conn/out pair
}

// NewWSTransport builds a transport using the default dialer.
func NewWSTransport() *WSTransport {
	return &WSTransport{dialer: websocket.DefaultDialer}
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Connect dials the gateway and starts the read loop.
func (t *WSTransport) Connect(ctx context.Context, host string, port int, clientID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return ErrAlreadyConnected
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("%s:%d", host, port),
		Path:     "/api",
		RawQuery: fmt.Sprintf("client_id=%d", clientID),
	}
	conn, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial gateway ws: %w", err)
	}

	t.conn = conn
	t.out = make(chan Event, eventBuffer)
	t.once = &sync.Once{}

	go t.readLoop(conn, t.out, t.once)
	return nil
}

// Disconnect closes the connection; safe to call repeatedly.
func (t *WSTransport) Disconnect() error {
	t.mu.Lock()
	conn, once := t.conn, t.once
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	once.Do(func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	})
	return conn.Close()
}

// Events returns the inbound stream for the current connection.
func (t *WSTransport) Events() <-chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out
}

// Send marshals one command envelope onto the socket.
func (t *WSTransport) Send(ctx context.Context, cmd Command) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	env := envelope{Type: commandType(cmd), Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *WSTransport) readLoop(conn *websocket.Conn, out chan Event, once *sync.Once) {
	defer func() {
		_ = conn.Close()
		close(out)
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			// Closed by caller or gateway; either way the session layer
			// observes the channel close and decides what to do.
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			logger.Warnf("gateway ws read error: %v", err)
			return
		}

		ev, err := decodeEvent(msg)
		if err != nil {
			logger.Warnf("gateway ws decode error: %v", err)
			continue
		}
		out <- ev
	}
}

func commandType(cmd Command) string {
	switch cmd.(type) {
	case PlaceOrderCmd:
		return "place_order"
	case CancelOrderCmd:
		return "cancel_order"
	case RequestOpenOrdersCmd:
		return "req_open_orders"
	case RequestAccountUpdatesCmd:
		return "req_account_updates"
	case RequestExecutionsCmd:
		return "req_executions"
	case RequestCurrentTimeCmd:
		return "req_current_time"
	case RequestContractDetailsCmd:
		return "req_contract_details"
	case RequestHistoryCmd:
		return "req_history"
	case SubscribeMarketDataCmd:
		return "sub_market_data"
	case UnsubscribeMarketDataCmd:
		return "unsub_market_data"
	default:
		return "unknown"
	}
}

func decodeEvent(msg []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, err
	}

	unmarshal := func(v Event) (Event, error) {
		if err := json.Unmarshal(env.Data, v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return v, nil
	}

	switch env.Type {
	case "handshake_ack":
		v := &HandshakeAck{}
		return unmarshal(v)
	case "sequence_id":
		v := &SequenceID{}
		return unmarshal(v)
	case "managed_accounts":
		v := &ManagedAccounts{}
		return unmarshal(v)
	case "order_status":
		v := &OrderStatusEvent{}
		return unmarshal(v)
	case "execution":
		v := &ExecutionEvent{}
		return unmarshal(v)
	case "commission":
		v := &CommissionEvent{}
		return unmarshal(v)
	case "error":
		v := &ErrorEvent{}
		return unmarshal(v)
	case "tick_price":
		v := &TickPriceEvent{}
		return unmarshal(v)
	case "tick_size":
		v := &TickSizeEvent{}
		return unmarshal(v)
	case "account_value":
		v := &AccountValueEvent{}
		return unmarshal(v)
	case "account_download_end":
		v := &AccountDownloadEnd{}
		return unmarshal(v)
	case "server_time":
		v := &ServerTimeEvent{}
		return unmarshal(v)
	case "contract_details":
		v := &ContractDetailsEvent{}
		return unmarshal(v)
	case "contract_details_end":
		v := &ContractDetailsEnd{}
		return unmarshal(v)
	case "open_order":
		v := &OpenOrderEvent{}
		return unmarshal(v)
	case "open_orders_end":
		v := &OpenOrdersEnd{}
		return unmarshal(v)
	case "history_bar":
		v := &HistoryBarEvent{}
		return unmarshal(v)
	case "history_end":
		v := &HistoryEnd{}
		return unmarshal(v)
	case "executions_end":
		v := &ExecutionsEnd{}
		return unmarshal(v)
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}
