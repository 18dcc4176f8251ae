package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"venuelink/internal/correlate"
	"venuelink/internal/events"
	"venuelink/internal/logger"
	"venuelink/internal/ratelimit"
	"venuelink/pkg/cache"
	"venuelink/pkg/db"
	"venuelink/pkg/venue"
)

// OpenOrdersKey is the reserved correlation key for the open-orders
// download, which carries no request id on the wire.
const OpenOrdersKey int64 = -2

// Tracker owns the order lifecycle: placement and cancel round trips,
// status de-duplication, and reconciliation of execution and commission
// reports into single fill events.
type Tracker struct {
	bus       *events.Bus
	corr      *correlate.Correlator
	limiter   *ratelimit.Limiter
	transport venue.Transport
	journal   *db.Database // optional
	timeout   time.Duration

	mu             sync.RWMutex
	primaryAccount string

	byBroker *cache.Map[int64, *Order]
	byRef    *cache.Map[string, *Order]

	// Two-sided join state, keyed by execution id.
	execs *cache.Map[string, *venue.ExecutionEvent]
	comms *cache.Map[string, *venue.CommissionEvent]
	done  *cache.Map[string, struct{}] // emitted exec ids

	// Broker ids of in-flight update requests, cleared on first Submitted.
	updating *cache.Map[string, int64]
}

// NewTracker wires the tracker. journal may be nil.
func NewTracker(bus *events.Bus, corr *correlate.Correlator, limiter *ratelimit.Limiter,
	transport venue.Transport, journal *db.Database, timeout time.Duration) *Tracker {
	return &Tracker{
		bus:       bus,
		corr:      corr,
		limiter:   limiter,
		transport: transport,
		journal:   journal,
		timeout:   timeout,
		byBroker:  cache.NewInt64Map[*Order](),
		byRef:     cache.NewStringMap[*Order](),
		execs:     cache.NewStringMap[*venue.ExecutionEvent](),
		comms:     cache.NewStringMap[*venue.CommissionEvent](),
		done:      cache.NewStringMap[struct{}](),
		updating:  cache.NewStringMap[int64](),
	}
}

// SetPrimaryAccount records the session's master account, used to suppress
// sub-account allocation echoes.
func (t *Tracker) SetPrimaryAccount(account string) {
	t.mu.Lock()
	t.primaryAccount = account
	t.mu.Unlock()
}

func (t *Tracker) primary() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.primaryAccount
}

// Lookup returns the tracked order for an engine ref.
func (t *Tracker) Lookup(clientRef string) (*Order, bool) {
	return t.byRef.Get(clientRef)
}

// ByBrokerID returns the tracked order for a broker id.
func (t *Tracker) ByBrokerID(id int64) (*Order, bool) {
	return t.byBroker.Get(id)
}

// Place submits a new order or an update to an existing one. The call
// blocks up to the response timeout; a timeout is surfaced as a warning,
// not an error; the gateway may still be processing.
func (t *Tracker) Place(ctx context.Context, req PlaceRequest) (*Order, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("order %s: quantity must be positive", req.ClientRef)
	}

	o, _ := t.byRef.SetIfAbsent(req.ClientRef, &Order{
		ClientRef:  req.ClientRef,
		Descriptor: req.Descriptor,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Kind:       req.Kind,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		TIF:        req.TIF,
		Account:    req.Account,
		Status:     StatusNone,
	})

	var brokerID int64
	o.mu.Lock()
	if req.Update && len(o.BrokerIDs) > 0 {
		brokerID = o.lastBrokerID()
		o.LimitPrice = req.LimitPrice
		o.StopPrice = req.StopPrice
		o.Quantity = req.Quantity
		t.updating.Set(req.ClientRef, brokerID)
	} else {
		brokerID = t.corr.NextID()
		o.BrokerIDs = append(o.BrokerIDs, brokerID)
		t.byBroker.Set(brokerID, o)
		o.Status = StatusNew
	}
	ticket := venue.OrderTicket{
		BrokerID:   brokerID,
		ClientRef:  o.ClientRef,
		Side:       o.Side,
		Quantity:   o.Quantity,
		Kind:       o.Kind,
		LimitPrice: o.LimitPrice,
		StopPrice:  o.StopPrice,
		TIF:        o.TIF,
		Account:    o.Account,
	}
	desc := o.Descriptor
	o.mu.Unlock()

	t.corr.Describe(brokerID, fmt.Sprintf("place %s %s %v %s", req.Side, req.Descriptor.Symbol, req.Quantity, req.Kind))

	// At-the-open orders get no acknowledgment before the auction, so
	// nothing is awaited for them.
	await := !req.Kind.AtOpen()
	if await {
		t.corr.Register(brokerID)
	}

	if err := t.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	cmd := venue.PlaceOrderCmd{OrderID: brokerID, Descriptor: desc, Ticket: ticket}
	if err := t.transport.Send(ctx, cmd); err != nil {
		return nil, fmt.Errorf("send order %s: %w", req.ClientRef, err)
	}
	t.journalOrder(ctx, o, "")

	if await && !t.corr.Wait(ctx, brokerID, t.timeout) {
		t.warn("no response to order placement %d (%s); the venue may still be processing it",
			brokerID, req.ClientRef)
	}
	return o, nil
}

// Cancel requests cancellation of every broker id attached to the order,
// awaiting each acknowledgment independently. Ids that never answer get
// their own warning; acknowledged ids stay silent.
func (t *Tracker) Cancel(ctx context.Context, clientRef string) error {
	o, ok := t.byRef.Get(clientRef)
	if !ok {
		return fmt.Errorf("cancel %s: unknown order", clientRef)
	}

	o.mu.Lock()
	if o.Status.Closed() {
		status := o.Status
		o.mu.Unlock()
		return fmt.Errorf("cancel %s: order already %s", clientRef, status)
	}
	o.Status = StatusCancelPending
	ids := make([]int64, len(o.BrokerIDs))
	copy(ids, o.BrokerIDs)
	o.mu.Unlock()

	t.journalOrder(ctx, o, "")

	for _, id := range ids {
		t.corr.Describe(id, fmt.Sprintf("cancel order %s", clientRef))
		t.corr.Register(id)
		if err := t.limiter.Acquire(ctx); err != nil {
			return err
		}
		if err := t.transport.Send(ctx, venue.CancelOrderCmd{OrderID: id}); err != nil {
			return fmt.Errorf("send cancel %d: %w", id, err)
		}
		if !t.corr.Wait(ctx, id, t.timeout) {
			t.warn("no response to cancel of order id %d (%s)", id, clientRef)
		}
	}
	return nil
}

// OpenOrders performs the blocking working-order download.
func (t *Tracker) OpenOrders(ctx context.Context) ([]*Order, error) {
	t.corr.Register(OpenOrdersKey)
	if err := t.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	if err := t.transport.Send(ctx, venue.RequestOpenOrdersCmd{}); err != nil {
		return nil, fmt.Errorf("request open orders: %w", err)
	}
	if !t.corr.Wait(ctx, OpenOrdersKey, t.timeout) {
		return nil, fmt.Errorf("open orders download timed out")
	}

	var out []*Order
	t.byRef.Range(func(_ string, o *Order) bool {
		o.mu.Lock()
		closed := o.Status.Closed()
		o.mu.Unlock()
		if !closed {
			out = append(out, o)
		}
		return true
	})
	return out, nil
}

// RequestExecutions re-requests the execution download, used after a
// reconnect to catch fills delivered while the session was down.
func (t *Tracker) RequestExecutions(ctx context.Context) error {
	reqID := t.corr.NextID()
	t.corr.Describe(reqID, "executions download")
	t.corr.Register(reqID)
	if err := t.limiter.Acquire(ctx); err != nil {
		return err
	}
	if err := t.transport.Send(ctx, venue.RequestExecutionsCmd{ReqID: reqID}); err != nil {
		return fmt.Errorf("request executions: %w", err)
	}
	if !t.corr.Wait(ctx, reqID, t.timeout) {
		t.warn("executions download %d got no response", reqID)
	}
	return nil
}

// HandleStatus applies one inbound status event. Runs on the event pump.
func (t *Tracker) HandleStatus(ev *venue.OrderStatusEvent) {
	// Whoever is blocked on this id gets released regardless of what the
	// status says.
	t.corr.Resolve(ev.OrderID)

	next := mapVenueStatus(ev.Status)
	if next == StatusNone {
		// Fill-bearing or unknown; fills come from the join only.
		return
	}

	o, ok := t.byBroker.Get(ev.OrderID)
	if !ok {
		logger.Debugf("status %s for untracked order id %d", ev.Status, ev.OrderID)
		return
	}

	o.mu.Lock()
	// An update acknowledgment arrives as a plain Submitted; the pending
	// update marker disambiguates it. Checked before the regression rule
	// on purpose: a partially filled order still acks its update.
	if next == StatusSubmitted {
		if id, pending := t.updating.Get(o.ClientRef); pending && id == ev.OrderID {
			t.updating.Delete(o.ClientRef)
			next = StatusUpdateSubmitted
		}
	}

	switch {
	case o.Status.Closed():
		o.mu.Unlock()
		return
	case o.Status == next:
		// Identical consecutive status; the gateway repeats itself.
		o.mu.Unlock()
		return
	case o.Status == StatusPartiallyFilled && (next == StatusNew || next == StatusSubmitted):
		o.mu.Unlock()
		return
	case o.Status == StatusUpdateSubmitted && next == StatusSubmitted:
		// The venue keeps repeating Submitted for the working order after
		// an update ack.
		o.mu.Unlock()
		return
	}
	o.Status = next
	ref := o.ClientRef
	o.mu.Unlock()

	t.journalStatus(ref, next, ev.WhyHeld)
	t.bus.Publish(events.EventOrderUpdate, events.OrderUpdate{
		ClientRef: ref,
		BrokerID:  ev.OrderID,
		Status:    string(next),
		Text:      ev.WhyHeld,
	})
}

// HandleOpenOrder absorbs one working order from the open-orders download,
// registering orders this session did not place.
func (t *Tracker) HandleOpenOrder(ev *venue.OpenOrderEvent) {
	ref := ev.Ticket.ClientRef
	if ref == "" {
		ref = fmt.Sprintf("broker-%d", ev.OrderID)
	}
	o, inserted := t.byRef.SetIfAbsent(ref, &Order{
		ClientRef:  ref,
		Descriptor: ev.Descriptor,
		Side:       ev.Ticket.Side,
		Quantity:   ev.Ticket.Quantity,
		Kind:       ev.Ticket.Kind,
		LimitPrice: ev.Ticket.LimitPrice,
		TIF:        ev.Ticket.TIF,
		Account:    ev.Ticket.Account,
		Status:     StatusNone,
	})
	o.mu.Lock()
	known := false
	for _, id := range o.BrokerIDs {
		if id == ev.OrderID {
			known = true
			break
		}
	}
	if !known {
		o.BrokerIDs = append(o.BrokerIDs, ev.OrderID)
	}
	o.mu.Unlock()
	if !known {
		t.byBroker.Set(ev.OrderID, o)
	}
	if inserted {
		logger.Debugf("adopted working order %d (%s)", ev.OrderID, ref)
	}
}

// Invalidate marks the order behind a broker id Invalid, with the composed
// remote message. Driven by invalidating error codes.
func (t *Tracker) Invalidate(brokerID int64, text string) {
	o, ok := t.byBroker.Get(brokerID)
	if !ok {
		return
	}
	o.mu.Lock()
	if o.Status.Closed() {
		o.mu.Unlock()
		return
	}
	o.Status = StatusInvalid
	ref := o.ClientRef
	o.mu.Unlock()

	t.updating.Delete(ref)
	t.journalStatus(ref, StatusInvalid, text)
	t.bus.Publish(events.EventOrderUpdate, events.OrderUpdate{
		ClientRef: ref,
		BrokerID:  brokerID,
		Status:    string(StatusInvalid),
		Text:      text,
	})
}

func (t *Tracker) warn(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	logger.Warnf("%s", text)
	t.bus.Publish(events.EventMessage, events.Message{
		Severity: events.SeverityWarning,
		Text:     text,
	})
}

func (t *Tracker) journalOrder(ctx context.Context, o *Order, text string) {
	if t.journal == nil {
		return
	}
	o.mu.Lock()
	rec := db.Order{
		ClientRef:  o.ClientRef,
		BrokerID:   o.lastBrokerID(),
		Instrument: o.Descriptor.Symbol,
		Side:       string(o.Side),
		Qty:        o.Quantity,
		Kind:       string(o.Kind),
		LimitPrice: o.LimitPrice,
		Account:    o.Account,
		Status:     string(o.Status),
		StatusText: text,
	}
	o.mu.Unlock()
	if err := t.journal.UpsertOrder(ctx, rec); err != nil {
		logger.Errorf("journal order %s: %v", rec.ClientRef, err)
	}
}

func (t *Tracker) journalStatus(ref string, status Status, text string) {
	if t.journal == nil {
		return
	}
	if err := t.journal.UpdateOrderStatus(context.Background(), ref, string(status), text); err != nil {
		logger.Errorf("journal status %s: %v", ref, err)
	}
}
