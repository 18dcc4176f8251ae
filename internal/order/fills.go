package order

import (
	"context"
	"time"

	"github.com/google/uuid"

	"venuelink/internal/events"
	"venuelink/internal/logger"
	"venuelink/pkg/db"
	"venuelink/pkg/venue"
)

// HandleExecution caches one execution report and emits a fill once its
// commission counterpart is present. Arrival order does not matter.
func (t *Tracker) HandleExecution(ev *venue.ExecutionEvent) {
	if _, emitted := t.done.Get(ev.ExecID); emitted {
		return
	}
	if comm, ok := t.comms.GetAndDelete(ev.ExecID); ok {
		// Pair complete; neither half stays cached.
		t.join(ev, comm)
		return
	}
	t.execs.Set(ev.ExecID, ev)
}

// HandleCommission is the commission half of the join.
func (t *Tracker) HandleCommission(ev *venue.CommissionEvent) {
	if _, emitted := t.done.Get(ev.ExecID); emitted {
		return
	}
	if exec, ok := t.execs.GetAndDelete(ev.ExecID); ok {
		t.join(exec, ev)
		return
	}
	t.comms.Set(ev.ExecID, ev)
}

// HandleExecutionsEnd closes the blocking executions download.
func (t *Tracker) HandleExecutionsEnd(ev *venue.ExecutionsEnd) {
	t.corr.Resolve(ev.ReqID)
}

func (t *Tracker) join(exec *venue.ExecutionEvent, comm *venue.CommissionEvent) {
	if _, inserted := t.done.SetIfAbsent(exec.ExecID, struct{}{}); !inserted {
		// Lost the race with a redelivered pair.
		return
	}

	o, ok := t.byBroker.Get(exec.OrderID)
	if !ok {
		logger.Debugf("execution %s for untracked order id %d dropped", exec.ExecID, exec.OrderID)
		return
	}

	// Gateways echo one execution per account on allocated orders. Only
	// the leg addressed to this order's account counts.
	primary := t.primary()
	o.mu.Lock()
	orderAccount := o.Account
	o.mu.Unlock()
	if orderAccount == "" {
		if primary != "" && exec.Account != primary {
			return
		}
	} else if exec.Account != orderAccount {
		return
	}

	qty := exec.Quantity
	if exec.Side == venue.SideSell {
		qty = -qty
	}

	o.mu.Lock()
	if o.Status == StatusFilled {
		// A fully filled order never re-emits; anything after it is an
		// allocation echo or a redelivery under a fresh exec id.
		o.mu.Unlock()
		return
	}
	o.CumFilled = exec.CumQty
	status := StatusPartiallyFilled
	if exec.CumQty >= o.Quantity {
		status = StatusFilled
	}
	// Fills still settle after a cancel; a Canceled order keeps its status
	// but the quantity is recorded and the fill emitted.
	if !o.Status.Closed() {
		o.Status = status
	}
	ref := o.ClientRef
	o.mu.Unlock()

	t.emit(o, exec, comm, ref, qty, status)
}

func (t *Tracker) emit(o *Order, exec *venue.ExecutionEvent, comm *venue.CommissionEvent,
	ref string, qty float64, status Status) {
	scale := o.PriceScale()
	o.mu.Lock()
	remaining := o.Quantity - exec.CumQty
	o.mu.Unlock()
	if remaining < 0 {
		remaining = 0
	}

	venueTime := time.Unix(exec.VenueTime, 0).UTC()
	fill := events.Fill{
		ClientRef:  ref,
		BrokerID:   exec.OrderID,
		ExecID:     exec.ExecID,
		Instrument: exec.Descriptor.Symbol,
		Account:    exec.Account,
		Quantity:   qty,
		CumQty:     exec.CumQty,
		Remaining:  remaining,
		Price:      exec.Price / scale,
		Commission: comm.Commission,
		Status:     string(status),
		Time:       venueTime,
	}

	if t.journal != nil {
		rec := db.Fill{
			ID:         uuid.NewString(),
			ExecID:     exec.ExecID,
			ClientRef:  ref,
			BrokerID:   exec.OrderID,
			Instrument: exec.Descriptor.Symbol,
			Account:    exec.Account,
			Qty:        qty,
			CumQty:     exec.CumQty,
			Remaining:  remaining,
			Price:      fill.Price,
			Commission: comm.Commission,
			Status:     string(status),
			VenueTime:  venueTime,
		}
		if err := t.journal.InsertFill(context.Background(), rec); err != nil {
			logger.Errorf("journal fill %s: %v", exec.ExecID, err)
		}
		orderStatus, _, _ := o.Snapshot()
		t.journalStatus(ref, orderStatus, "")
	}

	t.bus.Publish(events.EventFill, fill)
	logger.Infof("fill %s: %s %v @ %v (cum %v, commission %v)",
		ref, exec.Side, exec.Quantity, fill.Price, exec.CumQty, comm.Commission)
}
