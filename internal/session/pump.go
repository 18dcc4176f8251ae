package session

import (
	"context"
	"fmt"
	"time"

	"venuelink/internal/classify"
	"venuelink/internal/events"
	"venuelink/internal/logger"
	"venuelink/internal/order"
	"venuelink/pkg/venue"
)

// pump is the single event-loop goroutine for one connection. Handlers run
// inline and must not block.
func (s *Session) pump(done chan struct{}) {
	defer close(done)
	for ev := range s.transport.Events() {
		s.dispatch(ev)
	}

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return
	}
	// The stream died under us; recover off the pump goroutine so this one
	// can exit and a fresh pump can start.
	go s.recover()
}

func (s *Session) dispatch(ev venue.Event) {
	switch e := ev.(type) {
	case *venue.HandshakeAck:
		s.recordServerTime(e.ServerTime)
		s.corr.Resolve(keyHandshake)
	case *venue.SequenceID:
		s.corr.Seed(e.Next)
		s.corr.Resolve(keySequence)
	case *venue.ManagedAccounts:
		if len(e.Accounts) > 0 {
			s.mu.Lock()
			s.primaryAccount = e.Accounts[0]
			s.mu.Unlock()
			s.Tracker.SetPrimaryAccount(e.Accounts[0])
		}
	case *venue.OrderStatusEvent:
		s.Tracker.HandleStatus(e)
	case *venue.OpenOrderEvent:
		s.Tracker.HandleOpenOrder(e)
	case *venue.OpenOrdersEnd:
		s.corr.Resolve(order.OpenOrdersKey)
	case *venue.ExecutionEvent:
		s.Tracker.HandleExecution(e)
	case *venue.CommissionEvent:
		s.Tracker.HandleCommission(e)
	case *venue.ExecutionsEnd:
		s.Tracker.HandleExecutionsEnd(e)
	case *venue.ErrorEvent:
		s.handleError(e)
	case *venue.TickPriceEvent:
		s.Market.HandleTickPrice(e)
	case *venue.TickSizeEvent:
		s.Market.HandleTickSize(e)
	case *venue.AccountValueEvent:
		s.bus.Publish(events.EventAccountChange, events.AccountDelta{
			Account:  e.Account,
			Key:      e.Key,
			Value:    e.Value,
			Currency: e.Currency,
		})
	case *venue.AccountDownloadEnd:
		s.corr.Resolve(keyAccountDownload)
	case *venue.ServerTimeEvent:
		s.recordServerTime(e.Unix)
		s.corr.Resolve(keyServerTime)
	case *venue.ContractDetailsEvent:
		s.Contracts.HandleDetails(e)
	case *venue.ContractDetailsEnd:
		s.Contracts.HandleDetailsEnd(e)
	case *venue.HistoryBarEvent:
		s.History.HandleBar(e)
	case *venue.HistoryEnd:
		s.History.HandleEnd(e)
	default:
		logger.Debugf("unhandled event %T", ev)
	}
}

func (s *Session) recordServerTime(unix int64) {
	if unix == 0 {
		return
	}
	s.mu.Lock()
	s.lastServerTime = time.Unix(unix, 0)
	s.serverOffset = time.Until(s.lastServerTime)
	s.mu.Unlock()
}

// handleError routes one remote code: structural codes drive the connection
// state, the rest go through the classifier.
func (s *Session) handleError(ev *venue.ErrorEvent) {
	switch ev.Code {
	case classify.CodeConnLost:
		s.mu.Lock()
		first := !s.connLostLatch
		s.connLostLatch = true
		s.mu.Unlock()
		if first {
			logger.Warnf("venue reports connection lost (%d)", ev.Code)
			s.bus.Publish(events.EventConnection, events.ConnectionChange{
				Connected: false, Reason: ev.Message,
			})
		}
		return
	case classify.CodeRestoredStateLost:
		s.mu.Lock()
		s.connLostLatch = false
		s.mu.Unlock()
		logger.Infof("venue connection restored, server state lost (%d)", ev.Code)
		// Server-side subscription state is gone; rebuild it off the pump.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.BootstrapTimeout)
			defer cancel()
			if err := s.Market.RestoreAll(ctx); err != nil {
				logger.Errorf("restore after state loss: %v", err)
			}
			if err := s.Tracker.RequestExecutions(ctx); err != nil {
				logger.Errorf("executions re-request: %v", err)
			}
		}()
		s.bus.Publish(events.EventConnection, events.ConnectionChange{
			Connected: true, Reason: ev.Message,
		})
		return
	case classify.CodeRestoredStateKept:
		s.mu.Lock()
		s.connLostLatch = false
		s.mu.Unlock()
		logger.Infof("venue connection restored, state intact (%d)", ev.Code)
		s.bus.Publish(events.EventConnection, events.ConnectionChange{
			Connected: true, Reason: ev.Message,
		})
		return
	case classify.CodeNotConnected:
		// Sent when a request races the connection handshake. Harmless.
		logger.Debugf("request before connection ready (%d): %s", ev.Code, ev.Message)
		return
	}

	res := classify.Classify(ev.Code)

	if res.EmptyResult {
		// Not a failure: the query simply has nothing to return.
		s.corr.Resolve(ev.ReqID)
		return
	}
	if res.Invalidate && ev.ReqID >= 0 {
		s.Tracker.Invalidate(ev.ReqID, fmt.Sprintf("%d: %s", ev.Code, ev.Message))
	}
	if ev.ReqID >= 0 {
		s.corr.Resolve(ev.ReqID)
	}
	if !res.Surface {
		logger.Debugf("filtered venue message %d: %s", ev.Code, ev.Message)
		return
	}

	text := ev.Message
	if desc := s.corr.Description(ev.ReqID); desc != "" {
		text = fmt.Sprintf("%s (request: %s)", ev.Message, desc)
	}
	sev := res.Severity
	s.bus.Publish(events.EventMessage, events.Message{
		Severity: sev,
		Code:     ev.Code,
		Text:     text,
	})
	if sev == events.SeverityError {
		logger.Errorf("venue error %d: %s", ev.Code, text)
	} else {
		logger.Warnf("venue warning %d: %s", ev.Code, text)
	}
}

// recover handles an unexpected transport close: inside a scheduled
// maintenance window it polls quietly until the window ends; otherwise it
// announces the loss and reconnects with the usual backoff.
func (s *Session) recover() {
	s.mu.Lock()
	cancel := s.hbCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = s.transport.Disconnect()
	s.setState(StateDisconnected)

	if s.schedule.InMaintenance(time.Now()) {
		logger.Infof("disconnected inside maintenance window, polling")
		for s.schedule.InMaintenance(time.Now()) {
			time.Sleep(s.opts.MaintenancePoll)
			if err := s.Connect(context.Background()); err == nil {
				return
			}
			s.setState(StateDisconnected)
		}
		// Window over and still down: from here it is a real outage.
	}

	s.bus.Publish(events.EventConnection, events.ConnectionChange{
		Connected: false, Reason: "connection to venue lost",
	})
	if err := s.Connect(context.Background()); err != nil {
		s.bus.Publish(events.EventMessage, events.Message{
			Severity: events.SeverityError,
			Text:     fmt.Sprintf("reconnect failed: %v", err),
		})
		logger.Fatalf("reconnect failed: %v", err)
	}
}
