package market

import (
	"time"

	"venuelink/internal/events"
	"venuelink/internal/logger"
	"venuelink/pkg/venue"
)

// HandleTickPrice applies one price tick and emits a normalized tick when the
// emission rules allow it. Runs on the event pump.
func (s *Session) HandleTickPrice(ev *venue.TickPriceEvent) {
	e, ok := s.byStream.Get(ev.StreamID)
	if !ok {
		return
	}
	scale := priceScale(e.descriptor)

	e.mu.Lock()
	switch ev.Field {
	case venue.TickBid:
		e.bid = ev.Price / scale
		e.hasBid = true
	case venue.TickAsk:
		e.ask = ev.Price / scale
		e.hasAsk = true
	case venue.TickLast:
		e.last = ev.Price / scale
		e.hasLast = true
	default:
		e.mu.Unlock()
		return
	}
	tick, ok := e.normalizedLocked()
	e.mu.Unlock()
	if !ok {
		return
	}

	s.emit(e, tick)
}

// HandleTickSize applies one size tick. A size arriving before any price on
// its side is dropped, never stored.
func (s *Session) HandleTickSize(ev *venue.TickSizeEvent) {
	e, ok := s.byStream.Get(ev.StreamID)
	if !ok {
		return
	}

	e.mu.Lock()
	switch ev.Field {
	case venue.TickBidSize:
		if !e.hasBid {
			e.mu.Unlock()
			logger.Debugf("dropped bid size before bid price on %s", e.descriptor.Symbol)
			return
		}
		e.bidSize = ev.Size
	case venue.TickAskSize:
		if !e.hasAsk {
			e.mu.Unlock()
			logger.Debugf("dropped ask size before ask price on %s", e.descriptor.Symbol)
			return
		}
		e.askSize = ev.Size
	case venue.TickLastSize:
		if !e.hasLast {
			e.mu.Unlock()
			return
		}
		e.lastSize = ev.Size
	case venue.TickOpenInterest:
		e.openInterest = ev.Size
		symbol := e.descriptor.Symbol
		now := time.Now().In(e.loc)
		e.mu.Unlock()
		s.bus.Publish(events.EventTick, events.OpenInterestTick{
			Instrument: symbol,
			Value:      ev.Size,
			Time:       now,
		})
		return
	default:
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
}

// normalizedLocked builds the emittable tick from current quote state.
// Caller holds e.mu. Returns ok=false when the emission rules forbid a tick:
// no side priced yet, or both sides known but crossed.
func (e *entry) normalizedLocked() (events.Tick, bool) {
	if !e.hasBid && !e.hasAsk && !e.hasLast {
		return events.Tick{}, false
	}
	if e.hasBid && e.hasAsk && e.bid >= e.ask {
		return events.Tick{}, false
	}

	var value float64
	switch {
	case e.hasBid && e.hasAsk:
		value = (e.bid + e.ask) / 2
	case e.hasBid:
		value = e.bid
	case e.hasAsk:
		value = e.ask
	default:
		value = e.last
	}

	return events.Tick{
		Instrument: e.descriptor.Symbol,
		Value:      value,
		Bid:        e.bid,
		Ask:        e.ask,
		Last:       e.last,
		Time:       time.Now().In(e.loc),
	}, true
}

// emit publishes the tick, then duplicates it to every subscribed derivative
// whose underlying is this instrument, with the identifier rewritten.
func (s *Session) emit(src *entry, tick events.Tick) {
	s.bus.Publish(events.EventTick, tick)

	s.mu.Lock()
	var derived []string
	for _, e := range s.byInstrument {
		if e != src && e.descriptor.Underlying == src.descriptor.Symbol {
			derived = append(derived, e.descriptor.Symbol)
		}
	}
	s.mu.Unlock()

	for _, symbol := range derived {
		dup := tick
		dup.Instrument = symbol
		s.bus.Publish(events.EventTick, dup)
	}
}

func priceScale(desc venue.ContractDescriptor) float64 {
	if desc.PriceMagnifier > 0 {
		return desc.PriceMagnifier
	}
	return 1
}
