package market

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
	"venuelink/pkg/venue"
)

// DefaultDwell is the minimum time a subscription must stay open before an
// unsubscribe may be sent. Unsubscribing earlier trips a remote-side error.
const DefaultDwell = 500 * time.Millisecond

// entry is the live quote state of one subscribed instrument.
type entry struct {
	mu sync.Mutex

	streamID     int64
	descriptor   venue.ContractDescriptor
	subscribedAt time.Time
	loc          *time.Location

	bid, ask, last             float64
	hasBid, hasAsk, hasLast    bool
	bidSize, askSize, lastSize float64
	openInterest               float64
}

// Session owns the per-instrument subscription table and tick normalization.
type Session struct {
	bus       *events.Bus
	corr      *correlate.Correlator
	limiter   *ratelimit.Limiter
	transport venue.Transport
	dwell     time.Duration

	mu           sync.Mutex
	byInstrument map[string]*entry // keyed by descriptor signature
	byStream     *cache.Map[int64, *entry]
}

func NewSession(bus *events.Bus, corr *correlate.Correlator, limiter *ratelimit.Limiter,
	transport venue.Transport, dwell time.Duration) *Session {
	if dwell <= 0 {
		dwell = DefaultDwell
	}
	return &Session{
		bus:          bus,
		corr:         corr,
		limiter:      limiter,
		transport:    transport,
		dwell:        dwell,
		byInstrument: make(map[string]*entry),
		byStream:     cache.NewInt64Map[*entry](),
	}
}

// Subscribe opens a market-data stream for the instrument. Calling it again
// for an already subscribed instrument is a no-op.
func (s *Session) Subscribe(ctx context.Context, desc venue.ContractDescriptor) error {
	sig := desc.Signature()

	s.mu.Lock()
	if _, ok := s.byInstrument[sig]; ok {
		s.mu.Unlock()
		return nil
	}
	e := &entry{
		streamID:     s.corr.NextID(),
		descriptor:   desc,
		subscribedAt: time.Now(),
		loc:          exchangeLocation(desc),
	}
	s.byInstrument[sig] = e
	s.mu.Unlock()
	s.byStream.Set(e.streamID, e)

	if err := s.limiter.Acquire(ctx); err != nil {
		s.drop(sig, e.streamID)
		return err
	}
	cmd := venue.SubscribeMarketDataCmd{StreamID: e.streamID, Descriptor: desc}
	if err := s.transport.Send(ctx, cmd); err != nil {
		s.drop(sig, e.streamID)
		return fmt.Errorf("subscribe %s: %w", desc.Symbol, err)
	}
	logger.Debugf("subscribed %s on stream %d", desc.Symbol, e.streamID)
	return nil
}

// Unsubscribe closes the stream for the instrument, waiting out the minimum
// dwell first when the subscription is younger than that.
func (s *Session) Unsubscribe(ctx context.Context, desc venue.ContractDescriptor) error {
	sig := desc.Signature()
	s.mu.Lock()
	e, ok := s.byInstrument[sig]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	// RestoreAll rewrites streamID and subscribedAt under e.mu on reconnect.
	e.mu.Lock()
	subscribedAt := e.subscribedAt
	e.mu.Unlock()

	if wait := s.dwell - time.Since(subscribedAt); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	streamID := e.streamID
	e.mu.Unlock()
	if err := s.transport.Send(ctx, venue.UnsubscribeMarketDataCmd{StreamID: streamID}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", desc.Symbol, err)
	}
	s.drop(sig, streamID)
	logger.Debugf("unsubscribed %s (stream %d)", desc.Symbol, streamID)
	return nil
}

// RestoreAll re-subscribes every instrument on fresh stream ids. Used after
// a reconnect that invalidated server-side subscription state.
func (s *Session) RestoreAll(ctx context.Context) error {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.byInstrument))
	for _, e := range s.byInstrument {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		old := e.streamID
		fresh := s.corr.NextID()

		e.mu.Lock()
		e.streamID = fresh
		e.subscribedAt = time.Now()
		desc := e.descriptor
		e.mu.Unlock()

		s.byStream.Delete(old)
		s.byStream.Set(fresh, e)

		if err := s.limiter.Acquire(ctx); err != nil {
			return err
		}
		cmd := venue.SubscribeMarketDataCmd{StreamID: fresh, Descriptor: desc}
		if err := s.transport.Send(ctx, cmd); err != nil {
			return fmt.Errorf("restore subscription %s: %w", desc.Symbol, err)
		}
	}
	if len(entries) > 0 {
		logger.Infof("restored %d market-data subscriptions", len(entries))
	}
	return nil
}

// Subscriptions lists the subscribed instrument symbols.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.byInstrument))
	for _, e := range s.byInstrument {
		out = append(out, e.descriptor.Symbol)
	}
	return out
}

func (s *Session) drop(sig string, streamID int64) {
	s.mu.Lock()
	delete(s.byInstrument, sig)
	s.mu.Unlock()
	s.byStream.Delete(streamID)
}

func exchangeLocation(desc venue.ContractDescriptor) *time.Location {
	if desc.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(desc.TimeZone)
	if err != nil {
		logger.Warnf("unknown exchange time zone %q for %s, using UTC", desc.TimeZone, desc.Symbol)
		return time.UTC
	}
	return loc
}
