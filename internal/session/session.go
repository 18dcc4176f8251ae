package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"venuelink/internal/contracts"
	"venuelink/internal/correlate"
	"venuelink/internal/events"
	"venuelink/internal/history"
	"venuelink/internal/logger"
	"venuelink/internal/market"
	"venuelink/internal/order"
	"venuelink/internal/ratelimit"
	"venuelink/pkg/config"
	"venuelink/pkg/venue"
)

// State is the connection state. Transitions happen only inside the session.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
)

// Reserved correlation keys for replies that carry no request id on the
// wire. Negative so they never collide with allocated ids.
const (
	keyServerTime      int64 = -1
	keyAccountDownload int64 = -3
	keyHandshake       int64 = -4
	keySequence        int64 = -5
)

// ErrBootstrap marks a non-transient failure during the post-connect account
// bootstrap. It exhausts the retry budget immediately.
var ErrBootstrap = errors.New("session bootstrap failed")

// ErrRetriesExhausted terminates the session after the last reconnect
// attempt fails.
var ErrRetriesExhausted = errors.New("connection attempts exhausted")

// Options bundles the session's timing and endpoint knobs.
type Options struct {
	Host              string
	Port              int
	ClientID          int
	ConnectAttempts   int
	ResponseTimeout   time.Duration
	BootstrapTimeout  time.Duration
	HeartbeatInterval time.Duration
	MaintenancePoll   time.Duration
}

func (o *Options) fill() {
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = 20
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 5 * time.Second
	}
	if o.BootstrapTimeout <= 0 {
		o.BootstrapTimeout = 60 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 2 * time.Minute
	}
	if o.MaintenancePoll <= 0 {
		o.MaintenancePoll = time.Minute
	}
}

// Session owns the connection lifecycle: handshake, bootstrap, the single
// event-pump goroutine, heartbeat supervision, and reconnects.
type Session struct {
	opts      Options
	bus       *events.Bus
	corr      *correlate.Correlator
	limiter   *ratelimit.Limiter
	transport venue.Transport
	schedule  *config.Schedule

	Tracker   *order.Tracker
	Market    *market.Session
	Contracts *contracts.Cache
	History   *history.Fetcher

	mu             sync.Mutex
	state          State
	primaryAccount string
	connLostLatch  bool
	closing        bool
	serverOffset   time.Duration
	lastServerTime time.Time

	pumpDone chan struct{}
	hbCancel context.CancelFunc
}

func New(opts Options, bus *events.Bus, corr *correlate.Correlator, limiter *ratelimit.Limiter,
	transport venue.Transport, schedule *config.Schedule,
	tracker *order.Tracker, md *market.Session, cc *contracts.Cache, hf *history.Fetcher) *Session {
	opts.fill()
	return &Session{
		opts:      opts,
		bus:       bus,
		corr:      corr,
		limiter:   limiter,
		transport: transport,
		schedule:  schedule,
		Tracker:   tracker,
		Market:    md,
		Contracts: cc,
		History:   hf,
		state:     StateDisconnected,
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PrimaryAccount returns the master account announced at bootstrap.
func (s *Session) PrimaryAccount() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primaryAccount
}

// ServerTime returns the current time as the venue sees it, derived from the
// last heartbeat reply.
func (s *Session) ServerTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Add(s.serverOffset)
}

// Connect establishes the session, retrying with escalating backoff.
// Idempotent: a second call while connecting or connected is a no-op.
// A bootstrap failure is non-transient and returns immediately.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.closing = false
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < s.opts.ConnectAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			logger.Infof("reconnect attempt %d/%d in %v", attempt+1, s.opts.ConnectAttempts, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				s.setState(StateDisconnected)
				return ctx.Err()
			}
		}

		err := s.connectOnce(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrBootstrap) {
			s.setState(StateDisconnected)
			return err
		}
		logger.Warnf("connect attempt %d failed: %v", attempt+1, err)
	}
	s.setState(StateDisconnected)
	return fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

func (s *Session) connectOnce(ctx context.Context) error {
	s.corr.Register(keyHandshake)
	s.corr.Register(keySequence)
	s.corr.Register(keyAccountDownload)

	if err := s.transport.Connect(ctx, s.opts.Host, s.opts.Port, s.opts.ClientID); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.pumpDone = done
	s.mu.Unlock()
	go s.pump(done)

	if !s.corr.Wait(ctx, keyHandshake, s.opts.ResponseTimeout) ||
		!s.corr.Wait(ctx, keySequence, s.opts.ResponseTimeout) {
		s.teardown()
		return errors.New("handshake timed out")
	}

	// Account bootstrap: subscribe the account stream and block until the
	// initial download completes. This is where a bad account configuration
	// shows up, so failure here is not retried.
	if err := s.limiter.Acquire(ctx); err != nil {
		s.teardown()
		return err
	}
	if err := s.transport.Send(ctx, venue.RequestAccountUpdatesCmd{Subscribe: true}); err != nil {
		s.teardown()
		return fmt.Errorf("%w: account subscribe: %v", ErrBootstrap, err)
	}
	if !s.corr.Wait(ctx, keyAccountDownload, s.opts.BootstrapTimeout) {
		s.teardown()
		return fmt.Errorf("%w: account download timed out", ErrBootstrap)
	}

	s.mu.Lock()
	s.state = StateConnected
	s.connLostLatch = false
	s.mu.Unlock()

	if err := s.Market.RestoreAll(ctx); err != nil {
		logger.Errorf("restore subscriptions: %v", err)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.hbCancel = cancel
	s.mu.Unlock()
	go s.heartbeat(hbCtx)

	s.bus.Publish(events.EventConnection, events.ConnectionChange{Connected: true, Reason: "session established"})
	logger.Infof("connected to %s:%d as client %d", s.opts.Host, s.opts.Port, s.opts.ClientID)
	return nil
}

// Disconnect tears the session down. Idempotent; safe to call while
// disconnected.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	cancel := s.hbCancel
	done := s.pumpDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Best-effort account unsubscribe; the close races it and that is fine.
	ctx, stop := context.WithTimeout(context.Background(), time.Second)
	_ = s.transport.Send(ctx, venue.RequestAccountUpdatesCmd{Subscribe: false})
	stop()

	err := s.transport.Disconnect()
	if done != nil {
		<-done
	}
	s.setState(StateDisconnected)
	logger.Infof("session closed")
	return err
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// teardown aborts a half-open connection attempt.
func (s *Session) teardown() {
	s.mu.Lock()
	s.closing = true
	done := s.pumpDone
	s.mu.Unlock()
	_ = s.transport.Disconnect()
	if done != nil {
		<-done
	}
	s.mu.Lock()
	s.closing = false
	s.mu.Unlock()
}

// backoffDelay escalates from seconds into minutes over the retry budget.
func backoffDelay(attempt int) time.Duration {
	d := time.Second << uint(attempt-1)
	if d > 2*time.Minute {
		return 2 * time.Minute
	}
	return d
}
