package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"venuelink/internal/contracts"
	"venuelink/internal/correlate"
	"venuelink/internal/events"
	"venuelink/internal/history"
	"venuelink/internal/market"
	"venuelink/internal/order"
	"venuelink/internal/ratelimit"
	"venuelink/pkg/config"
	"venuelink/pkg/venue"
)

// scriptedTransport plays the gateway: it completes the handshake on every
// connect and answers probes while answerTime is set.
type scriptedTransport struct {
	mu         sync.Mutex
	ch         chan venue.Event
	sent       []venue.Command
	connects   int
	connected  bool
	answerTime bool
	failBoot   bool
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{answerTime: true}
}

func (f *scriptedTransport) Connect(ctx context.Context, host string, port, clientID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.connected = true
	f.ch = make(chan venue.Event, 256)
	f.ch <- &venue.HandshakeAck{ServerVersion: 100, ServerTime: time.Now().Unix()}
	f.ch <- &venue.SequenceID{Next: 1000}
	f.ch <- &venue.ManagedAccounts{Accounts: []string{"DU100", "DU101"}}
	return nil
}

func (f *scriptedTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		f.connected = false
		close(f.ch)
	}
	return nil
}

func (f *scriptedTransport) Events() <-chan venue.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch
}

func (f *scriptedTransport) Send(ctx context.Context, cmd venue.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	if !f.connected {
		return venue.ErrNotConnected
	}
	switch c := cmd.(type) {
	case venue.RequestAccountUpdatesCmd:
		if c.Subscribe && !f.failBoot {
			f.ch <- &venue.AccountValueEvent{Key: "NetLiquidation", Value: "100000", Currency: "USD", Account: "DU100"}
			f.ch <- &venue.AccountDownloadEnd{Account: "DU100"}
		}
	case venue.RequestCurrentTimeCmd:
		if f.answerTime {
			f.ch <- &venue.ServerTimeEvent{Unix: time.Now().Unix()}
		}
	case venue.RequestExecutionsCmd:
		f.ch <- &venue.ExecutionsEnd{ReqID: c.ReqID}
	}
	return nil
}

func (f *scriptedTransport) inject(ev venue.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch <- ev
}

func (f *scriptedTransport) setAnswerTime(v bool) {
	f.mu.Lock()
	f.answerTime = v
	f.mu.Unlock()
}

func (f *scriptedTransport) commands() []venue.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]venue.Command, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *scriptedTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func newTestSession(t *testing.T, ft *scriptedTransport, opts Options, sched *config.Schedule) (*Session, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	corr := correlate.New()
	lim := ratelimit.New(200, time.Second)
	if sched == nil {
		var err error
		sched, err = config.LoadSchedule("")
		if err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	tracker := order.NewTracker(bus, corr, lim, ft, nil, 50*time.Millisecond)
	md := market.NewSession(bus, corr, lim, ft, time.Millisecond)
	cc := contracts.NewCache(corr, lim, ft, 50*time.Millisecond)
	hf := history.NewFetcher(corr, lim, ft, 300*time.Millisecond)
	return New(opts, bus, corr, lim, ft, sched, tracker, md, cc, hf), bus
}

func fastOpts() Options {
	return Options{
		Host: "localhost", Port: 4002, ClientID: 7,
		ConnectAttempts:   3,
		ResponseTimeout:   200 * time.Millisecond,
		BootstrapTimeout:  500 * time.Millisecond,
		HeartbeatInterval: 25 * time.Millisecond,
		MaintenancePoll:   10 * time.Millisecond,
	}
}

func drainConn(ch <-chan any) []events.ConnectionChange {
	var out []events.ConnectionChange
	for {
		select {
		case v := <-ch:
			out = append(out, v.(events.ConnectionChange))
			continue
		default:
		}
		return out
	}
}

func TestConnectBootstrapsAndSeeds(t *testing.T) {
	ft := newScriptedTransport()
	s, bus := newTestSession(t, ft, fastOpts(), nil)
	conns, unsub := bus.Subscribe(events.EventConnection, 8)
	defer unsub()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()

	if got := s.State(); got != StateConnected {
		t.Fatalf("state = %s", got)
	}
	if got := s.PrimaryAccount(); got != "DU100" {
		t.Fatalf("primary account = %q", got)
	}

	// Ids must start at or above the venue's announced sequence.
	o, err := s.Tracker.Place(context.Background(), order.PlaceRequest{
		ClientRef: "ref-1", Side: venue.SideBuy, Quantity: 1,
		Kind:       venue.OrderKindMarketOnOpen,
		Descriptor: venue.ContractDescriptor{Symbol: "ES", SecurityType: "FUT", Exchange: "CME", Currency: "USD"},
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if _, ids, _ := o.Snapshot(); ids[0] < 1000 {
		t.Fatalf("broker id %d below seeded sequence 1000", ids[0])
	}

	time.Sleep(10 * time.Millisecond)
	got := drainConn(conns)
	if len(got) != 1 || !got[0].Connected {
		t.Fatalf("connection events = %+v", got)
	}
}

func TestConnectIdempotent(t *testing.T) {
	ft := newScriptedTransport()
	s, _ := newTestSession(t, ft, fastOpts(), nil)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if got := ft.connectCount(); got != 1 {
		t.Fatalf("transport connected %d times, want 1", got)
	}
}

func TestBootstrapFailureExhaustsRetries(t *testing.T) {
	ft := newScriptedTransport()
	ft.failBoot = true
	opts := fastOpts()
	opts.BootstrapTimeout = 30 * time.Millisecond
	s, _ := newTestSession(t, ft, opts, nil)

	start := time.Now()
	err := s.Connect(context.Background())
	if err == nil {
		t.Fatal("connect succeeded without bootstrap")
	}
	if ft.connectCount() != 1 {
		t.Fatalf("retried %d times after bootstrap failure, want none", ft.connectCount())
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("bootstrap failure took %v, should fail fast", time.Since(start))
	}
	if got := s.State(); got != StateDisconnected {
		t.Fatalf("state = %s", got)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	ft := newScriptedTransport()
	s, _ := newTestSession(t, ft, fastOpts(), nil)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if got := s.State(); got != StateDisconnected {
		t.Fatalf("state = %s", got)
	}
}

func TestHeartbeatDoubleTimeoutReconnects(t *testing.T) {
	ft := newScriptedTransport()
	s, bus := newTestSession(t, ft, fastOpts(), nil)
	conns, unsub := bus.Subscribe(events.EventConnection, 16)
	defer unsub()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	drainConn(conns) // the initial connected event

	// Stop answering probes: one miss, then the 3x confirmation window,
	// then forced reconnect.
	ft.setAnswerTime(false)

	deadline := time.Now().Add(2 * time.Second)
	var sawDown, sawUp bool
	for time.Now().Before(deadline) && !(sawDown && sawUp) {
		for _, c := range drainConn(conns) {
			if c.Connected {
				sawUp = true
			} else {
				sawDown = true
			}
		}
		if sawDown {
			ft.setAnswerTime(true) // let the reconnect's heartbeat live
		}
		time.Sleep(5 * time.Millisecond)
	}
	defer s.Disconnect()

	if !sawDown {
		t.Fatal("heartbeat loss never announced")
	}
	if !sawUp {
		t.Fatal("session never reconnected")
	}
	if ft.connectCount() < 2 {
		t.Fatalf("transport connected %d times, want at least 2", ft.connectCount())
	}
}

func TestConnLostLatchedOnce(t *testing.T) {
	ft := newScriptedTransport()
	s, bus := newTestSession(t, ft, fastOpts(), nil)
	conns, unsub := bus.Subscribe(events.EventConnection, 16)
	defer unsub()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()
	time.Sleep(10 * time.Millisecond)
	drainConn(conns)

	ft.inject(&venue.ErrorEvent{ReqID: -1, Code: 1100, Message: "connectivity lost"})
	ft.inject(&venue.ErrorEvent{ReqID: -1, Code: 1100, Message: "connectivity lost"})
	ft.inject(&venue.ErrorEvent{ReqID: -1, Code: 1100, Message: "connectivity lost"})
	time.Sleep(20 * time.Millisecond)

	got := drainConn(conns)
	if len(got) != 1 || got[0].Connected {
		t.Fatalf("connection events = %+v, want one disconnected", got)
	}
}

func TestRestoredStateLostResubscribesWithFreshIDs(t *testing.T) {
	ft := newScriptedTransport()
	s, bus := newTestSession(t, ft, fastOpts(), nil)
	conns, unsub := bus.Subscribe(events.EventConnection, 16)
	defer unsub()

	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()
	time.Sleep(10 * time.Millisecond)
	drainConn(conns)

	desc := venue.ContractDescriptor{Symbol: "ES", SecurityType: "FUT", Exchange: "CME", Currency: "USD"}
	if err := s.Market.Subscribe(ctx, desc); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var oldID int64
	for _, c := range ft.commands() {
		if sub, ok := c.(venue.SubscribeMarketDataCmd); ok {
			oldID = sub.StreamID
		}
	}

	ft.inject(&venue.ErrorEvent{ReqID: -1, Code: 1100, Message: "connectivity lost"})
	ft.inject(&venue.ErrorEvent{ReqID: -1, Code: 1101, Message: "connectivity restored, data lost"})
	time.Sleep(50 * time.Millisecond)

	var resubID int64
	var sawExecRequest bool
	for _, c := range ft.commands() {
		switch cc := c.(type) {
		case venue.SubscribeMarketDataCmd:
			if cc.StreamID != oldID {
				resubID = cc.StreamID
			}
		case venue.RequestExecutionsCmd:
			sawExecRequest = true
		}
	}
	if resubID == 0 {
		t.Fatal("no resubscription with a fresh stream id")
	}
	if !sawExecRequest {
		t.Fatal("executions not re-requested after state loss")
	}

	got := drainConn(conns)
	if len(got) != 2 || got[0].Connected || !got[1].Connected {
		t.Fatalf("connection events = %+v, want down then up", got)
	}
}

func TestRestoredStateKeptDoesNotResubscribe(t *testing.T) {
	ft := newScriptedTransport()
	s, _ := newTestSession(t, ft, fastOpts(), nil)

	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()

	desc := venue.ContractDescriptor{Symbol: "ES", SecurityType: "FUT", Exchange: "CME", Currency: "USD"}
	if err := s.Market.Subscribe(ctx, desc); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	before := len(ft.commands())

	ft.inject(&venue.ErrorEvent{ReqID: -1, Code: 1100, Message: "connectivity lost"})
	ft.inject(&venue.ErrorEvent{ReqID: -1, Code: 1102, Message: "connectivity restored, data maintained"})
	time.Sleep(30 * time.Millisecond)

	for _, c := range ft.commands()[before:] {
		if _, ok := c.(venue.SubscribeMarketDataCmd); ok {
			t.Fatal("resubscribed although server state was kept")
		}
	}
}

func TestNotConnectedCodeSwallowed(t *testing.T) {
	ft := newScriptedTransport()
	s, bus := newTestSession(t, ft, fastOpts(), nil)
	msgs, unsub := bus.Subscribe(events.EventMessage, 8)
	defer unsub()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()

	ft.inject(&venue.ErrorEvent{ReqID: -1, Code: 504, Message: "not connected"})
	time.Sleep(20 * time.Millisecond)

	select {
	case m := <-msgs:
		t.Fatalf("code 504 surfaced as %+v", m)
	default:
	}
}

func TestEmptyResultCodeResolvesRequest(t *testing.T) {
	ft := newScriptedTransport()
	s, _ := newTestSession(t, ft, fastOpts(), nil)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()

	// A history fetch answered only by a no-data code must return empty,
	// not time out.
	done := make(chan error, 1)
	var reqID int64
	go func() {
		bars, err := s.History.Fetch(context.Background(),
			venue.ContractDescriptor{Symbol: "ES", SecurityType: "FUT", Exchange: "CME", Currency: "USD"},
			time.Now(), "1 D", "1 min")
		if err == nil && len(bars) != 0 {
			err = context.DeadlineExceeded
		}
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	for _, c := range ft.commands() {
		if h, ok := c.(venue.RequestHistoryCmd); ok {
			reqID = h.ReqID
		}
	}
	if reqID == 0 {
		t.Fatal("history request never sent")
	}
	ft.inject(&venue.ErrorEvent{ReqID: reqID, Code: 162, Message: "no data"})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("fetch did not resolve on empty-result code")
	}
}

func TestInvalidatingCodeMarksOrderInvalid(t *testing.T) {
	ft := newScriptedTransport()
	s, bus := newTestSession(t, ft, fastOpts(), nil)
	updates, unsub := bus.Subscribe(events.EventOrderUpdate, 8)
	defer unsub()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()

	o, err := s.Tracker.Place(context.Background(), order.PlaceRequest{
		ClientRef: "ref-1", Side: venue.SideBuy, Quantity: 1,
		Kind:       venue.OrderKindMarketOnOpen,
		Descriptor: venue.ContractDescriptor{Symbol: "ES", SecurityType: "FUT", Exchange: "CME", Currency: "USD"},
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	_, ids, _ := o.Snapshot()

	ft.inject(&venue.ErrorEvent{ReqID: ids[0], Code: 201, Message: "order rejected"})
	time.Sleep(20 * time.Millisecond)

	if st, _, _ := o.Snapshot(); st != order.StatusInvalid {
		t.Fatalf("status = %s, want INVALID", st)
	}
	select {
	case v := <-updates:
		if u := v.(events.OrderUpdate); u.Status != string(order.StatusInvalid) {
			t.Fatalf("update = %+v", u)
		}
	default:
		t.Fatal("no invalidation published")
	}
}

func TestMaintenanceDisconnectPolledQuietly(t *testing.T) {
	ft := newScriptedTransport()
	path := filepath.Join(t.TempDir(), "maintenance.yaml")
	yaml := "time_zone: UTC\ndaily:\n  - start: \"00:00\"\n    end: \"23:59\"\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write schedule: %v", err)
	}
	sched, err := config.LoadSchedule(path)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s, bus := newTestSession(t, ft, fastOpts(), sched)
	conns, unsub := bus.Subscribe(events.EventConnection, 16)
	defer unsub()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	drainConn(conns)

	// Drop the stream mid-window. The session must poll and reconnect
	// without ever announcing a disconnect.
	ft.Disconnect()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && ft.connectCount() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	defer s.Disconnect()
	if ft.connectCount() < 2 {
		t.Fatal("session did not reconnect during maintenance window")
	}
	time.Sleep(20 * time.Millisecond)

	for _, c := range drainConn(conns) {
		if !c.Connected {
			t.Fatalf("disconnect announced during maintenance window: %+v", c)
		}
	}
}
