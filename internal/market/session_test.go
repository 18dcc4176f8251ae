package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"venuelink/internal/correlate"
	"venuelink/internal/events"
	"venuelink/internal/ratelimit"
	"venuelink/pkg/venue"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []venue.Command
}

func (f *fakeTransport) Connect(ctx context.Context, host string, port, clientID int) error {
	return nil
}
func (f *fakeTransport) Disconnect() error          { return nil }
func (f *fakeTransport) Events() <-chan venue.Event { return nil }

func (f *fakeTransport) Send(ctx context.Context, cmd venue.Command) error {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) commands() []venue.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]venue.Command, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestSession(dwell time.Duration) (*Session, *fakeTransport, *events.Bus) {
	bus := events.NewBus()
	corr := correlate.New()
	lim := ratelimit.New(100, time.Second)
	ft := &fakeTransport{}
	return NewSession(bus, corr, lim, ft, dwell), ft, bus
}

func futDesc(symbol string) venue.ContractDescriptor {
	return venue.ContractDescriptor{
		Symbol: symbol, SecurityType: "FUT", Exchange: "CME",
		Currency: "USD", Expiry: "20260320",
	}
}

func streamID(t *testing.T, ft *fakeTransport, n int) int64 {
	t.Helper()
	cmds := ft.commands()
	if len(cmds) <= n {
		t.Fatalf("only %d commands sent", len(cmds))
	}
	sub, ok := cmds[n].(venue.SubscribeMarketDataCmd)
	if !ok {
		t.Fatalf("command %d is %T, not subscribe", n, cmds[n])
	}
	return sub.StreamID
}

func TestSubscribeIdempotent(t *testing.T) {
	s, ft, _ := newTestSession(0)
	ctx := context.Background()

	desc := futDesc("ES")
	if err := s.Subscribe(ctx, desc); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := s.Subscribe(ctx, desc); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	if got := len(ft.commands()); got != 1 {
		t.Fatalf("sent %d subscribe commands, want 1", got)
	}
	if subs := s.Subscriptions(); len(subs) != 1 || subs[0] != "ES" {
		t.Fatalf("subscriptions = %v", subs)
	}
}

func TestUnsubscribeWaitsOutDwell(t *testing.T) {
	s, ft, _ := newTestSession(80 * time.Millisecond)
	ctx := context.Background()

	desc := futDesc("ES")
	if err := s.Subscribe(ctx, desc); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	start := time.Now()
	if err := s.Unsubscribe(ctx, desc); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("unsubscribe sent after %v, dwell is 80ms", elapsed)
	}
	cmds := ft.commands()
	if len(cmds) != 2 {
		t.Fatalf("sent %d commands, want subscribe+unsubscribe", len(cmds))
	}
	if _, ok := cmds[1].(venue.UnsubscribeMarketDataCmd); !ok {
		t.Fatalf("second command is %T", cmds[1])
	}
	if subs := s.Subscriptions(); len(subs) != 0 {
		t.Fatalf("subscriptions after unsubscribe = %v", subs)
	}
}

func TestUnsubscribeUnknownInstrumentIsNoop(t *testing.T) {
	s, ft, _ := newTestSession(0)
	if err := s.Unsubscribe(context.Background(), futDesc("NQ")); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if got := len(ft.commands()); got != 0 {
		t.Fatalf("sent %d commands, want 0", got)
	}
}

func TestSizeBeforePriceDroppedThenMidpoint(t *testing.T) {
	s, ft, bus := newTestSession(0)
	ticks, unsub := bus.Subscribe(events.EventTick, 16)
	defer unsub()

	if err := s.Subscribe(context.Background(), futDesc("ES")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	id := streamID(t, ft, 0)

	drain := func() []events.Tick {
		var out []events.Tick
		for {
			select {
			case v := <-ticks:
				if tk, ok := v.(events.Tick); ok {
					out = append(out, tk)
				}
				continue
			default:
			}
			return out
		}
	}

	// Bid alone: emit the single known side.
	s.HandleTickPrice(&venue.TickPriceEvent{StreamID: id, Field: venue.TickBid, Price: 100})
	got := drain()
	if len(got) != 1 || got[0].Value != 100 {
		t.Fatalf("after bid: %+v", got)
	}

	// Ask size with no ask price yet: dropped, nothing emitted.
	s.HandleTickSize(&venue.TickSizeEvent{StreamID: id, Field: venue.TickAskSize, Size: 7})
	if got := drain(); len(got) != 0 {
		t.Fatalf("ask size before price emitted %+v", got)
	}

	// Ask price arrives: both sides known, midpoint.
	s.HandleTickPrice(&venue.TickPriceEvent{StreamID: id, Field: venue.TickAsk, Price: 101})
	got = drain()
	if len(got) != 1 || got[0].Value != 100.5 {
		t.Fatalf("after ask: %+v", got)
	}
	if got[0].Bid != 100 || got[0].Ask != 101 {
		t.Fatalf("sides = %+v", got[0])
	}
}

func TestCrossedQuoteNotEmitted(t *testing.T) {
	s, ft, bus := newTestSession(0)
	ticks, unsub := bus.Subscribe(events.EventTick, 16)
	defer unsub()

	if err := s.Subscribe(context.Background(), futDesc("ES")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	id := streamID(t, ft, 0)

	s.HandleTickPrice(&venue.TickPriceEvent{StreamID: id, Field: venue.TickBid, Price: 100})
	<-ticks // single-side emission

	// Ask at or below bid is internally inconsistent.
	s.HandleTickPrice(&venue.TickPriceEvent{StreamID: id, Field: venue.TickAsk, Price: 100})
	select {
	case v := <-ticks:
		t.Fatalf("crossed quote emitted %+v", v)
	default:
	}
}

func TestPriceScaleNormalization(t *testing.T) {
	s, ft, bus := newTestSession(0)
	ticks, unsub := bus.Subscribe(events.EventTick, 16)
	defer unsub()

	desc := futDesc("ZC")
	desc.PriceMagnifier = 100
	if err := s.Subscribe(context.Background(), desc); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	id := streamID(t, ft, 0)

	s.HandleTickPrice(&venue.TickPriceEvent{StreamID: id, Field: venue.TickLast, Price: 45025})
	tk := (<-ticks).(events.Tick)
	if tk.Last != 450.25 || tk.Value != 450.25 {
		t.Fatalf("tick = %+v, want last 450.25", tk)
	}
}

func TestUnderlyingFanOut(t *testing.T) {
	s, ft, bus := newTestSession(0)
	ticks, unsub := bus.Subscribe(events.EventTick, 16)
	defer unsub()
	ctx := context.Background()

	underlying := futDesc("ES")
	derivative := venue.ContractDescriptor{
		Symbol: "ESM6", SecurityType: "FOP", Exchange: "CME",
		Currency: "USD", Underlying: "ES",
	}
	if err := s.Subscribe(ctx, underlying); err != nil {
		t.Fatalf("subscribe underlying: %v", err)
	}
	if err := s.Subscribe(ctx, derivative); err != nil {
		t.Fatalf("subscribe derivative: %v", err)
	}
	id := streamID(t, ft, 0)

	s.HandleTickPrice(&venue.TickPriceEvent{StreamID: id, Field: venue.TickLast, Price: 4500})

	var names []string
	for {
		select {
		case v := <-ticks:
			names = append(names, v.(events.Tick).Instrument)
			continue
		default:
		}
		break
	}
	if len(names) != 2 || names[0] != "ES" || names[1] != "ESM6" {
		t.Fatalf("fan-out instruments = %v, want [ES ESM6]", names)
	}
}

func TestOpenInterestPublished(t *testing.T) {
	s, ft, bus := newTestSession(0)
	ticks, unsub := bus.Subscribe(events.EventTick, 16)
	defer unsub()

	if err := s.Subscribe(context.Background(), futDesc("ES")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	id := streamID(t, ft, 0)

	s.HandleTickSize(&venue.TickSizeEvent{StreamID: id, Field: venue.TickOpenInterest, Size: 120000})
	oi := (<-ticks).(events.OpenInterestTick)
	if oi.Instrument != "ES" || oi.Value != 120000 {
		t.Fatalf("open interest = %+v", oi)
	}
}

func TestUnsubscribeConcurrentWithRestore(t *testing.T) {
	s, _, _ := newTestSession(20 * time.Millisecond)
	ctx := context.Background()

	if err := s.Subscribe(ctx, futDesc("ES")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Unsubscribe dwells while RestoreAll rewrites the entry's stream id
	// and subscribe time.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if err := s.RestoreAll(ctx); err != nil {
				t.Errorf("restore: %v", err)
				return
			}
		}
	}()
	if err := s.Unsubscribe(ctx, futDesc("ES")); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	<-done

	if subs := s.Subscriptions(); len(subs) != 0 {
		t.Fatalf("subscriptions after unsubscribe = %v", subs)
	}
}

func TestRestoreAllUsesFreshStreamIDs(t *testing.T) {
	s, ft, bus := newTestSession(0)
	ctx := context.Background()

	if err := s.Subscribe(ctx, futDesc("ES")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	oldID := streamID(t, ft, 0)

	if err := s.RestoreAll(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	newID := streamID(t, ft, 1)
	if newID == oldID {
		t.Fatalf("restore reused stream id %d", oldID)
	}

	// Old id is dead; ticks on it are ignored.
	ticks, unsub := bus.Subscribe(events.EventTick, 4)
	defer unsub()
	s.HandleTickPrice(&venue.TickPriceEvent{StreamID: oldID, Field: venue.TickLast, Price: 4500})
	select {
	case v := <-ticks:
		t.Fatalf("stale stream id emitted %+v", v)
	default:
	}

	s.HandleTickPrice(&venue.TickPriceEvent{StreamID: newID, Field: venue.TickLast, Price: 4500})
	select {
	case <-ticks:
	default:
		t.Fatal("fresh stream id not live")
	}
}
