package history

import (
	"context"
	"fmt"
	"time"

	"venuelink/internal/correlate"
	"venuelink/internal/ratelimit"
	"venuelink/pkg/cache"
	"venuelink/pkg/venue"
)

// Bar is one completed historical bar, scale-normalized.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Fetcher performs single-shot historical bar requests. No pagination or
// backfill; one request, one reply.
type Fetcher struct {
	corr      *correlate.Correlator
	limiter   *ratelimit.Limiter
	transport venue.Transport
	timeout   time.Duration

	replies *cache.Map[int64, *reply]
}

type reply struct {
	scale float64
	bars  []Bar
}

func NewFetcher(corr *correlate.Correlator, limiter *ratelimit.Limiter,
	transport venue.Transport, timeout time.Duration) *Fetcher {
	return &Fetcher{
		corr:      corr,
		limiter:   limiter,
		transport: transport,
		timeout:   timeout,
		replies:   cache.NewInt64Map[*reply](),
	}
}

// Fetch requests bars ending at endTime over the given duration string, in
// the venue's bar-size grammar (e.g. "1 min"). Blocks up to the response
// timeout. An empty reply is a valid result, not an error.
func (f *Fetcher) Fetch(ctx context.Context, desc venue.ContractDescriptor,
	endTime time.Time, duration, barSize string) ([]Bar, error) {
	reqID := f.corr.NextID()
	f.corr.Describe(reqID, fmt.Sprintf("history %s %s/%s", desc.Symbol, duration, barSize))
	f.corr.Register(reqID)

	scale := desc.PriceMagnifier
	if scale <= 0 {
		scale = 1
	}
	f.replies.Set(reqID, &reply{scale: scale})

	if err := f.limiter.Acquire(ctx); err != nil {
		f.replies.Delete(reqID)
		return nil, err
	}
	cmd := venue.RequestHistoryCmd{
		ReqID:      reqID,
		Descriptor: desc,
		EndTime:    endTime.Unix(),
		Duration:   duration,
		BarSize:    barSize,
	}
	if err := f.transport.Send(ctx, cmd); err != nil {
		f.replies.Delete(reqID)
		return nil, fmt.Errorf("request history %s: %w", desc.Symbol, err)
	}

	if !f.corr.Wait(ctx, reqID, f.timeout) {
		f.replies.Delete(reqID)
		return nil, fmt.Errorf("history %s: no response", desc.Symbol)
	}

	r, ok := f.replies.GetAndDelete(reqID)
	if !ok {
		return nil, nil
	}
	return r.bars, nil
}

// HandleBar collects one bar of a pending request. Runs on the event pump.
func (f *Fetcher) HandleBar(ev *venue.HistoryBarEvent) {
	r, ok := f.replies.Get(ev.ReqID)
	if !ok {
		return
	}
	r.bars = append(r.bars, Bar{
		Time:   time.Unix(ev.Time, 0).UTC(),
		Open:   ev.Open / r.scale,
		High:   ev.High / r.scale,
		Low:    ev.Low / r.scale,
		Close:  ev.Close / r.scale,
		Volume: ev.Volume,
	})
}

// HandleEnd releases the pending request.
func (f *Fetcher) HandleEnd(ev *venue.HistoryEnd) {
	f.corr.Resolve(ev.ReqID)
}
