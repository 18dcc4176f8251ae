package contracts

import (
	"context"
	"fmt"
	"time"

	"venuelink/internal/correlate"
	"venuelink/internal/logger"
	"venuelink/internal/ratelimit"
	"venuelink/pkg/cache"
	"venuelink/pkg/venue"
)

// Cache resolves partial contract descriptors to the venue's full details,
// memoizing replies by descriptor signature.
type Cache struct {
	corr      *correlate.Correlator
	limiter   *ratelimit.Limiter
	transport venue.Transport
	timeout   time.Duration

	details *cache.Map[string, []venue.ContractDescriptor]
	replies *cache.Map[int64, *reply]
}

type reply struct {
	descriptors []venue.ContractDescriptor
}

func NewCache(corr *correlate.Correlator, limiter *ratelimit.Limiter,
	transport venue.Transport, timeout time.Duration) *Cache {
	return &Cache{
		corr:      corr,
		limiter:   limiter,
		transport: transport,
		timeout:   timeout,
		details:   cache.NewStringMap[[]venue.ContractDescriptor](),
		replies:   cache.NewInt64Map[*reply](),
	}
}

// Lookup returns the full descriptors matching the given partial one,
// served from cache when possible. A venue round trip blocks up to the
// response timeout.
func (c *Cache) Lookup(ctx context.Context, desc venue.ContractDescriptor) ([]venue.ContractDescriptor, error) {
	sig := desc.Signature()
	if cached, ok := c.details.Get(sig); ok {
		return cached, nil
	}

	reqID := c.corr.NextID()
	c.corr.Describe(reqID, fmt.Sprintf("contract details %s", desc.Symbol))
	c.corr.Register(reqID)
	c.replies.Set(reqID, &reply{})

	if err := c.limiter.Acquire(ctx); err != nil {
		c.replies.Delete(reqID)
		return nil, err
	}
	cmd := venue.RequestContractDetailsCmd{ReqID: reqID, Descriptor: desc}
	if err := c.transport.Send(ctx, cmd); err != nil {
		c.replies.Delete(reqID)
		return nil, fmt.Errorf("request contract details %s: %w", desc.Symbol, err)
	}

	if !c.corr.Wait(ctx, reqID, c.timeout) {
		c.replies.Delete(reqID)
		return nil, fmt.Errorf("contract details %s: no response", desc.Symbol)
	}

	r, ok := c.replies.GetAndDelete(reqID)
	if !ok || len(r.descriptors) == 0 {
		return nil, fmt.Errorf("contract details %s: empty result", desc.Symbol)
	}
	c.details.Set(sig, r.descriptors)
	return r.descriptors, nil
}

// HandleDetails collects one descriptor of a pending lookup. Runs on the
// event pump.
func (c *Cache) HandleDetails(ev *venue.ContractDetailsEvent) {
	r, ok := c.replies.Get(ev.ReqID)
	if !ok {
		logger.Debugf("contract details for unknown request %d", ev.ReqID)
		return
	}
	r.descriptors = append(r.descriptors, ev.Descriptor)
}

// HandleDetailsEnd releases the pending lookup.
func (c *Cache) HandleDetailsEnd(ev *venue.ContractDetailsEnd) {
	c.corr.Resolve(ev.ReqID)
}

// Invalidate drops a cached entry, forcing the next lookup to the venue.
func (c *Cache) Invalidate(desc venue.ContractDescriptor) {
	c.details.Delete(desc.Signature())
}
