package correlate

import (
	"context"
	"sync/atomic"
	"time"

	"venuelink/pkg/cache"
)

// Correlator makes the gateway's fire-and-forget calls look synchronous. A
// caller registers a pending entry under its request id, sends the command,
// then waits; the event pump resolves the entry when the matching reply
// arrives. The id counter doubles as the broker order-id space.
type Correlator struct {
	next    atomic.Int64
	pending *cache.Map[int64, chan struct{}]
	info    *cache.Map[int64, string]
}

// New creates a correlator; the counter starts at 1 until seeded by the
// venue's sequence-id assignment.
func New() *Correlator {
	c := &Correlator{
		pending: cache.NewInt64Map[chan struct{}](),
		info:    cache.NewInt64Map[string](),
	}
	c.next.Store(1)
	return c
}

// Seed raises the counter to at least n. The venue assigns the initial
// sequence id at handshake; ids below it are rejected remotely.
func (c *Correlator) Seed(n int64) {
	for {
		cur := c.next.Load()
		if cur >= n {
			return
		}
		if c.next.CompareAndSwap(cur, n) {
			return
		}
	}
}

// NextID atomically returns and advances the counter.
func (c *Correlator) NextID() int64 {
	return c.next.Add(1) - 1
}

// Register creates the pending entry for key. It must be called before the
// command is sent, or the reply can race the registration. At most one entry
// exists per key; a duplicate registration is ignored.
func (c *Correlator) Register(key int64) {
	c.pending.SetIfAbsent(key, make(chan struct{}))
}

// Wait blocks until the entry for key is resolved, the timeout expires, or
// ctx is cancelled. On timeout the entry is removed, so a stale reply later
// is a no-op; the caller must treat the operation as indeterminate, not
// retry it.
func (c *Correlator) Wait(ctx context.Context, key int64, timeout time.Duration) bool {
	ch, ok := c.pending.Get(key)
	if !ok {
		// Resolved between send and wait.
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		c.pending.GetAndDelete(key)
		return false
	case <-ctx.Done():
		c.pending.GetAndDelete(key)
		return false
	}
}

// Resolve releases the waiter for key if one exists. Removal happens before
// release, so a duplicate event can never double-release; resolving an
// unknown key is a no-op (events arrive for keys no one waits on).
func (c *Correlator) Resolve(key int64) bool {
	ch, ok := c.pending.GetAndDelete(key)
	if !ok {
		return false
	}
	close(ch)
	return true
}

// Pending reports the number of outstanding waits.
func (c *Correlator) Pending() int {
	return c.pending.Len()
}

// Describe retains a human-readable description of the originating call,
// used only to enrich error reporting.
func (c *Correlator) Describe(key int64, desc string) {
	c.info.Set(key, desc)
}

// Description returns the retained description for key, if any.
func (c *Correlator) Description(key int64) string {
	desc, _ := c.info.Get(key)
	return desc
}
