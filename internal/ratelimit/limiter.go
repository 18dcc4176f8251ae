package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces the gateway's hard request ceiling: at most limit
// requests per fixed window. Blocked callers are released in arrival order
// when the window rolls over. There is no timeout path; this is the one
// deliberate backpressure point for outbound volume.
type Limiter struct {
	limit  int
	window time.Duration

	mu          sync.Mutex
	windowStart time.Time
	used        int
	waiters     []chan struct{}
	timer       *time.Timer
	now         func() time.Time
}

// New creates a limiter allowing limit permits per window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:       limit,
		window:      window,
		windowStart: time.Now(),
		now:         time.Now,
	}
}

// Acquire blocks until a permit is available or ctx is cancelled. Callers
// already released keep their permit even if ctx fires concurrently.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if len(l.waiters) == 0 && l.takeLocked() {
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.armTimerLocked()
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		removed := l.removeWaiterLocked(ch)
		l.mu.Unlock()
		if !removed {
			// Released before the cancel was observed; the permit is ours.
			return nil
		}
		return ctx.Err()
	}
}

// TryAcquire returns true when a permit is immediately available. It never
// jumps ahead of blocked callers.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) > 0 {
		return false
	}
	return l.takeLocked()
}

// Usage reports permits used in the current window and the queue depth.
func (l *Limiter) Usage() (used, limit, waiting int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked(l.now())
	return l.used, l.limit, len(l.waiters)
}

func (l *Limiter) takeLocked() bool {
	l.rollLocked(l.now())
	if l.used < l.limit {
		l.used++
		return true
	}
	return false
}

func (l *Limiter) rollLocked(now time.Time) {
	if now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.used = 0
	}
}

func (l *Limiter) armTimerLocked() {
	if l.timer != nil {
		return
	}
	wait := l.window - l.now().Sub(l.windowStart)
	if wait < 0 {
		wait = 0
	}
	l.timer = time.AfterFunc(wait, l.onRollover)
}

func (l *Limiter) onRollover() {
	l.mu.Lock()
	l.timer = nil
	l.rollLocked(l.now())
	for len(l.waiters) > 0 && l.used < l.limit {
		l.used++
		close(l.waiters[0])
		l.waiters = l.waiters[1:]
	}
	if len(l.waiters) > 0 {
		l.armTimerLocked()
	}
	l.mu.Unlock()
}

func (l *Limiter) removeWaiterLocked(ch chan struct{}) bool {
	for i, w := range l.waiters {
		if w == ch {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return true
		}
	}
	return false
}
