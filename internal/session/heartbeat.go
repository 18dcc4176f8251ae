package session

import (
	"context"
	"time"

	"venuelink/internal/logger"
	"venuelink/pkg/venue"
)

// heartbeat probes the server clock every interval. One missed probe is
// forgiven; the confirmation probe gets a 3x window before the connection
// is declared lost. A loss inside a scheduled maintenance window is polled
// quietly instead of being escalated.
func (s *Session) heartbeat(ctx context.Context) {
	interval := s.opts.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.probe(ctx, interval) {
			continue
		}
		logger.Warnf("heartbeat missed, confirming with extended window")
		if s.probe(ctx, 3*interval) {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		if s.schedule.InMaintenance(time.Now()) {
			if s.pollMaintenance(ctx, interval) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
		}

		logger.Errorf("heartbeat lost, forcing reconnect")
		// Closing the transport makes the pump observe the dead stream;
		// recover() announces the loss and reconnects.
		s.mu.Lock()
		s.closing = false
		s.mu.Unlock()
		_ = s.transport.Disconnect()
		return
	}
}

// probe issues one server-time request and waits out the given window.
func (s *Session) probe(ctx context.Context, window time.Duration) bool {
	s.corr.Register(keyServerTime)
	if err := s.limiter.Acquire(ctx); err != nil {
		return false
	}
	if err := s.transport.Send(ctx, venue.RequestCurrentTimeCmd{}); err != nil {
		logger.Warnf("heartbeat send failed: %v", err)
		return false
	}
	return s.corr.Wait(ctx, keyServerTime, window)
}

// pollMaintenance probes once a minute while the maintenance window is open.
// Returns true if the venue came back before the window ended; no disconnect
// is ever announced for a window that heals itself.
func (s *Session) pollMaintenance(ctx context.Context, window time.Duration) bool {
	logger.Infof("heartbeat lost inside maintenance window, polling")
	for s.schedule.InMaintenance(time.Now()) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.opts.MaintenancePoll):
		}
		if s.probe(ctx, window) {
			logger.Infof("venue back after maintenance")
			return true
		}
	}
	return false
}
