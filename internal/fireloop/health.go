package fireloop

import (
	"sync"
	"time"

	"secretariat/internal/eventbus"
	logx "secretariat/pkg/logx"
)

// healthState tracks the current store outage, if any.
type healthState struct {
	mu       sync.Mutex
	lastTick time.Time
	since    time.Time
	lastErr  string
	reported bool
}

func (h *healthState) tick(now time.Time) {
	h.mu.Lock()
	h.lastTick = now
	h.mu.Unlock()
}

func (s *Service) storeFailed(now time.Time, err error) {
	cfg, _ := s.config()

	h := &s.health
	h.mu.Lock()
	first := h.since.IsZero()
	if first {
		h.since = now
	}
	h.lastErr = err.Error()
	since := h.since
	report := !h.reported && now.Sub(since) >= cfg.StoreOutageThreshold
	if report {
		h.reported = true
	}
	h.mu.Unlock()

	if first {
		s.log.Warn("store unavailable", logx.Err(err))
	}
	if report {
		s.log.Error("store outage exceeded threshold",
			logx.Time("since", since), logx.Duration("threshold", cfg.StoreOutageThreshold), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeStoreUnavailable, Time: now,
			Data: eventbus.StoreEvent{Since: since, For: now.Sub(since), Error: err.Error()}})
	}
}

func (s *Service) storeOK(now time.Time) {
	h := &s.health
	h.mu.Lock()
	since, reported := h.since, h.reported
	h.since, h.lastErr, h.reported = time.Time{}, "", false
	h.mu.Unlock()

	if since.IsZero() {
		return
	}
	s.log.Info("store recovered", logx.Duration("outage", now.Sub(since)))
	if reported {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeStoreRecovered, Time: now,
			Data: eventbus.StoreEvent{Since: since, For: now.Sub(since)}})
	}
}

// Health is unhealthy once the store has been failing for longer than
// StoreOutageThreshold.
func (s *Service) Health() Health {
	cfg, _ := s.config()
	now := s.now()

	h := &s.health
	h.mu.Lock()
	defer h.mu.Unlock()
	out := Health{
		StoreOK:     h.since.IsZero(),
		OutageSince: h.since,
		LastError:   h.lastErr,
		LastTick:    h.lastTick,
	}
	out.Healthy = out.StoreOK || now.Sub(h.since) < cfg.StoreOutageThreshold
	return out
}
