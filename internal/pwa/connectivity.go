package pwa

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Connectivity tracks whether the network is reachable. It starts out
// online and calls onChange on every transition.
type Connectivity struct {
	mu       sync.Mutex
	online   bool
	onChange func(online bool)
}

func newConnectivity(onChange func(online bool)) *Connectivity {
	return &Connectivity{online: true, onChange: onChange}
}

func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Observe records the outcome of a network attempt.
func (c *Connectivity) Observe(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	cb := c.onChange
	c.mu.Unlock()

	if cb != nil {
		cb(online)
	}
}

func (s *Service) onConnectivityChange(online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if online {
		s.log.Info("network is back")
		s.showNotification(ctx, Notification{
			Title: "Back Online!",
			Body:  "Connection restored. Syncing latest pollution data...",
			Icon:  s.cfg.Push.Icon,
			Tag:   "online-status",
		})
		s.syncAsync(s.cfg.Sync.Tag)
		return
	}
	s.log.Warn("network is down")
	s.showNotification(ctx, Notification{
		Title: "Offline Mode",
		Body:  "You can still view cached pollution data",
		Icon:  s.cfg.Push.Icon,
		Tag:   "offline-status",
	})
}

// probeLoop polls the origin so an outage ends even when no page traffic
// comes through.
func (s *Service) probeLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.probeOnce()
		}
	}
}

func (s *Service) probeOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.fetch(ctx, NewRequest(http.MethodGet, s.cfg.Sync.ProbePath)); err != nil {
		s.log.Debug("probe failed", zap.Error(err))
	}
}
