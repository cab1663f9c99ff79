package pwa

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// warmLoop refreshes the configured API paths into the current generation
// so they are available offline before any page asks for them.
func (s *Service) warmLoop(every time.Duration) {
	s.warmOnce()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.warmOnce()
		}
	}
}

func (s *Service) warmOnce() {
	for _, path := range s.cfg.Cache.Warm.Paths {
		select {
		case <-s.stopCh:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		s.warmPath(ctx, path)
		cancel()
	}
}

func (s *Service) warmPath(ctx context.Context, path string) {
	gen := s.current()
	if gen == nil {
		return
	}
	req := NewRequest(http.MethodGet, path)
	snap, err := s.fetch(ctx, req)
	if err != nil {
		s.log.Debug("warm fetch failed", zap.String("path", path), zap.Error(err))
		return
	}
	if snap.Status != http.StatusOK {
		s.log.Debug("warm fetch not cacheable", zap.String("path", path), zap.Int("status", snap.Status))
		return
	}
	s.put(ctx, gen, req.Identity(s.cfg.Cache.VaryHeaders), snap)

	if req.Path() == hotspotsPath {
		s.logHotspotSummary(snap.Body)
	}
}

func (s *Service) logHotspotSummary(body []byte) {
	var env Envelope[[]HotspotPayload]
	if err := json.Unmarshal(body, &env); err != nil || !env.Success {
		return
	}
	worst := ""
	maxAQI := -1
	for _, h := range env.Data {
		if h.AQI > maxAQI {
			maxAQI, worst = h.AQI, h.Name
		}
	}
	fields := []zap.Field{zap.Int("hotspots", len(env.Data))}
	if maxAQI >= 0 {
		fields = append(fields, zap.Int("maxAQI", maxAQI), zap.String("worst", worst))
	}
	s.log.Debug("warmed hotspots", fields...)
}
