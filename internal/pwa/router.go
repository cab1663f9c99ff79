package pwa

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"pollutionx/internal/store"
)

// Outcomes reported in the X-PollutionX header.
const (
	outcomeHit           = "hit"            // served from cache, network untouched
	outcomeMiss          = "miss"           // cache-first miss, fetched and stored
	outcomeNetwork       = "network"        // fresh from the network
	outcomeCacheFallback = "cache-fallback" // network failed, cached copy served
	outcomeOffline       = "offline"        // network failed, synthesized 503
	outcomeShell         = "shell-fallback" // network failed, cached "/" served
	outcomeQueued        = "queued"         // report stored for background sync
	outcomeRejected      = "rejected"       // offline report failed validation
)

const hotspotsPath = "/api/hotspots"

// Result is what the router answers an intercepted request with.
type Result struct {
	Snapshot store.Snapshot
	Outcome  string
}

// Respond picks a strategy for req and runs it. The only error it returns
// wraps ErrNoResponse: a non-API request that neither the network nor the
// cache could answer.
func (s *Service) Respond(ctx context.Context, req *Request) (Result, error) {
	gen := s.current()
	switch {
	case req.Method != http.MethodGet:
		return s.passThrough(ctx, req)
	case s.cfg.isAPI(req.Path()):
		return s.networkFirst(ctx, gen, req), nil
	default:
		return s.cacheFirst(ctx, gen, req)
	}
}

func (s *Service) networkFirst(ctx context.Context, gen *store.Generation, req *Request) Result {
	id := req.Identity(s.cfg.Cache.VaryHeaders)
	snap, err := s.fetch(ctx, req)
	if err == nil {
		if snap.Status == http.StatusOK {
			s.put(ctx, gen, id, snap)
		}
		return Result{Snapshot: snap, Outcome: outcomeNetwork}
	}
	if cached, ok := s.lookup(ctx, gen, id); ok {
		return Result{Snapshot: cached, Outcome: outcomeCacheFallback}
	}
	return Result{Snapshot: jsonSnapshot(http.StatusServiceUnavailable, offlineEnvelope), Outcome: outcomeOffline}
}

func (s *Service) cacheFirst(ctx context.Context, gen *store.Generation, req *Request) (Result, error) {
	id := req.Identity(s.cfg.Cache.VaryHeaders)
	if cached, ok := s.lookup(ctx, gen, id); ok {
		return Result{Snapshot: cached, Outcome: outcomeHit}, nil
	}

	snap, err := s.fetch(ctx, req)
	if err == nil {
		if snap.Status != http.StatusOK {
			return Result{Snapshot: snap, Outcome: outcomeNetwork}, nil
		}
		s.put(ctx, gen, id, snap)
		return Result{Snapshot: snap, Outcome: outcomeMiss}, nil
	}

	if req.IsDocument() {
		shell := NewRequest(http.MethodGet, "/").Identity(s.cfg.Cache.VaryHeaders)
		if cached, ok := s.lookup(ctx, gen, shell); ok {
			return Result{Snapshot: cached, Outcome: outcomeShell}, nil
		}
	}
	return Result{}, fmt.Errorf("%w: %s %s: %v", ErrNoResponse, req.Method, req.URL, err)
}

// passThrough sends non-GET requests to the network uncached. Report
// submissions that cannot reach the network are queued for background sync.
func (s *Service) passThrough(ctx context.Context, req *Request) (Result, error) {
	snap, err := s.fetch(ctx, req)
	if err == nil {
		return Result{Snapshot: snap, Outcome: outcomeNetwork}, nil
	}
	if req.Method == http.MethodPost && req.Path() == s.cfg.Sync.Endpoint {
		return s.enqueueOffline(ctx, req), nil
	}
	if req.Method == http.MethodPost && req.Path() == hotspotsPath {
		// hotspots are not queued, but a broken payload is reported as such
		if _, err := ValidateHotspots(req.Body); err != nil {
			return rejected(err), nil
		}
	}
	if s.cfg.isAPI(req.Path()) {
		return Result{Snapshot: jsonSnapshot(http.StatusServiceUnavailable, offlineEnvelope), Outcome: outcomeOffline}, nil
	}
	return Result{}, fmt.Errorf("%w: %s %s: %v", ErrNoResponse, req.Method, req.URL, err)
}

func (s *Service) enqueueOffline(ctx context.Context, req *Request) Result {
	if _, err := ValidateReports(req.Body); err != nil {
		return rejected(err)
	}

	rep, err := s.queue.Enqueue(ctx, req.Body)
	if err != nil {
		s.log.Error("enqueue offline report", zap.Error(err))
		return Result{Snapshot: jsonSnapshot(http.StatusServiceUnavailable, offlineEnvelope), Outcome: outcomeOffline}
	}
	s.RegisterSync(s.cfg.Sync.Tag)
	s.log.Info("offline report queued", zap.String("id", rep.ID))

	return Result{
		Snapshot: jsonSnapshot(http.StatusAccepted, QueuedEnvelope{
			Offline: true,
			Queued:  true,
			ID:      rep.ID,
			Message: "You are offline. Your report was saved and will be submitted when the connection is restored.",
		}),
		Outcome: outcomeQueued,
	}
}

func rejected(err error) Result {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		ve = &ValidationError{Details: []string{err.Error()}}
	}
	return Result{
		Snapshot: jsonSnapshot(http.StatusBadRequest, Envelope[any]{
			Error:   "Validation failed",
			Details: ve.Details,
		}),
		Outcome: outcomeRejected,
	}
}

// fetch goes to the network and feeds the result to the connectivity monitor.
func (s *Service) fetch(ctx context.Context, req *Request) (store.Snapshot, error) {
	snap, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		// a caller that went away says nothing about the network
		if ctx.Err() == nil {
			s.conn.Observe(false)
		}
		return store.Snapshot{}, err
	}
	s.conn.Observe(true)
	return snap, nil
}

func (s *Service) lookup(ctx context.Context, gen *store.Generation, id string) (store.Snapshot, bool) {
	if gen == nil {
		return store.Snapshot{}, false
	}
	snap, ok, err := gen.Get(ctx, id)
	if err != nil {
		s.storeLog.Warn("cache read failed", zap.String("generation", gen.Name()), zap.Error(err))
		return store.Snapshot{}, false
	}
	return snap, ok
}

// put stores a shareable copy of snap; the caller keeps snap itself.
func (s *Service) put(ctx context.Context, gen *store.Generation, id string, snap store.Snapshot) {
	if gen == nil {
		return
	}
	if err := gen.Put(ctx, id, shareable(snap)); err != nil {
		if errors.Is(err, store.ErrGenerationGone) {
			s.log.Debug("skipping write to superseded generation", zap.String("generation", gen.Name()))
			return
		}
		s.storeLog.Warn("cache write failed", zap.String("generation", gen.Name()), zap.Error(err))
	}
}
