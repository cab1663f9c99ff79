package pwa

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pollutionx/internal/store"
)

type State int32

const (
	StateIdle State = iota
	StateInstalling
	StateInstalled
	StateActive
	StateFailed
	StateTerminated
)

func (st State) String() string {
	switch st {
	case StateIdle:
		return "idle"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(st))
	}
}

// worker is one cache version moving through install and activate.
type worker struct {
	version string
	gen     *store.Generation
	state   atomic.Int32
}

func newWorker(version string, st State) *worker {
	w := &worker{version: version}
	w.state.Store(int32(st))
	return w
}

func (w *worker) State() State       { return State(w.state.Load()) }
func (w *worker) setState(st State) { w.state.Store(int32(st)) }

const precacheConcurrency = 4

// Install fetches every precache path and, only if all of them come back
// 200, writes them as generation version in one batch. A successful install
// activates right away.
func (s *Service) Install(ctx context.Context, version string) error {
	w := newWorker(version, StateInstalling)
	s.mu.Lock()
	s.installing = w
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.installing == w {
			s.installing = nil
		}
		s.mu.Unlock()
	}()

	s.log.Info("installing", zap.String("version", version), zap.Int("precache", len(s.cfg.Cache.Precache)))

	entries, err := s.fetchPrecache(ctx, version)
	if err != nil {
		w.setState(StateFailed)
		s.log.Error("install failed", zap.String("version", version), zap.Error(err))
		return err
	}
	gen, err := s.cache.Populate(ctx, version, entries)
	if err != nil {
		w.setState(StateFailed)
		return &InstallError{Version: version, Err: err}
	}
	w.gen = gen
	w.setState(StateInstalled)

	// skip waiting: no need to let clients of the old version drain first
	return s.activate(ctx, w)
}

func (s *Service) fetchPrecache(ctx context.Context, version string) (map[string]store.Snapshot, error) {
	var mu sync.Mutex
	entries := make(map[string]store.Snapshot, len(s.cfg.Cache.Precache))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precacheConcurrency)
	for _, path := range s.cfg.Cache.Precache {
		g.Go(func() error {
			req := NewRequest(http.MethodGet, path)
			snap, err := s.fetch(gctx, req)
			if err != nil {
				return &InstallError{Version: version, Path: path, Err: err}
			}
			if snap.Status != http.StatusOK {
				return &InstallError{Version: version, Path: path, Err: fmt.Errorf("unexpected status %d", snap.Status)}
			}
			mu.Lock()
			entries[req.Identity(s.cfg.Cache.VaryHeaders)] = shareable(snap)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Activate makes an already installed generation current.
func (s *Service) Activate(ctx context.Context, version string) error {
	gen, err := s.cache.Lookup(ctx, version)
	if err != nil {
		return fmt.Errorf("activate %q: %w", version, err)
	}
	w := newWorker(version, StateInstalled)
	w.gen = gen
	return s.activate(ctx, w)
}

// activate switches fetches to w's generation, deletes every other
// generation and claims all client sessions for w. Activations run one at
// a time.
func (s *Service) activate(ctx context.Context, w *worker) error {
	s.activateMu.Lock()
	defer s.activateMu.Unlock()

	// a concurrent activation may have deleted w's generation already
	if _, err := s.cache.Lookup(ctx, w.version); err != nil {
		w.setState(StateFailed)
		return fmt.Errorf("activate %q: %w", w.version, err)
	}

	s.mu.Lock()
	prev := s.active
	s.active = w
	w.setState(StateActive)
	s.mu.Unlock()
	if prev != nil && prev != w {
		prev.setState(StateTerminated)
	}

	names, err := s.cache.ListGenerations(ctx)
	if err != nil {
		return fmt.Errorf("activate %q: list generations: %w", w.version, err)
	}
	for _, name := range names {
		if name == w.version {
			continue
		}
		s.log.Info("deleting old cache", zap.String("generation", name))
		if _, err := s.cache.DeleteGeneration(ctx, name); err != nil {
			return fmt.Errorf("activate %q: delete %q: %w", w.version, name, err)
		}
	}
	if n, err := s.cache.PruneOrphans(ctx); err != nil {
		s.log.Warn("prune orphaned entries", zap.Error(err))
	} else if n > 0 {
		s.log.Info("pruned orphaned entries", zap.Int("count", n))
	}

	claimed := s.clients.Claim(w.version)
	s.log.Info("activated", zap.String("version", w.version), zap.Int("claimedClients", claimed))
	return nil
}
