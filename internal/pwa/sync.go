package pwa

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"pollutionx/internal/store"
)

type syncState struct {
	mu    sync.Mutex
	tags  map[string]struct{}
	seq   map[string]uint64 // bumped by every register
	drain sync.Mutex
}

func newSyncState() *syncState {
	return &syncState{tags: map[string]struct{}{}, seq: map[string]uint64{}}
}

func (st *syncState) register(tag string) {
	st.mu.Lock()
	st.tags[tag] = struct{}{}
	st.seq[tag]++
	st.mu.Unlock()
}

func (st *syncState) registrations(tag string) uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.seq[tag]
}

// unregisterIfIdle drops tag unless it was registered again after the
// registrations count since was read. It reports whether tag was dropped.
func (st *syncState) unregisterIfIdle(tag string, since uint64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.seq[tag] != since {
		return false
	}
	delete(st.tags, tag)
	return true
}

func (st *syncState) registered(tag string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.tags[tag]
	return ok
}

func (st *syncState) Tags() []string {
	st.mu.Lock()
	out := make([]string, 0, len(st.tags))
	for t := range st.tags {
		out = append(out, t)
	}
	st.mu.Unlock()
	sort.Strings(out)
	return out
}

// DrainResult summarizes one pass over the offline queue.
type DrainResult struct {
	Attempted int `json:"attempted"`
	Submitted int `json:"submitted"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// RegisterSync asks for tag to be synced once the network is available.
func (s *Service) RegisterSync(tag string) {
	s.sync.register(tag)
}

// Sync fires tag. Only the report tag does anything, and only while it is
// registered and the network is up. The tag stays registered until a drain
// leaves the queue empty and nothing registered it again meanwhile.
func (s *Service) Sync(ctx context.Context, tag string) (DrainResult, error) {
	if tag != s.cfg.Sync.Tag {
		s.log.Debug("ignoring unknown sync tag", zap.String("tag", tag))
		return DrainResult{}, nil
	}
	if !s.sync.registered(tag) {
		return DrainResult{}, nil
	}
	if !s.conn.Online() {
		return DrainResult{}, ErrOffline
	}
	if !s.sync.drain.TryLock() {
		return DrainResult{}, ErrSyncInProgress
	}
	defer s.sync.drain.Unlock()

	since := s.sync.registrations(tag)
	s.log.Info("background sync triggered", zap.String("tag", tag))
	res, err := s.drain(ctx)
	if err != nil {
		return res, err
	}
	if res.Remaining == 0 && !s.sync.unregisterIfIdle(tag, since) {
		s.log.Debug("sync tag registered again during drain", zap.String("tag", tag))
	}
	return res, nil
}

// drain submits every pending report once, in enqueue order. A report that
// fails stays queued and the pass moves on.
func (s *Service) drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	pending, err := s.queue.ListPending(ctx)
	if err != nil {
		return res, fmt.Errorf("list pending reports: %w", err)
	}

	for _, rep := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++
		if err := s.submit(ctx, rep); err != nil {
			res.Failed++
			s.log.Warn("failed to submit offline report", zap.String("id", rep.ID), zap.Error(err))
			continue
		}
		if err := s.queue.Remove(ctx, rep.ID); err != nil {
			s.log.Error("submitted offline report but could not dequeue it", zap.String("id", rep.ID), zap.Error(err))
		}
		res.Submitted++
		s.log.Info("offline report submitted", zap.String("id", rep.ID),
			zap.Duration("queuedFor", time.Since(rep.EnqueuedAt)))
	}

	n, err := s.queue.Len(ctx)
	if err != nil {
		return res, fmt.Errorf("count pending reports: %w", err)
	}
	res.Remaining = n
	return res, nil
}

func (s *Service) submit(ctx context.Context, rep store.PendingReport) error {
	req := NewRequest(http.MethodPost, s.cfg.Sync.Endpoint)
	req.Header.Set("Content-Type", "application/json")
	req.Body = rep.Payload

	snap, err := s.fetch(ctx, req)
	if err != nil {
		return err
	}
	if snap.Status < 200 || snap.Status >= 300 {
		return fmt.Errorf("unexpected status %d", snap.Status)
	}
	return nil
}

// syncAsync fires tag in the background unless too much background work is
// already running or the service is shutting down.
func (s *Service) syncAsync(tag string) {
	select {
	case <-s.stopCh:
		return
	default:
	}
	select {
	case s.bgSem <- struct{}{}:
	default:
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		res, err := s.Sync(ctx, tag)
		if err != nil {
			s.log.Debug("background sync skipped", zap.String("tag", tag), zap.Error(err))
			return
		}
		if res.Attempted > 0 {
			s.log.Info("background sync done",
				zap.Int("submitted", res.Submitted), zap.Int("failed", res.Failed), zap.Int("remaining", res.Remaining))
		}
	}()
}
