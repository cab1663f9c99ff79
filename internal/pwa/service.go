package pwa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"

	"pollutionx/internal/store"
)

const clientCookie = "pwa_client"

// Deps are the collaborators of a Service. Cache, Queue and Logger are
// required; Fetcher defaults to the configured origin and Notifier to an
// in-memory Outbox.
type Deps struct {
	Cache    *store.CacheStore
	Queue    Queue
	Fetcher  Fetcher
	Notifier Notifier
	Logger   *zap.Logger
}

type Service struct {
	cfg Config
	log *zap.Logger

	cache   *store.CacheStore
	queue   Queue
	fetcher Fetcher
	notify  Notifier
	outbox  *Outbox // nil when a custom Notifier is used

	clients *Clients
	conn    *Connectivity
	sync    *syncState

	mu         sync.RWMutex
	active     *worker
	installing *worker
	activateMu sync.Mutex // serializes activate end to end

	bgSem  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed sync.Once

	storeLog *rateLimitedLogger
	stats    *statsCollector

	db *leveldb.DB // owned; nil when built with New
}

// NewService opens the storage named by cfg and builds a Service on it.
func NewService(cfg Config, log *zap.Logger) (*Service, error) {
	snapCodec, err := store.NewCodec[store.Snapshot](cfg.Storage.Codec)
	if err != nil {
		return nil, fmt.Errorf("storage.codec: %w", err)
	}
	repCodec, err := store.NewCodec[store.PendingReport](cfg.Storage.Codec)
	if err != nil {
		return nil, fmt.Errorf("storage.codec: %w", err)
	}
	ram, err := store.NewRAMTier(cfg.Storage.RAM.Provider, cfg.Storage.RAM.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("storage.ram: %w", err)
	}
	db, err := store.OpenDB(cfg.Storage.Path)
	if err != nil {
		ram.Close()
		return nil, fmt.Errorf("open %s: %w", cfg.Storage.Path, err)
	}
	cache := store.NewCacheStore(db, store.Options{Codec: snapCodec, RAM: ram, Logger: log})

	var queue Queue
	switch cfg.Queue.Backend {
	case "redis":
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		})
		queue = store.NewRedisQueue(rc, cfg.Queue.Redis.Key, repCodec, log)
	default:
		queue = store.NewLevelQueue(db, repCodec, log)
	}

	s, err := New(cfg, Deps{Cache: cache, Queue: queue, Logger: log})
	if err != nil {
		cache.Close()
		_ = queue.Close()
		_ = db.Close()
		return nil, err
	}
	s.db = db
	return s, nil
}

// New builds a Service on explicit collaborators. Nothing runs until Start.
func New(cfg Config, d Deps) (*Service, error) {
	if d.Cache == nil || d.Queue == nil {
		return nil, errors.New("pwa: cache and queue are required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	s := &Service{
		cfg:      cfg,
		log:      d.Logger,
		cache:    d.Cache,
		queue:    d.Queue,
		fetcher:  d.Fetcher,
		notify:   d.Notifier,
		clients:  newClients(),
		sync:     newSyncState(),
		bgSem:    make(chan struct{}, 8),
		stopCh:   make(chan struct{}),
		storeLog: newRateLimitedLogger(d.Logger, time.Minute),
		stats:    newStatsCollector(),
	}
	if s.fetcher == nil {
		s.fetcher = newOriginFetcher(cfg.Server.Origin)
	}
	if s.notify == nil {
		s.outbox = NewOutbox(50, d.Logger)
		s.notify = s.outbox
	}
	s.conn = newConnectivity(s.onConnectivityChange)
	return s, nil
}

// Start installs and activates the configured cache version, then starts
// the background loops. If the install fails but a generation of that
// version survives from an earlier run, that generation is activated.
func (s *Service) Start(ctx context.Context) error {
	version := s.cfg.Cache.Version
	if err := s.Install(ctx, version); err != nil {
		if _, lerr := s.cache.Lookup(ctx, version); lerr != nil {
			return err
		}
		s.log.Warn("install failed, activating existing generation",
			zap.String("version", version), zap.Error(err))
		if err := s.Activate(ctx, version); err != nil {
			return err
		}
	}

	if n, err := s.queue.Len(ctx); err != nil {
		s.log.Warn("offline queue unavailable", zap.Error(err))
	} else if n > 0 {
		s.RegisterSync(s.cfg.Sync.Tag)
		s.log.Info("pending offline reports", zap.Int("count", n))
	}

	if d := s.cfg.Logging.logStatsEveryDur; d > 0 {
		s.goLoop(func() { s.statsLoop(d) })
	}
	if d := s.cfg.Sync.probeEveryDur; d > 0 {
		s.goLoop(func() { s.probeLoop(d) })
	}
	if d := s.cfg.Cache.Warm.everyDur; d > 0 && len(s.cfg.Cache.Warm.Paths) > 0 {
		s.log.Info("api warm interval", zap.Duration("every", d), zap.Strings("paths", s.cfg.Cache.Warm.Paths))
		s.goLoop(func() { s.warmLoop(d) })
	}
	return nil
}

func (s *Service) goLoop(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Close stops background work and releases storage. Safe to call twice.
func (s *Service) Close() {
	s.closed.Do(func() {
		close(s.stopCh)
		s.wg.Wait()

		s.mu.Lock()
		if s.active != nil {
			s.active.setState(StateTerminated)
		}
		s.mu.Unlock()

		if err := s.queue.Close(); err != nil {
			s.log.Warn("close queue", zap.Error(err))
		}
		s.cache.Close()
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				s.log.Warn("close leveldb", zap.Error(err))
			}
		}
	})
}

// Version is the active cache version, empty before the first activation.
func (s *Service) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return ""
	}
	return s.active.version
}

// current is the generation fetches are stored into.
func (s *Service) current() *store.Generation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return nil
	}
	return s.active.gen
}

func (s *Service) Handler() http.Handler {
	p := s.cfg.Server.ControlPrefix
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+p+"sync", s.handleSync)
	mux.HandleFunc("POST "+p+"sync/register", s.handleSyncRegister)
	mux.HandleFunc("POST "+p+"push", s.handlePush)
	mux.HandleFunc("POST "+p+"notificationclick", s.handleNotificationClick)
	mux.HandleFunc("GET "+p+"notifications", s.handleNotifications)
	mux.HandleFunc("GET "+p+"status", s.handleStatus)
	mux.HandleFunc("GET "+p+"clients", s.handleClients)
	mux.HandleFunc("POST "+p+"update", s.handleUpdate)
	mux.HandleFunc(p, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown control endpoint"})
	})
	mux.HandleFunc("/", s.handleProxy)
	return mux
}

func (s *Service) handleProxy(w http.ResponseWriter, r *http.Request) {
	s.touchClient(w, r)

	req, err := requestFromHTTP(r, s.cfg.Server.maxBodyBytes)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		setPWAHeaders(w.Header(), "bad-request", s.Version())
		http.Error(w, err.Error(), status)
		return
	}

	res, err := s.Respond(r.Context(), req)
	if err != nil {
		s.log.Debug("no response", zap.String("method", req.Method), zap.String("url", req.URL), zap.Error(err))
		setPWAHeaders(w.Header(), "bad-gateway", s.Version())
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeSnapshot(w, res.Snapshot, res.Outcome, s.Version())
	s.stats.Observe(res.Outcome, len(res.Snapshot.Body))
}

func (s *Service) touchClient(w http.ResponseWriter, r *http.Request) {
	id := ""
	if c, err := r.Cookie(clientCookie); err == nil {
		id = c.Value
	}
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     clientCookie,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	s.clients.Touch(id, r.URL.Path, s.Version())
}

func writeSnapshot(w http.ResponseWriter, snap store.Snapshot, outcome, version string) {
	for k, vs := range snap.Header {
		if strings.EqualFold(k, "X-PollutionX") || strings.EqualFold(k, "X-PollutionX-Version") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setPWAHeaders(w.Header(), outcome, version)
	w.WriteHeader(snap.Status)
	_, _ = w.Write(snap.Body)
}

func setPWAHeaders(h http.Header, outcome, version string) {
	if outcome != "" {
		h.Set("X-PollutionX", outcome)
	}
	if version != "" {
		h.Set("X-PollutionX-Version", version)
	}
	// Browsers hide custom headers from cross-origin JS unless exposed.
	ensureExposedHeader(h, "X-PollutionX")
	ensureExposedHeader(h, "X-PollutionX-Version")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusResponse struct {
	Version        string   `json:"version"`
	State          string   `json:"state"`
	Installing     string   `json:"installing,omitempty"`
	Online         bool     `json:"online"`
	Generations    []string `json:"generations"`
	CachedEntries  int      `json:"cachedEntries"`
	PendingReports int      `json:"pendingReports"`
	SyncTags       []string `json:"syncTags"`
	Clients        int      `json:"clients"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st := statusResponse{
		Version:  s.Version(),
		State:    StateIdle.String(),
		Online:   s.conn.Online(),
		SyncTags: s.sync.Tags(),
		Clients:  s.clients.Len(),
	}
	s.mu.RLock()
	if s.active != nil {
		st.State = s.active.State().String()
	}
	if s.installing != nil {
		st.Installing = s.installing.version
	}
	s.mu.RUnlock()

	var err error
	if st.Generations, err = s.cache.ListGenerations(ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if g := s.current(); g != nil {
		st.CachedEntries, _ = g.Len(ctx)
	}
	if st.PendingReports, err = s.queue.Len(ctx); err != nil {
		s.log.Warn("queue length", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.clients.List())
}

func (s *Service) handleSyncRegister(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = s.cfg.Sync.Tag
	}
	s.RegisterSync(tag)
	if s.conn.Online() {
		s.syncAsync(tag)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"registered": tag})
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = s.cfg.Sync.Tag
	}
	res, err := s.Sync(r.Context(), tag)
	switch {
	case errors.Is(err, ErrOffline):
		writeJSON(w, http.StatusServiceUnavailable, offlineEnvelope)
	case errors.Is(err, ErrSyncInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	req, err := requestFromHTTP(r, s.cfg.Server.maxBodyBytes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := s.Push(r.Context(), req.Body)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	c, err := s.NotificationClick(r.Context(), body.Action)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if c == nil {
		writeJSON(w, http.StatusOK, map[string]any{"closed": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closed": true, "openWindow": c.URL, "client": c.ID})
}

func (s *Service) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	if s.outbox == nil {
		writeJSON(w, http.StatusOK, []Notification{})
		return
	}
	writeJSON(w, http.StatusOK, s.outbox.Recent())
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Version) == "" {
		http.Error(w, "version is required", http.StatusBadRequest)
		return
	}
	if err := s.Install(r.Context(), strings.TrimSpace(body.Version)); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": s.Version()})
}
