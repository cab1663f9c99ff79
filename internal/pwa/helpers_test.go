package pwa

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pollutionx/internal/store"
)

var errNetworkDown = errors.New("dial tcp: connection refused")

// fakeOrigin answers from a fixed route table and records every call. While
// down, every fetch fails as if the network were unreachable.
type fakeOrigin struct {
	mu     sync.Mutex
	routes map[string]store.Snapshot
	calls  []string

	down atomic.Bool
}

func newFakeOrigin() *fakeOrigin {
	o := &fakeOrigin{routes: map[string]store.Snapshot{}}
	for _, p := range DefaultPrecache {
		o.set(p, http.StatusOK, "body of "+p)
	}
	return o
}

func (o *fakeOrigin) set(uri string, status int, body string) {
	o.mu.Lock()
	o.routes[uri] = store.Snapshot{
		Status: status,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
	}
	o.mu.Unlock()
}

func (o *fakeOrigin) addHeader(uri, key, value string) {
	o.mu.Lock()
	o.routes[uri].Header.Add(key, value)
	o.mu.Unlock()
}

func (o *fakeOrigin) Fetch(_ context.Context, req *Request) (store.Snapshot, error) {
	o.mu.Lock()
	o.calls = append(o.calls, req.Method+" "+req.URL)
	snap, ok := o.routes[req.URL]
	o.mu.Unlock()
	if o.down.Load() {
		return store.Snapshot{}, errNetworkDown
	}
	if !ok {
		return store.Snapshot{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return snap.Clone(), nil
}

func (o *fakeOrigin) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

func (o *fakeOrigin) callsTo(uri string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.calls {
		if c == uri {
			n++
		}
	}
	return n
}

func testConfig(t *testing.T, extra string) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte("server:\n  origin: http://origin.test\n" + extra))
	require.NoError(t, err)
	return cfg
}

type testService struct {
	*Service
	origin *fakeOrigin
	cache  *store.CacheStore
	queue  *store.LevelQueue
}

func newTestService(t *testing.T, fetcher Fetcher) *testService {
	t.Helper()
	return newTestServiceWithConfig(t, testConfig(t, ""), fetcher)
}

func newTestServiceWithConfig(t *testing.T, cfg Config, fetcher Fetcher) *testService {
	t.Helper()
	db, err := store.OpenMemDB()
	require.NoError(t, err)
	log := zaptest.NewLogger(t)

	cache := store.NewCacheStore(db, store.Options{Logger: log})
	queue := store.NewLevelQueue(db, store.Msgpack[store.PendingReport]{}, log)

	origin, _ := fetcher.(*fakeOrigin)
	s, err := New(cfg, Deps{Cache: cache, Queue: queue, Fetcher: fetcher, Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		_ = db.Close()
	})
	return &testService{Service: s, origin: origin, cache: cache, queue: queue}
}

// started returns a service that installed and activated the configured
// version against a healthy fake origin.
func started(t *testing.T) *testService {
	t.Helper()
	ts := newTestService(t, newFakeOrigin())
	require.NoError(t, ts.Start(context.Background()))
	return ts
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}
