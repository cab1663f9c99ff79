package pwa

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollutionx/internal/store"
)

func TestNetworkFirstStoresFreshResponse(t *testing.T) {
	ts := started(t)
	ctx := context.Background()
	ts.origin.set("/api/hotspots", http.StatusOK, `{"success":true,"data":[]}`)

	res, err := ts.Respond(ctx, NewRequest(http.MethodGet, "/api/hotspots"))
	require.NoError(t, err)
	assert.Equal(t, outcomeNetwork, res.Outcome)
	assert.Equal(t, `{"success":true,"data":[]}`, string(res.Snapshot.Body))

	cached, ok, err := ts.current().Get(ctx, "GET /api/hotspots")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.Snapshot.Body, cached.Body)
}

func TestNetworkFirstDoesNotCacheErrors(t *testing.T) {
	ts := started(t)
	ctx := context.Background()
	ts.origin.set("/api/hotspots", http.StatusInternalServerError, `{"success":false}`)

	res, err := ts.Respond(ctx, NewRequest(http.MethodGet, "/api/hotspots"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, res.Snapshot.Status)

	_, ok, err := ts.current().Get(ctx, "GET /api/hotspots")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	ts := started(t)
	ctx := context.Background()
	ts.origin.set("/api/hotspots?type=fire", http.StatusOK, `{"success":true,"count":3}`)

	_, err := ts.Respond(ctx, NewRequest(http.MethodGet, "/api/hotspots?type=fire"))
	require.NoError(t, err)

	ts.origin.down.Store(true)
	res, err := ts.Respond(ctx, NewRequest(http.MethodGet, "/api/hotspots?type=fire"))
	require.NoError(t, err)
	assert.Equal(t, outcomeCacheFallback, res.Outcome)
	assert.Equal(t, http.StatusOK, res.Snapshot.Status)
	assert.Equal(t, `{"success":true,"count":3}`, string(res.Snapshot.Body))
	assert.False(t, ts.conn.Online())
}

func TestNetworkFirstOfflineEnvelope(t *testing.T) {
	ts := started(t)
	ts.origin.down.Store(true)

	res, err := ts.Respond(context.Background(), NewRequest(http.MethodGet, "/api/stats"))
	require.NoError(t, err)
	assert.Equal(t, outcomeOffline, res.Outcome)
	assert.Equal(t, http.StatusServiceUnavailable, res.Snapshot.Status)
	assert.Equal(t, "application/json", res.Snapshot.Header.Get("Content-Type"))

	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal(res.Snapshot.Body, &env))
	assert.Equal(t, offlineEnvelope, env)
}

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	ts := started(t)
	before := ts.origin.callCount()

	res, err := ts.Respond(context.Background(), NewRequest(http.MethodGet, "/manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, outcomeHit, res.Outcome)
	assert.Equal(t, "body of /manifest.json", string(res.Snapshot.Body))
	assert.Equal(t, before, ts.origin.callCount())
}

func TestCacheFirstMissIsStored(t *testing.T) {
	ts := started(t)
	ctx := context.Background()
	ts.origin.set("/icons/icon-192x192.png", http.StatusOK, "png")

	res, err := ts.Respond(ctx, NewRequest(http.MethodGet, "/icons/icon-192x192.png"))
	require.NoError(t, err)
	assert.Equal(t, outcomeMiss, res.Outcome)

	res, err = ts.Respond(ctx, NewRequest(http.MethodGet, "/icons/icon-192x192.png"))
	require.NoError(t, err)
	assert.Equal(t, outcomeHit, res.Outcome)
	assert.Equal(t, 1, ts.origin.callsTo("GET /icons/icon-192x192.png"))
}

func TestCacheFirstDoesNotStoreNon200(t *testing.T) {
	ts := started(t)
	ctx := context.Background()

	res, err := ts.Respond(ctx, NewRequest(http.MethodGet, "/missing.js"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Snapshot.Status)

	_, err = ts.Respond(ctx, NewRequest(http.MethodGet, "/missing.js"))
	require.NoError(t, err)
	assert.Equal(t, 2, ts.origin.callsTo("GET /missing.js"))
}

func TestDocumentFallsBackToShell(t *testing.T) {
	ts := started(t)
	ts.origin.down.Store(true)

	req := NewRequest(http.MethodGet, "/map")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	res, err := ts.Respond(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, outcomeShell, res.Outcome)
	assert.Equal(t, "body of /", string(res.Snapshot.Body))
}

func TestNonDocumentMissWithoutNetwork(t *testing.T) {
	ts := started(t)
	ts.origin.down.Store(true)

	_, err := ts.Respond(context.Background(), NewRequest(http.MethodGet, "/_next/static/chunks/main.js"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoResponse))
}

func TestRespondBeforeActivation(t *testing.T) {
	ts := newTestService(t, newFakeOrigin())
	ts.origin.down.Store(true)

	res, err := ts.Respond(context.Background(), NewRequest(http.MethodGet, "/api/hotspots"))
	require.NoError(t, err)
	assert.Equal(t, outcomeOffline, res.Outcome)

	_, err = ts.Respond(context.Background(), NewRequest(http.MethodGet, "/manifest.json"))
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestVaryHeadersSplitEntries(t *testing.T) {
	cfg := testConfig(t, "cache:\n  varyHeaders: [Accept-Language]\n")
	ts := newTestServiceWithConfig(t, cfg, newFakeOrigin())
	require.NoError(t, ts.Start(context.Background()))
	ctx := context.Background()
	ts.origin.set("/api/stats", http.StatusOK, "stats")

	en := NewRequest(http.MethodGet, "/api/stats")
	en.Header.Set("Accept-Language", "en")
	_, err := ts.Respond(ctx, en)
	require.NoError(t, err)

	ts.origin.down.Store(true)
	de := NewRequest(http.MethodGet, "/api/stats")
	de.Header.Set("Accept-Language", "de")
	res, err := ts.Respond(ctx, de)
	require.NoError(t, err)
	assert.Equal(t, outcomeOffline, res.Outcome)

	res, err = ts.Respond(ctx, en)
	require.NoError(t, err)
	assert.Equal(t, outcomeCacheFallback, res.Outcome)
}

func TestPostPassesThroughUncached(t *testing.T) {
	ts := started(t)
	ctx := context.Background()
	ts.origin.set("/api/reports", http.StatusCreated, `{"success":true}`)

	req := NewRequest(http.MethodPost, "/api/reports")
	req.Body = []byte(`{"locationName":"Delhi","description":"smog"}`)
	res, err := ts.Respond(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, outcomeNetwork, res.Outcome)
	assert.Equal(t, http.StatusCreated, res.Snapshot.Status)

	_, ok, err := ts.current().Get(ctx, "POST /api/reports")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := ts.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOfflineReportIsQueued(t *testing.T) {
	ts := started(t)
	ctx := context.Background()
	ts.origin.down.Store(true)

	req := NewRequest(http.MethodPost, "/api/reports")
	req.Body = []byte(`{"locationName":"Delhi","description":"thick smog near the ring road"}`)
	res, err := ts.Respond(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, outcomeQueued, res.Outcome)
	assert.Equal(t, http.StatusAccepted, res.Snapshot.Status)

	var env QueuedEnvelope
	require.NoError(t, json.Unmarshal(res.Snapshot.Body, &env))
	assert.True(t, env.Queued)
	assert.True(t, env.Offline)
	assert.NotEmpty(t, env.ID)

	pending, err := ts.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, env.ID, pending[0].ID)
	assert.Equal(t, req.Body, pending[0].Payload)
	assert.True(t, ts.sync.registered(ts.cfg.Sync.Tag))
}

func TestOfflineInvalidReportIsRejected(t *testing.T) {
	ts := started(t)
	ctx := context.Background()
	ts.origin.down.Store(true)

	req := NewRequest(http.MethodPost, "/api/reports")
	req.Body = []byte(`{"locationName":"   ","description":"smog"}`)
	res, err := ts.Respond(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, outcomeRejected, res.Outcome)
	assert.Equal(t, http.StatusBadRequest, res.Snapshot.Status)

	var env Envelope[any]
	require.NoError(t, json.Unmarshal(res.Snapshot.Body, &env))
	assert.Equal(t, "Validation failed", env.Error)
	assert.Equal(t, []string{"locationName failed required"}, env.Details)

	n, err := ts.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, ts.sync.registered(ts.cfg.Sync.Tag))
}

func TestOfflineHotspotPost(t *testing.T) {
	ts := started(t)
	ts.origin.down.Store(true)

	bad := NewRequest(http.MethodPost, "/api/hotspots")
	bad.Body = []byte(`{"name":"Okhla","type":"volcano"}`)
	res, err := ts.Respond(context.Background(), bad)
	require.NoError(t, err)
	assert.Equal(t, outcomeRejected, res.Outcome)

	good := NewRequest(http.MethodPost, "/api/hotspots")
	good.Body = []byte(`{"name":"Okhla","lat":28.5,"lng":77.2,"intensity":0.8,"aqi":310,
		"type":"industrial","source":"landfill fire","recommendation":"wear a mask"}`)
	res, err = ts.Respond(context.Background(), good)
	require.NoError(t, err)
	assert.Equal(t, outcomeOffline, res.Outcome)
	assert.Equal(t, http.StatusServiceUnavailable, res.Snapshot.Status)
}

func TestPutIntoSupersededGenerationIsIgnored(t *testing.T) {
	ts := started(t)
	ctx := context.Background()
	old := ts.current()

	_, err := ts.cache.DeleteGeneration(ctx, old.Name())
	require.NoError(t, err)

	ts.put(ctx, old, "GET /late", store.Snapshot{Status: http.StatusOK, Body: []byte("late")})
	names, err := ts.cache.ListGenerations(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestSetCookieIsNotShared(t *testing.T) {
	ts := started(t)
	ctx := context.Background()
	ts.origin.set("/logo.png", http.StatusOK, "png")
	ts.origin.addHeader("/logo.png", "Set-Cookie", "session=alice-secret; HttpOnly")

	res, err := ts.Respond(ctx, NewRequest(http.MethodGet, "/logo.png"))
	require.NoError(t, err)
	assert.Equal(t, outcomeMiss, res.Outcome)
	assert.Equal(t, "session=alice-secret; HttpOnly", res.Snapshot.Header.Get("Set-Cookie"))

	res, err = ts.Respond(ctx, NewRequest(http.MethodGet, "/logo.png"))
	require.NoError(t, err)
	assert.Equal(t, outcomeHit, res.Outcome)
	assert.Empty(t, res.Snapshot.Header.Values("Set-Cookie"))
	assert.Equal(t, "text/plain", res.Snapshot.Header.Get("Content-Type"))

	w := serve(t, ts.Handler(), http.MethodGet, "/logo.png", "")
	for _, c := range w.Result().Cookies() {
		assert.NotEqual(t, "session", c.Name)
	}
}

func TestSetCookieIsNotPrecached(t *testing.T) {
	origin := newFakeOrigin()
	origin.addHeader("/", "Set-Cookie", "session=bob-secret")
	ts := newTestService(t, origin)
	require.NoError(t, ts.Start(context.Background()))

	snap, ok, err := ts.current().Get(context.Background(), "GET /")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, snap.Header.Values("Set-Cookie"))
}

func TestNetworkFirstKeepsSetCookieForTheCaller(t *testing.T) {
	ts := started(t)
	ctx := context.Background()
	ts.origin.set("/api/me", http.StatusOK, `{"success":true}`)
	ts.origin.addHeader("/api/me", "Set-Cookie", "session=carol-secret")

	res, err := ts.Respond(ctx, NewRequest(http.MethodGet, "/api/me"))
	require.NoError(t, err)
	assert.Equal(t, "session=carol-secret", res.Snapshot.Header.Get("Set-Cookie"))

	ts.origin.down.Store(true)
	res, err = ts.Respond(ctx, NewRequest(http.MethodGet, "/api/me"))
	require.NoError(t, err)
	assert.Equal(t, outcomeCacheFallback, res.Outcome)
	assert.Empty(t, res.Snapshot.Header.Values("Set-Cookie"))
}
