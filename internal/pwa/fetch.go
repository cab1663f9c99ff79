package pwa

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"pollutionx/internal/store"
)

type originFetcher struct {
	origin string
	client *http.Client
}

func newOriginFetcher(origin string) *originFetcher {
	return &originFetcher{
		origin: strings.TrimRight(origin, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *originFetcher) Fetch(ctx context.Context, r *Request) (store.Snapshot, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, f.origin+r.URL, body)
	if err != nil {
		return store.Snapshot{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return store.Snapshot{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return store.Snapshot{}, err
	}

	snap := store.Snapshot{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
	}
	snap.Header.Del("Content-Length")
	return snap, nil
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Host":                {},
	"Keep-Alive":          {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
}

// privateHeaders belong to the one client a response was fetched for and
// are never stored in the shared cache.
var privateHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// shareable returns a copy of snap fit for the shared cache.
func shareable(snap store.Snapshot) store.Snapshot {
	snap = snap.Clone()
	for _, h := range privateHeaders {
		snap.Header.Del(h)
	}
	for h := range hopHeaders {
		snap.Header.Del(h)
	}
	return snap
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
