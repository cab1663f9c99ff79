package pwa

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"sort"
	"strings"

	"pollutionx/internal/store"
)

// Request is an intercepted outbound request with its body already read, so
// it can be replayed against the network more than once.
type Request struct {
	Method string
	URL    string // path plus query, relative to the origin
	Header http.Header
	Body   []byte
}

func NewRequest(method, uri string) *Request {
	return &Request{Method: method, URL: uri, Header: make(http.Header)}
}

func requestFromHTTP(r *http.Request, maxBody int64) (*Request, error) {
	req := &Request{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Header: cloneHeader(r.Header),
	}
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			return nil, err
		}
		if int64(len(b)) > maxBody {
			return nil, errBodyTooLarge
		}
		req.Body = b
	}
	return req, nil
}

// Path is the URL without its query.
func (r *Request) Path() string {
	if i := strings.IndexByte(r.URL, '?'); i >= 0 {
		return r.URL[:i]
	}
	return r.URL
}

// Identity is the cache key: method and URL, plus the values of the vary
// headers that are present, ordered by header name.
func (r *Request) Identity(vary []string) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte(' ')
	b.WriteString(r.URL)
	if len(vary) == 0 {
		return b.String()
	}
	names := make([]string, 0, len(vary))
	for _, v := range vary {
		names = append(names, textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(v)))
	}
	sort.Strings(names)
	for _, name := range names {
		vals := r.Header.Values(name)
		if len(vals) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s: %s", name, strings.Join(vals, ","))
	}
	return b.String()
}

// IsDocument reports whether the request is a page navigation.
func (r *Request) IsDocument() bool {
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

// Fetcher performs a request against the network. A returned error means
// no response arrived at all; HTTP error statuses come back as snapshots.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (store.Snapshot, error)
}

type FetcherFunc func(ctx context.Context, req *Request) (store.Snapshot, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (store.Snapshot, error) {
	return f(ctx, req)
}

// Queue is the durable list of report submissions waiting for the network.
type Queue interface {
	Enqueue(ctx context.Context, payload []byte) (store.PendingReport, error)
	ListPending(ctx context.Context) ([]store.PendingReport, error)
	Remove(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
	Close() error
}
