package store

import (
	"errors"
	"net/http"
	"time"
)

var (
	// ErrGenerationGone is returned when writing through a handle whose
	// generation was deleted or re-created after the handle was opened.
	ErrGenerationGone = errors.New("store: generation no longer exists")

	// ErrNotFound is returned for lookups of unknown generations or reports.
	ErrNotFound = errors.New("store: not found")
)

// Snapshot is a fully-read HTTP response. The body is a plain byte slice, so a
// snapshot can be handed out any number of times, but callers that keep one
// copy and give away another must Clone first: Header and Body are shared
// otherwise.
type Snapshot struct {
	Status   int         `msgpack:"status"`
	Header   http.Header `msgpack:"header"`
	Body     []byte      `msgpack:"body"`
	StoredAt int64       `msgpack:"storedAt"` // unix seconds
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Status:   s.Status,
		Header:   make(http.Header, len(s.Header)),
		StoredAt: s.StoredAt,
	}
	for k, vs := range s.Header {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out.Header[k] = vv
	}
	if s.Body != nil {
		out.Body = make([]byte, len(s.Body))
		copy(out.Body, s.Body)
	}
	return out
}

// PendingReport is a report submission waiting for the network to come back.
type PendingReport struct {
	ID         string    `msgpack:"id"`
	Payload    []byte    `msgpack:"payload"` // raw JSON, opaque to the queue
	EnqueuedAt time.Time `msgpack:"enqueuedAt"`
}
