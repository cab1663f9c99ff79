package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/dgraph-io/ristretto"
)

// RAMTier is an in-memory read cache kept in front of leveldb. It holds
// encoded snapshots; leveldb stays the source of truth, so a tier is allowed
// to drop anything at any time.
type RAMTier interface {
	Get(key string) ([]byte, bool)
	Set(key string, b []byte)
	Reset()
	Close()
}

// NewRAMTier builds a tier by provider name: "ristretto" (default),
// "bigcache" or "none". A non-positive maxBytes disables the tier.
func NewRAMTier(provider string, maxBytes int64) (RAMTier, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "none" || maxBytes <= 0 {
		return nopTier{}, nil
	}
	switch provider {
	case "", "ristretto":
		return newRistrettoTier(maxBytes)
	case "bigcache":
		return newBigcacheTier(maxBytes)
	default:
		return nil, fmt.Errorf("unknown ram provider %q", provider)
	}
}

type nopTier struct{}

func (nopTier) Get(string) ([]byte, bool) { return nil, false }
func (nopTier) Set(string, []byte)        {}
func (nopTier) Reset()                    {}
func (nopTier) Close()                    {}

type ristrettoTier struct {
	c *ristretto.Cache
}

func newRistrettoTier(maxBytes int64) (*ristrettoTier, error) {
	// ~10 counters per expected item, assuming 4kb average responses.
	counters := maxBytes / 4096 * 10
	if counters < 1000 {
		counters = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ristrettoTier{c: c}, nil
}

func (t *ristrettoTier) Get(key string) ([]byte, bool) {
	v, ok := t.c.Get(key)
	if !ok {
		return nil, false
	}
	b, _ := v.([]byte)
	if b == nil {
		t.c.Del(key)
		return nil, false
	}
	return b, true
}

func (t *ristrettoTier) Set(key string, b []byte) {
	t.c.Set(key, b, int64(len(b)))
}

func (t *ristrettoTier) Reset() { t.c.Clear() }

func (t *ristrettoTier) Close() {
	t.c.Wait()
	t.c.Close()
}

type bigcacheTier struct {
	c *bigcache.BigCache
}

func newBigcacheTier(maxBytes int64) (*bigcacheTier, error) {
	conf := bigcache.DefaultConfig(10 * time.Minute)
	conf.CleanWindow = time.Minute
	conf.Verbose = false
	mb := int(maxBytes / (1024 * 1024))
	if mb < 1 {
		mb = 1
	}
	conf.HardMaxCacheSize = mb
	c, err := bigcache.New(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	return &bigcacheTier{c: c}, nil
}

func (t *bigcacheTier) Get(key string) ([]byte, bool) {
	b, err := t.c.Get(key)
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			_ = t.c.Delete(key)
		}
		return nil, false
	}
	return b, true
}

func (t *bigcacheTier) Set(key string, b []byte) { _ = t.c.Set(key, b) }

func (t *bigcacheTier) Reset() { _ = t.c.Reset() }

func (t *bigcacheTier) Close() { _ = t.c.Close() }
