package store

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Keyspace:
//
//	g:<name>                   -> generation nonce
//	e:<nonce>\x00<identity>    -> encoded Snapshot
//
// Entries hang off the nonce rather than the name so a generation that is
// deleted and later re-created never sees its predecessor's entries.
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
)

// OpenDB opens (or creates) the leveldb database at path.
func OpenDB(path string) (*leveldb.DB, error) {
	return leveldb.OpenFile(path, nil)
}

// OpenMemDB opens a throwaway in-memory database.
func OpenMemDB() (*leveldb.DB, error) {
	return leveldb.Open(storage.NewMemStorage(), nil)
}

// Options configure a CacheStore. Zero values pick msgpack, no RAM tier and
// a no-op logger.
type Options struct {
	Codec  Codec[Snapshot]
	RAM    RAMTier
	Logger *zap.Logger
}

// CacheStore keeps named, versioned generations of cached responses in
// leveldb. All state lives in the database; a CacheStore can be dropped and
// rebuilt over the same DB at any time.
type CacheStore struct {
	db    *leveldb.DB
	codec Codec[Snapshot]
	ram   RAMTier
	log   *zap.Logger

	// serializes generation create/delete; entry reads and writes don't take it
	mu sync.Mutex
}

func NewCacheStore(db *leveldb.DB, opts Options) *CacheStore {
	s := &CacheStore{db: db, codec: opts.Codec, ram: opts.RAM, log: opts.Logger}
	if s.codec == nil {
		s.codec = Msgpack[Snapshot]{}
	}
	if s.ram == nil {
		s.ram = nopTier{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// Close releases the RAM tier. The DB belongs to the caller.
func (s *CacheStore) Close() {
	s.ram.Close()
}

// Generation is a handle on one named generation.
type Generation struct {
	s     *CacheStore
	name  string
	nonce string
}

func (g *Generation) Name() string { return g.name }

func genKey(name string) []byte { return []byte(genPrefix + name) }

func entryKeyPrefix(nonce string) []byte { return []byte(entryPrefix + nonce + "\x00") }

func (g *Generation) entryKey(identity string) []byte {
	return append(entryKeyPrefix(g.nonce), identity...)
}

func (g *Generation) ramKey(identity string) string { return g.nonce + "\x00" + identity }

func (s *CacheStore) nonce(name string) (string, error) {
	b, err := s.db.Get(genKey(name), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return string(b), nil
}

// Open returns the generation called name, creating it empty if needed.
func (s *CacheStore) Open(_ context.Context, name string) (*Generation, error) {
	if name == "" {
		return nil, errors.New("store: empty generation name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.nonce(name)
	if err == nil {
		return &Generation{s: s, name: name, nonce: n}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	n = uuid.NewString()
	if err := s.db.Put(genKey(name), []byte(n), nil); err != nil {
		return nil, err
	}
	s.log.Debug("generation created", zap.String("generation", name))
	return &Generation{s: s, name: name, nonce: n}, nil
}

// Lookup returns an existing generation without creating it.
func (s *CacheStore) Lookup(_ context.Context, name string) (*Generation, error) {
	n, err := s.nonce(name)
	if err != nil {
		return nil, err
	}
	return &Generation{s: s, name: name, nonce: n}, nil
}

// Populate writes entries into generation name in a single batch, creating
// the generation in that same batch if it does not exist yet. Either all of
// it lands or none of it does.
func (s *CacheStore) Populate(_ context.Context, name string, entries map[string]Snapshot) (*Generation, error) {
	if name == "" {
		return nil, errors.New("store: empty generation name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	n, err := s.nonce(name)
	switch {
	case errors.Is(err, ErrNotFound):
		n = uuid.NewString()
		batch.Put(genKey(name), []byte(n))
	case err != nil:
		return nil, err
	}
	g := &Generation{s: s, name: name, nonce: n}

	now := time.Now().Unix()
	encoded := make(map[string][]byte, len(entries))
	for identity, snap := range entries {
		if snap.StoredAt == 0 {
			snap.StoredAt = now
		}
		b, err := s.codec.Encode(snap)
		if err != nil {
			return nil, err
		}
		batch.Put(g.entryKey(identity), b)
		encoded[identity] = b
	}
	if err := s.db.Write(batch, nil); err != nil {
		return nil, err
	}
	for identity, b := range encoded {
		s.ram.Set(g.ramKey(identity), b)
	}
	return g, nil
}

// ListGenerations returns all generation names in lexical order.
func (s *CacheStore) ListGenerations(_ context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(genPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// DeleteGeneration removes a generation and all of its entries in one batch.
// It reports whether the generation existed.
func (s *CacheStore) DeleteGeneration(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.nonce(name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(genKey(name))
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(n)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	s.ram.Reset()
	s.log.Debug("generation deleted", zap.String("generation", name), zap.Int("entries", batch.Len()-1))
	return true, nil
}

// PruneOrphans deletes entries that belong to no live generation. These can
// only appear when a Put races the deletion of its generation.
func (s *CacheStore) PruneOrphans(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := map[string]struct{}{}
	git := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	for git.Next() {
		live[string(git.Value())] = struct{}{}
	}
	git.Release()
	if err := git.Error(); err != nil {
		return 0, err
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	for it.Next() {
		rest := bytes.TrimPrefix(it.Key(), []byte(entryPrefix))
		i := bytes.IndexByte(rest, 0)
		if i < 0 {
			batch.Delete(append([]byte(nil), it.Key()...))
			continue
		}
		if _, ok := live[string(rest[:i])]; !ok {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	return batch.Len(), s.db.Write(batch, nil)
}

// Get returns the snapshot stored under identity. Undecodable entries are
// dropped and reported as a miss.
func (g *Generation) Get(_ context.Context, identity string) (Snapshot, bool, error) {
	rk := g.ramKey(identity)
	if b, ok := g.s.ram.Get(rk); ok {
		if snap, err := g.s.codec.Decode(b); err == nil {
			return snap, true, nil
		}
	}

	key := g.entryKey(identity)
	b, err := g.s.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	snap, err := g.s.codec.Decode(b)
	if err != nil {
		g.s.log.Warn("dropping undecodable cache entry",
			zap.String("generation", g.name), zap.String("identity", identity), zap.Error(err))
		_ = g.s.db.Delete(key, nil)
		return Snapshot{}, false, nil
	}
	g.s.ram.Set(rk, b)
	return snap, true, nil
}

// Put stores snap under identity, replacing what was there. It fails with
// ErrGenerationGone when the generation has been deleted since the handle
// was opened.
func (g *Generation) Put(_ context.Context, identity string, snap Snapshot) error {
	n, err := g.s.nonce(g.name)
	if errors.Is(err, ErrNotFound) || (err == nil && n != g.nonce) {
		return ErrGenerationGone
	}
	if err != nil {
		return err
	}
	if snap.StoredAt == 0 {
		snap.StoredAt = time.Now().Unix()
	}
	b, err := g.s.codec.Encode(snap)
	if err != nil {
		return err
	}
	if err := g.s.db.Put(g.entryKey(identity), b, nil); err != nil {
		return err
	}
	g.s.ram.Set(g.ramKey(identity), b)
	return nil
}

// Len counts the entries of the generation.
func (g *Generation) Len(_ context.Context) (int, error) {
	it := g.s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(g.nonce)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}
