package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Keyspace:
//
//	q:<enqueuedAt nanos, 20 digits>:<id>  -> encoded PendingReport
//	qi:<id>                               -> the q: key above
//	qdead:<enqueuedAt nanos>:<id>         -> bytes the codec could not decode
const (
	queuePrefix      = "q:"
	queueIndexPrefix = "qi:"
	queueDeadPrefix  = "qdead:"
)

// LevelQueue is the offline report queue kept in the same leveldb database as
// the response cache. Every mutation is one batch.
type LevelQueue struct {
	db    *leveldb.DB
	codec Codec[PendingReport]
	log   *zap.Logger

	mu     sync.Mutex
	lastTS int64
}

func NewLevelQueue(db *leveldb.DB, codec Codec[PendingReport], log *zap.Logger) *LevelQueue {
	if codec == nil {
		codec = Msgpack[PendingReport]{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LevelQueue{db: db, codec: codec, log: log}
}

// nextTime returns a timestamp strictly greater than any handed out before by
// this queue, so keys sort in enqueue order even within one clock tick.
func (q *LevelQueue) nextTime() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	ts := now.UnixNano()
	if ts <= q.lastTS {
		ts = q.lastTS + 1
		now = time.Unix(0, ts).UTC()
	}
	q.lastTS = ts
	return now
}

func (q *LevelQueue) Enqueue(_ context.Context, payload []byte) (PendingReport, error) {
	rep := PendingReport{
		ID:         uuid.NewString(),
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: q.nextTime(),
	}
	b, err := q.codec.Encode(rep)
	if err != nil {
		return PendingReport{}, err
	}
	key := fmt.Sprintf("%s%020d:%s", queuePrefix, rep.EnqueuedAt.UnixNano(), rep.ID)

	batch := new(leveldb.Batch)
	batch.Put([]byte(key), b)
	batch.Put([]byte(queueIndexPrefix+rep.ID), []byte(key))
	if err := q.db.Write(batch, nil); err != nil {
		return PendingReport{}, err
	}
	return rep, nil
}

// ListPending returns the queued reports in enqueue order. Entries that no
// longer decode are moved to the qdead: keyspace and left out.
func (q *LevelQueue) ListPending(_ context.Context) ([]PendingReport, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(queuePrefix)), nil)

	var out []PendingReport
	dead := new(leveldb.Batch)
	for it.Next() {
		rep, err := q.codec.Decode(it.Value())
		if err != nil {
			q.shelve(dead, it.Key(), it.Value(), err)
			continue
		}
		out = append(out, rep)
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return nil, err
	}

	if dead.Len() > 0 {
		if err := q.db.Write(dead, nil); err != nil {
			q.log.Warn("shelve undecodable reports", zap.Error(err))
		}
	}
	return out, nil
}

func (q *LevelQueue) shelve(b *leveldb.Batch, key, val []byte, err error) {
	rest := bytes.TrimPrefix(key, []byte(queuePrefix))
	id := rest[bytes.LastIndexByte(rest, ':')+1:]
	q.log.Warn("shelving undecodable offline report", zap.ByteString("id", id), zap.Error(err))

	b.Put(append([]byte(queueDeadPrefix), rest...), val)
	b.Delete(key)
	b.Delete(append([]byte(queueIndexPrefix), id...))
}

// DeadLen counts shelved entries.
func (q *LevelQueue) DeadLen(_ context.Context) (int, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(queueDeadPrefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (q *LevelQueue) Remove(_ context.Context, id string) error {
	ik := []byte(queueIndexPrefix + id)
	key, err := q.db.Get(ik, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(key)
	batch.Delete(ik)
	return q.db.Write(batch, nil)
}

func (q *LevelQueue) Len(_ context.Context) (int, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(queueIndexPrefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// Close is a no-op; the DB belongs to the caller.
func (q *LevelQueue) Close() error { return nil }

// RedisQueue keeps the offline report queue in redis: a list of ids in
// enqueue order plus a hash of id -> encoded report.
type RedisQueue struct {
	c       redis.UniversalClient
	codec   Codec[PendingReport]
	log     *zap.Logger
	listKey string
	dataKey string
	deadKey string
}

// NewRedisQueue builds a queue under the key prefix (e.g. "pollutionx:reports").
func NewRedisQueue(c redis.UniversalClient, prefix string, codec Codec[PendingReport], log *zap.Logger) *RedisQueue {
	if codec == nil {
		codec = Msgpack[PendingReport]{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if prefix == "" {
		prefix = "pollutionx:reports"
	}
	return &RedisQueue{
		c:       c,
		codec:   codec,
		log:     log,
		listKey: prefix + ":order",
		dataKey: prefix + ":data",
		deadKey: prefix + ":dead",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) (PendingReport, error) {
	rep := PendingReport{
		ID:         uuid.NewString(),
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: time.Now().UTC(),
	}
	b, err := q.codec.Encode(rep)
	if err != nil {
		return PendingReport{}, err
	}
	_, err = q.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.dataKey, rep.ID, b)
		p.RPush(ctx, q.listKey, rep.ID)
		return nil
	})
	if err != nil {
		return PendingReport{}, err
	}
	return rep, nil
}

func (q *RedisQueue) ListPending(ctx context.Context) ([]PendingReport, error) {
	ids, err := q.c.LRange(ctx, q.listKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := q.c.HMGet(ctx, q.dataKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]PendingReport, 0, len(ids))
	dead := map[string]string{}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// id without data: half-removed entry, skip it
			continue
		}
		rep, err := q.codec.Decode([]byte(s))
		if err != nil {
			q.log.Warn("shelving undecodable offline report", zap.String("id", ids[i]), zap.Error(err))
			dead[ids[i]] = s
			continue
		}
		out = append(out, rep)
	}
	if len(dead) > 0 {
		if err := q.shelve(ctx, dead); err != nil {
			q.log.Warn("shelve undecodable reports", zap.Error(err))
		}
	}
	return out, nil
}

func (q *RedisQueue) shelve(ctx context.Context, dead map[string]string) error {
	_, err := q.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for id, raw := range dead {
			p.HSet(ctx, q.deadKey, id, raw)
			p.LRem(ctx, q.listKey, 0, id)
			p.HDel(ctx, q.dataKey, id)
		}
		return nil
	})
	return err
}

// DeadLen counts shelved entries.
func (q *RedisQueue) DeadLen(ctx context.Context) (int, error) {
	n, err := q.c.HLen(ctx, q.deadKey).Result()
	return int(n), err
}

func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := q.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.listKey, 0, id)
		del = p.HDel(ctx, q.dataKey, id)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.c.HLen(ctx, q.dataKey).Result()
	return int(n), err
}

func (q *RedisQueue) Close() error { return q.c.Close() }
