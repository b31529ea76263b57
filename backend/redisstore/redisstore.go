// Package redisstore implements backend.Store on top of Redis.
//
// Values are encoded with msgpack and stored as plain string keys. The caller
// owns the redis.Client lifecycle.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/IvanBrykalov/lanecache/backend"
)

// Options configures New. Zero values are safe.
type Options[K comparable] struct {
	// Prefix is prepended to every key as "<prefix>:<key>".
	Prefix string
	// QueryTimeout bounds each round trip; <= 0 means 5s.
	QueryTimeout time.Duration
	// Expiry is applied to every written key; 0 keeps keys forever.
	Expiry time.Duration
	// KeyString renders a key; nil uses fmt.Sprint.
	KeyString func(K) string
}

// Store is a Redis-backed backend.Store.
type Store[K comparable, V any] struct {
	client *redis.Client
	opt    Options[K]
}

var (
	_ backend.Store[string, int]       = (*Store[string, int])(nil)
	_ backend.BatchWriter[string, int] = (*Store[string, int])(nil)
)

// New returns a Store using client.
func New[K comparable, V any](client *redis.Client, opt Options[K]) *Store[K, V] {
	if opt.QueryTimeout <= 0 {
		opt.QueryTimeout = 5 * time.Second
	}
	if opt.KeyString == nil {
		opt.KeyString = func(k K) string { return fmt.Sprint(k) }
	}
	return &Store[K, V]{client: client, opt: opt}
}

func (s *Store[K, V]) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.opt.QueryTimeout)
}

func (s *Store[K, V]) key(k K) string {
	if s.opt.Prefix == "" {
		return s.opt.KeyString(k)
	}
	return s.opt.Prefix + ":" + s.opt.KeyString(k)
}

// Read fetches and decodes k. A missing key is backend.ErrNotFound.
func (s *Store[K, V]) Read(ctx context.Context, k K) (V, error) {
	var v V
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	data, err := s.client.Get(qctx, s.key(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, backend.ErrNotFound
	}
	if err != nil {
		return v, errors.Wrapf(err, "redis get %v", k)
	}
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return v, errors.Wrapf(err, "decode %v", k)
	}
	return v, nil
}

// Write encodes and stores k→v.
func (s *Store[K, V]) Write(ctx context.Context, k K, v V) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %v", k)
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	if err := s.client.Set(qctx, s.key(k), data, s.opt.Expiry).Err(); err != nil {
		return errors.Wrapf(err, "redis set %v", k)
	}
	return nil
}

// WriteBatch stores recs in a single pipelined round trip.
func (s *Store[K, V]) WriteBatch(ctx context.Context, recs []backend.Record[K, V]) error {
	if len(recs) == 0 {
		return nil
	}
	encoded := make([][]byte, len(recs))
	for i, r := range recs {
		data, err := msgpack.Marshal(r.Value)
		if err != nil {
			return errors.Wrapf(err, "encode %v", r.Key)
		}
		encoded[i] = data
	}

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	for i, r := range recs {
		pipe.Set(qctx, s.key(r.Key), encoded[i], s.opt.Expiry)
	}
	if _, err := pipe.Exec(qctx); err != nil {
		return errors.Wrapf(err, "redis pipeline of %d", len(recs))
	}
	return nil
}

// Delete removes k. It is not part of backend.Store and exists for callers
// that manage the keyspace directly.
func (s *Store[K, V]) Delete(ctx context.Context, k K) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := s.client.Del(qctx, s.key(k)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redis del %v", k)
	}
	return n > 0, nil
}
