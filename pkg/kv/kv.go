// Package kv implements a thin typed wrapper over the shared key-value
// store the registry is built on. It mirrors the original craftengine
// middleware.redis.Redis wrapper: a pooled client exposing just the
// primitives the registry needs, with one reconnect-and-retry on a
// transient connection error before surfacing it to the caller.
package kv

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/craftengine/kernel/pkg/kerrors"
)

// Storer is the set of primitives the registry needs from a backing store.
// *Store is the production implementation; tests substitute a fake so the
// registry's CAS/lock state machine can be exercised without a live Redis.
type Storer interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) (bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HMGet(ctx context.Context, key string, fields ...string) ([]any, error)
	HMSet(ctx context.Context, key string, fields map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HKeys(ctx context.Context, key string) ([]string, error)
	Pipeline() Pipeliner
}

// Pipeliner batches a sequence of HDel-style deletes into a single round
// trip, mirroring the original's rd.pipeline()/p.hdel()/p.execute() use in
// meta_rem and the hash rem handler.
type Pipeliner interface {
	HDel(key string, fields ...string)
	Exec(ctx context.Context) error
}

// Store is a pooled connection to a single redis-compatible backing store.
// The kernel opens one Store, for the registry scope it is configured with;
// it does not open a second Store for a global scope (spec §4.9,
// "Namespacing").
type Store struct {
	rdb *redis.Client
}

// Config describes how to reach a backing store.
type Config struct {
	Host     string
	Port     int
	DB       int
	Password string
}

// Open connects to the backing store described by c. The connection pool is
// established lazily by go-redis; Open issues a PING to fail fast on
// misconfiguration, mirroring the original Redis.__init__'s eager info()/AUTH
// check.
func Open(ctx context.Context, c Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		DB:       c.DB,
		Password: c.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, kerrors.KV(err, "connect to %s", rdb.Options().Addr)
	}
	return &Store{rdb: rdb}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

// retry runs fn once, and again after a fresh PING if fn's error looks like
// a transient connection problem. This is the direct analogue of the
// original Redis.reqsafe decorator's "reinit and retry once" behavior.
func (s *Store) retry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !isConnErr(err) {
		return wrapKV(err)
	}
	if perr := s.rdb.Ping(ctx).Err(); perr != nil {
		return kerrors.KV(err, "reconnect failed: %v", perr)
	}
	return wrapKV(fn())
}

func isConnErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed)
}

func wrapKV(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return kerrors.KV(err, "backing store request failed")
}

// Get returns the string value of key, or ("", false, nil) if it doesn't
// exist.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.retry(ctx, func() error {
		var e error
		v, e = s.rdb.Get(ctx, key).Result()
		return e
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	return v, err == nil, err
}

// Set stores the string value of key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.retry(ctx, func() error {
		return s.rdb.Set(ctx, key, value, 0).Err()
	})
}

// Delete removes key, returning whether it existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.retry(ctx, func() error {
		var e error
		n, e = s.rdb.Del(ctx, key).Result()
		return e
	})
	return n > 0, err
}

// HGetAll returns the whole hash at key.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var m map[string]string
	err := s.retry(ctx, func() error {
		var e error
		m, e = s.rdb.HGetAll(ctx, key).Result()
		return e
	})
	return m, err
}

// HMGet returns the values for fields in the hash at key, in order. Missing
// fields come back as nil.
func (s *Store) HMGet(ctx context.Context, key string, fields ...string) ([]any, error) {
	var v []any
	err := s.retry(ctx, func() error {
		var e error
		v, e = s.rdb.HMGet(ctx, key, fields...).Result()
		return e
	})
	return v, err
}

// HMSet overwrites the listed fields in the hash at key.
func (s *Store) HMSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make(map[string]any, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	return s.retry(ctx, func() error {
		return s.rdb.HSet(ctx, key, args).Err()
	})
}

// HDel deletes the listed fields from the hash at key.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.retry(ctx, func() error {
		return s.rdb.HDel(ctx, key, fields...).Err()
	})
}

// HIncrBy atomically increments field by delta, returning the new value.
// The registry uses this for its optimistic-concurrency meta.id counter.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	var v int64
	err := s.retry(ctx, func() error {
		var e error
		v, e = s.rdb.HIncrBy(ctx, key, field, delta).Result()
		return e
	})
	return v, err
}

// HKeys returns all field names in the hash at key.
func (s *Store) HKeys(ctx context.Context, key string) ([]string, error) {
	var v []string
	err := s.retry(ctx, func() error {
		var e error
		v, e = s.rdb.HKeys(ctx, key).Result()
		return e
	})
	return v, err
}

// redisPipeliner is the Pipeliner implementation backed by a live go-redis
// pipeline.
type redisPipeliner struct {
	pipe redis.Pipeliner
}

// Pipeline starts a batch of commands.
func (s *Store) Pipeline() Pipeliner {
	return &redisPipeliner{pipe: s.rdb.Pipeline()}
}

func (p *redisPipeliner) HDel(key string, fields ...string) {
	p.pipe.HDel(context.Background(), key, fields...)
}

// Exec runs all queued commands in one round trip.
func (p *redisPipeliner) Exec(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return kerrors.KV(err, "pipeline exec")
	}
	return nil
}

var _ Storer = (*Store)(nil)
