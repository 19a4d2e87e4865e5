package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftengine/kernel/pkg/kerrors"
	"github.com/craftengine/kernel/pkg/kv"
)

// memStore is an in-process kv.Storer backed by plain maps, standing in for
// a live Redis so the CAS/lock state machine can be exercised without one.
type memStore struct {
	strs   map[string]string
	hashes map[string]map[string]string
}

func newMemStore() *memStore {
	return &memStore{strs: map[string]string{}, hashes: map[string]map[string]string{}}
}

func (s *memStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := s.strs[key]
	return v, ok, nil
}

func (s *memStore) Set(ctx context.Context, key, value string) error {
	s.strs[key] = value
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) (bool, error) {
	_, ok := s.strs[key]
	delete(s.strs, key)
	return ok, nil
}

func (s *memStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	h := s.hashes[key]
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) HMGet(ctx context.Context, key string, fields ...string) ([]any, error) {
	h := s.hashes[key]
	out := make([]any, len(fields))
	for i, f := range fields {
		if v, ok := h[f]; ok {
			out[i] = v
		}
	}
	return out, nil
}

func (s *memStore) HMSet(ctx context.Context, key string, fields map[string]string) error {
	h, ok := s.hashes[key]
	if !ok {
		h = map[string]string{}
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *memStore) HDel(ctx context.Context, key string, fields ...string) error {
	h := s.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (s *memStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	h, ok := s.hashes[key]
	if !ok {
		h = map[string]string{}
		s.hashes[key] = h
	}
	var cur int64
	if v, ok := h[field]; ok {
		for _, c := range v {
			cur = cur*10 + int64(c-'0')
		}
	}
	cur += delta
	h[field] = itoa(cur)
	return cur, nil
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *memStore) HKeys(ctx context.Context, key string) ([]string, error) {
	h := s.hashes[key]
	out := make([]string, 0, len(h))
	for k := range h {
		out = append(out, k)
	}
	return out, nil
}

// memPipeliner applies its queued HDels immediately against the owning
// memStore; ordering/atomicity doesn't matter for these single-goroutine
// tests.
type memPipeliner struct {
	s   *memStore
	ops []func()
}

func (s *memStore) Pipeline() kv.Pipeliner {
	return &memPipeliner{s: s}
}

func (p *memPipeliner) HDel(key string, fields ...string) {
	p.ops = append(p.ops, func() { p.s.HDel(context.Background(), key, fields...) })
}

func (p *memPipeliner) Exec(ctx context.Context) error {
	for _, op := range p.ops {
		op()
	}
	return nil
}

var _ kv.Storer = (*memStore)(nil)

func newTestRegistry() *Registry {
	return New(newMemStore(), "", nil)
}

// racingStore is a memStore whose next positive meta.id increment, once
// armed, is preceded by one extra increment, as if a concurrent writer had
// won the race in between.
type racingStore struct {
	*memStore
	armed bool
}

func (s *racingStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	if s.armed && field == "id" && delta > 0 {
		s.armed = false
		s.memStore.HIncrBy(ctx, key, field, 1)
	}
	return s.memStore.HIncrBy(ctx, key, field, delta)
}

// TestCreateGetSetRemoveHash exercises the "S5 Registry create/get" scenario
// verbatim: create a hash, set one field, get two (one present, one absent),
// and check meta.id has advanced by exactly 3 (create's restore, set's lock,
// get's lock).
func TestCreateGetSetRemoveHash(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	meta, err := r.Create(ctx, "k", TypeHash, Handler{Kind: HandlerNone}, "function(op,k,d) return true end")
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.ID)
	assert.Equal(t, LockRW, meta.Lock)

	require.NoError(t, r.Set(ctx, "k", Query{"keys": map[string]any{"a": 1}}))

	got, err := r.Get(ctx, "k", Query{"keys": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1), "b": nil}, got)

	final, err := r.readMeta(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(3), final.ID)
	assert.Equal(t, LockRW, final.Lock)
}

// TestCreateExistingKeyFails covers invariant 4: a second Create on an
// existing key fails with a consistency error and leaves the original
// record untouched.
func TestCreateExistingKeyFails(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	_, err := r.Create(ctx, "k", TypeStr, Handler{Kind: HandlerAllow}, "")
	require.NoError(t, err)

	_, err = r.Create(ctx, "k", TypeStr, Handler{Kind: HandlerAllow}, "")
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.KindConsistency))
}

// TestCasLockRejectsWrongStartState covers invariant 2: a lock transition
// only succeeds from the expected starting lock mode.
func TestCasLockRejectsWrongStartState(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	_, err := r.Create(ctx, "k", TypeStr, Handler{Kind: HandlerAllow}, "")
	require.NoError(t, err)

	_, err = r.casLock(ctx, "k", LockRO, LockNA)
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.KindLock))

	meta, err := r.readMeta(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, LockRW, meta.Lock)
}

// TestCasLockLostRaceRestoresID covers invariant 1: if meta.id has moved on
// from under a caller (simulating a concurrent writer winning the race),
// casLock fails with a consistency error and restores the counter rather
// than leaving it advanced.
func TestCasLockLostRaceRestoresID(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{memStore: newMemStore()}
	r := New(store, "", nil)

	_, err := r.Create(ctx, "k", TypeStr, Handler{Kind: HandlerAllow}, "")
	require.NoError(t, err)

	before, err := r.readMeta(ctx, "k")
	require.NoError(t, err)

	// Simulate a concurrent writer bumping meta.id out from under us, between
	// casLock's read of meta and its own increment.
	store.armed = true

	_, err = r.casLock(ctx, "k", LockRW, LockRO)
	require.False(t, store.armed, "the simulated concurrent writer should have run")
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.KindConsistency))

	after, err := r.readMeta(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, before.ID+1, after.ID)
	assert.Equal(t, LockRW, after.Lock)
}

// TestSetStrAndRemove exercises the str data handler and Remove's meta
// teardown in one pass.
func TestSetStrAndRemove(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	_, err := r.Create(ctx, "k", TypeStr, Handler{Kind: HandlerAllow}, "")
	require.NoError(t, err)

	require.NoError(t, r.Set(ctx, "k", Query{"data": "hello"}))

	got, err := r.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	require.NoError(t, r.Remove(ctx, "k", nil))

	_, err = r.readMeta(ctx, "k")
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.KindRoute))
}

// TestHandlerDenyBlocksGet covers the handler=false policy denying an
// operation entirely, restoring the lock regardless.
func TestHandlerDenyBlocksGet(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	_, err := r.Create(ctx, "k", TypeStr, Handler{Kind: HandlerDeny}, "")
	require.NoError(t, err)

	_, err = r.Get(ctx, "k", nil)
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.KindAccess))

	meta, err := r.readMeta(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, LockRW, meta.Lock)
}
