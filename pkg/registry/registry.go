package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/craftengine/kernel/pkg/kerrors"
	"github.com/craftengine/kernel/pkg/kv"
)

// Registry is a versioned keyed entry store over a kv.Store, bound to one
// scope (spec §4.9, "Namespacing"). The kernel builds a single Registry,
// over a single kv.Store, in the scope KERNEL_REGISTRY_SCOPE names; it does
// not build a second Registry for a global scope.
type Registry struct {
	store  kv.Storer
	scope  string // "" for local, "global" for the cross-node scope
	caller RPCCaller
}

// New creates a Registry bound to store, in scope ("" or "global"). caller
// may be nil if no handler=[service,method] entries will be used.
func New(store kv.Storer, scope string, caller RPCCaller) *Registry {
	return &Registry{store: store, scope: scope, caller: caller}
}

func (r *Registry) metaKey(key string) string {
	if r.scope == "" {
		return "meta:" + key
	}
	return r.scope + ":meta:" + key
}

func (r *Registry) dataKey(dataID string) string {
	if r.scope == "" {
		return "data:" + dataID
	}
	return r.scope + ":data:" + dataID
}

// metaRecord is the wire shape of a meta hash, matching the original's
// hash-of-strings encoding (id/type/lock as decimal strings, handler as
// JSON, handler_lua/data_id verbatim).
type metaRecord struct {
	ID         string
	Type       string
	Lock       string
	Handler    string
	HandlerLua string
	DataID     string
}

func (r *metaRecord) toFields() map[string]string {
	return map[string]string{
		"id":          r.ID,
		"type":        r.Type,
		"lock":        r.Lock,
		"handler":     r.Handler,
		"handler_lua": r.HandlerLua,
		"data_id":     r.DataID,
	}
}

func (r *Registry) readMeta(ctx context.Context, key string) (Meta, error) {
	fields, err := r.store.HGetAll(ctx, r.metaKey(key))
	if err != nil {
		return Meta{}, err
	}
	if len(fields) == 0 {
		return Meta{}, kerrors.Route("registry key %q does not exist", key)
	}

	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return Meta{}, kerrors.Consistency("key %q has corrupt id: %v", key, err)
	}
	typ, err := ParseDataType(fields["type"])
	if err != nil {
		return Meta{}, err
	}
	lock, err := ParseLockMode(fields["lock"])
	if err != nil {
		return Meta{}, err
	}
	h, err := decodeHandler(fields["handler"])
	if err != nil {
		return Meta{}, err
	}

	return Meta{
		ID:         id,
		Type:       typ,
		Lock:       lock,
		Handler:    h,
		HandlerLua: fields["handler_lua"],
		DataID:     fields["data_id"],
	}, nil
}

func decodeHandler(raw string) (Handler, error) {
	if raw == "" || raw == "null" {
		return Handler{Kind: HandlerNone}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Handler{}, kerrors.Consistency("corrupt handler field: %v", err)
	}
	switch x := v.(type) {
	case nil:
		return Handler{Kind: HandlerNone}, nil
	case bool:
		if x {
			return Handler{Kind: HandlerAllow}, nil
		}
		return Handler{Kind: HandlerDeny}, nil
	case []any:
		if len(x) != 2 {
			return Handler{}, kerrors.Consistency("handler tuple must have 2 elements")
		}
		svc, _ := x[0].(string)
		method, _ := x[1].(string)
		return Handler{Kind: HandlerRPC, Service: svc, Method: method}, nil
	default:
		return Handler{}, kerrors.Consistency("unexpected handler shape %T", v)
	}
}

func encodeHandler(h Handler) string {
	switch h.Kind {
	case HandlerAllow:
		return "true"
	case HandlerDeny:
		return "false"
	case HandlerRPC:
		buf, _ := json.Marshal([]string{h.Service, h.Method})
		return string(buf)
	default:
		return "null"
	}
}

// casLock performs the CAS-guarded lock transition of invariant 2: meta.id
// must advance by exactly 1 for the transition to be allowed (spec §3
// invariant 1, §4.9 steps 1-2).
func (r *Registry) casLock(ctx context.Context, key string, from LockMode, to LockMode) (Meta, error) {
	meta, err := r.readMeta(ctx, key)
	if err != nil {
		return Meta{}, err
	}
	if meta.Lock != from {
		return Meta{}, kerrors.Lock("key %q is not %s (is %s)", key, from, meta.Lock)
	}

	newID, err := r.store.HIncrBy(ctx, r.metaKey(key), "id", 1)
	if err != nil {
		return Meta{}, err
	}
	if newID != meta.ID+1 {
		// lost the race: restore and fail (spec §3 invariant 1).
		r.store.HIncrBy(ctx, r.metaKey(key), "id", -1)
		return Meta{}, kerrors.Consistency("key %q: concurrent writer won (id %d != %d)", key, newID, meta.ID+1)
	}
	meta.ID = newID

	if err := r.store.HMSet(ctx, r.metaKey(key), map[string]string{"lock": lockString(to)}); err != nil {
		return Meta{}, err
	}
	meta.Lock = to
	return meta, nil
}

func lockString(m LockMode) string { return m.String() }

// restoreRW restores lock=rw unconditionally; it is the "guaranteed-release
// step" of spec §4.9 step 6, called via defer so it runs whether the
// operation succeeded, was denied, or errored.
func (r *Registry) restoreRW(ctx context.Context, key string) {
	r.store.HMSet(ctx, r.metaKey(key), map[string]string{"lock": lockString(LockRW)})
}

// Create installs a new entry. It fails with a consistency error if key
// already exists (spec §3 invariant 4).
func (r *Registry) Create(ctx context.Context, key string, dataType DataType, handler Handler, handlerLua string) (Meta, error) {
	if existing, err := r.store.HGetAll(ctx, r.metaKey(key)); err == nil && len(existing) > 0 {
		return Meta{}, kerrors.Consistency("key %q already exists", key)
	}

	dataID, err := randomDataID()
	if err != nil {
		return Meta{}, err
	}

	rec := metaRecord{
		ID:         "0",
		Type:       dataType.String(),
		Lock:       lockString(LockNA),
		Handler:    encodeHandler(handler),
		HandlerLua: handlerLua,
		DataID:     dataID,
	}
	if err := r.store.HMSet(ctx, r.metaKey(key), rec.toFields()); err != nil {
		return Meta{}, err
	}

	dh, err := handlerFor(dataType)
	if err != nil {
		return Meta{}, err
	}
	if err := dh.create(ctx, r.store, r.dataKey(dataID)); err != nil {
		return Meta{}, err
	}

	// Create's transition to rw consumes one meta.id increment (spec §3
	// invariant 1, §8 scenario S5), the same as the casLock entry step of
	// Get/Set/Remove; restoreRW at the end of those operations does not
	// increment.
	if _, err := r.store.HIncrBy(ctx, r.metaKey(key), "id", 1); err != nil {
		return Meta{}, err
	}
	if err := r.store.HMSet(ctx, r.metaKey(key), map[string]string{"lock": lockString(LockRW)}); err != nil {
		return Meta{}, err
	}

	return r.readMeta(ctx, key)
}

// Get reads key under the given query (e.g. keys=[...] for hash entries).
func (r *Registry) Get(ctx context.Context, key string, q Query) (any, error) {
	meta, err := r.casLock(ctx, key, LockRW, LockRO)
	if err != nil {
		return nil, err
	}
	defer r.restoreRW(ctx, key)

	if err := evaluate(ctx, meta.Handler, meta.HandlerLua, r.caller, OpGet, key, q); err != nil {
		return nil, err
	}

	dh, err := handlerFor(meta.Type)
	if err != nil {
		return nil, err
	}
	return dh.get(ctx, r.store, r.dataKey(meta.DataID), q)
}

// Set writes key under the given query (e.g. data=... for str, keys={...}
// for hash).
func (r *Registry) Set(ctx context.Context, key string, q Query) error {
	meta, err := r.casLock(ctx, key, LockRW, LockNA)
	if err != nil {
		return err
	}
	defer r.restoreRW(ctx, key)

	if err := evaluate(ctx, meta.Handler, meta.HandlerLua, r.caller, OpSet, key, q); err != nil {
		return err
	}

	dh, err := handlerFor(meta.Type)
	if err != nil {
		return err
	}
	return dh.set(ctx, r.store, r.dataKey(meta.DataID), q)
}

// Remove deletes (all or part of) key's data, and the meta record itself
// when the whole entry is destroyed (str always; hash when keys is
// omitted).
func (r *Registry) Remove(ctx context.Context, key string, q Query) error {
	meta, err := r.casLock(ctx, key, LockRW, LockNA)
	if err != nil {
		return err
	}
	// Once the meta record is deleted there is no lock left to restore, and
	// writing lock=rw would recreate a partial meta hash.
	metaRemoved := false
	defer func() {
		if !metaRemoved {
			r.restoreRW(ctx, key)
		}
	}()

	if err := evaluate(ctx, meta.Handler, meta.HandlerLua, r.caller, OpRemove, key, q); err != nil {
		return err
	}

	dh, err := handlerFor(meta.Type)
	if err != nil {
		return err
	}
	return dh.rem(ctx, r.store, r.dataKey(meta.DataID), q, func(ctx context.Context) error {
		if err := r.metaRemove(ctx, key); err != nil {
			return err
		}
		metaRemoved = true
		return nil
	})
}

func (r *Registry) metaRemove(ctx context.Context, key string) error {
	fields, err := r.store.HKeys(ctx, r.metaKey(key))
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return kerrors.Route("registry key %q does not exist", key)
	}
	return r.store.HDel(ctx, r.metaKey(key), fields...)
}

func randomDataID() (string, error) {
	var a, b [32]byte
	if _, err := rand.Read(a[:]); err != nil {
		return "", err
	}
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(a[:]) + hex.EncodeToString(b[:]), nil
}
