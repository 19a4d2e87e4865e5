package registry

import (
	"context"
	"fmt"

	"github.com/craftengine/kernel/pkg/kerrors"
	"github.com/craftengine/kernel/pkg/kv"
)

// dataHandler implements the typed data operations for one DataType,
// dispatched by meta.type (spec §4.9.2). Only str and hash are operational;
// set/sorted_set are declared but return route errors, per the spec's Open
// Question resolution.
type dataHandler interface {
	create(ctx context.Context, store kv.Storer, dataKey string) error
	get(ctx context.Context, store kv.Storer, dataKey string, q Query) (any, error)
	set(ctx context.Context, store kv.Storer, dataKey string, q Query) error
	// rem may need to delete the meta record too (hash-without-keys deletes
	// everything); metaRem is called back for that.
	rem(ctx context.Context, store kv.Storer, dataKey string, q Query, metaRem func(context.Context) error) error
}

func handlerFor(t DataType) (dataHandler, error) {
	switch t {
	case TypeStr:
		return strHandler{}, nil
	case TypeHash:
		return hashHandler{}, nil
	case TypeSet, TypeSortedSet:
		return nil, kerrors.Route("data type %s has no operations defined", t)
	default:
		return nil, kerrors.Route("unknown data type %s", t)
	}
}

// strHandler stores a single JSON-encoded value (spec §4.9.2 "str").
type strHandler struct{}

func (strHandler) create(ctx context.Context, store kv.Storer, dataKey string) error {
	return store.Set(ctx, dataKey, "")
}

func (strHandler) get(ctx context.Context, store kv.Storer, dataKey string, q Query) (any, error) {
	raw, ok, err := store.Get(ctx, dataKey)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}
	return decodeValue(raw)
}

func (strHandler) set(ctx context.Context, store kv.Storer, dataKey string, q Query) error {
	data, ok := q["data"]
	if !ok {
		return kerrors.Route("set on str key requires data=")
	}
	raw, err := encodeValue(data)
	if err != nil {
		return fmt.Errorf("registry: encode str value: %w", err)
	}
	return store.Set(ctx, dataKey, raw)
}

func (strHandler) rem(ctx context.Context, store kv.Storer, dataKey string, q Query, metaRem func(context.Context) error) error {
	if err := metaRem(ctx); err != nil {
		return err
	}
	_, err := store.Delete(ctx, dataKey)
	return err
}

// hashHandler stores a map of JSON-encoded values (spec §4.9.2 "hash").
type hashHandler struct{}

func (hashHandler) create(context.Context, kv.Storer, string) error { return nil }

func (hashHandler) get(ctx context.Context, store kv.Storer, dataKey string, q Query) (any, error) {
	keys := stringSlice(q["keys"])
	if len(keys) == 0 {
		raw, err := store.HGetAll(ctx, dataKey)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(raw))
		for k, v := range raw {
			out[k] = decodeOrNil(v)
		}
		return out, nil
	}

	raw, err := store.HMGet(ctx, dataKey, keys...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	for i, k := range keys {
		if i >= len(raw) || raw[i] == nil {
			out[k] = nil
			continue
		}
		s, ok := raw[i].(string)
		if !ok {
			out[k] = nil
			continue
		}
		out[k] = decodeOrNil(s)
	}
	return out, nil
}

func (hashHandler) set(ctx context.Context, store kv.Storer, dataKey string, q Query) error {
	keys, ok := q["keys"].(map[string]any)
	if !ok {
		return kerrors.Route("set on hash key requires keys={...}")
	}
	fields := make(map[string]string, len(keys))
	for k, v := range keys {
		raw, err := encodeValue(v)
		if err != nil {
			return fmt.Errorf("registry: encode hash field %q: %w", k, err)
		}
		fields[k] = raw
	}
	return store.HMSet(ctx, dataKey, fields)
}

func (hashHandler) rem(ctx context.Context, store kv.Storer, dataKey string, q Query, metaRem func(context.Context) error) error {
	keys := stringSlice(q["keys"])
	if keys == nil {
		// omit keys => delete all fields and the meta.
		all, err := store.HKeys(ctx, dataKey)
		if err != nil {
			return err
		}
		keys = all
		p := store.Pipeline()
		for _, k := range keys {
			p.HDel(dataKey, k)
		}
		if err := p.Exec(ctx); err != nil {
			return err
		}
		return metaRem(ctx)
	}

	p := store.Pipeline()
	for _, k := range keys {
		p.HDel(dataKey, k)
	}
	return p.Exec(ctx)
}

func decodeOrNil(raw string) any {
	v, err := decodeValue(raw)
	if err != nil {
		return nil
	}
	return v
}

func stringSlice(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
