// Package registry implements the versioned keyed entry store the RPC
// switchboard uses for service and node identities: a meta/data split over
// a kv.Store, optimistic-concurrency locking keyed on meta.id, and a
// pluggable per-key handler policy (static allow/deny, a synchronous RPC
// call, or a Lua script), grounded in the original craftengine
// registry.py's _Registry/_DataLock/handler dispatch.
package registry

import "fmt"

// DataType selects which typed data handler backs a key.
type DataType int

const (
	TypeStr DataType = iota
	TypeHash
	TypeSet
	TypeSortedSet
)

func (t DataType) String() string {
	switch t {
	case TypeStr:
		return "str"
	case TypeHash:
		return "hash"
	case TypeSet:
		return "set"
	case TypeSortedSet:
		return "sorted_set"
	default:
		return fmt.Sprintf("DataType(%d)", int(t))
	}
}

// ParseDataType accepts the aliases the original registry.py's DATA_TYPES
// table does.
func ParseDataType(s string) (DataType, error) {
	switch s {
	case "str", "string":
		return TypeStr, nil
	case "hash", "map", "array":
		return TypeHash, nil
	case "set":
		return TypeSet, nil
	case "sorted_set", "sset":
		return TypeSortedSet, nil
	default:
		return 0, fmt.Errorf("registry: unknown data type %q", s)
	}
}

// LockMode is the entry's lock state (spec §3 invariant 2).
type LockMode int

const (
	LockRW LockMode = iota // the only state a new operation may begin from
	LockRO                 // held for the duration of a read
	LockNA                 // held for the duration of a mutate/destroy
)

func (m LockMode) String() string {
	switch m {
	case LockRW:
		return "rw"
	case LockRO:
		return "ro"
	case LockNA:
		return "na"
	default:
		return fmt.Sprintf("LockMode(%d)", int(m))
	}
}

func ParseLockMode(s string) (LockMode, error) {
	switch s {
	case "rw", "write":
		return LockRW, nil
	case "ro", "r", "read":
		return LockRO, nil
	case "n", "na", "lock":
		return LockNA, nil
	default:
		return 0, fmt.Errorf("registry: unknown lock mode %q", s)
	}
}

// HandlerKind tags which shape a Handler holds.
type HandlerKind int

const (
	HandlerNone  HandlerKind = iota // null: fall through to handler_lua
	HandlerAllow                    // true
	HandlerDeny                     // false
	HandlerRPC                      // [service, method]
)

// Handler is the meta.handler field (spec §4.9.1).
type Handler struct {
	Kind    HandlerKind
	Service string // set when Kind == HandlerRPC
	Method  string
}

// Meta is a registry entry's metadata record (spec §3).
type Meta struct {
	ID         int64
	Type       DataType
	Lock       LockMode
	Handler    Handler
	HandlerLua string
	DataID     string
}

// Op names the operation a handler policy is evaluated for.
type Op string

const (
	OpGet    Op = "get"
	OpSet    Op = "set"
	OpRemove Op = "rem"
)

// Query carries the loosely-typed keyword arguments callers pass to
// Get/Set/Remove (e.g. keys, data), mirroring the original's **kwargs.
type Query map[string]any
