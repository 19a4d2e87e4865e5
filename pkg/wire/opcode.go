package wire

// Opcode identifies the kind of a Frame; it is always Frame[0].
type Opcode string

const (
	OpConnect     Opcode = "connect"
	OpConnectNode Opcode = "connect_node"
	OpRequest     Opcode = "request"
	OpResponse    Opcode = "response"
	OpProxy       Opcode = "proxy"
	OpProxyStatus Opcode = "proxy_status"
)

// LocalNode is the sentinel target_node value meaning "deliver on this
// kernel", distinct from the kernel's own name so a caller need not know it.
const LocalNode = "__local__"

// Identity is a (node, service, instance) tuple identifying either the
// origin or the target of a request. It is carried on the wire as a
// 3-element list.
type Identity struct {
	Node     string
	Service  string
	Instance int64
}

// ToFrame renders the identity as the wire list form.
func (id Identity) ToFrame() Frame {
	return Frame{id.Node, id.Service, id.Instance}
}

// IdentityFromValue decodes a wire-level list (e.g. []any{"n", "s", 1}) into
// an Identity. It accepts the loosely-typed values msgpack produces on
// decode (ints may arrive as int8/.../uint64 depending on magnitude).
func IdentityFromValue(v any) (Identity, error) {
	lst, ok := asList(v)
	if !ok || len(lst) != 3 {
		return Identity{}, errInvalidIdentity
	}
	node, ok := lst[0].(string)
	if !ok {
		return Identity{}, errInvalidIdentity
	}
	service, ok := lst[1].(string)
	if !ok {
		return Identity{}, errInvalidIdentity
	}
	instance, err := AsInt64(lst[2])
	if err != nil {
		return Identity{}, errInvalidIdentity
	}
	return Identity{Node: node, Service: service, Instance: instance}, nil
}

func asList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case Frame:
		return []any(x), true
	default:
		return nil, false
	}
}
