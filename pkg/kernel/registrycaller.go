package kernel

import (
	"context"

	"github.com/craftengine/kernel/pkg/registry"
	"github.com/craftengine/kernel/pkg/router"
	"github.com/craftengine/kernel/pkg/wire"
)

// registryCaller adapts the router's synchronous Call to registry.RPCCaller,
// marshaling (op, key, data) the way the handler policy expects and reading
// a bool verdict back out of the response.
type registryCaller struct {
	r *router.Router
}

func (c *registryCaller) Call(ctx context.Context, service, method string, op registry.Op, key string, data registry.Query) (bool, error) {
	args := wire.Frame{string(op), key, map[string]any(data)}
	result, errVal, err := c.r.Call(ctx, service, method, args)
	if err != nil {
		return false, err
	}
	if !wire.IsNil(errVal) {
		if msg, asErr := wire.AsString(errVal); asErr == nil {
			return false, errNonNilRPCError(msg)
		}
		return false, errNonNilRPCError("handler rpc returned an error")
	}
	b, ok := result.(bool)
	return ok && b, nil
}

type errNonNilRPCError string

func (e errNonNilRPCError) Error() string { return string(e) }
