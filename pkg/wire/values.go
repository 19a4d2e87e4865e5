package wire

import (
	"errors"
	"fmt"
)

var errInvalidIdentity = errors.New("wire: invalid identity tuple")

// AsInt64 coerces a decoded msgpack numeric value (which may surface as any
// of the signed/unsigned int kinds, or float64 for values encoded as such)
// into an int64.
func AsInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case uint:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case float32:
		return int64(x), nil
	default:
		return 0, fmt.Errorf("wire: expected integer, got %T", v)
	}
}

// AsString coerces a decoded value into a string, accepting []byte (which
// msgpack may produce for strings depending on the encoder) as well.
func AsString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	default:
		return "", fmt.Errorf("wire: expected string, got %T", v)
	}
}

// IsNil reports whether a decoded value is the wire null.
func IsNil(v any) bool {
	return v == nil
}
