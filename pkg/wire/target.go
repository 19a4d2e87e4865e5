package wire

import "errors"

var errInvalidTarget = errors.New("wire: invalid request target tuple")

// Target is a (target_node, target_service, target_instance) tuple from a
// request frame (spec §4.5). Instance is nil when the wire value was null,
// meaning "balanced" (spec §4.8).
type Target struct {
	Node     string
	Service  string
	Instance *int64
}

// TargetFromValue decodes the wire list form of a request target.
func TargetFromValue(v any) (Target, error) {
	lst, ok := asList(v)
	if !ok || len(lst) != 3 {
		return Target{}, errInvalidTarget
	}
	node, ok := lst[0].(string)
	if !ok {
		return Target{}, errInvalidTarget
	}
	service, ok := lst[1].(string)
	if !ok {
		return Target{}, errInvalidTarget
	}

	var instance *int64
	if lst[2] != nil {
		n, err := AsInt64(lst[2])
		if err != nil {
			return Target{}, errInvalidTarget
		}
		instance = &n
	}

	return Target{Node: node, Service: service, Instance: instance}, nil
}

// ToFrame renders the target as its wire list form.
func (t Target) ToFrame() Frame {
	if t.Instance == nil {
		return Frame{t.Node, t.Service, nil}
	}
	return Frame{t.Node, t.Service, *t.Instance}
}
