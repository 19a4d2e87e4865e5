// Package kerrors implements the kernel's error taxonomy (spec §7): a small
// set of typed errors distinguishing route, auth, lock, consistency, access,
// transport, and KV failures, so callers can tell a recoverable
// caller-surfaced error apart from one that must close a connection.
package kerrors

import "fmt"

// Kind classifies an error per the taxonomy.
type Kind string

const (
	KindRoute       Kind = "route"
	KindAuth        Kind = "auth"
	KindLock        Kind = "lock"
	KindConsistency Kind = "consistency"
	KindAccess      Kind = "access"
	KindTransport   Kind = "transport"
	KindKV          Kind = "kv"
)

// Error is a taxonomy-tagged error. Qualified returns the fully-qualified
// name used in the wire error tuple (module_qualified_name).
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Qualified renders the "module.Name"-style identifier used as the first
// element of the wire error tuple.
func (e *Error) Qualified() string {
	return "kernel." + string(e.Kind)
}

func newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

func wrap(k Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Err: err}
}

func Route(format string, args ...any) *Error       { return newf(KindRoute, format, args...) }
func Auth(format string, args ...any) *Error         { return newf(KindAuth, format, args...) }
func Lock(format string, args ...any) *Error         { return newf(KindLock, format, args...) }
func Consistency(format string, args ...any) *Error  { return newf(KindConsistency, format, args...) }
func Access(format string, args ...any) *Error       { return newf(KindAccess, format, args...) }
func Transport(err error, format string, args ...any) *Error {
	return wrap(KindTransport, err, format, args...)
}
func KV(err error, format string, args ...any) *Error { return wrap(KindKV, err, format, args...) }

// Is reports whether err is a tagged Error of the given kind.
func Is(err error, k Kind) bool {
	var e *Error
	if as(err, &e) {
		return e.Kind == k
	}
	return false
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
