// Package exc provides the error type used throughout the capnp codec and
// RPC layers.
package exc

import "fmt"

// Type is a coarse classification of an Error, mirroring the exception
// types carried on the wire by Cap'n Proto RPC (rpc.capnp's Exception.Type).
type Type int

const (
	// Failed is a generic failure; the default type.
	Failed Type = iota
	// Overloaded indicates the callee is overloaded and the caller should
	// try again later, possibly with backoff.
	Overloaded
	// Disconnected indicates the connection (or the object graph reachable
	// through it) is gone and cannot be used again.
	Disconnected
	// Unimplemented indicates the callee does not implement the requested
	// method or behavior.
	Unimplemented
)

func (t Type) String() string {
	switch t {
	case Failed:
		return "failed"
	case Overloaded:
		return "overloaded"
	case Disconnected:
		return "disconnected"
	case Unimplemented:
		return "unimplemented"
	default:
		return "unknown"
	}
}

// Error is the error type returned by this module's public API.  It
// carries a Type (for RPC exception propagation), a dotted Prefix
// identifying which operation failed, and the underlying cause.
type Error struct {
	Type   Type
	Prefix string
	Cause  error
}

func (e *Error) Error() string {
	if e.Prefix == "" {
		return e.Cause.Error()
	}
	return e.Prefix + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given type with a formatted message.
func New(t Type, prefix, format string, args ...interface{}) *Error {
	return &Error{Type: t, Prefix: prefix, Cause: fmt.Errorf(format, args...)}
}

// WrapError annotates err with prefix, preserving its Type if err is
// already an *Error.  Returns nil if err is nil.
func WrapError(prefix string, err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		if e.Prefix == "" {
			return &Error{Type: e.Type, Prefix: prefix, Cause: e.Cause}
		}
		return &Error{Type: e.Type, Prefix: prefix, Cause: e}
	}
	return &Error{Type: Failed, Prefix: prefix, Cause: err}
}

// Annotate is an alias of WrapError kept for call sites that read more
// naturally as "annotate this error with context".
func Annotate(prefix string, err error) error {
	return WrapError(prefix, err)
}
