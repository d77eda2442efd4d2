// Package perrors carries the daemon's error taxonomy. A TError is a
// structural value, not a control-flow signal: every fallible operation
// in this module returns one (wrapped in the standard error interface)
// instead of a bare error string, so RPC responses (out of scope here,
// see pkg/rpc) can surface kind+errno verbatim to clients.
package perrors

import "fmt"

// Kind classifies a TError per the taxonomy in the daemon's error design.
type Kind int

const (
	Success Kind = iota
	Unknown
	InvalidValue
	InvalidProperty
	InvalidData
	InvalidState
	NotSupported
	Permission
	ResourceNotAvailable
	ContainerDoesNotExist
	ContainerAlreadyExists
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "Success"
	case Unknown:
		return "Unknown"
	case InvalidValue:
		return "InvalidValue"
	case InvalidProperty:
		return "InvalidProperty"
	case InvalidData:
		return "InvalidData"
	case InvalidState:
		return "InvalidState"
	case NotSupported:
		return "NotSupported"
	case Permission:
		return "Permission"
	case ResourceNotAvailable:
		return "ResourceNotAvailable"
	case ContainerDoesNotExist:
		return "ContainerDoesNotExist"
	case ContainerAlreadyExists:
		return "ContainerAlreadyExists"
	default:
		return "Unknown"
	}
}

// TError is the (kind, message, errno) triple every mutating operation
// returns. Errno is 0 when the failure did not originate in a syscall.
type TError struct {
	Kind    Kind
	Message string
	Errno   int
}

func (e *TError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s: %s (errno %d)", e.Kind, e.Message, e.Errno)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds a TError with no associated errno.
func New(kind Kind, format string, args ...interface{}) *TError {
	return &TError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Errno builds a TError carrying a raw errno, for failures that
// originated in a syscall.
func Errno(kind Kind, errno int, format string, args ...interface{}) *TError {
	return &TError{Kind: kind, Message: fmt.Sprintf(format, args...), Errno: errno}
}

// Wrap classifies a lower-level error as Unknown unless it is already
// a TError, in which case it is passed through unchanged. Use this at
// the boundary of a component that does not itself know the right Kind.
func Wrap(err error) *TError {
	if err == nil {
		return nil
	}
	if te, ok := err.(*TError); ok {
		return te
	}
	return New(Unknown, "%s", err.Error())
}

// Is reports whether err is a TError of the given Kind.
func Is(err error, kind Kind) bool {
	te, ok := err.(*TError)
	return ok && te.Kind == kind
}
