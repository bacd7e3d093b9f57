// pkg/apierr/apierr.go
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure that crosses the broker boundary.
type Kind string

const (
	NotFound         Kind = "NotFound"
	ParameterInvalid Kind = "ParameterInvalid"
	InputInvalid     Kind = "InputInvalid"
	Internal         Kind = "Internal"
	NotAllowed       Kind = "NotAllowed"
	MethodNotAllowed Kind = "MethodNotAllowed"
	Empty            Kind = "Empty"
	ParseError       Kind = "ParseError"

	// Host-side kinds. They never come from a script constructor but are
	// reported to awaiting callers.
	Closed  Kind = "Closed"
	Timeout Kind = "Timeout"
)

// Kinds lists the kinds a script can construct, in constructor order.
var Kinds = []Kind{
	NotFound,
	ParameterInvalid,
	InputInvalid,
	Internal,
	NotAllowed,
	MethodNotAllowed,
	Empty,
	ParseError,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case NotFound, ParameterInvalid, InputInvalid, Internal, NotAllowed,
		MethodNotAllowed, Empty, ParseError, Closed, Timeout:
		return true
	}
	return false
}

// Error is the error value carried by Error frames.
type Error struct {
	Kind        Kind   `cbor:"kind" json:"kind"`
	Description string `cbor:"description" json:"description"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// Is matches any *Error of the same kind, so errors.Is(err, apierr.New(NotFound, ""))
// works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Description == "" || t.Description == e.Description)
}

func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// From classifies any error. Typed errors keep their kind; everything else is Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: Internal, Description: err.Error()}
}

// IsKind reports whether err (or anything it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}
