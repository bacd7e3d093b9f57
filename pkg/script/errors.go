package script

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeydtaylor/steeze-node/pkg/apierr"
	"go.starlark.net/starlark"
)

// ErrorValue is the script-side form of a typed error. A handler either returns
// it or raises it with err.throw(); both reach the broker as the same Error frame.
type ErrorValue struct {
	err *apierr.Error
}

var (
	_ starlark.Value    = (*ErrorValue)(nil)
	_ starlark.HasAttrs = (*ErrorValue)(nil)
)

func NewErrorValue(kind apierr.Kind, message string) *ErrorValue {
	return &ErrorValue{err: apierr.New(kind, message)}
}

// Err returns the typed error the value carries.
func (e *ErrorValue) Err() *apierr.Error { return e.err }

func (e *ErrorValue) String() string {
	return fmt.Sprintf("error(%s, %q)", e.err.Kind, e.err.Description)
}
func (e *ErrorValue) Type() string         { return "error" }
func (e *ErrorValue) Freeze()              {}
func (e *ErrorValue) Truth() starlark.Bool { return starlark.True }
func (e *ErrorValue) Hash() (uint32, error) {
	return starlark.String(e.err.Error()).Hash()
}

func (e *ErrorValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "kind":
		return starlark.String(e.err.Kind), nil
	case "message":
		return starlark.String(e.err.Description), nil
	case "throw":
		return starlark.NewBuiltin("throw", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
			return nil, e.err
		}), nil
	}
	return nil, nil
}

func (e *ErrorValue) AttrNames() []string { return []string{"kind", "message", "throw"} }

// Classify maps a failed script step onto a typed error. Typed errors raised by
// the script or returned by host builtins keep their kind. Cancellation is
// Closed. Anything else is Internal with the script backtrace appended.
func Classify(err error) *apierr.Error {
	if err == nil {
		return nil
	}
	var typed *apierr.Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, context.Canceled) {
		return apierr.New(apierr.Closed, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.New(apierr.Timeout, err.Error())
	}
	var ee *starlark.EvalError
	if errors.As(err, &ee) {
		return apierr.New(apierr.Internal, ee.Msg+"\n"+ee.Backtrace())
	}
	return apierr.New(apierr.Internal, err.Error())
}
