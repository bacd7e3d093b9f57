package script

import (
	"context"
	"fmt"

	"go.starlark.net/starlark"
	"go.uber.org/zap"
)

// Future is the host-side handle of a script invocation running on its own
// goroutine.
type Future struct {
	done   chan struct{}
	cancel context.CancelFunc
	val    starlark.Value
	err    error
}

func newFuture(cancel context.CancelFunc) *Future {
	return &Future{done: make(chan struct{}), cancel: cancel}
}

// Resolved returns a future that is already complete.
func Resolved(v starlark.Value, err error) *Future {
	f := newFuture(func() {})
	f.val, f.err = v, err
	close(f.done)
	return f
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Await waits for the result. Errors are already classified into typed errors.
// If ctx ends first the invocation is cancelled and the context error returned.
func (f *Future) Await(ctx context.Context) (starlark.Value, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		f.cancel()
		return nil, Classify(ctx.Err())
	}
}

// Call runs fn(args, kwargs) on a new goroutine and thread. The thread holds
// the interpreter lock except while suspended in a blocking builtin.
func (in *Interp) Call(ctx context.Context, name string, fn starlark.Callable, args starlark.Tuple, kwargs []starlark.Tuple) *Future {
	ctx, cancel := context.WithCancel(ctx)
	f := newFuture(cancel)
	go func() {
		defer close(f.done)
		f.val, f.err = in.call(ctx, name, fn, args, kwargs)
		cancel()
	}()
	return f
}

func (in *Interp) call(ctx context.Context, name string, fn starlark.Callable, args starlark.Tuple, kwargs []starlark.Tuple) (v starlark.Value, err error) {
	th := in.NewThread(ctx, name)
	stop := context.AfterFunc(ctx, func() { th.Cancel(context.Cause(ctx).Error()) })
	defer stop()

	release := in.Acquire(th)
	defer release()
	defer func() {
		if r := recover(); r != nil {
			in.log.Error("script invocation panicked", zap.String("thread", name), zap.Any("panic", r))
			v, err = nil, Classify(fmt.Errorf("panic in %s: %v", name, r))
		}
	}()

	if ctx.Err() != nil {
		return nil, Classify(ctx.Err())
	}
	v, err = starlark.Call(th, fn, args, kwargs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Classify(ctx.Err())
		}
		return nil, Classify(err)
	}
	return v, nil
}

// Invoke calls a handler with params bound to its signature and server passed
// to the parameter of that name.
func (in *Interp) Invoke(ctx context.Context, name string, fn starlark.Callable, params map[string]any, server starlark.Value) *Future {
	args, kwargs, err := bind(fn, params, server)
	if err != nil {
		return Resolved(nil, Classify(err))
	}
	return in.Call(ctx, name, fn, args, kwargs)
}
