// Package script embeds the Starlark interpreter that runs the node's app.
//
// Starlark execution is serialized by a single interpreter lock owned by Interp.
// A script invocation runs on its own goroutine and *starlark.Thread and is
// observed by the host through a Future. Builtins that wait (network replies,
// channel sends, sleeps) must release the lock around the wait with Suspend so
// other invocations can make progress.
package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
	"go.uber.org/zap"
)

const ctxLocal = "steeze.ctx"

// hostThread marks the lock as held by Go code rather than a script thread.
var hostThread = &starlark.Thread{Name: "host"}

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Stats is lock instrumentation. Unowned counts suspensions requested by a thread
// that did not hold the lock; it stays zero when builtins are used correctly.
type Stats struct {
	Suspensions int64
	Unowned     int64
}

type loadEntry struct {
	globals starlark.StringDict
	err     error
}

type Interp struct {
	mu    sync.Mutex
	owner atomic.Pointer[starlark.Thread]

	dir         string
	log         *zap.Logger
	predeclared starlark.StringDict

	modMu   sync.Mutex
	modules map[string]*loadEntry

	suspensions atomic.Int64
	unowned     atomic.Int64
}

type Option func(*Interp)

// WithGlobals adds predeclared names visible to every script file.
func WithGlobals(g starlark.StringDict) Option {
	return func(in *Interp) {
		for k, v := range g {
			in.predeclared[k] = v
		}
	}
}

// New returns an interpreter whose load() statements resolve inside dir.
func New(dir string, log *zap.Logger, opts ...Option) *Interp {
	if log == nil {
		log = zap.NewNop()
	}
	in := &Interp{
		dir: dir,
		log: log,
		predeclared: starlark.StringDict{
			"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
			"json":   json.Module,
			"math":   math.Module,
			"time":   time.Module,
		},
		modules: make(map[string]*loadEntry),
	}
	for _, o := range opts {
		o(in)
	}
	return in
}

func (in *Interp) lock(th *starlark.Thread) {
	in.mu.Lock()
	in.owner.Store(th)
}

func (in *Interp) unlock() {
	in.owner.Store(nil)
	in.mu.Unlock()
}

// Acquire takes the interpreter lock for th. The returned func releases it and
// must be called exactly once, typically deferred.
func (in *Interp) Acquire(th *starlark.Thread) (release func()) {
	in.lock(th)
	var once sync.Once
	return func() { once.Do(in.unlock) }
}

// Held reports whether any thread currently holds the lock.
func (in *Interp) Held() bool { return in.owner.Load() != nil }

// HeldBy reports whether th holds the lock.
func (in *Interp) HeldBy(th *starlark.Thread) bool { return in.owner.Load() == th }

func (in *Interp) Stats() Stats {
	return Stats{Suspensions: in.suspensions.Load(), Unowned: in.unowned.Load()}
}

// Suspend releases the lock held by th, runs wait, and re-acquires the lock
// before returning. wait receives the thread's context.
func (in *Interp) Suspend(th *starlark.Thread, wait func(ctx context.Context) error) error {
	ctx := ContextOf(th)
	if !in.HeldBy(th) {
		in.unowned.Add(1)
		in.log.Warn("suspend without interpreter lock", zap.String("thread", th.Name))
		return wait(ctx)
	}
	in.suspensions.Add(1)
	in.unlock()
	defer in.lock(th)
	return wait(ctx)
}

// NewThread creates a thread bound to ctx: cancelling ctx aborts the thread at
// its next step, and Suspend waits observe ctx.
func (in *Interp) NewThread(ctx context.Context, name string) *starlark.Thread {
	th := &starlark.Thread{
		Name: name,
		Print: func(th *starlark.Thread, msg string) {
			in.log.Info("script print", zap.String("thread", th.Name), zap.String("msg", msg))
		},
		Load: in.load,
	}
	th.SetLocal(ctxLocal, ctx)
	return th
}

// ContextOf returns the context a thread was created with.
func ContextOf(th *starlark.Thread) context.Context {
	if ctx, ok := th.Local(ctxLocal).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// Do runs fn on a fresh thread while holding the lock. The lock is released on
// every exit path, panics included.
func (in *Interp) Do(ctx context.Context, name string, fn func(th *starlark.Thread) error) error {
	th := in.NewThread(ctx, name)
	stop := context.AfterFunc(ctx, func() { th.Cancel(context.Cause(ctx).Error()) })
	defer stop()

	release := in.Acquire(th)
	defer release()
	return fn(th)
}

// Module is an executed script file.
type Module struct {
	Name    string
	Globals starlark.StringDict
}

// Callable returns the global name if it exists and can be called.
func (m *Module) Callable(name string) (starlark.Callable, bool) {
	v, ok := m.Globals[name]
	if !ok {
		return nil, false
	}
	c, ok := v.(starlark.Callable)
	return c, ok
}

// LoadModule executes src as the script file name and returns its globals.
func (in *Interp) LoadModule(ctx context.Context, src []byte, name string) (*Module, error) {
	var globals starlark.StringDict
	err := in.Do(ctx, "load "+name, func(th *starlark.Thread) error {
		var err error
		globals, err = starlark.ExecFileOptions(fileOptions, th, name, src, in.predeclared)
		return err
	})
	if err != nil {
		return nil, Classify(err)
	}
	return &Module{Name: name, Globals: globals}, nil
}

// load implements the load() statement. Modules resolve below the app dir and
// are executed once; a module loading itself, directly or not, is an error.
func (in *Interp) load(th *starlark.Thread, module string) (starlark.StringDict, error) {
	in.modMu.Lock()
	e, ok := in.modules[module]
	if ok {
		in.modMu.Unlock()
		if e == nil {
			return nil, fmt.Errorf("cycle in load graph at %q", module)
		}
		return e.globals, e.err
	}
	in.modules[module] = nil
	in.modMu.Unlock()

	path := filepath.Join(in.dir, filepath.Clean(string(filepath.Separator)+module))
	e = &loadEntry{}
	src, err := os.ReadFile(path)
	if err != nil {
		e.err = err
	} else {
		e.globals, e.err = starlark.ExecFileOptions(fileOptions, th, module, src, in.predeclared)
	}

	in.modMu.Lock()
	in.modules[module] = e
	in.modMu.Unlock()
	return e.globals, e.err
}
