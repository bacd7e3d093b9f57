// Package app hosts the node's script: it loads it, builds the node
// configuration through config(server), dispatches broker requests to the
// script's handlers and runs the optional run and close entry points.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeydtaylor/steeze-node/pkg/apierr"
	"github.com/joeydtaylor/steeze-node/pkg/manifest"
	"github.com/joeydtaylor/steeze-node/pkg/middleware/metrics"
	"github.com/joeydtaylor/steeze-node/pkg/pending"
	"github.com/joeydtaylor/steeze-node/pkg/script"
	"github.com/joeydtaylor/steeze-node/pkg/wire"
	"go.starlark.net/starlark"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ScriptFiles are the entry script names looked up in the app directory, in order.
var ScriptFiles = []string{"app.star", "app.py"}

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultGrace          = time.Second
	OutboundCapacity      = 64
)

type State int32

const (
	Created State = iota
	Initializing
	Ready
	Running
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Option func(*App)

func WithLogger(l *zap.Logger) Option { return func(a *App) { a.log = l } }

// WithRequestTimeout sets the default timeout of server.request.
func WithRequestTimeout(d time.Duration) Option { return func(a *App) { a.timeout = d } }

// WithHandlerTimeout bounds each inbound handler; zero leaves handlers unbounded.
// A handler past its deadline is aborted at its next step and fails with Timeout.
func WithHandlerTimeout(d time.Duration) Option { return func(a *App) { a.handlerTimeout = d } }

// WithGrace bounds how long Close waits for running tasks before abandoning them.
func WithGrace(d time.Duration) Option { return func(a *App) { a.grace = d } }

type App struct {
	dir     string
	log     *zap.Logger
	timeout time.Duration
	grace   time.Duration

	handlerTimeout time.Duration

	state    atomic.Int32
	interp   *script.Interp
	pending  *pending.Table
	outbound chan wire.Frame
	closing  chan struct{}

	tasks       context.Context
	cancelTasks context.CancelFunc
	inflight    sync.WaitGroup
	workers     *workers
	server      *Server

	mu       sync.RWMutex
	cfg      manifest.NodeConfig
	handlers []handler

	run     starlark.Callable
	onClose starlark.Callable
	runDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New prepares an app for the script in dir. Nothing is loaded until Initialize.
func New(dir string, opts ...Option) *App {
	a := &App{
		dir:      dir,
		log:      zap.NewNop(),
		timeout:  DefaultRequestTimeout,
		grace:    DefaultGrace,
		pending:  pending.New(),
		outbound: make(chan wire.Frame, OutboundCapacity),
		closing:  make(chan struct{}),
		runDone:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.tasks, a.cancelTasks = context.WithCancel(context.Background())
	a.interp = script.New(dir, a.log.Named("script"), script.WithGlobals(verbGlobals()))
	a.workers = newWorkers(a.tasks, a.interp, a.log)
	return a
}

// verbGlobals predeclares GET, POST, PUT and DELETE for server.request calls.
func verbGlobals() starlark.StringDict {
	g := starlark.StringDict{}
	for _, v := range manifest.Verbs {
		g[string(v)] = starlark.String(v)
	}
	return g
}

func (a *App) State() State { return State(a.state.Load()) }

func (a *App) transition(from, to State) error {
	if !a.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("app is %s, not %s", a.State(), from)
	}
	a.log.Debug("app state", zap.Stringer("from", from), zap.Stringer("to", to))
	return nil
}

// Pending is the correlation table shared with the transport.
func (a *App) Pending() *pending.Table { return a.pending }

// Outbound is drained by the transport writer; the last frame is Quit.
func (a *App) Outbound() <-chan wire.Frame { return a.outbound }

// Config is the node configuration produced by Initialize.
func (a *App) Config() manifest.NodeConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Initialize loads the script, seeds the builder from config.toml and awaits
// config(server). On failure the app is closed.
func (a *App) Initialize(ctx context.Context) (err error) {
	if err := a.transition(Created, Initializing); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			a.state.Store(int32(Closed))
			a.cancelTasks()
		}
	}()

	src, name, err := a.readScript()
	if err != nil {
		return err
	}
	seed, err := manifest.LoadAppConfig(a.dir)
	if err != nil {
		return fmt.Errorf("app config: %w", err)
	}

	builder := newBuilder(seed, a.dir)
	a.server = &Server{
		builder:  builder,
		interp:   a.interp,
		pending:  a.pending,
		outbound: a.outbound,
		closing:  a.closing,
		timeout:  a.timeout,
		log:      a.log.Named("script").With(zap.String("app", seed.Name)),
		workers:  a.workers,
		userData: map[string]starlark.Value{},
	}

	mod, err := a.interp.LoadModule(ctx, src, name)
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	configFn, ok := mod.Callable("config")
	if !ok {
		return apierr.Newf(apierr.NotFound, "%s does not define config(server)", name)
	}
	a.run, _ = mod.Callable("run")
	a.onClose, _ = mod.Callable("close")

	v, err := a.interp.Call(ctx, "config", configFn, starlark.Tuple{a.server}, nil).Await(ctx)
	if err != nil {
		return fmt.Errorf("config(): %w", err)
	}
	if v != starlark.Value(builder) {
		return apierr.Newf(apierr.ParameterInvalid, "config() must return server.config, got %s", v.Type())
	}
	cfg, handlers, onClose, err := builder.seal()
	if err != nil {
		return fmt.Errorf("node configuration: %w", err)
	}
	if onClose != nil {
		a.onClose = onClose
	}

	a.mu.Lock()
	a.cfg, a.handlers = cfg, handlers
	a.mu.Unlock()

	a.log.Info("app initialized",
		zap.String("name", cfg.Name),
		zap.String("script", name),
		zap.Int("apis", len(cfg.APIs)),
		zap.Int("endpoints", len(cfg.Endpoints)),
		zap.Int("templates", len(cfg.Templates)),
	)
	return a.transition(Initializing, Ready)
}

func (a *App) readScript() ([]byte, string, error) {
	for _, name := range ScriptFiles {
		src, err := os.ReadFile(filepath.Join(a.dir, name))
		if err == nil {
			return src, name, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("read %s: %w", name, err)
		}
	}
	return nil, "", apierr.Newf(apierr.NotFound, "no %v in %s", ScriptFiles, a.dir)
}

// Start moves the app to Running and schedules run(server) if the script
// defines it. onRunDone is called once run returns, unless the app is already
// closing.
func (a *App) Start(onRunDone func(error)) error {
	if err := a.transition(Ready, Running); err != nil {
		return err
	}
	if a.run == nil {
		close(a.runDone)
		return nil
	}
	f := a.interp.Call(a.tasks, "run", a.run, starlark.Tuple{a.server}, nil)
	go func() {
		defer close(a.runDone)
		// f is bound to a.tasks, so this returns once the thread has exited.
		_, err := f.Await(context.Background())
		if a.tasks.Err() != nil {
			return
		}
		if err != nil {
			a.log.Error("run() failed", zap.Error(err))
		} else {
			a.log.Info("run() returned")
		}
		if onRunDone != nil {
			onRunDone(err)
		}
	}()
	return nil
}

// Execute dispatches one broker request to the handler bound at its API id
// and returns the Response payload.
func (a *App) Execute(ctx context.Context, req wire.Request) ([]byte, error) {
	if st := a.State(); st != Ready && st != Running {
		return nil, apierr.Newf(apierr.Closed, "app is %s", st)
	}

	a.mu.RLock()
	var h handler
	found := req.ID < uint64(len(a.handlers))
	if found {
		h = a.handlers[req.ID]
	}
	a.mu.RUnlock()
	if !found {
		return nil, apierr.Newf(apierr.NotFound, "api_id not found %d", req.ID)
	}

	fn, ok := h.methods[req.Method]
	if !ok {
		return nil, apierr.Newf(apierr.MethodNotAllowed, "method %s not allowed on api %s", req.Method, h.api)
	}

	a.inflight.Add(1)
	defer a.inflight.Done()

	var (
		hctx   context.Context
		cancel context.CancelFunc
	)
	if a.handlerTimeout > 0 {
		hctx, cancel = context.WithTimeout(a.tasks, a.handlerTimeout)
	} else {
		hctx, cancel = context.WithCancel(a.tasks)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	start := time.Now()
	data, err := a.invoke(hctx, h.api+"."+string(req.Method), fn, req.Parameters)
	metrics.ObserveInbound(h.api, string(req.Method), metrics.Outcome(err), time.Since(start))
	return data, err
}

func (a *App) invoke(ctx context.Context, name string, fn starlark.Callable, params map[string]any) ([]byte, error) {
	v, err := a.interp.Invoke(ctx, name, fn, params, a.server).Await(context.Background())
	if err != nil {
		return nil, err
	}
	return a.interp.MarshalOut(v)
}

// Close runs once: it queues Quit, awaits the close handler, fails every
// pending outbound request with Closed, cancels running tasks and waits for
// them up to the grace delay.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.closeErr = a.close(ctx) })
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	prev := State(a.state.Swap(int32(Closing)))
	if prev != Running {
		// Start can no longer succeed, so no run task exists.
		close(a.runDone)
	}
	a.log.Info("app closing", zap.Stringer("from", prev))
	close(a.closing)

	var errs error
	select {
	case a.outbound <- wire.Quit():
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("queue quit: %w", ctx.Err()))
	case <-time.After(a.grace):
		errs = multierr.Append(errs, errors.New("queue quit: outbound channel full"))
	}

	if a.onClose != nil && (prev == Ready || prev == Running) {
		if _, err := a.interp.Call(ctx, "close", a.onClose, starlark.Tuple{a.server}, nil).Await(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close(): %w", err))
		}
	}

	n := a.pending.Drain(apierr.New(apierr.Closed, "node closed"))
	metrics.SetPending(0)
	if n > 0 {
		a.log.Info("released pending requests", zap.Int("count", n))
	}

	a.cancelTasks()
	if err := a.join(a.grace); err != nil {
		a.log.Warn("tasks still running after grace", zap.Duration("grace", a.grace))
		errs = multierr.Append(errs, err)
	}

	a.state.Store(int32(Closed))
	a.log.Info("app closed")
	return errs
}

func (a *App) join(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		<-a.runDone
		close(done)
	}()

	var errs error
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("handlers: %w", ctx.Err()))
	}
	if err := a.workers.wait(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("bg workers: %w", err))
	}
	return errs
}

// Status is a snapshot for the admin surface.
type Status struct {
	Name        string         `json:"name"`
	State       string         `json:"state"`
	Pending     int            `json:"pending"`
	APIs        []manifest.API `json:"apis"`
	Suspensions int64          `json:"suspensions"`
}

func (a *App) Status() Status {
	cfg := a.Config()
	return Status{
		Name:        cfg.Name,
		State:       a.State().String(),
		Pending:     a.pending.Len(),
		APIs:        cfg.APIs,
		Suspensions: a.interp.Stats().Suspensions,
	}
}
