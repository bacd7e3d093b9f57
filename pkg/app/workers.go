package app

import (
	"context"
	"sync"

	"github.com/joeydtaylor/steeze-node/pkg/apierr"
	"github.com/joeydtaylor/steeze-node/pkg/script"
	"go.starlark.net/starlark"
	"go.uber.org/zap"
)

// workerQueue bounds each background worker's backlog.
const workerQueue = 64

type worker struct {
	name  string
	fn    starlark.Callable
	items chan starlark.Value
}

// workers owns the background workers a script creates. Each worker handles
// its items one at a time, in send order, until ctx is cancelled.
type workers struct {
	ctx    context.Context
	interp *script.Interp
	log    *zap.Logger
	wg     sync.WaitGroup

	mu     sync.Mutex
	byName map[string]*worker
}

func newWorkers(ctx context.Context, interp *script.Interp, log *zap.Logger) *workers {
	return &workers{ctx: ctx, interp: interp, log: log, byName: map[string]*worker{}}
}

func (ws *workers) create(name string, fn starlark.Callable, server starlark.Value) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if _, dup := ws.byName[name]; dup {
		return apierr.Newf(apierr.ParameterInvalid, "bg worker %q already exists", name)
	}
	if ws.ctx.Err() != nil {
		return apierr.New(apierr.Closed, "node closing")
	}
	w := &worker{name: name, fn: fn, items: make(chan starlark.Value, workerQueue)}
	ws.byName[name] = w
	ws.wg.Add(1)
	go ws.loop(w, server)
	return nil
}

func (ws *workers) loop(w *worker, server starlark.Value) {
	defer ws.wg.Done()
	log := ws.log.With(zap.String("worker", w.name))
	for {
		select {
		case <-ws.ctx.Done():
			return
		case item := <-w.items:
			f := ws.interp.Call(ws.ctx, "worker "+w.name, w.fn, starlark.Tuple{server, item}, nil)
			_, err := f.Await(context.Background())
			if err != nil && ws.ctx.Err() == nil {
				log.Error("bg worker item failed", zap.Error(err))
			}
		}
	}
}

// send queues item for the named worker with the interpreter lock released.
// The item is frozen first since the worker reads it from another thread.
// A blocking send ignores the caller's cancellation and only gives up when the
// node closes.
func (ws *workers) send(th *starlark.Thread, name string, item starlark.Value, blocking bool) error {
	ws.mu.Lock()
	w, ok := ws.byName[name]
	ws.mu.Unlock()
	if !ok {
		return apierr.Newf(apierr.NotFound, "bg worker %q not found", name)
	}
	item.Freeze()

	return ws.interp.Suspend(th, func(ctx context.Context) error {
		if blocking {
			ctx = context.Background()
		}
		select {
		case w.items <- item:
			return nil
		case <-ws.ctx.Done():
			return apierr.New(apierr.Closed, "node closing")
		case <-ctx.Done():
			return script.Classify(ctx.Err())
		}
	})
}

// wait blocks until every worker loop returned or ctx ends.
func (ws *workers) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		ws.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
