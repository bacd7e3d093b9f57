package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joeydtaylor/steeze-node/pkg/apierr"
	"github.com/joeydtaylor/steeze-node/pkg/manifest"
	"github.com/joeydtaylor/steeze-node/pkg/middleware/metrics"
	"github.com/joeydtaylor/steeze-node/pkg/pending"
	"github.com/joeydtaylor/steeze-node/pkg/script"
	"github.com/joeydtaylor/steeze-node/pkg/wire"
	"go.starlark.net/starlark"
	"go.uber.org/zap"
)

const timeoutParam = "timeout"

// Server is the handle passed to every script entry point and handler.
type Server struct {
	builder  *Builder
	interp   *script.Interp
	pending  *pending.Table
	outbound chan<- wire.Frame
	closing  <-chan struct{}
	timeout  time.Duration
	log      *zap.Logger
	workers  *workers

	userMu   sync.Mutex
	userData map[string]starlark.Value
}

var (
	_ starlark.Value    = (*Server)(nil)
	_ starlark.HasAttrs = (*Server)(nil)
)

func (s *Server) String() string        { return fmt.Sprintf("<server %s>", s.builder.Name()) }
func (s *Server) Type() string          { return "server" }
func (s *Server) Freeze()               {}
func (s *Server) Truth() starlark.Bool  { return starlark.True }
func (s *Server) Hash() (uint32, error) { return 0, errors.New("unhashable type: server") }

var serverMethods = map[string]method{
	"request":                 serverRequest,
	"create_user_data":        serverCreateUserData,
	"get_user_data":           serverGetUserData,
	"create_bg_worker":        serverCreateWorker,
	"send_bg_worker":          serverSendWorker,
	"send_bg_worker_blocking": serverSendWorkerBlocking,
	"sleep":                   serverSleep,
	"log":                     serverLog,
}

func init() {
	for _, k := range apierr.Kinds {
		serverMethods["error_"+snake(string(k))] = errorConstructor(k)
	}
}

// snake turns a kind name into its constructor suffix: NotFound -> not_found.
func snake(s string) string {
	var sb strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				sb.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *Server) Attr(name string) (starlark.Value, error) {
	switch name {
	case "config":
		return s.builder, nil
	case "name":
		return starlark.String(s.builder.Name()), nil
	}
	if m, ok := serverMethods[name]; ok {
		return starlark.NewBuiltin(name, m).BindReceiver(s), nil
	}
	return nil, nil
}

func (s *Server) AttrNames() []string {
	names := []string{"config", "name"}
	for k := range serverMethods {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func errorConstructor(kind apierr.Kind) method {
	return func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var msg string
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "message?", &msg); err != nil {
			return nil, invalidArgs(err)
		}
		return script.NewErrorValue(kind, msg), nil
	}
}

// serverRequest implements server.request(node, api, method, timeout=None, **params).
// The reply is parsed as JSON.
func serverRequest(th *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	s := fn.Receiver().(*Server)
	var node, api, verbName string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, nil, 3, &node, &api, &verbName); err != nil {
		return nil, invalidArgs(err)
	}
	verb, err := manifest.ParseVerb(verbName)
	if err != nil {
		return nil, apierr.New(apierr.ParameterInvalid, err.Error())
	}

	timeout := s.timeout
	params := make(map[string]any, len(kwargs))
	for _, kv := range kwargs {
		k := string(kv[0].(starlark.String))
		if k == timeoutParam {
			if kv[1] == starlark.None {
				continue
			}
			if timeout, err = seconds(kv[1]); err != nil {
				return nil, err
			}
			continue
		}
		v, err := script.FromStarlark(kv[1])
		if err != nil {
			return nil, apierr.Newf(apierr.ParameterInvalid, "parameter %s: %v", k, err)
		}
		params[k] = v
	}

	data, err := s.call(th, wire.Request{Node: node, API: api, Method: verb, Parameters: params}, timeout)
	metrics.ObserveOutbound(metrics.Outcome(err))
	if err != nil {
		s.log.Debug("outbound request failed",
			zap.String("node", node), zap.String("api", api), zap.String("method", string(verb)), zap.Error(err))
		return nil, err
	}
	return script.In(data)
}

// call sends one Request frame and waits for its reply with the interpreter
// lock released. A caller that gives up leaves the id abandoned so a late
// reply is dropped.
func (s *Server) call(th *starlark.Thread, req wire.Request, timeout time.Duration) ([]byte, error) {
	id, _ := s.pending.Allocate()
	metrics.SetPending(s.pending.Len())
	defer func() { metrics.SetPending(s.pending.Len()) }()

	frame := wire.NewRequest(id, req)
	var data []byte
	err := s.interp.Suspend(th, func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		select {
		case s.outbound <- frame:
		case <-s.closing:
			if !s.pending.Abandon(id) {
				// already failed by the drain
				_, err := s.pending.Take(ctx, id)
				return err
			}
			return apierr.New(apierr.Closed, "node closing")
		case <-ctx.Done():
			// Take observes the finished context and abandons the entry.
			_, err := s.pending.Take(ctx, id)
			return err
		}
		var err error
		data, err = s.pending.Take(ctx, id)
		return err
	})
	return data, err
}

func seconds(v starlark.Value) (time.Duration, error) {
	f, ok := starlark.AsFloat(v)
	if !ok || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, apierr.Newf(apierr.ParameterInvalid, "duration must be a non-negative number of seconds, got %s", v.Type())
	}
	return time.Duration(f * float64(time.Second)), nil
}

func serverCreateUserData(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	s := fn.Receiver().(*Server)
	var name string
	var obj starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "object", &obj); err != nil {
		return nil, invalidArgs(err)
	}
	s.userMu.Lock()
	s.userData[name] = obj
	s.userMu.Unlock()
	return starlark.None, nil
}

func serverGetUserData(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	s := fn.Receiver().(*Server)
	var name string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name); err != nil {
		return nil, invalidArgs(err)
	}
	s.userMu.Lock()
	v, ok := s.userData[name]
	s.userMu.Unlock()
	if !ok {
		return starlark.None, nil
	}
	return v, nil
}

func serverCreateWorker(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	s := fn.Receiver().(*Server)
	var name string
	var cb starlark.Callable
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "callable", &cb); err != nil {
		return nil, invalidArgs(err)
	}
	return starlark.None, s.workers.create(name, cb, s)
}

func serverSendWorker(th *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return sendWorker(th, fn, args, kwargs, false)
}

func serverSendWorkerBlocking(th *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return sendWorker(th, fn, args, kwargs, true)
}

func sendWorker(th *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, blocking bool) (starlark.Value, error) {
	s := fn.Receiver().(*Server)
	var name string
	var item starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "item", &item); err != nil {
		return nil, invalidArgs(err)
	}
	return starlark.None, s.workers.send(th, name, item, blocking)
}

func serverSleep(th *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	s := fn.Receiver().(*Server)
	var v starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "seconds", &v); err != nil {
		return nil, invalidArgs(err)
	}
	d, err := seconds(v)
	if err != nil {
		return nil, err
	}
	return starlark.None, s.interp.Suspend(th, func(ctx context.Context) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return script.Classify(ctx.Err())
		}
	})
}

func serverLog(th *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	s := fn.Receiver().(*Server)
	var msg, level string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "message", &msg, "level?", &level); err != nil {
		return nil, invalidArgs(err)
	}
	fields := []zap.Field{zap.String("thread", th.Name), zap.String("msg", msg)}
	switch strings.ToLower(level) {
	case "debug":
		s.log.Debug("script log", fields...)
	case "warn", "warning":
		s.log.Warn("script log", fields...)
	case "error":
		s.log.Error("script log", fields...)
	default:
		s.log.Info("script log", fields...)
	}
	return starlark.None, nil
}
