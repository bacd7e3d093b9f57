package app

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/joeydtaylor/steeze-node/pkg/apierr"
	"github.com/joeydtaylor/steeze-node/pkg/manifest"
	"github.com/joeydtaylor/steeze-node/pkg/script"
	"go.starlark.net/starlark"
)

// handler is the binding stored at an API's id: its verb callables.
type handler struct {
	api     string
	methods map[manifest.Verb]starlark.Callable
}

// Builder is the script-facing node configuration, reachable as server.config.
// It is sealed once config() returns; later mutations fail with NotAllowed.
type Builder struct {
	mu       sync.Mutex
	baseDir  string
	cfg      manifest.NodeConfig
	handlers []handler
	onClose  starlark.Callable
	sealed   bool
}

var (
	_ starlark.Value    = (*Builder)(nil)
	_ starlark.HasAttrs = (*Builder)(nil)
)

func newBuilder(seed manifest.NodeConfig, baseDir string) *Builder {
	if seed.Tags == nil {
		seed.Tags = map[string]string{}
	}
	return &Builder{baseDir: baseDir, cfg: seed}
}

func (b *Builder) String() string        { return fmt.Sprintf("<config %s>", b.Name()) }
func (b *Builder) Type() string          { return "config" }
func (b *Builder) Freeze()               {}
func (b *Builder) Truth() starlark.Bool  { return starlark.True }
func (b *Builder) Hash() (uint32, error) { return 0, errors.New("unhashable type: config") }

func (b *Builder) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Name
}

type method func(th *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

var builderMethods = map[string]method{
	"add_template":      builderAddTemplate,
	"add_api":           builderAddAPI,
	"add_static":        builderAddStatic,
	"add_dynamic":       builderAddDynamic,
	"add_rest":          builderAddRest,
	"add_view":          builderAddView,
	"add_close_handler": builderAddCloseHandler,
}

func (b *Builder) Attr(name string) (starlark.Value, error) {
	if name == "name" {
		return starlark.String(b.Name()), nil
	}
	if m, ok := builderMethods[name]; ok {
		return starlark.NewBuiltin(name, m).BindReceiver(b), nil
	}
	return nil, nil
}

func (b *Builder) AttrNames() []string {
	names := []string{"name"}
	for k := range builderMethods {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// mutate runs fn under the builder lock unless the builder is sealed.
func (b *Builder) mutate(fn func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return apierr.New(apierr.NotAllowed, "node configuration is sealed")
	}
	return fn()
}

// seal validates the configuration and freezes it. The API handler vector is
// aligned with cfg.APIs by id.
func (b *Builder) seal() (manifest.NodeConfig, []handler, starlark.Callable, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.cfg.Validate(); err != nil {
		return manifest.NodeConfig{}, nil, nil, apierr.New(apierr.ParameterInvalid, err.Error())
	}
	if len(b.handlers) != len(b.cfg.APIs) {
		return manifest.NodeConfig{}, nil, nil, apierr.Newf(apierr.Internal, "%d handlers for %d apis", len(b.handlers), len(b.cfg.APIs))
	}
	b.sealed = true
	return b.cfg, b.handlers, b.onClose, nil
}

func (b *Builder) abs(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(b.baseDir, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", apierr.Newf(apierr.ParameterInvalid, "path %s: %v", p, err)
	}
	// symlinks resolve only once the file exists
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	return abs, nil
}

func invalidArgs(err error) error {
	return apierr.New(apierr.ParameterInvalid, err.Error())
}

func builderAddTemplate(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	b := fn.Receiver().(*Builder)
	var file, path string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "source_file", &file, "logical_path", &path); err != nil {
		return nil, invalidArgs(err)
	}
	abs, err := b.abs(file)
	if err != nil {
		return nil, err
	}
	return starlark.None, b.mutate(func() error {
		b.cfg.AddTemplate(abs, path)
		return nil
	})
}

func builderAddAPI(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	b := fn.Receiver().(*Builder)
	var name string
	var obj starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "handler", &obj); err != nil {
		return nil, invalidArgs(err)
	}
	h, methods, err := introspect(name, obj)
	if err != nil {
		return nil, err
	}
	err = b.mutate(func() error {
		if _, err := b.cfg.AddAPI(name, methods); err != nil {
			return apierr.New(apierr.ParameterInvalid, err.Error())
		}
		b.handlers = append(b.handlers, h)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return starlark.String(name), nil
}

// introspect finds the verb callables of a handler object. The object may be a
// struct or module with GET/POST/PUT/DELETE attributes, or a dict keyed by verb.
// An optional "types" entry maps parameter names to type strings.
func introspect(api string, obj starlark.Value) (handler, []manifest.Method, error) {
	types := map[string]string{}
	tv, err := lookup(obj, "types")
	if err != nil {
		return handler{}, nil, err
	}
	if tv != nil && tv != starlark.None {
		d, ok := tv.(*starlark.Dict)
		if !ok {
			return handler{}, nil, apierr.Newf(apierr.ParameterInvalid, "%s.types must be a dict, got %s", api, tv.Type())
		}
		for _, kv := range d.Items() {
			k, kok := starlark.AsString(kv[0])
			v, vok := starlark.AsString(kv[1])
			if !kok || !vok {
				return handler{}, nil, apierr.Newf(apierr.ParameterInvalid, "%s.types entries must be strings", api)
			}
			types[k] = v
		}
	}

	h := handler{api: api, methods: map[manifest.Verb]starlark.Callable{}}
	var methods []manifest.Method
	for _, verb := range manifest.Verbs {
		v, err := lookup(obj, string(verb))
		if err != nil {
			return handler{}, nil, err
		}
		if v == nil || v == starlark.None {
			continue
		}
		fn, ok := v.(starlark.Callable)
		if !ok {
			return handler{}, nil, apierr.Newf(apierr.ParameterInvalid, "%s.%s is not callable", api, verb)
		}
		h.methods[verb] = fn
		methods = append(methods, manifest.Method{Verb: verb, Parameters: script.Signature(fn, types)})
	}
	if len(methods) == 0 {
		return handler{}, nil, apierr.Newf(apierr.ParameterInvalid, "api %s declares none of GET, POST, PUT, DELETE", api)
	}
	return h, methods, nil
}

func lookup(obj starlark.Value, key string) (starlark.Value, error) {
	switch x := obj.(type) {
	case *starlark.Dict:
		v, _, err := x.Get(starlark.String(key))
		return v, err
	case starlark.HasAttrs:
		v, err := x.Attr(key)
		var nsa starlark.NoSuchAttrError
		if errors.As(err, &nsa) {
			return nil, nil
		}
		return v, err
	}
	return nil, apierr.Newf(apierr.ParameterInvalid, "handler must be a struct, module or dict, got %s", obj.Type())
}

func builderAddStatic(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	b := fn.Receiver().(*Builder)
	var regex, path string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "regex", &regex, "path", &path); err != nil {
		return nil, invalidArgs(err)
	}
	abs, err := b.abs(path)
	if err != nil {
		return nil, err
	}
	return starlark.None, b.mutate(func() error {
		b.cfg.AddEndpoint(manifest.Static(regex, abs))
		return nil
	})
}

func builderAddDynamic(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return addAPIEndpoint(fn, args, kwargs, manifest.Dynamic)
}

func builderAddRest(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return addAPIEndpoint(fn, args, kwargs, manifest.Rest)
}

func addAPIEndpoint(fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, mk func(regex, api string) manifest.Endpoint) (starlark.Value, error) {
	b := fn.Receiver().(*Builder)
	var regex, api string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "regex", &regex, "api_name", &api); err != nil {
		return nil, invalidArgs(err)
	}
	return starlark.None, b.mutate(func() error {
		b.cfg.AddEndpoint(mk(regex, api))
		return nil
	})
}

func builderAddView(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	b := fn.Receiver().(*Builder)
	var regex, template string
	var apis *starlark.Dict
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "regex", &regex, "template", &template, "apis?", &apis); err != nil {
		return nil, invalidArgs(err)
	}
	calls := map[string]manifest.APIConfig{}
	if apis != nil {
		for _, kv := range apis.Items() {
			alias, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, apierr.Newf(apierr.ParameterInvalid, "view alias %s is not a string", kv[0])
			}
			c, err := apiConfig(alias, kv[1])
			if err != nil {
				return nil, err
			}
			calls[alias] = c
		}
	}
	return starlark.None, b.mutate(func() error {
		b.cfg.AddEndpoint(manifest.View(regex, template, calls))
		return nil
	})
}

// apiConfig accepts either an API name or {"api": ..., "method": ..., "parameters": {...}}.
func apiConfig(alias string, v starlark.Value) (manifest.APIConfig, error) {
	if s, ok := starlark.AsString(v); ok {
		return manifest.APIConfig{API: s, Method: manifest.GET}, nil
	}
	raw, err := script.FromStarlark(v)
	if err != nil {
		return manifest.APIConfig{}, apierr.Newf(apierr.ParameterInvalid, "view api %s: %v", alias, err)
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return manifest.APIConfig{}, apierr.Newf(apierr.ParameterInvalid, "view api %s must be a name or a dict", alias)
	}
	c := manifest.APIConfig{Method: manifest.GET}
	c.API, _ = m["api"].(string)
	if s, ok := m["method"].(string); ok {
		verb, err := manifest.ParseVerb(s)
		if err != nil {
			return manifest.APIConfig{}, apierr.Newf(apierr.ParameterInvalid, "view api %s: %v", alias, err)
		}
		c.Method = verb
	}
	if p, ok := m["parameters"].(map[string]any); ok {
		c.Parameters = p
	}
	if c.API == "" {
		return manifest.APIConfig{}, apierr.Newf(apierr.ParameterInvalid, "view api %s: api is required", alias)
	}
	return c, nil
}

func builderAddCloseHandler(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	b := fn.Receiver().(*Builder)
	var cb starlark.Callable
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "handler", &cb); err != nil {
		return nil, invalidArgs(err)
	}
	return starlark.None, b.mutate(func() error {
		b.onClose = cb
		return nil
	})
}
