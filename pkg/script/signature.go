package script

import (
	"github.com/joeydtaylor/steeze-node/pkg/apierr"
	"github.com/joeydtaylor/steeze-node/pkg/manifest"
	"go.starlark.net/starlark"
)

// ServerParam is the parameter name that receives the server object.
const ServerParam = "server"

const anyKind = "any"

// Signature describes the parameters of fn, excluding the server parameter.
// A parameter is mandatory when it has no default. Its kind comes from types
// when present, else from the type of its default value, else "any".
// Callables that are not script functions report no parameters.
func Signature(fn starlark.Callable, types map[string]string) []manifest.Parameter {
	f, ok := fn.(*starlark.Function)
	if !ok {
		return []manifest.Parameter{}
	}
	out := []manifest.Parameter{}
	for i := 0; i < namedParams(f); i++ {
		name, _ := f.Param(i)
		if name == ServerParam {
			continue
		}
		def := f.ParamDefault(i)
		kind := anyKind
		if t, ok := types[name]; ok && t != "" {
			kind = t
		} else if def != nil && def != starlark.None {
			kind = def.Type()
		}
		out = append(out, manifest.Parameter{Name: name, Kind: kind, Mandatory: def == nil})
	}
	return out
}

func namedParams(f *starlark.Function) int {
	n := f.NumParams()
	if f.HasVarargs() {
		n--
	}
	if f.HasKwargs() {
		n--
	}
	return n
}

// bind builds the keyword arguments for calling fn with params. Keys fn does not
// declare are dropped; server is passed if fn declares it. A missing mandatory
// parameter is ParameterInvalid.
func bind(fn starlark.Callable, params map[string]any, server starlark.Value) (starlark.Tuple, []starlark.Tuple, error) {
	f, ok := fn.(*starlark.Function)
	if !ok {
		kwargs := make([]starlark.Tuple, 0, len(params))
		for _, k := range sortedKeys(params) {
			v, err := ToStarlark(params[k])
			if err != nil {
				return nil, nil, err
			}
			kwargs = append(kwargs, starlark.Tuple{starlark.String(k), v})
		}
		return starlark.Tuple{server}, kwargs, nil
	}

	var kwargs []starlark.Tuple
	for i := 0; i < namedParams(f); i++ {
		name, _ := f.Param(i)
		if name == ServerParam {
			kwargs = append(kwargs, starlark.Tuple{starlark.String(name), server})
			continue
		}
		raw, present := params[name]
		if !present {
			if f.ParamDefault(i) == nil {
				return nil, nil, apierr.Newf(apierr.ParameterInvalid, "missing parameter %s", name)
			}
			continue
		}
		v, err := ToStarlark(raw)
		if err != nil {
			return nil, nil, apierr.Newf(apierr.ParameterInvalid, "parameter %s: %v", name, err)
		}
		kwargs = append(kwargs, starlark.Tuple{starlark.String(name), v})
	}
	return nil, kwargs, nil
}
