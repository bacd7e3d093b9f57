package script

import (
	"encoding/json"
	"math"
	"math/big"
	"sort"

	"github.com/joeydtaylor/steeze-node/pkg/apierr"
	"github.com/joeydtaylor/steeze-node/pkg/codec"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

const maxDepth = 64

// ToStarlark converts a decoded payload (the shapes produced by JSON or CBOR
// decoding into any) into a fresh, unfrozen script value.
func ToStarlark(v any) (starlark.Value, error) { return toStarlark(v, 0) }

func toStarlark(v any, depth int) (starlark.Value, error) {
	if depth > maxDepth {
		return nil, apierr.New(apierr.ParseError, "value nested too deeply")
	}
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return x, nil
	case bool:
		return starlark.Bool(x), nil
	case string:
		return starlark.String(x), nil
	case []byte:
		return starlark.Bytes(x), nil
	case json.Number:
		if i, ok := new(big.Int).SetString(x.String(), 10); ok {
			return starlark.MakeBigInt(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, apierr.Newf(apierr.ParseError, "number %q: %v", x, err)
		}
		return starlark.Float(f), nil
	case int:
		return starlark.MakeInt(x), nil
	case int8:
		return starlark.MakeInt64(int64(x)), nil
	case int16:
		return starlark.MakeInt64(int64(x)), nil
	case int32:
		return starlark.MakeInt64(int64(x)), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case uint:
		return starlark.MakeUint(x), nil
	case uint8:
		return starlark.MakeUint64(uint64(x)), nil
	case uint16:
		return starlark.MakeUint64(uint64(x)), nil
	case uint32:
		return starlark.MakeUint64(uint64(x)), nil
	case uint64:
		return starlark.MakeUint64(x), nil
	case *big.Int:
		return starlark.MakeBigInt(x), nil
	case float32:
		return starlark.Float(x), nil
	case float64:
		return starlark.Float(x), nil
	case []any:
		elems := make([]starlark.Value, 0, len(x))
		for _, e := range x {
			sv, err := toStarlark(e, depth+1)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		d := starlark.NewDict(len(x))
		for _, k := range sortedKeys(x) {
			sv, err := toStarlark(x[k], depth+1)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	case map[any]any:
		d := starlark.NewDict(len(x))
		for k, e := range x {
			sk, err := toStarlark(k, depth+1)
			if err != nil {
				return nil, err
			}
			sv, err := toStarlark(e, depth+1)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(sk, sv); err != nil {
				return nil, apierr.Newf(apierr.ParseError, "map key %v: %v", k, err)
			}
		}
		return d, nil
	}
	return nil, apierr.Newf(apierr.ParseError, "cannot convert %T to a script value", v)
}

// FromStarlark converts a script value into plain Go data suitable for JSON.
// Dict keys must be strings. Nested bytes are encoded the way encoding/json
// encodes []byte.
func FromStarlark(v starlark.Value) (any, error) { return fromStarlark(v, 0) }

func fromStarlark(v starlark.Value, depth int) (any, error) {
	if depth > maxDepth {
		return nil, apierr.New(apierr.ParseError, "value nested too deeply")
	}
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i, nil
		}
		return x.BigInt(), nil
	case starlark.Float:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, apierr.Newf(apierr.ParseError, "%v is not representable in JSON", f)
		}
		return f, nil
	case starlark.String:
		return string(x), nil
	case starlark.Bytes:
		return []byte(x), nil
	case *starlark.List:
		return fromIterable(x, x.Len(), depth)
	case starlark.Tuple:
		return fromIterable(x, x.Len(), depth)
	case *starlark.Set:
		return fromIterable(x, x.Len(), depth)
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			k, ok := item[0].(starlark.String)
			if !ok {
				return nil, apierr.Newf(apierr.ParseError, "dict key %s is not a string", item[0].Type())
			}
			e, err := fromStarlark(item[1], depth+1)
			if err != nil {
				return nil, err
			}
			out[string(k)] = e
		}
		return out, nil
	case *starlarkstruct.Struct:
		sd := make(starlark.StringDict)
		x.ToStringDict(sd)
		out := make(map[string]any, len(sd))
		for k, sv := range sd {
			e, err := fromStarlark(sv, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = e
		}
		return out, nil
	}
	return nil, apierr.Newf(apierr.ParseError, "cannot convert %s to JSON", v.Type())
}

func fromIterable(it starlark.Iterable, n int, depth int) ([]any, error) {
	out := make([]any, 0, n)
	iter := it.Iterate()
	defer iter.Done()
	var e starlark.Value
	for iter.Next(&e) {
		g, err := fromStarlark(e, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// Out encodes a handler's return value for a Response frame: bytes pass through
// untouched, an ErrorValue becomes its typed error, anything else is JSON.
func Out(v starlark.Value) ([]byte, error) {
	switch x := v.(type) {
	case starlark.Bytes:
		return []byte(x), nil
	case *ErrorValue:
		return nil, x.err
	}
	g, err := FromStarlark(v)
	if err != nil {
		return nil, err
	}
	b, err := codec.JSONValue.Marshal(g)
	if err != nil {
		return nil, apierr.Newf(apierr.ParseError, "encode result: %v", err)
	}
	return b, nil
}

// In decodes a JSON payload into a script value.
func In(data []byte) (starlark.Value, error) {
	if len(data) == 0 {
		return starlark.None, nil
	}
	var v any
	if err := codec.JSONValue.Unmarshal(data, &v); err != nil {
		return nil, apierr.Newf(apierr.ParseError, "decode payload: %v", err)
	}
	return ToStarlark(v)
}

// MarshalOut runs Out under the interpreter lock. Use it from host code that
// encodes a value a script may still reference.
func (in *Interp) MarshalOut(v starlark.Value) ([]byte, error) {
	release := in.Acquire(hostThread)
	defer release()
	return Out(v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
