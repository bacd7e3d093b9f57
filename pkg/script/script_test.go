package script

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeydtaylor/steeze-node/pkg/apierr"
	"github.com/joeydtaylor/steeze-node/pkg/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

func load(t *testing.T, in *Interp, src string) *Module {
	t.Helper()
	m, err := in.LoadModule(context.Background(), []byte(src), "app.star")
	require.NoError(t, err)
	return m
}

func handler(t *testing.T, m *Module, name string) starlark.Callable {
	t.Helper()
	fn, ok := m.Callable(name)
	require.True(t, ok, name)
	return fn
}

func TestSignature(t *testing.T) {
	in := New(t.TempDir(), nil)
	m := load(t, in, `
def h(server, name, count=1, tags=None, *rest, **kw):
    pass
`)
	fn := handler(t, m, "h")

	assert.Equal(t, []manifest.Parameter{
		{Name: "name", Kind: "any", Mandatory: true},
		{Name: "count", Kind: "int", Mandatory: false},
		{Name: "tags", Kind: "any", Mandatory: false},
	}, Signature(fn, nil))

	params := Signature(fn, map[string]string{"name": "string", "tags": "list"})
	assert.Equal(t, "string", params[0].Kind)
	assert.Equal(t, "list", params[2].Kind)

	assert.Empty(t, Signature(starlark.NewBuiltin("b", nil), nil))
}

func TestInvokeBindsParameters(t *testing.T) {
	in := New(t.TempDir(), nil)
	m := load(t, in, `
def h(server, a, b=2):
    return {"server": server, "sum": a + b}
`)
	fn := handler(t, m, "h")

	v, err := in.Invoke(context.Background(), "h", fn,
		map[string]any{"a": 40, "unknown": true}, starlark.String("srv")).Await(context.Background())
	require.NoError(t, err)

	out, err := Out(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"server":"srv","sum":42}`, string(out))

	_, err = in.Invoke(context.Background(), "h", fn, map[string]any{"b": 1}, starlark.None).Await(context.Background())
	assert.True(t, apierr.IsKind(err, apierr.ParameterInvalid), err)
}

func TestErrorClassification(t *testing.T) {
	in := New(t.TempDir(), nil, WithGlobals(starlark.StringDict{
		"not_found": starlark.NewBuiltin("not_found", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return NewErrorValue(apierr.NotFound, string(args[0].(starlark.String))), nil
		}),
	}))
	m := load(t, in, `
def boom():
    fail("boom")

def raises():
    not_found("row 7").throw()

def returns():
    return not_found("row 8")
`)
	ctx := context.Background()

	_, err := in.Call(ctx, "boom", handler(t, m, "boom"), nil, nil).Await(ctx)
	ae := apierr.From(err)
	assert.Equal(t, apierr.Internal, ae.Kind)
	assert.Contains(t, ae.Description, "boom")
	assert.Contains(t, ae.Description, "Traceback")

	_, err = in.Call(ctx, "raises", handler(t, m, "raises"), nil, nil).Await(ctx)
	assert.ErrorIs(t, err, apierr.New(apierr.NotFound, "row 7"))

	v, err := in.Call(ctx, "returns", handler(t, m, "returns"), nil, nil).Await(ctx)
	require.NoError(t, err)
	_, err = Out(v)
	assert.ErrorIs(t, err, apierr.New(apierr.NotFound, "row 8"))
}

func TestSuspendReleasesLock(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})

	var in *Interp
	in = New(t.TempDir(), nil, WithGlobals(starlark.StringDict{
		"wait_gate": starlark.NewBuiltin("wait_gate", func(th *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			err := in.Suspend(th, func(ctx context.Context) error {
				close(entered)
				select {
				case <-gate:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			return starlark.String("released"), err
		}),
	}))
	m := load(t, in, `
def slow():
    return wait_gate()

def fast():
    return "fast"
`)
	ctx := context.Background()

	slow := in.Call(ctx, "slow", handler(t, m, "slow"), nil, nil)
	<-entered
	assert.False(t, in.Held(), "lock held while suspended")

	v, err := in.Call(ctx, "fast", handler(t, m, "fast"), nil, nil).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, starlark.String("fast"), v)

	select {
	case <-slow.Done():
		t.Fatal("slow handler finished before its gate opened")
	default:
	}

	close(gate)
	v, err = slow.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, starlark.String("released"), v)

	st := in.Stats()
	assert.Equal(t, int64(1), st.Suspensions)
	assert.Zero(t, st.Unowned)
	assert.False(t, in.Held())
}

func TestAwaitCancelsRunawayScript(t *testing.T) {
	in := New(t.TempDir(), nil)
	m := load(t, in, `
def spin():
    while True:
        pass
`)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := in.Call(context.Background(), "spin", handler(t, m, "spin"), nil, nil)
	_, err := f.Await(ctx)
	assert.True(t, apierr.IsKind(err, apierr.Timeout), err)

	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled thread kept running")
	}
	assert.False(t, in.Held())
}

func TestMarshal(t *testing.T) {
	b, err := Out(starlark.Bytes("\x00raw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00raw"), b)

	v, err := In([]byte(`{"big": 18446744073709551615, "f": 1.5, "l": [1, "x", null], "t": true}`))
	require.NoError(t, err)
	b, err = Out(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"big": 18446744073709551615, "f": 1.5, "l": [1, "x", null], "t": true}`, string(b))

	d := starlark.NewDict(1)
	require.NoError(t, d.SetKey(starlark.MakeInt(1), starlark.None))
	_, err = Out(d)
	assert.True(t, apierr.IsKind(err, apierr.ParseError), err)

	_, err = Out(starlark.Float(math.NaN()))
	assert.Error(t, err)

	v, err = In(nil)
	require.NoError(t, err)
	assert.Equal(t, starlark.None, v)
}

func TestLoadStatement(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib.star"), []byte(`GREETING = "hi"`), 0o644))

	in := New(dir, nil)
	m := load(t, in, `
load("lib.star", "GREETING")
def greet(who):
    return GREETING + " " + who
`)
	v, err := in.Invoke(context.Background(), "greet", handler(t, m, "greet"), map[string]any{"who": "bob"}, starlark.None).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, starlark.String("hi bob"), v)

	_, err = in.LoadModule(context.Background(), []byte(`load("missing.star", "x")`), "bad.star")
	assert.Error(t, err)
}
