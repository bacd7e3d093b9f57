package manifest

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
name = "shop"
templates_path = "templates"

[tags]
team = "web"

[[endpoints]]
regex = "^/static/.*$"
kind = "static"
path = "public"

[[endpoints]]
regex = "^/api/echo$"
kind = "REST"
api = "echo"

[[endpoints]]
regex = "^/$"
kind = "view"
template = "index.html"

[endpoints.apis.items]
api = "items"

[endpoints.apis.items.parameters]
limit = 10
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadAppConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, AppConfigFile), sampleConfig)
	writeFile(t, filepath.Join(dir, "templates", "index.html"), "<html/>")
	writeFile(t, filepath.Join(dir, "templates", "parts", "nav.html"), "<nav/>")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "public"), 0o755))

	nc, err := LoadAppConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "shop", nc.Name)
	assert.Equal(t, map[string]string{"team": "web"}, nc.Tags)

	paths := []string{}
	for _, tpl := range nc.Templates {
		assert.True(t, filepath.IsAbs(tpl.File), tpl.File)
		paths = append(paths, tpl.Path)
	}
	sort.Strings(paths)
	assert.Equal(t, []string{"index.html", "parts/nav.html"}, paths)

	require.Len(t, nc.Endpoints, 3)
	assert.Equal(t, EndpointStatic, nc.Endpoints[0].Kind)
	assert.Equal(t, filepath.Join(dir, "public"), nc.Endpoints[0].Path)
	assert.Equal(t, EndpointRest, nc.Endpoints[1].Kind)
	assert.Equal(t, GET, nc.Endpoints[2].APIs["items"].Method)

	// endpoints reference APIs the script has not registered yet
	assert.Error(t, nc.Validate())
	_, err = nc.AddAPI("echo", nil)
	require.NoError(t, err)
	_, err = nc.AddAPI("items", nil)
	require.NoError(t, err)
	assert.NoError(t, nc.Validate())
}

func TestLoadAppConfigMissingFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "hello")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	nc, err := LoadAppConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "hello", nc.Name)
	assert.Empty(t, nc.Endpoints)
}

func TestConfigValidateRejects(t *testing.T) {
	cases := map[string]Config{
		"no name":      {},
		"bad kind":     {Name: "n", Endpoints: []Endpoint{{Regex: "^/$", Kind: "socket"}}},
		"bad regex":    {Name: "n", Endpoints: []Endpoint{{Regex: "(", Kind: EndpointRest, API: "a"}}},
		"static path":  {Name: "n", Endpoints: []Endpoint{{Regex: "^/$", Kind: EndpointStatic}}},
		"view no tmpl": {Name: "n", Endpoints: []Endpoint{{Regex: "^/$", Kind: EndpointView}}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestAddAPIDenseIDsAndDuplicates(t *testing.T) {
	nc := NewNodeConfig("n")
	for i, name := range []string{"a", "b", "c"} {
		id, err := nc.AddAPI(name, []Method{{Verb: GET}})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), id)
	}
	_, err := nc.AddAPI("b", nil)
	assert.Error(t, err)
	assert.Len(t, nc.APIs, 3)

	nc.AddEndpoint(Dynamic("^/d$", "missing"))
	assert.ErrorContains(t, nc.Validate(), `"missing"`)
}

func TestParseVerb(t *testing.T) {
	v, err := ParseVerb(" post ")
	require.NoError(t, err)
	assert.Equal(t, POST, v)
	_, err = ParseVerb("PATCH")
	assert.Error(t, err)
}

func TestLoadBrokerConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.toml")
	writeFile(t, path, `unix_stream_path = "/run/broker.sock"`)

	cfg, err := LoadBrokerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/run/broker.sock", cfg.UnixStreamPath)

	writeFile(t, path, `other = 1`)
	_, err = LoadBrokerConfig(path)
	assert.Error(t, err)
}
