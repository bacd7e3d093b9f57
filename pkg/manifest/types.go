package manifest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Verb is an HTTP-style method an API may implement.
type Verb string

const (
	GET    Verb = "GET"
	POST   Verb = "POST"
	PUT    Verb = "PUT"
	DELETE Verb = "DELETE"
)

// Verbs is the lookup order used when introspecting handler objects.
var Verbs = []Verb{GET, POST, PUT, DELETE}

// ParseVerb normalizes s and rejects anything outside Verbs.
func ParseVerb(s string) (Verb, error) {
	v := Verb(strings.ToUpper(strings.TrimSpace(s)))
	switch v {
	case GET, POST, PUT, DELETE:
		return v, nil
	}
	return "", fmt.Errorf("method %q not in GET, POST, PUT, DELETE", s)
}

/* ===========================
   Node configuration (sent in the Init frame)
   =========================== */

type NodeConfig struct {
	Name      string            `cbor:"name" json:"name"`
	Templates []Template        `cbor:"templates" json:"templates"`
	Tags      map[string]string `cbor:"tags" json:"tags"`
	Endpoints []Endpoint        `cbor:"endpoints" json:"endpoints"`
	APIs      []API             `cbor:"apis" json:"apis"`
}

type Template struct {
	File string `cbor:"file" json:"file"` // absolute path on disk
	Path string `cbor:"path" json:"path"` // logical path the broker serves it under
}

type API struct {
	ID      uint64   `cbor:"id" json:"id"`
	Name    string   `cbor:"name" json:"name"`
	Methods []Method `cbor:"methods" json:"methods"`
}

type Method struct {
	Verb       Verb        `cbor:"verb" json:"verb"`
	Parameters []Parameter `cbor:"parameters" json:"parameters"`
}

type Parameter struct {
	Name      string `cbor:"name" json:"name"`
	Kind      string `cbor:"kind" json:"kind"`
	Mandatory bool   `cbor:"mandatory" json:"mandatory"`
}

func NewNodeConfig(name string) NodeConfig {
	return NodeConfig{Name: name, Tags: map[string]string{}}
}

func (c *NodeConfig) AddTemplate(file, path string) {
	c.Templates = append(c.Templates, Template{File: file, Path: path})
}

// AddAPI appends an API under the next dense id and returns that id.
func (c *NodeConfig) AddAPI(name string, methods []Method) (uint64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, errors.New("api name is required")
	}
	if _, ok := c.APIByName(name); ok {
		return 0, fmt.Errorf("api %q already registered", name)
	}
	id := uint64(len(c.APIs))
	c.APIs = append(c.APIs, API{ID: id, Name: name, Methods: methods})
	return id, nil
}

func (c *NodeConfig) AddEndpoint(e Endpoint) {
	c.Endpoints = append(c.Endpoints, e)
}

func (c *NodeConfig) APIByName(name string) (API, bool) {
	for _, a := range c.APIs {
		if a.Name == name {
			return a, true
		}
	}
	return API{}, false
}

// Validate checks the invariants the broker relies on: dense API ids, unique
// API names and endpoints that only reference registered APIs.
func (c *NodeConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("node name is required")
	}
	seen := make(map[string]struct{}, len(c.APIs))
	for i, a := range c.APIs {
		if a.ID != uint64(i) {
			return fmt.Errorf("api %q: id %d does not match position %d", a.Name, a.ID, i)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("api %q registered twice", a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	for i, e := range c.Endpoints {
		if err := e.validate(); err != nil {
			return fmt.Errorf("endpoint %d (%s): %w", i, e.Regex, err)
		}
		for _, api := range e.References() {
			if _, ok := seen[api]; !ok {
				return fmt.Errorf("endpoint %d (%s): api %q not registered", i, e.Regex, api)
			}
		}
	}
	return nil
}

/* ===========================
   Endpoints
   =========================== */

type EndpointKind string

const (
	EndpointStatic  EndpointKind = "static"
	EndpointDynamic EndpointKind = "dynamic"
	EndpointRest    EndpointKind = "rest"
	EndpointView    EndpointKind = "view"
)

// Endpoint maps a URL regex to a static directory, an API or a template view.
// Which fields are meaningful depends on Kind.
type Endpoint struct {
	Regex    string               `toml:"regex" cbor:"regex" json:"regex"`
	Kind     EndpointKind         `toml:"kind" cbor:"kind" json:"kind"`
	Path     string               `toml:"path,omitempty" cbor:"path,omitempty" json:"path,omitempty"`             // static
	API      string               `toml:"api,omitempty" cbor:"api,omitempty" json:"api,omitempty"`                // dynamic, rest
	Template string               `toml:"template,omitempty" cbor:"template,omitempty" json:"template,omitempty"` // view
	APIs     map[string]APIConfig `toml:"apis,omitempty" cbor:"apis,omitempty" json:"apis,omitempty"`             // view: alias -> call
}

// APIConfig is one API call a view performs to render its template.
type APIConfig struct {
	API        string         `toml:"api" cbor:"api" json:"api"`
	Method     Verb           `toml:"method,omitempty" cbor:"method,omitempty" json:"method,omitempty"`
	Parameters map[string]any `toml:"parameters,omitempty" cbor:"parameters,omitempty" json:"parameters,omitempty"`
}

func Static(regex, path string) Endpoint {
	return Endpoint{Regex: regex, Kind: EndpointStatic, Path: path}
}

func Dynamic(regex, api string) Endpoint {
	return Endpoint{Regex: regex, Kind: EndpointDynamic, API: api}
}

func Rest(regex, api string) Endpoint {
	return Endpoint{Regex: regex, Kind: EndpointRest, API: api}
}

func View(regex, template string, apis map[string]APIConfig) Endpoint {
	return Endpoint{Regex: regex, Kind: EndpointView, Template: template, APIs: apis}
}

// References lists the API names the endpoint depends on.
func (e Endpoint) References() []string {
	switch e.Kind {
	case EndpointDynamic, EndpointRest:
		return []string{e.API}
	case EndpointView:
		out := make([]string, 0, len(e.APIs))
		for _, a := range e.APIs {
			out = append(out, a.API)
		}
		return out
	}
	return nil
}

func (e *Endpoint) normalize() {
	e.Kind = EndpointKind(strings.ToLower(strings.TrimSpace(string(e.Kind))))
	for alias, a := range e.APIs {
		if a.Method == "" {
			a.Method = GET
		} else {
			a.Method = Verb(strings.ToUpper(string(a.Method)))
		}
		e.APIs[alias] = a
	}
}

func (e Endpoint) validate() error {
	if e.Regex == "" {
		return errors.New("regex is required")
	}
	if _, err := regexp.Compile(e.Regex); err != nil {
		return fmt.Errorf("regex: %w", err)
	}
	switch e.Kind {
	case EndpointStatic:
		if strings.TrimSpace(e.Path) == "" {
			return errors.New("path required for static")
		}
	case EndpointDynamic, EndpointRest:
		if strings.TrimSpace(e.API) == "" {
			return fmt.Errorf("api required for %s", e.Kind)
		}
	case EndpointView:
		if strings.TrimSpace(e.Template) == "" {
			return errors.New("template required for view")
		}
		for alias, a := range e.APIs {
			if strings.TrimSpace(a.API) == "" {
				return fmt.Errorf("apis.%s: api required", alias)
			}
			if a.Method != "" {
				if _, err := ParseVerb(string(a.Method)); err != nil {
					return fmt.Errorf("apis.%s: %w", alias, err)
				}
			}
		}
	default:
		return fmt.Errorf("unknown endpoint kind %q", e.Kind)
	}
	return nil
}
