package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Config is the optional config.toml that seeds the node configuration before
// the script's config() runs.
type Config struct {
	Name          string            `toml:"name"`
	TemplatesPath string            `toml:"templates_path"`
	Tags          map[string]string `toml:"tags"`
	Endpoints     []Endpoint        `toml:"endpoints"`
}

// Validate normalizes the file in place. API references are checked later,
// once the script registered its APIs.
func (c *Config) Validate() error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return errors.New("name is required")
	}
	for i := range c.Endpoints {
		c.Endpoints[i].normalize()
		if err := c.Endpoints[i].validate(); err != nil {
			return fmt.Errorf("endpoint %d (%s): %w", i, c.Endpoints[i].Regex, err)
		}
	}
	return nil
}

// NodeConfig expands the file into a NodeConfig. Relative paths resolve against
// baseDir. Every regular file under templates_path is registered with its path
// relative to templates_path as the logical path.
func (c Config) NodeConfig(baseDir string) (NodeConfig, error) {
	nc := NewNodeConfig(c.Name)
	for k, v := range c.Tags {
		nc.Tags[k] = v
	}

	if c.TemplatesPath != "" {
		root, err := absFrom(baseDir, c.TemplatesPath)
		if err != nil {
			return NodeConfig{}, err
		}
		templates, err := WalkTemplates(root)
		if err != nil {
			return NodeConfig{}, err
		}
		nc.Templates = append(nc.Templates, templates...)
	}

	for _, e := range c.Endpoints {
		if e.Kind == EndpointStatic {
			p, err := absFrom(baseDir, e.Path)
			if err != nil {
				return NodeConfig{}, err
			}
			e.Path = p
		}
		nc.AddEndpoint(e)
	}
	return nc, nil
}

// WalkTemplates lists every regular file below root, following the layout of the
// directory. Logical paths always use forward slashes.
func WalkTemplates(root string) ([]Template, error) {
	var out []Template
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			if d.Type()&fs.ModeSymlink == 0 {
				return nil
			}
			// follow links to files; directories behind links are skipped
			target, err := filepath.EvalSymlinks(p)
			if err != nil {
				return nil
			}
			if info, err := os.Stat(target); err != nil || !info.Mode().IsRegular() {
				return nil
			}
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		out = append(out, Template{File: abs, Path: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk templates %s: %w", root, err)
	}
	return out, nil
}

func absFrom(baseDir, p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
