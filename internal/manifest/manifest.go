// Package manifest loads flow manifests: YAML files naming the sources a
// job submits to the sandbox.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/flowgate/internal/execution"
)

// Manifest describes one flow submission.
//
//	name: hello
//	entrypoint: main.py
//	files:
//	  main.py: |
//	    print("hi")
//	include:
//	  - lib/helpers.py
type Manifest struct {
	Name       string            `yaml:"name"`
	Entrypoint string            `yaml:"entrypoint"`
	Files      map[string]string `yaml:"files"`
	Include    []string          `yaml:"include"`

	dir string
}

// Load reads a manifest from a YAML file. Include paths resolve relative to
// the manifest's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// Parse decodes a manifest without resolving includes against a directory.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m.dir = "."
	return &m, nil
}

// FileSet merges inline files with included ones and validates the result.
// An included file keeps its path relative to the manifest.
func (m *Manifest) FileSet() (execution.FileSet, error) {
	fs := make(execution.FileSet, len(m.Files)+len(m.Include))
	for name, src := range m.Files {
		fs[name] = src
	}

	for _, inc := range m.Include {
		name := filepath.ToSlash(filepath.Clean(inc))
		if _, dup := fs[name]; dup {
			return nil, fmt.Errorf("file %q is both inline and included", name)
		}
		data, err := os.ReadFile(filepath.Join(m.dir, inc))
		if err != nil {
			return nil, fmt.Errorf("reading include %s: %w", inc, err)
		}
		fs[name] = string(data)
	}

	if err := fs.Validate(); err != nil {
		return nil, err
	}
	if m.Entrypoint != "" {
		if _, ok := fs[m.Entrypoint]; !ok {
			return nil, fmt.Errorf("entrypoint %q is not in the file set", m.Entrypoint)
		}
	}
	return fs, nil
}

// FromPaths builds a FileSet from files on disk, keyed by base name.
func FromPaths(paths []string) (execution.FileSet, error) {
	fs := make(execution.FileSet, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		name := filepath.Base(p)
		if _, dup := fs[name]; dup {
			return nil, fmt.Errorf("duplicate file name %q", name)
		}
		fs[name] = string(data)
	}
	if err := fs.Validate(); err != nil {
		return nil, err
	}
	return fs, nil
}
