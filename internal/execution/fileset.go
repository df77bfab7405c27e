// Package execution dispatches source files to a remote sandbox service and
// classifies what came back.
package execution

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

var (
	ErrEmptyFileSet    = errors.New("file set is empty")
	ErrInvalidFilename = errors.New("invalid filename")
	ErrInvalidEndpoint = errors.New("invalid sandbox endpoint")
)

// FileSet maps relative filenames to source text.
type FileSet map[string]string

// Validate checks that the set is non-empty and every name is a clean relative path.
func (fs FileSet) Validate() error {
	if len(fs) == 0 {
		return ErrEmptyFileSet
	}
	for name := range fs {
		if err := validateFilename(name); err != nil {
			return err
		}
	}
	return nil
}

func validateFilename(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidFilename)
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("%w: %q must be a relative path", ErrInvalidFilename, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q escapes the workspace", ErrInvalidFilename, name)
		}
	}
	if path.Clean(name) != name {
		return fmt.Errorf("%w: %q is not a clean path", ErrInvalidFilename, name)
	}
	return nil
}

// Names returns the filenames in sorted order.
func (fs FileSet) Names() []string {
	names := make([]string, 0, len(fs))
	for name := range fs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a copy that is safe to hand to another goroutine.
func (fs FileSet) Clone() FileSet {
	out := make(FileSet, len(fs))
	for k, v := range fs {
		out[k] = v
	}
	return out
}

// Size returns the total number of source bytes.
func (fs FileSet) Size() int {
	n := 0
	for _, src := range fs {
		n += len(src)
	}
	return n
}

// payload is the wire body sent to the sandbox service.
type payload struct {
	Files FileSet `json:"files"`
}

// EncodePayload serializes the set into {"files": {...}}.
func EncodePayload(fs FileSet) ([]byte, error) {
	if fs == nil {
		fs = FileSet{}
	}
	return json.Marshal(payload{Files: fs})
}

// DecodePayload parses a {"files": {...}} body.
func DecodePayload(data []byte) (FileSet, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if p.Files == nil {
		p.Files = FileSet{}
	}
	return p.Files, nil
}
