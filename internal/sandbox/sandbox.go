// Package sandbox runs file sets in isolation. It backs the reference
// sandbox server that speaks the outbound execution contract.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/michaelbrown/flowgate/internal/execution"
)

// ErrNoEntrypoint is returned when no file can be chosen to run.
var ErrNoEntrypoint = errors.New("no entrypoint")

// RunOpts describes one execution.
type RunOpts struct {
	Files      execution.FileSet
	Entrypoint string // empty means main.py, else the only .py file
}

// Result is the output of a sandboxed execution.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"-"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// Sandbox runs code in an isolated environment.
type Sandbox interface {
	Run(ctx context.Context, opts RunOpts) (*Result, error)
}

// ResolveEntrypoint picks the file to run.
func ResolveEntrypoint(files execution.FileSet, explicit string) (string, error) {
	if explicit != "" {
		if _, ok := files[explicit]; !ok {
			return "", fmt.Errorf("%w: %q is not in the file set", ErrNoEntrypoint, explicit)
		}
		return explicit, nil
	}
	if _, ok := files["main.py"]; ok {
		return "main.py", nil
	}

	var py []string
	for _, name := range files.Names() {
		if path.Ext(name) == ".py" {
			py = append(py, name)
		}
	}
	if len(py) == 1 {
		return py[0], nil
	}
	return "", fmt.Errorf("%w: need main.py, a single .py file or an explicit entrypoint (have %s)",
		ErrNoEntrypoint, strings.Join(files.Names(), ", "))
}

// writeFiles materializes files under dir.
func writeFiles(dir string, files execution.FileSet) error {
	for name, src := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("creating dir for %s: %w", name, err)
		}
		if err := os.WriteFile(p, []byte(src), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// prepare validates opts and writes the files to a fresh temp dir. The
// caller removes the returned dir.
func prepare(opts RunOpts) (dir, entry string, err error) {
	if err := opts.Files.Validate(); err != nil {
		return "", "", err
	}
	entry, err = ResolveEntrypoint(opts.Files, opts.Entrypoint)
	if err != nil {
		return "", "", err
	}

	dir, err = os.MkdirTemp("", "flowgate-sandbox-*")
	if err != nil {
		return "", "", fmt.Errorf("creating temp dir: %w", err)
	}
	if err := writeFiles(dir, opts.Files); err != nil {
		os.RemoveAll(dir)
		return "", "", err
	}
	return dir, entry, nil
}
