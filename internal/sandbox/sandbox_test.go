package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/flowgate/internal/execution"
)

func TestResolveEntrypoint(t *testing.T) {
	tests := []struct {
		name     string
		files    execution.FileSet
		explicit string
		want     string
		wantErr  bool
	}{
		{name: "main.py wins", files: execution.FileSet{"main.py": "", "util.py": ""}, want: "main.py"},
		{name: "single py file", files: execution.FileSet{"test.py": "", "data.txt": ""}, want: "test.py"},
		{name: "explicit", files: execution.FileSet{"a.py": "", "b.py": ""}, explicit: "b.py", want: "b.py"},
		{name: "explicit missing", files: execution.FileSet{"a.py": ""}, explicit: "c.py", wantErr: true},
		{name: "ambiguous", files: execution.FileSet{"a.py": "", "b.py": ""}, wantErr: true},
		{name: "no python", files: execution.FileSet{"notes.txt": ""}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveEntrypoint(tt.files, tt.explicit)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoEntrypoint)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.IsImageAllowed(p.Image))
	assert.False(t, p.IsImageAllowed("alpine:latest"))
	assert.False(t, p.Network)
}

func TestDockerArgs(t *testing.T) {
	d := NewDockerSandbox(DefaultPolicy())
	args := d.args("flowgate-1234", "/tmp/ws", "main.py")

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "run --rm --name flowgate-1234 --memory 256m")
	assert.Contains(t, joined, "-v /tmp/ws:/workspace:ro")
	assert.Contains(t, joined, "--network=none")
	assert.Equal(t, []string{"python:3.12-slim", "python", "main.py"}, args[len(args)-3:])

	d.Policy.Network = true
	assert.NotContains(t, strings.Join(d.args("flowgate-1234", "/tmp/ws", "main.py"), " "), "--network=none")
}

// fakeDocker writes a docker stand-in that logs its arguments and blocks on run.
func fakeDocker(t *testing.T) (bin, log string) {
	t.Helper()
	dir := t.TempDir()
	log = filepath.Join(dir, "calls.log")
	bin = filepath.Join(dir, "docker")
	script := "#!/bin/sh\necho \"$@\" >> " + log + "\nif [ \"$1\" = run ]; then exec sleep 10; fi\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, log
}

func TestDockerSandbox_TimeoutKillsContainer(t *testing.T) {
	bin, log := fakeDocker(t)
	p := DefaultPolicy()
	p.MaxTimeout = 200 * time.Millisecond
	d := &DockerSandbox{Policy: p, Binary: bin}

	res, err := d.Run(context.Background(), RunOpts{Files: execution.FileSet{"main.py": "while True: pass"}})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)

	data, err := os.ReadFile(log)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	run := strings.Fields(lines[0])
	require.GreaterOrEqual(t, len(run), 4)
	assert.Equal(t, "--name", run[2])
	assert.True(t, strings.HasPrefix(run[3], "flowgate-"))
	assert.Equal(t, "kill "+run[3], lines[1])
}

func TestDockerSandbox_CancelKillsContainer(t *testing.T) {
	bin, log := fakeDocker(t)
	d := &DockerSandbox{Policy: DefaultPolicy(), Binary: bin}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := d.Run(ctx, RunOpts{Files: execution.FileSet{"main.py": ""}})
	assert.ErrorIs(t, err, context.Canceled)

	data, err := os.ReadFile(log)
	require.NoError(t, err)
	assert.Contains(t, string(data), "kill flowgate-")
}

func TestDockerSandbox_ImageNotAllowed(t *testing.T) {
	p := DefaultPolicy()
	p.Image = "alpine:latest"
	_, err := NewDockerSandbox(p).Run(context.Background(), RunOpts{Files: execution.FileSet{"main.py": ""}})
	assert.ErrorContains(t, err, "not in allowlist")
}

// The local sandbox is exercised with sh so the tests need no python.
func TestLocalSandbox_Run(t *testing.T) {
	sb := &LocalSandbox{Interpreter: "sh", Timeout: 5 * time.Second}

	res, err := sb.Run(context.Background(), RunOpts{
		Files: execution.FileSet{
			"main.py":      ". ./lib/env.sh\necho \"$GREETING\"\necho oops >&2\nexit 3\n",
			"lib/env.sh":   "GREETING=hello\n",
			"unrelated.py": "",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)
}

func TestLocalSandbox_Timeout(t *testing.T) {
	sb := &LocalSandbox{Interpreter: "sh", Timeout: 100 * time.Millisecond}

	res, err := sb.Run(context.Background(), RunOpts{Files: execution.FileSet{"main.py": "sleep 5\n"}})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Stderr, "timed out")
}

func TestLocalSandbox_InvalidInput(t *testing.T) {
	sb := &LocalSandbox{Interpreter: "sh"}

	_, err := sb.Run(context.Background(), RunOpts{})
	assert.ErrorIs(t, err, execution.ErrEmptyFileSet)

	_, err = sb.Run(context.Background(), RunOpts{Files: execution.FileSet{"a.py": "", "b.py": ""}})
	assert.True(t, errors.Is(err, ErrNoEntrypoint))
}
