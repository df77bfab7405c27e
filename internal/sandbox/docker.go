package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
)

// DockerSandbox runs file sets with python inside Docker containers.
type DockerSandbox struct {
	Policy Policy
	Binary string // docker CLI, default "docker"
}

// NewDockerSandbox creates a sandbox with the given policy.
func NewDockerSandbox(policy Policy) *DockerSandbox {
	return &DockerSandbox{Policy: policy, Binary: "docker"}
}

// args builds the docker run invocation for a workspace dir and entry file.
// The container is named so it can be killed once the CLI is gone.
func (d *DockerSandbox) args(name, dir, entry string) []string {
	args := []string{
		"run", "--rm",
		"--name", name,
		"--memory", d.Policy.MaxMemory,
		"--stop-timeout", fmt.Sprintf("%d", int(d.Policy.MaxTimeout.Seconds())),
		"-v", dir + ":/workspace:ro",
		"-w", "/workspace",
	}

	if !d.Policy.Network {
		args = append(args, "--network=none")
	}

	return append(args, d.Policy.Image, "python", entry)
}

func (d *DockerSandbox) Run(ctx context.Context, opts RunOpts) (*Result, error) {
	if !d.Policy.IsImageAllowed(d.Policy.Image) {
		return nil, fmt.Errorf("image %q not in allowlist", d.Policy.Image)
	}

	dir, entry, err := prepare(opts)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	bin := d.Binary
	if bin == "" {
		bin = "docker"
	}
	name := "flowgate-" + uuid.NewString()
	res, err := runCommand(ctx, d.Policy.MaxTimeout, "", bin, d.args(name, dir, entry)...)
	if err != nil || res.TimedOut {
		// Killing the CLI leaves the container running.
		d.kill(bin, name)
	}
	return res, err
}

func (d *DockerSandbox) kill(bin, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec.CommandContext(ctx, bin, "kill", name).Run()
}

// LocalSandbox runs file sets with a host interpreter in a temp dir. It
// offers no isolation and suits development only.
type LocalSandbox struct {
	Interpreter string // default "python3"
	Timeout     time.Duration
}

func (l *LocalSandbox) Run(ctx context.Context, opts RunOpts) (*Result, error) {
	dir, entry, err := prepare(opts)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	interp := l.Interpreter
	if interp == "" {
		interp = "python3"
	}
	return runCommand(ctx, l.Timeout, dir, interp, entry)
}

// runCommand runs name with args, capturing output. A non-zero exit is a
// Result, not an error; a timeout yields exit code -1.
func runCommand(ctx context.Context, timeout time.Duration, dir, name string, args ...string) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// Orphaned children may hold the output pipes open after a kill.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{Duration: time.Since(start)}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res.ExitCode = -1
			res.TimedOut = true
			if stderr.Len() == 0 {
				fmt.Fprintf(&stderr, "execution timed out after %s", timeout)
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("running %s: %w", name, err)
		}
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, nil
}
