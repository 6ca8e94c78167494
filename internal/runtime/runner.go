// Package runtime abstracts where agent commands run: inside a Docker
// container reached through the Docker API, or on the local host.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/docker"
)

// ErrTargetGone means the target container no longer resolves.
var ErrTargetGone = errors.New("target no longer exists")

// ExecResult holds the output of a command run on a target.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a command against a target. For the local runner the
// target is ignored. A non-zero exit code is not an error.
type Runner interface {
	Exec(ctx context.Context, target string, cmd []string, stdin io.Reader) (*ExecResult, error)
}

// ContainerExecer is the subset of the docker client used by DockerRunner.
type ContainerExecer interface {
	Exec(ctx context.Context, containerID string, opts docker.ExecOptions) (*docker.ExecResult, error)
}

// DockerRunner runs commands in containers through docker exec.
type DockerRunner struct {
	client ContainerExecer
	env    []string
	logger *logger.Logger
}

// NewDockerRunner creates a runner that executes inside containers.
func NewDockerRunner(client ContainerExecer, env []string, log *logger.Logger) *DockerRunner {
	return &DockerRunner{
		client: client,
		env:    env,
		logger: log.WithFields(zap.String("component", "docker-runner")),
	}
}

// Exec implements Runner.
func (r *DockerRunner) Exec(ctx context.Context, target string, cmd []string, stdin io.Reader) (*ExecResult, error) {
	if target == "" {
		return nil, fmt.Errorf("docker runner requires a container target")
	}
	res, err := r.client.Exec(ctx, target, docker.ExecOptions{Cmd: cmd, Env: r.env, Stdin: stdin})
	if err != nil {
		if errors.Is(err, docker.ErrContainerNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrTargetGone, err)
		}
		return nil, err
	}
	return &ExecResult{
		Stdout:   string(res.Stdout),
		Stderr:   string(res.Stderr),
		ExitCode: res.ExitCode,
	}, nil
}

// LocalRunner runs commands as local processes.
type LocalRunner struct {
	dir    string
	logger *logger.Logger
}

// NewLocalRunner creates a runner for the local host.
func NewLocalRunner(dir string, log *logger.Logger) *LocalRunner {
	return &LocalRunner{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "local-runner")),
	}
}

// Exec implements Runner. The process is killed when ctx is done.
func (r *LocalRunner) Exec(ctx context.Context, _ string, cmd []string, stdin io.Reader) (*ExecResult, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	if r.dir != "" {
		c.Dir = r.dir
	}
	c.Stdin = stdin
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	res := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("failed to run %s: %w", cmd[0], err)
	}
	return res, nil
}
