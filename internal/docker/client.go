// Package docker wraps the Docker SDK for the container operations the
// gateway needs: reachability checks, inspection and exec with stdin.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/common/config"
	"github.com/kandev/agentgate/internal/common/logger"
)

// ErrContainerNotFound is returned when a container id or name no longer resolves.
var ErrContainerNotFound = errors.New("container not found")

// ContainerInfo holds information about a container.
type ContainerInfo struct {
	ID      string
	Name    string
	Image   string
	State   string // created, running, paused, restarting, removing, exited, dead
	Status  string
	Running bool
	Labels  map[string]string
}

// ExecOptions describes a command to run inside a container.
type ExecOptions struct {
	Cmd     []string
	Env     []string
	User    string
	WorkDir string
	Stdin   io.Reader
}

// ExecResult holds the captured output of an exec call.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a new Docker client.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion))

	return &Client{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker")),
		config: cfg,
	}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if Docker is available.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		c.logger.Error("Docker ping failed", zap.Error(err))
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// InspectContainer returns information about a container by id or name.
func (c *Client) InspectContainer(ctx context.Context, idOrName string) (*ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, idOrName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, idOrName)
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", idOrName, err)
	}

	info := &ContainerInfo{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.Config != nil {
		info.Image = inspect.Config.Image
		info.Labels = inspect.Config.Labels
	}
	if inspect.State != nil {
		info.State = inspect.State.Status
		info.Status = inspect.State.Status
		info.Running = inspect.State.Running
	}
	return info, nil
}

// ListContainers lists running containers, optionally filtered by labels.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{Filters: filterArgs})
	if err != nil {
		c.logger.Error("Failed to list containers", zap.Error(err))
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		infos = append(infos, ContainerInfo{
			ID:      ctr.ID,
			Name:    name,
			Image:   ctr.Image,
			State:   ctr.State,
			Status:  ctr.Status,
			Running: ctr.State == "running",
			Labels:  ctr.Labels,
		})
	}
	return infos, nil
}

// Exec runs a command in the container and waits for it to exit. Stdin, when
// set, is streamed to the process and closed once drained. Cancelling ctx
// closes the hijacked connection, which terminates the exec session.
func (c *Client) Exec(ctx context.Context, containerID string, opts ExecOptions) (*ExecResult, error) {
	user := opts.User
	if user == "" {
		user = c.config.User
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = c.config.WorkDir
	}

	created, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		User:         user,
		WorkingDir:   workDir,
		AttachStdin:  opts.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
		}
		return nil, fmt.Errorf("failed to create exec in %s: %w", containerID, err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec in %s: %w", containerID, err)
	}
	defer attach.Close()

	stop := context.AfterFunc(ctx, func() { attach.Close() })
	defer stop()

	var wg sync.WaitGroup
	if opts.Stdin != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := io.Copy(attach.Conn, opts.Stdin); err != nil {
				c.logger.Debug("exec stdin copy ended", zap.Error(err))
			}
			_ = attach.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if copyErr != nil && !errors.Is(copyErr, io.EOF) {
		return nil, fmt.Errorf("failed to read exec output: %w", copyErr)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &ExecResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: inspect.ExitCode,
	}, nil
}
