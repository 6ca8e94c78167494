package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/docker"
)

type fakeDocker struct {
	info    map[string]*docker.ContainerInfo
	calls   int
	execErr error
	lastCmd []string
}

func (f *fakeDocker) InspectContainer(ctx context.Context, name string) (*docker.ContainerInfo, error) {
	f.calls++
	info, ok := f.info[name]
	if !ok {
		return nil, docker.ErrContainerNotFound
	}
	return info, nil
}

func (f *fakeDocker) Exec(ctx context.Context, id string, opts docker.ExecOptions) (*docker.ExecResult, error) {
	f.lastCmd = opts.Cmd
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &docker.ExecResult{Stdout: []byte("out"), ExitCode: 3}, nil
}

func TestLocalRunner_Exec(t *testing.T) {
	r := NewLocalRunner("", logger.Nop())

	res, err := r.Exec(context.Background(), "", []string{"cat"}, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)

	res, err = r.Exec(context.Background(), "", []string{"sh", "-c", "echo oops >&2; exit 7"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestLocalRunner_ExecKilledOnTimeout(t *testing.T) {
	r := NewLocalRunner("", logger.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Exec(ctx, "", []string{"sleep", "5"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDockerRunner_MapsMissingContainer(t *testing.T) {
	fd := &fakeDocker{execErr: docker.ErrContainerNotFound}
	r := NewDockerRunner(fd, nil, logger.Nop())

	_, err := r.Exec(context.Background(), "abc", []string{"true"}, nil)
	assert.ErrorIs(t, err, ErrTargetGone)

	fd.execErr = nil
	res, err := r.Exec(context.Background(), "abc", []string{"tmux", "ls"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "out", res.Stdout)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, []string{"tmux", "ls"}, fd.lastCmd)
}

func TestResolver_CachesAndInvalidates(t *testing.T) {
	fd := &fakeDocker{info: map[string]*docker.ContainerInfo{
		"agent": {ID: "c1", Running: true, State: "running"},
	}}
	r := NewResolver(fd, logger.Nop())
	ctx := context.Background()

	tgt, err := r.Resolve(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, Target{ID: "c1", Name: "agent"}, tgt)
	_, _ = r.Resolve(ctx, "agent")
	assert.Equal(t, 1, fd.calls)

	fd.info["agent"] = &docker.ContainerInfo{ID: "c2", Running: true}
	tgt, err = r.Refresh(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, "c2", tgt.ID)
	assert.Equal(t, 2, fd.calls)
}

func TestResolver_StoppedOrMissingIsGone(t *testing.T) {
	fd := &fakeDocker{info: map[string]*docker.ContainerInfo{
		"stopped": {ID: "c1", Running: false, State: "exited"},
	}}
	r := NewResolver(fd, logger.Nop())

	_, err := r.Resolve(context.Background(), "stopped")
	assert.True(t, errors.Is(err, ErrTargetGone))
	_, err = r.Resolve(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrTargetGone))
}

func TestResolver_LocalMode(t *testing.T) {
	r := NewResolver(nil, logger.Nop())
	tgt, err := r.Resolve(context.Background(), "agent")
	require.NoError(t, err)
	assert.Equal(t, "", tgt.ID)
	assert.Equal(t, "agent", tgt.Name)
}
