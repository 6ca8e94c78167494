package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/docker"
)

// Target identifies an execution endpoint: a container id plus the instance
// name it was resolved from.
type Target struct {
	ID   string
	Name string
}

// ContainerInspector is the subset of the docker client used by Resolver.
type ContainerInspector interface {
	InspectContainer(ctx context.Context, idOrName string) (*docker.ContainerInfo, error)
}

// Resolver maps instance names to running container ids and caches the
// result until Invalidate is called.
type Resolver struct {
	inspector ContainerInspector
	logger    *logger.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a resolver. A nil inspector resolves every name to
// itself, which is how local-host mode addresses its single target.
func NewResolver(inspector ContainerInspector, log *logger.Logger) *Resolver {
	return &Resolver{
		inspector: inspector,
		logger:    log.WithFields(zap.String("component", "target-resolver")),
		cache:     make(map[string]string),
	}
}

// Resolve returns the current target for an instance name.
func (r *Resolver) Resolve(ctx context.Context, name string) (Target, error) {
	if r.inspector == nil {
		return Target{ID: "", Name: name}, nil
	}

	r.mu.Lock()
	id, ok := r.cache[name]
	r.mu.Unlock()
	if ok {
		return Target{ID: id, Name: name}, nil
	}

	info, err := r.inspector.InspectContainer(ctx, name)
	if err != nil {
		if errors.Is(err, docker.ErrContainerNotFound) {
			return Target{}, fmt.Errorf("%w: %s", ErrTargetGone, name)
		}
		return Target{}, err
	}
	if !info.Running {
		return Target{}, fmt.Errorf("%w: %s is %s", ErrTargetGone, name, info.State)
	}

	r.mu.Lock()
	r.cache[name] = info.ID
	r.mu.Unlock()

	r.logger.Debug("Resolved target", zap.String("name", name), zap.String("container_id", info.ID))
	return Target{ID: info.ID, Name: name}, nil
}

// Invalidate drops the cached id for a name so the next Resolve re-inspects.
func (r *Resolver) Invalidate(name string) {
	r.mu.Lock()
	delete(r.cache, name)
	r.mu.Unlock()
}

// Refresh invalidates and resolves again.
func (r *Resolver) Refresh(ctx context.Context, name string) (Target, error) {
	r.Invalidate(name)
	return r.Resolve(ctx, name)
}
