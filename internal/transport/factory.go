package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/common/config"
	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/events"
	"github.com/kandev/agentgate/internal/events/bus"
	"github.com/kandev/agentgate/internal/runtime"
)

// Stat is a breaker snapshot for one cached backend.
type Stat struct {
	Target string       `json:"target"`
	Method string       `json:"method"`
	State  CircuitState `json:"circuit"`
}

// Factory builds breaker-wrapped transports per target and caches them so
// breaker state belongs to one backend instance.
type Factory struct {
	cfg     config.TransportConfig
	breaker BreakerConfig
	runner  runtime.Runner
	now      func() time.Time
	eventBus bus.EventBus
	logger   *logger.Logger

	mu       sync.Mutex
	cache    map[string]Transport
	breakers map[string][]*BreakerTransport
}

// FactoryOption customizes a Factory.
type FactoryOption func(*Factory)

// WithClock injects the clock used by breakers.
func WithClock(now func() time.Time) FactoryOption {
	return func(f *Factory) { f.now = now }
}

// WithEventBus publishes breaker state changes on b.
func WithEventBus(b bus.EventBus) FactoryOption {
	return func(f *Factory) { f.eventBus = b }
}

// NewFactory creates a factory. The runner backs the exec fallback.
func NewFactory(cfg config.TransportConfig, runner runtime.Runner, log *logger.Logger, opts ...FactoryOption) *Factory {
	f := &Factory{
		cfg: cfg,
		breaker: BreakerConfig{
			Threshold:       cfg.Breaker.Threshold,
			HalfOpenTimeout: config.Ms(cfg.Breaker.HalfOpenTimeoutMs),
			ResetTimeout:    config.Ms(cfg.Breaker.ResetTimeoutMs),
		},
		runner:   runner,
		now:      time.Now,
		logger:   log.WithFields(zap.String("component", "transport-factory")),
		cache:    make(map[string]Transport),
		breakers: make(map[string][]*BreakerTransport),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ForTarget returns the cached transport for a target, creating it on first use.
func (f *Factory) ForTarget(ctx context.Context, target runtime.Target) (Transport, error) {
	key := cacheKey(target)

	f.mu.Lock()
	if t, ok := f.cache[key]; ok {
		f.mu.Unlock()
		return t, nil
	}
	f.mu.Unlock()

	t, wrapped, err := f.build(ctx, target)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.cache[key]; ok {
		return existing, nil
	}
	f.cache[key] = t
	f.breakers[key] = wrapped
	f.logger.Info("Transport selected",
		zap.String("target", target.Name),
		zap.String("method", t.Method()))
	return t, nil
}

// Invalidate drops the cached transport for a target, e.g. after the target
// was re-resolved to a new container.
func (f *Factory) Invalidate(target runtime.Target) {
	key := cacheKey(target)
	f.mu.Lock()
	delete(f.cache, key)
	delete(f.breakers, key)
	f.mu.Unlock()
}

// Stats returns breaker snapshots for every cached backend.
func (f *Factory) Stats() []Stat {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.breakers))
	for k := range f.breakers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	stats := make([]Stat, 0, len(keys))
	for _, k := range keys {
		for _, bt := range f.breakers[k] {
			stats = append(stats, Stat{Target: k, Method: bt.Method(), State: bt.Breaker().Snapshot()})
		}
	}
	return stats
}

func cacheKey(target runtime.Target) string {
	if target.ID == "" {
		return target.Name
	}
	return target.Name + "@" + target.ID
}

func (f *Factory) build(ctx context.Context, target runtime.Target) (Transport, []*BreakerTransport, error) {
	mode := strings.ToLower(f.cfg.Mode)
	switch mode {
	case MethodChain:
		members := make([]Transport, 0, len(f.cfg.Chain))
		wrapped := make([]*BreakerTransport, 0, len(f.cfg.Chain))
		for _, name := range f.cfg.Chain {
			t, err := f.backend(strings.ToLower(name), target)
			if err != nil {
				return nil, nil, err
			}
			w := f.wrap(t, target)
			members = append(members, w)
			wrapped = append(wrapped, w)
		}
		return NewFallbackChain(f.logger, members...), wrapped, nil
	case "", "auto":
		t := f.autoSelect(ctx, target)
		w := f.wrap(t, target)
		return w, []*BreakerTransport{w}, nil
	default:
		t, err := f.backend(mode, target)
		if err != nil {
			return nil, nil, err
		}
		w := f.wrap(t, target)
		return w, []*BreakerTransport{w}, nil
	}
}

func (f *Factory) wrap(t Transport, target runtime.Target) *BreakerTransport {
	w := WithBreaker(t, NewCircuitBreaker(f.breaker, f.now), f.logger)
	if f.eventBus != nil {
		key, method := cacheKey(target), t.Method()
		w.OnStateChange(func(ctx context.Context, from, to State) {
			event := bus.NewEvent(events.BreakerStateChanged, "transport-factory", "", map[string]interface{}{
				"target": key,
				"method": method,
				"from":   string(from),
				"to":     string(to),
			})
			if err := f.eventBus.Publish(ctx, events.BreakerStateChanged, event); err != nil {
				f.logger.Debug("Failed to publish breaker event", zap.Error(err))
			}
		})
	}
	return w
}

// autoSelect probes configured backends in preference order; exec is the
// fallback and always available.
func (f *Factory) autoSelect(ctx context.Context, target runtime.Target) Transport {
	for _, t := range f.candidates(target) {
		if t.IsAvailable(ctx) {
			return t
		}
		f.logger.Debug("Transport not available", zap.String("method", t.Method()), zap.String("target", target.Name))
	}
	return NewExecTransport(f.runner, target.ID, f.cfg.AgentCommand)
}

func (f *Factory) candidates(target runtime.Target) []Transport {
	probe := config.Ms(f.cfg.ProbeTimeoutMs)
	var out []Transport
	if f.cfg.LocalPort > 0 || f.cfg.LocalSocketPath != "" {
		out = append(out, NewLocalTransport(f.cfg.LocalPort, f.cfg.LocalSocketPath, probe))
	}
	if f.cfg.RemoteURL != "" {
		out = append(out, NewRemoteTransport(f.cfg.RemoteURL, f.cfg.RemoteToken, probe))
	}
	if f.cfg.SocketPort > 0 {
		out = append(out, NewSocketTransport(f.socketHost(target), f.cfg.SocketPort, probe))
	}
	if f.cfg.SocketPath != "" {
		out = append(out, NewUnixTransport(f.cfg.SocketPath, probe))
	}
	return out
}

// socketHost defaults to the target name, which is the container hostname
// on a shared Docker network.
func (f *Factory) socketHost(target runtime.Target) string {
	if f.cfg.SocketHost != "" {
		return f.cfg.SocketHost
	}
	if target.Name != "" {
		return target.Name
	}
	return "127.0.0.1"
}

func (f *Factory) backend(method string, target runtime.Target) (Transport, error) {
	probe := config.Ms(f.cfg.ProbeTimeoutMs)
	switch method {
	case MethodSocket:
		if f.cfg.SocketPort <= 0 {
			return nil, fmt.Errorf("socket transport requires transport.socketPort")
		}
		return NewSocketTransport(f.socketHost(target), f.cfg.SocketPort, probe), nil
	case MethodUnix:
		if f.cfg.SocketPath == "" {
			return nil, fmt.Errorf("unix transport requires transport.socketPath")
		}
		return NewUnixTransport(f.cfg.SocketPath, probe), nil
	case MethodLocal:
		if f.cfg.LocalPort <= 0 && f.cfg.LocalSocketPath == "" {
			return nil, fmt.Errorf("local transport requires transport.localPort or transport.localSocketPath")
		}
		return NewLocalTransport(f.cfg.LocalPort, f.cfg.LocalSocketPath, probe), nil
	case MethodRemote:
		if f.cfg.RemoteURL == "" {
			return nil, fmt.Errorf("remote transport requires transport.remoteUrl")
		}
		return NewRemoteTransport(f.cfg.RemoteURL, f.cfg.RemoteToken, probe), nil
	case MethodExec:
		return NewExecTransport(f.runner, target.ID, f.cfg.AgentCommand), nil
	default:
		return nil, fmt.Errorf("unknown transport mode %q", method)
	}
}
