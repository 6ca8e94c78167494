// Package tmux manages persistent tmux sessions inside execution targets.
// Every tmux call goes through a runtime.Runner, so the same code drives
// sessions in a container (docker exec) or on the local host.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/events"
	"github.com/kandev/agentgate/internal/events/bus"
	"github.com/kandev/agentgate/internal/runtime"
)

// Config holds Manager tunables.
type Config struct {
	MaxPerTarget    int
	IdleTimeout     time.Duration
	SendTimeout     time.Duration
	CleanupInterval time.Duration
	StagingDir      string
	WorkDir         string
	AgentCommand    string
}

// Session is the in-memory record of a live per-chat session.
type Session struct {
	SessionName     string    `json:"sessionName"`
	Workspace       string    `json:"workspace"`
	ChatID          string    `json:"chatId"`
	ContainerTarget string    `json:"containerTarget"`
	CreatedAt       time.Time `json:"createdAt"`
	LastUsedAt      time.Time `json:"lastUsedAt"`
}

// Manager owns the session index. It is safe for concurrent use.
type Manager struct {
	runner   runtime.Runner
	cfg      Config
	eventBus bus.EventBus
	logger   *logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session // target + "/" + name
	targets  map[string]struct{}
	pending  map[string]int

	creates singleflight.Group
	syncMu  sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a session manager. eventBus may be nil.
func NewManager(runner runtime.Runner, cfg Config, eventBus bus.EventBus, log *logger.Logger) *Manager {
	if cfg.MaxPerTarget <= 0 {
		cfg.MaxPerTarget = 10
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = "/tmp/agentgate"
	}
	return &Manager{
		runner:   runner,
		cfg:      cfg,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "tmux-manager")),
		now:      time.Now,
		sessions: make(map[string]*Session),
		targets:  make(map[string]struct{}),
		pending:  make(map[string]int),
	}
}

// SetClock replaces the clock used for session timestamps.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func indexKey(target, name string) string { return target + "/" + name }

// GetOrCreateSession returns the session for (workspace, chatID) on target,
// creating it when absent. Concurrent calls for the same name share one
// creation.
func (m *Manager) GetOrCreateSession(ctx context.Context, target, workspace, chatID string) (string, error) {
	name := SessionName(workspace, chatID)
	key := indexKey(target, name)

	m.mu.Lock()
	_, known := m.sessions[key]
	m.mu.Unlock()

	if known {
		if m.SessionExists(ctx, target, name) {
			m.touch(key)
			return name, nil
		}
		m.forget(key)
	}

	_, err, _ := m.creates.Do(key, func() (interface{}, error) {
		if m.SessionExists(ctx, target, name) {
			m.adopt(target, name, workspace, chatID)
			return name, nil
		}
		if n, ok := m.reserve(target); !ok {
			return nil, fmt.Errorf("%w: %d sessions on %s", ErrCapacity, n, targetLabel(target))
		}
		err := m.newSession(ctx, target, name)
		if err == nil {
			m.adopt(target, name, workspace, chatID)
		}
		m.release(target)
		if err != nil {
			return nil, err
		}
		m.publish(ctx, events.SessionCreated, target, name)
		m.logger.Info("Created session",
			zap.String("session", name),
			zap.String("target", targetLabel(target)),
			zap.String("workspace", workspace))
		return name, nil
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// EnsureSession creates the named session if it does not exist. It does
// not touch the index or the per-target cap.
func (m *Manager) EnsureSession(ctx context.Context, target, name string) error {
	if m.SessionExists(ctx, target, name) {
		return nil
	}
	if err := m.newSession(ctx, target, name); err != nil {
		return err
	}
	m.publish(ctx, events.SessionCreated, target, name)
	return nil
}

// SessionExists reports whether the session is live. Errors count as absent.
func (m *Manager) SessionExists(ctx context.Context, target, name string) bool {
	res, err := m.runner.Exec(ctx, target, []string{"tmux", "has-session", "-t", "=" + name}, nil)
	if err != nil {
		m.logger.Debug("has-session failed", zap.String("session", name), zap.Error(err))
		return false
	}
	return res.ExitCode == 0
}

// ListSessions returns the names of all tmux sessions on target.
func (m *Manager) ListSessions(ctx context.Context, target string) ([]string, error) {
	res, err := m.runner.Exec(ctx, target, []string{"tmux", "list-sessions", "-F", "#{session_name}"}, nil)
	if err != nil {
		return nil, fmt.Errorf("list sessions on %s: %w", targetLabel(target), err)
	}
	if res.ExitCode != 0 {
		if noServer(res.Stderr) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions on %s: exit %d: %s", targetLabel(target), res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// KillSession kills a session and drops it from the index. Killing an
// absent session, or one whose target is gone, is not an error.
func (m *Manager) KillSession(ctx context.Context, target, name string) error {
	res, err := m.runner.Exec(ctx, target, []string{"tmux", "kill-session", "-t", "=" + name}, nil)
	if errors.Is(err, runtime.ErrTargetGone) {
		// The session died with its target.
		m.forget(indexKey(target, name))
		m.publish(ctx, events.SessionKilled, target, name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("kill session %s: %w", name, err)
	}
	m.forget(indexKey(target, name))
	if res.ExitCode != 0 && !noServer(res.Stderr) && !strings.Contains(res.Stderr, "can't find session") {
		return fmt.Errorf("kill session %s: exit %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	m.publish(ctx, events.SessionKilled, target, name)
	return nil
}

// Sessions returns a snapshot of the index, sorted by name.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionName < out[j].SessionName })
	return out
}

// Start runs the idle cleanup loop until Stop or ctx is done.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.CleanupInterval <= 0 {
		return
	}
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if n, err := m.CleanupIdleSessions(ctx); err != nil {
					m.logger.Warn("Idle session cleanup failed", zap.Error(err))
				} else if n > 0 {
					m.logger.Info("Cleaned up idle sessions", zap.Int("count", n))
				}
			}
		}
	}()
}

// Stop halts the cleanup loop. Sessions are left running.
func (m *Manager) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
		m.wg.Wait()
		m.stopCh = nil
	}
}

func (m *Manager) newSession(ctx context.Context, target, name string) error {
	args := []string{"tmux", "new-session", "-d", "-s", name}
	if m.cfg.WorkDir != "" {
		args = append(args, "-c", m.cfg.WorkDir)
	}
	res, err := m.runner.Exec(ctx, target, args, nil)
	if err != nil {
		return fmt.Errorf("create session %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "duplicate session") {
			return nil
		}
		return fmt.Errorf("create session %s: exit %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (m *Manager) adopt(target, name, workspace, chatID string) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[target] = struct{}{}
	key := indexKey(target, name)
	if s, ok := m.sessions[key]; ok {
		s.LastUsedAt = now
		return
	}
	m.sessions[key] = &Session{
		SessionName:     name,
		Workspace:       workspace,
		ChatID:          chatID,
		ContainerTarget: target,
		CreatedAt:       now,
		LastUsedAt:      now,
	}
}

func (m *Manager) touch(key string) {
	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		s.LastUsedAt = m.now()
	}
	m.mu.Unlock()
}

func (m *Manager) forget(key string) {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
}

// reserve claims a creation slot on target. In-flight creations count
// against the cap so concurrent creates for different names cannot overshoot.
func (m *Manager) reserve(target string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.pending[target]
	for _, s := range m.sessions {
		if s.ContainerTarget == target {
			n++
		}
	}
	if n >= m.cfg.MaxPerTarget {
		return n, false
	}
	m.pending[target]++
	return n, true
}

func (m *Manager) release(target string) {
	m.mu.Lock()
	if m.pending[target] <= 1 {
		delete(m.pending, target)
	} else {
		m.pending[target]--
	}
	m.mu.Unlock()
}

func (m *Manager) publish(ctx context.Context, subject, target, name string) {
	if m.eventBus == nil {
		return
	}
	event := bus.NewEvent(subject, "tmux-manager", "", map[string]interface{}{
		"target":  target,
		"session": name,
	})
	if err := m.eventBus.Publish(ctx, subject, event); err != nil {
		m.logger.Debug("Failed to publish session event", zap.Error(err))
	}
}

func noServer(stderr string) bool {
	return strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "no sessions") ||
		strings.Contains(stderr, "error connecting to")
}

func targetLabel(target string) string {
	if target == "" {
		return "local"
	}
	return target
}
