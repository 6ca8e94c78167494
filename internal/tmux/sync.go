package tmux

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agentgate/internal/runtime"
)

// SyncStats summarizes one reconciliation pass. Skipped counts targets whose
// listing failed; their entries are left untouched until a later pass.
type SyncStats struct {
	Adopted     int `json:"adopted"`
	Dropped     int `json:"dropped"`
	Skipped     int `json:"skipped"`
	TargetsGone int `json:"targetsGone"`
}

// DiscoverExistingSessions registers targets and adopts their existing
// per-chat sessions. Creation and last-use times cannot be recovered from
// tmux and are reset to now; workspace and chat id are left empty.
func (m *Manager) DiscoverExistingSessions(ctx context.Context, targets []string) (SyncStats, error) {
	m.mu.Lock()
	for _, t := range targets {
		m.targets[t] = struct{}{}
	}
	m.mu.Unlock()
	return m.SyncSessions(ctx)
}

// SyncSessions reconciles the index with every known target: entries whose
// session is gone are dropped and unknown agent- sessions are adopted.
// A target whose listing fails is skipped; a target that no longer exists is
// forgotten together with its entries. Calls are serialized with each other
// and with CleanupIdleSessions.
func (m *Manager) SyncSessions(ctx context.Context) (SyncStats, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	m.mu.Lock()
	targets := make([]string, 0, len(m.targets))
	for t := range m.targets {
		targets = append(targets, t)
	}
	m.mu.Unlock()

	var (
		live    = make(map[string][]string, len(targets))
		gone    = make(map[string]bool)
		skipped int
		liveMu  sync.Mutex
	)
	var g errgroup.Group
	for _, target := range targets {
		target := target
		g.Go(func() error {
			names, err := m.ListSessions(ctx, target)
			liveMu.Lock()
			defer liveMu.Unlock()
			switch {
			case errors.Is(err, runtime.ErrTargetGone):
				gone[target] = true
			case err != nil:
				skipped++
				m.logger.Warn("Skipping target in session sync", zap.String("target", target), zap.Error(err))
			default:
				live[target] = names
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return SyncStats{}, err
	}

	stats := SyncStats{Skipped: skipped, TargetsGone: len(gone)}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for target := range gone {
		delete(m.targets, target)
		m.logger.Info("Forgetting target that no longer exists", zap.String("target", target))
	}

	seen := make(map[string]bool)
	for target, names := range live {
		for _, name := range names {
			if !strings.HasPrefix(name, ChatSessionPrefix) {
				continue
			}
			key := indexKey(target, name)
			seen[key] = true
			if _, ok := m.sessions[key]; ok {
				continue
			}
			m.sessions[key] = &Session{
				SessionName:     name,
				ContainerTarget: target,
				CreatedAt:       now,
				LastUsedAt:      now,
			}
			stats.Adopted++
		}
	}
	for key, s := range m.sessions {
		_, synced := live[s.ContainerTarget]
		if gone[s.ContainerTarget] || (synced && !seen[key]) {
			delete(m.sessions, key)
			stats.Dropped++
		}
	}

	if stats.Adopted > 0 || stats.Dropped > 0 || stats.TargetsGone > 0 {
		m.logger.Info("Synced sessions",
			zap.Int("adopted", stats.Adopted),
			zap.Int("dropped", stats.Dropped),
			zap.Int("targets_gone", stats.TargetsGone))
	}
	return stats, nil
}

// CleanupIdleSessions kills sessions unused for longer than the idle
// timeout and returns how many were removed. Sessions on a target that no
// longer exists count as removed.
func (m *Manager) CleanupIdleSessions(ctx context.Context) (int, error) {
	if m.cfg.IdleTimeout <= 0 {
		return 0, nil
	}
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	cutoff := m.now().Add(-m.cfg.IdleTimeout)
	var idle []Session
	m.mu.Lock()
	for _, s := range m.sessions {
		if s.LastUsedAt.Before(cutoff) {
			idle = append(idle, *s)
		}
	}
	m.mu.Unlock()

	killed := 0
	var firstErr error
	for _, s := range idle {
		if err := m.KillSession(ctx, s.ContainerTarget, s.SessionName); err != nil {
			m.logger.Warn("Failed to kill idle session", zap.String("session", s.SessionName), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		killed++
	}
	return killed, firstErr
}
