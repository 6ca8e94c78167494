package tracker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/events"
)

// RecoverState runs at startup. Records not updated for StaleAfter are
// deleted; processing records that started more than HungAfter ago are
// forced to timeout. Records that never entered processing are left alone.
func (t *Tracker) RecoverState(ctx context.Context) (RecoveryStats, error) {
	var stats RecoveryStats

	workspaces, err := t.store.workspaces()
	if err != nil {
		return stats, fmt.Errorf("scan tracker dir: %w", err)
	}

	now := t.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ws := range workspaces {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		ids, err := t.store.listWorkspace(ws)
		if err != nil {
			t.logger.Warn("Skipping unreadable workspace", zap.String("workspace", ws), zap.Error(err))
			continue
		}
		for _, id := range ids {
			stats.Scanned++
			r, err := t.store.read(ws, id)
			if err != nil {
				stats.Corrupt++
				t.logger.Warn("Skipping corrupt request record",
					zap.String("workspace", ws),
					zap.String("request_id", id),
					zap.Error(err))
				continue
			}

			if now.Sub(r.LastUpdatedAt) > t.cfg.StaleAfter {
				if err := t.store.remove(ws, id); err != nil {
					t.logger.Warn("Failed to delete stale request", zap.String("request_id", id), zap.Error(err))
					continue
				}
				t.cache.remove(id)
				stats.Deleted++
				continue
			}

			if r.State == StateProcessing && r.ProcessingStartedAt != nil &&
				now.Sub(*r.ProcessingStartedAt) > t.cfg.HungAfter {
				prev := r.State
				r.PreviousState = &prev
				r.State = StateTimeout
				r.TimedOut = true
				r.LastUpdatedAt = now
				if err := t.store.write(r); err != nil {
					t.logger.Warn("Failed to time out hung request", zap.String("request_id", id), zap.Error(err))
					continue
				}
				t.cache.put(r)
				stats.TimedOut++
				t.publish(ctx, events.RequestStateChanged, r, &prev)
			}
		}
	}

	t.logger.Info("Request tracker recovered",
		zap.Int("scanned", stats.Scanned),
		zap.Int("deleted", stats.Deleted),
		zap.Int("timed_out", stats.TimedOut),
		zap.Int("corrupt", stats.Corrupt))
	return stats, nil
}
