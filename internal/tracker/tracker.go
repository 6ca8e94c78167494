package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/events"
	"github.com/kandev/agentgate/internal/events/bus"
)

// Config holds tracker settings.
type Config struct {
	Dir        string
	CacheSize  int // 0 disables the cache
	CacheTTL   time.Duration
	StaleAfter time.Duration
	HungAfter  time.Duration
}

// Tracker is the durable request state machine.
type Tracker struct {
	cfg      Config
	store    *fileStore
	cache    *cache
	eventBus bus.EventBus
	logger   *logger.Logger
	now      func() time.Time

	// mu serializes read-modify-write cycles on records.
	mu sync.Mutex
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock injects the tracker clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New opens (and creates) the tracker directory. eventBus may be nil.
func New(cfg Config, eventBus bus.EventBus, log *logger.Logger, opts ...Option) (*Tracker, error) {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 24 * time.Hour
	}
	if cfg.HungAfter <= 0 {
		cfg.HungAfter = time.Hour
	}
	store, err := newFileStore(cfg.Dir)
	if err != nil {
		return nil, err
	}
	t := &Tracker{
		cfg:      cfg,
		store:    store,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "request-tracker")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.cache = newCache(cfg.CacheSize, cfg.CacheTTL, func() time.Time { return t.now() })
	return t, nil
}

// CreateRequest persists a new record in state created. An empty id gets a
// generated one.
func (t *Tracker) CreateRequest(ctx context.Context, requestID, chatID, workspace string) (*Request, error) {
	if requestID == "" {
		requestID = uuid.New().String()
	}
	if !safeName.MatchString(requestID) || !safeName.MatchString(workspace) {
		return nil, fmt.Errorf("%w: %q/%q", ErrInvalidID, workspace, requestID)
	}

	now := t.now().UTC()
	r := &Request{
		RequestID:     requestID,
		ChatID:        chatID,
		Workspace:     workspace,
		State:         StateCreated,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}

	t.mu.Lock()
	if _, err := t.store.workspaceOf(requestID); err == nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("request %s already exists", requestID)
	}
	if err := t.store.write(r); err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("persist request: %w", err)
	}
	t.cache.put(r)
	t.mu.Unlock()

	t.publish(ctx, events.RequestCreated, r, nil)
	return r.clone(), nil
}

// UpdateState moves a request forward. Transitions must go from created to
// processing or terminal, or from processing to terminal.
func (t *Tracker) UpdateState(ctx context.Context, requestID string, state State, upd Update) (*Request, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, state)
	}

	t.mu.Lock()
	r, err := t.load(requestID)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if state.rank() <= r.State.rank() {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, state)
	}

	prev := r.State
	now := t.now().UTC()
	r.State = state
	r.LastUpdatedAt = now
	switch {
	case state == StateProcessing:
		r.ProcessingStartedAt = &now
	case state.Terminal():
		r.CompletedAt = &now
		if state == StateTimeout {
			r.TimedOut = true
		}
	}
	if upd.ExitCode != nil {
		code := *upd.ExitCode
		r.ExitCode = &code
	}

	if err := t.store.write(r); err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("persist request: %w", err)
	}
	// Cache writes stay under mu so a slower writer cannot overwrite a newer record.
	t.cache.put(r)
	t.mu.Unlock()

	t.publish(ctx, events.RequestStateChanged, r, &prev)
	return r.clone(), nil
}

// GetRequest returns a record. Corrupt records read as ErrNotFound.
func (t *Tracker) GetRequest(requestID string) (*Request, error) {
	if r, ok := t.cache.get(requestID); ok {
		return r, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.load(requestID)
	if err != nil {
		return nil, err
	}
	t.cache.put(r)
	return r.clone(), nil
}

// load reads a record from disk. Caller holds t.mu.
func (t *Tracker) load(requestID string) (*Request, error) {
	if !safeName.MatchString(requestID) {
		return nil, ErrNotFound
	}
	ws, err := t.store.workspaceOf(requestID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			t.logger.Warn("Unreadable index entry", zap.String("request_id", requestID), zap.Error(err))
		}
		return nil, ErrNotFound
	}
	r, err := t.store.read(ws, requestID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			t.logger.Warn("Unreadable request record", zap.String("request_id", requestID), zap.Error(err))
		}
		return nil, ErrNotFound
	}
	return r, nil
}

// ListRequests returns the workspace's records matching f, oldest first.
// Unreadable records and non-record files are skipped.
func (t *Tracker) ListRequests(workspace string, f Filter) ([]*Request, error) {
	if !safeName.MatchString(workspace) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, workspace)
	}
	ids, err := t.store.listWorkspace(workspace)
	if err != nil {
		return nil, fmt.Errorf("list workspace %s: %w", workspace, err)
	}

	out := make([]*Request, 0, len(ids))
	for _, id := range ids {
		r, ok := t.cache.get(id)
		if !ok {
			r, err = t.store.read(workspace, id)
			if err != nil {
				t.logger.Warn("Skipping unreadable request record",
					zap.String("workspace", workspace),
					zap.String("request_id", id),
					zap.Error(err))
				continue
			}
		}
		if f.match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteRequest removes a record and its index entry.
func (t *Tracker) DeleteRequest(ctx context.Context, requestID string) error {
	t.mu.Lock()
	r, err := t.load(requestID)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	err = t.store.remove(r.Workspace, requestID)
	t.cache.remove(requestID)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete request %s: %w", requestID, err)
	}
	t.publish(ctx, events.RequestDeleted, r, nil)
	return nil
}

func (t *Tracker) publish(ctx context.Context, subject string, r *Request, prev *State) {
	if t.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"requestId": r.RequestID,
		"chatId":    r.ChatID,
		"workspace": r.Workspace,
		"state":     string(r.State),
		"timedOut":  r.TimedOut,
	}
	if prev != nil {
		data["previousState"] = string(*prev)
	}
	if r.ExitCode != nil {
		data["exitCode"] = *r.ExitCode
	}
	if err := t.eventBus.Publish(ctx, subject, bus.NewEvent(subject, "request-tracker", r.Workspace, data)); err != nil {
		t.logger.Debug("Failed to publish request event", zap.Error(err))
	}
}
