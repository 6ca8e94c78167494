// Package pool keeps one long-lived tmux session per workspace on a single
// target, bounded by a hard capacity and an inactivity timeout.
package pool

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/events"
	"github.com/kandev/agentgate/internal/events/bus"
	"github.com/kandev/agentgate/internal/tmux"
	"github.com/kandev/agentgate/internal/tracker"
)

var (
	ErrPoolFull         = errors.New("session pool is full")
	ErrActiveRequests   = errors.New("session has active requests")
	ErrInvalidWorkspace = errors.New("invalid workspace name")
	ErrNotFound         = errors.New("workspace session not found")
	ErrTerminating      = errors.New("workspace session is terminating")
)

var workspacePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// ValidWorkspace reports whether name is an acceptable workspace name.
func ValidWorkspace(name string) bool {
	return workspacePattern.MatchString(name)
}

// Status of a pool entry.
type Status string

const (
	StatusActive      Status = "active"
	StatusIdle        Status = "idle"
	StatusTerminating Status = "terminating"
)

// Entry is one workspace session.
type Entry struct {
	Workspace       string    `json:"workspace"`
	SessionName     string    `json:"sessionName"`
	ContainerTarget string    `json:"containerTarget"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	ActiveRequests  int       `json:"activeRequests"`
	TotalRequests   int       `json:"totalRequests"`
	Status          Status    `json:"status"`
}

// Stats summarizes the pool.
type Stats struct {
	TotalSessions       int `json:"totalSessions"`
	ActiveSessions      int `json:"activeSessions"`
	IdleSessions        int `json:"idleSessions"`
	TerminatingSessions int `json:"terminatingSessions"`
	TotalRequests       int `json:"totalRequests"`
	ActiveRequests      int `json:"activeRequests"`
	MaxSessions         int `json:"maxSessions"`
}

// SessionBackend is the session primitive the pool builds on.
type SessionBackend interface {
	EnsureSession(ctx context.Context, target, name string) error
	KillSession(ctx context.Context, target, name string) error
	ListSessions(ctx context.Context, target string) ([]string, error)
	SendToSession(ctx context.Context, target, name, prompt string, meta map[string]string, timeout time.Duration) error
}

// RequestRecorder persists pool prompts as tracked requests.
type RequestRecorder interface {
	CreateRequest(ctx context.Context, requestID, chatID, workspace string) (*tracker.Request, error)
	UpdateState(ctx context.Context, requestID string, state tracker.State, upd tracker.Update) (*tracker.Request, error)
}

// Delivery is a prompt handed to a workspace session. RequestID is empty
// when the pool does not track requests.
type Delivery struct {
	Entry
	RequestID string `json:"requestId,omitempty"`
}

// Config holds pool tunables.
type Config struct {
	MaxSessions       int
	InactivityTimeout time.Duration
	CleanupInterval   time.Duration
	DrainGrace        time.Duration
}

// Pool is scoped to one target.
type Pool struct {
	target   string
	backend  SessionBackend
	cfg      Config
	eventBus bus.EventBus
	logger   *logger.Logger
	now      func() time.Time

	recorder RequestRecorder
	sub      bus.Subscription

	mu       sync.Mutex
	entries  map[string]*Entry
	pending  map[string]struct{}
	inflight map[string]string // request id -> workspace
	creates  singleflight.Group

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option customizes a Pool.
type Option func(*Pool)

// WithRequestTracking records each prompt in rec. The prompt keeps its
// session active until a terminal state for it is published on the event bus.
func WithRequestTracking(rec RequestRecorder) Option {
	return func(p *Pool) { p.recorder = rec }
}

// New creates a pool for target. eventBus may be nil, in which case request
// tracking is disabled.
func New(target string, backend SessionBackend, cfg Config, eventBus bus.EventBus, log *logger.Logger, opts ...Option) *Pool {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 5
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 5 * time.Second
	}
	p := &Pool{
		target:   target,
		backend:  backend,
		cfg:      cfg,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "session-pool")),
		now:      time.Now,
		entries:  make(map[string]*Entry),
		pending:  make(map[string]struct{}),
		inflight: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.recorder != nil {
		p.watchRequests()
	}
	return p
}

// watchRequests subscribes to request state changes. Without a subscription
// a prompt could never be completed, so tracking is turned off instead.
func (p *Pool) watchRequests() {
	if p.eventBus == nil {
		p.logger.Warn("Request tracking needs an event bus, prompts complete on delivery")
		p.recorder = nil
		return
	}
	sub, err := p.eventBus.Subscribe(events.RequestStateChanged, p.onRequestStateChanged)
	if err != nil {
		p.logger.Warn("Failed to watch request states, prompts complete on delivery", zap.Error(err))
		p.recorder = nil
		return
	}
	p.sub = sub
}

func (p *Pool) onRequestStateChanged(_ context.Context, event *bus.Event) error {
	state, _ := event.Data["state"].(string)
	if !tracker.State(state).Terminal() {
		return nil
	}
	requestID, _ := event.Data["requestId"].(string)
	p.finish(requestID)
	return nil
}

// finish completes a tracked request once. Unknown ids are ignored.
func (p *Pool) finish(requestID string) {
	p.mu.Lock()
	workspace, ok := p.inflight[requestID]
	delete(p.inflight, requestID)
	p.mu.Unlock()
	if ok {
		p.TrackRequestComplete(workspace)
	}
}

// SetClock replaces the pool clock.
func (p *Pool) SetClock(now func() time.Time) { p.now = now }

// Target returns the target this pool is bound to.
func (p *Pool) Target() string { return p.target }

// SessionName returns the pool's session name for a workspace.
func SessionName(workspace string) string {
	return tmux.WorkspaceSessionPrefix + workspace
}

// GetOrCreateSession returns the live entry for workspace, creating the
// session if needed. Concurrent callers for one workspace share a single
// creation; in-flight creations count against MaxSessions.
func (p *Pool) GetOrCreateSession(ctx context.Context, workspace string) (Entry, error) {
	if !ValidWorkspace(workspace) {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidWorkspace, workspace)
	}

	if e, ok, err := p.touchExisting(workspace); ok || err != nil {
		return e, err
	}

	v, err, _ := p.creates.Do(workspace, func() (interface{}, error) {
		return p.create(ctx, workspace)
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

func (p *Pool) touchExisting(workspace string) (Entry, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[workspace]
	if !ok {
		return Entry{}, false, nil
	}
	if e.Status == StatusTerminating {
		return Entry{}, false, fmt.Errorf("%w: %s", ErrTerminating, workspace)
	}
	e.LastActivityAt = p.now()
	if e.ActiveRequests > 0 {
		e.Status = StatusActive
	} else {
		e.Status = StatusIdle
	}
	return *e, true, nil
}

func (p *Pool) create(ctx context.Context, workspace string) (Entry, error) {
	p.mu.Lock()
	if e, ok := p.entries[workspace]; ok {
		p.mu.Unlock()
		if e.Status == StatusTerminating {
			return Entry{}, fmt.Errorf("%w: %s", ErrTerminating, workspace)
		}
		return *e, nil
	}
	if len(p.entries)+len(p.pending) >= p.cfg.MaxSessions {
		p.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: %d/%d sessions", ErrPoolFull, len(p.entries)+len(p.pending), p.cfg.MaxSessions)
	}
	p.pending[workspace] = struct{}{}
	p.mu.Unlock()

	name := SessionName(workspace)
	err := p.backend.EnsureSession(ctx, p.target, name)

	p.mu.Lock()
	delete(p.pending, workspace)
	if err != nil {
		p.mu.Unlock()
		return Entry{}, fmt.Errorf("create workspace session %s: %w", workspace, err)
	}
	now := p.now()
	e := &Entry{
		Workspace:       workspace,
		SessionName:     name,
		ContainerTarget: p.target,
		CreatedAt:       now,
		LastActivityAt:  now,
		Status:          StatusIdle,
	}
	p.entries[workspace] = e
	snapshot := *e
	p.mu.Unlock()

	p.logger.Info("Created workspace session", zap.String("workspace", workspace), zap.String("session", name))
	p.publish(ctx, events.PoolSessionCreated, workspace, name)
	return snapshot, nil
}

// TrackRequestStart marks a request as running in workspace's session.
func (p *Pool) TrackRequestStart(workspace string) error {
	return p.trackStart(workspace, "")
}

// trackStart counts a request and, for a tracked request, remembers which
// workspace to release when it finishes.
func (p *Pool) trackStart(workspace, requestID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[workspace]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, workspace)
	}
	if e.Status == StatusTerminating {
		return fmt.Errorf("%w: %s", ErrTerminating, workspace)
	}
	e.ActiveRequests++
	e.TotalRequests++
	e.Status = StatusActive
	e.LastActivityAt = p.now()
	if requestID != "" {
		p.inflight[requestID] = workspace
	}
	return nil
}

// TrackRequestComplete marks a request in workspace's session as finished.
func (p *Pool) TrackRequestComplete(workspace string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[workspace]
	if !ok {
		return
	}
	if e.ActiveRequests > 0 {
		e.ActiveRequests--
	}
	e.LastActivityAt = p.now()
	if e.ActiveRequests == 0 && e.Status != StatusTerminating {
		e.Status = StatusIdle
	}
}

// SendPrompt delivers prompt to workspace's session, creating it if needed,
// and counts the delivery as a request. With request tracking the request
// stays active until the agent reports a terminal state; otherwise it
// completes when delivery returns.
func (p *Pool) SendPrompt(ctx context.Context, workspace, prompt string, meta map[string]string) (Delivery, error) {
	e, err := p.GetOrCreateSession(ctx, workspace)
	if err != nil {
		return Delivery{}, err
	}
	if p.recorder == nil {
		if err := p.TrackRequestStart(workspace); err != nil {
			return Delivery{}, err
		}
		defer p.TrackRequestComplete(workspace)
		if err := p.backend.SendToSession(ctx, p.target, e.SessionName, prompt, meta, 0); err != nil {
			return Delivery{}, err
		}
		return Delivery{Entry: e}, nil
	}

	rec, err := p.recorder.CreateRequest(ctx, "", meta["chat_id"], workspace)
	if err != nil {
		return Delivery{}, fmt.Errorf("record pool prompt: %w", err)
	}
	log := p.logger.WithContext(logger.ContextWithRequest(ctx, rec.RequestID))

	if err := p.trackStart(workspace, rec.RequestID); err != nil {
		p.failRequest(ctx, rec.RequestID)
		return Delivery{}, err
	}

	sendMeta := make(map[string]string, len(meta)+2)
	for k, v := range meta {
		sendMeta[k] = v
	}
	sendMeta["request_id"] = rec.RequestID
	sendMeta["workspace"] = workspace

	if err := p.backend.SendToSession(ctx, p.target, e.SessionName, prompt, sendMeta, 0); err != nil {
		p.finish(rec.RequestID)
		p.failRequest(ctx, rec.RequestID)
		return Delivery{}, err
	}
	if _, err := p.recorder.UpdateState(ctx, rec.RequestID, tracker.StateProcessing, tracker.Update{}); err != nil {
		// A fast agent may already have reported a terminal state.
		log.Debug("Pool prompt not moved to processing", zap.Error(err))
	}
	log.Debug("Pool prompt delivered", zap.String("workspace", workspace))

	if cur, ok := p.entry(workspace); ok {
		e = cur
	}
	return Delivery{Entry: e, RequestID: rec.RequestID}, nil
}

func (p *Pool) failRequest(ctx context.Context, requestID string) {
	if _, err := p.recorder.UpdateState(context.WithoutCancel(ctx), requestID, tracker.StateError, tracker.Update{}); err != nil {
		p.logger.Warn("Failed to mark pool prompt as failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

func (p *Pool) entry(workspace string) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[workspace]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// DeleteSession kills workspace's session. It refuses while requests are active.
func (p *Pool) DeleteSession(ctx context.Context, workspace string) error {
	p.mu.Lock()
	e, ok := p.entries[workspace]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, workspace)
	}
	if e.ActiveRequests > 0 {
		n := e.ActiveRequests
		p.mu.Unlock()
		return fmt.Errorf("%w: %s has %d", ErrActiveRequests, workspace, n)
	}
	e.Status = StatusTerminating
	name := e.SessionName
	p.mu.Unlock()

	return p.remove(ctx, workspace, name)
}

// CleanupInactiveSessions evicts entries idle longer than the inactivity
// timeout. Entries with active requests are never evicted.
func (p *Pool) CleanupInactiveSessions(ctx context.Context) int {
	if p.cfg.InactivityTimeout <= 0 {
		return 0
	}
	cutoff := p.now().Add(-p.cfg.InactivityTimeout)

	p.mu.Lock()
	var victims []*Entry
	for _, e := range p.entries {
		if e.ActiveRequests == 0 && e.Status != StatusTerminating && e.LastActivityAt.Before(cutoff) {
			e.Status = StatusTerminating
			victims = append(victims, e)
		}
	}
	p.mu.Unlock()

	evicted := 0
	for _, e := range victims {
		if err := p.remove(ctx, e.Workspace, e.SessionName); err != nil {
			p.logger.Warn("Failed to evict inactive session", zap.String("workspace", e.Workspace), zap.Error(err))
			continue
		}
		evicted++
	}
	if evicted > 0 {
		p.logger.Info("Evicted inactive sessions", zap.Int("count", evicted))
	}
	return evicted
}

func (p *Pool) remove(ctx context.Context, workspace, name string) error {
	err := p.backend.KillSession(ctx, p.target, name)
	p.mu.Lock()
	if err != nil {
		if e, ok := p.entries[workspace]; ok && e.Status == StatusTerminating {
			e.Status = StatusIdle
		}
		p.mu.Unlock()
		return err
	}
	delete(p.entries, workspace)
	p.mu.Unlock()

	p.publish(ctx, events.PoolSessionRemoved, workspace, name)
	return nil
}

// Discover adopts existing workspace sessions on the target. Timestamps are
// reset to now and counters to zero.
func (p *Pool) Discover(ctx context.Context) (int, error) {
	names, err := p.backend.ListSessions(ctx, p.target)
	if err != nil {
		return 0, err
	}
	now := p.now()
	adopted := 0

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range names {
		workspace := strings.TrimPrefix(name, tmux.WorkspaceSessionPrefix)
		if workspace == name || !ValidWorkspace(workspace) {
			continue
		}
		if _, ok := p.entries[workspace]; ok {
			continue
		}
		p.entries[workspace] = &Entry{
			Workspace:       workspace,
			SessionName:     name,
			ContainerTarget: p.target,
			CreatedAt:       now,
			LastActivityAt:  now,
			Status:          StatusIdle,
		}
		adopted++
	}
	if len(p.entries) > p.cfg.MaxSessions {
		p.logger.Warn("Discovered more sessions than the pool allows",
			zap.Int("sessions", len(p.entries)),
			zap.Int("max", p.cfg.MaxSessions))
	}
	return adopted, nil
}

// ListSessions returns a snapshot of all entries sorted by workspace.
func (p *Pool) ListSessions() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Workspace < out[j].Workspace })
	return out
}

// GetStats returns aggregate counters.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{TotalSessions: len(p.entries), MaxSessions: p.cfg.MaxSessions}
	for _, e := range p.entries {
		switch e.Status {
		case StatusActive:
			s.ActiveSessions++
		case StatusIdle:
			s.IdleSessions++
		case StatusTerminating:
			s.TerminatingSessions++
		}
		s.TotalRequests += e.TotalRequests
		s.ActiveRequests += e.ActiveRequests
	}
	return s
}

// Start runs the inactivity sweep until Stop or ctx is done.
func (p *Pool) Start(ctx context.Context) {
	if p.cfg.CleanupInterval <= 0 {
		return
	}
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.CleanupInactiveSessions(ctx)
			}
		}
	}()
}

// Stop drains the pool: entries are marked terminating, active requests get
// up to DrainGrace to finish, then every session is killed.
func (p *Pool) Stop(ctx context.Context) {
	if p.stopCh != nil {
		close(p.stopCh)
		p.wg.Wait()
		p.stopCh = nil
	}

	p.mu.Lock()
	for _, e := range p.entries {
		e.Status = StatusTerminating
	}
	p.mu.Unlock()

	deadline := time.NewTimer(p.cfg.DrainGrace)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

drain:
	for p.GetStats().ActiveRequests > 0 {
		select {
		case <-ctx.Done():
			break drain
		case <-deadline.C:
			break drain
		case <-poll.C:
		}
	}

	for _, e := range p.ListSessions() {
		if e.ActiveRequests > 0 {
			p.logger.Warn("Killing session with active requests",
				zap.String("workspace", e.Workspace),
				zap.Int("active_requests", e.ActiveRequests))
		}
		if err := p.backend.KillSession(context.WithoutCancel(ctx), p.target, e.SessionName); err != nil {
			p.logger.Warn("Failed to kill session on stop", zap.String("workspace", e.Workspace), zap.Error(err))
		}
	}

	if p.sub != nil {
		if err := p.sub.Unsubscribe(); err != nil {
			p.logger.Debug("Failed to stop watching request states", zap.Error(err))
		}
		p.sub = nil
	}

	p.mu.Lock()
	p.entries = make(map[string]*Entry)
	p.inflight = make(map[string]string)
	p.mu.Unlock()
}

func (p *Pool) publish(ctx context.Context, subject, workspace, name string) {
	if p.eventBus == nil {
		return
	}
	event := bus.NewEvent(subject, "session-pool", workspace, map[string]interface{}{
		"target":    p.target,
		"workspace": workspace,
		"session":   name,
	})
	if err := p.eventBus.Publish(ctx, subject, event); err != nil {
		p.logger.Debug("Failed to publish pool event", zap.Error(err))
	}
}
