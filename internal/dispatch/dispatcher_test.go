package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/runtime"
	"github.com/kandev/agentgate/internal/tracker"
	"github.com/kandev/agentgate/internal/transport"
)

type scriptedTransport struct {
	mu        sync.Mutex
	responses []*transport.Response
	requests  []*transport.Request
}

func (s *scriptedTransport) Method() string                   { return "scripted" }
func (s *scriptedTransport) IsAvailable(context.Context) bool { return true }

func (s *scriptedTransport) SendRequest(ctx context.Context, req *transport.Request, timeout time.Duration) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	out := *resp
	out.ID = req.ID
	return &out, nil
}

type fakeProvider struct {
	transport *scriptedTransport
	targets   []runtime.Target
}

func (f *fakeProvider) ForTarget(ctx context.Context, target runtime.Target) (transport.Transport, error) {
	f.targets = append(f.targets, target)
	return f.transport, nil
}

type fakeSessions struct {
	createErr error
	sendErr   error
	sent      []string
	meta      map[string]string
	targets   []string
}

func (f *fakeSessions) GetOrCreateSession(ctx context.Context, target, workspace, chatID string) (string, error) {
	f.targets = append(f.targets, target)
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return "", err
	}
	return "agent-" + workspace + "-" + chatID, nil
}

func (f *fakeSessions) SendToSession(ctx context.Context, target, name, prompt string, meta map[string]string, timeout time.Duration) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, prompt)
	f.meta = meta
	return nil
}

func ok(result string) *transport.Response {
	return &transport.Response{Status: 200, OK: true, Result: json.RawMessage(result)}
}

func history(n int) []Message {
	out := make([]Message, n)
	for i := range out {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		out[i] = Message{Role: role, Content: fmt.Sprintf("message %d", i)}
	}
	return out
}

func newTestDispatcher(t *testing.T, p *fakeProvider, s *fakeSessions, tr RequestTracker, async bool) *Dispatcher {
	t.Helper()
	return New(Config{
		AsyncMode:       async,
		MaxPromptLength: 100000,
		MaxLineLength:   10000,
		SyncTimeout:     time.Minute,
	}, p, s, tr, logger.Nop())
}

func TestExecute_SyncSuccessWithHistory(t *testing.T) {
	st := &scriptedTransport{responses: []*transport.Response{ok(`{"stdout":"ok"}`)}}
	d := newTestDispatcher(t, &fakeProvider{transport: st}, nil, nil, false)

	res, err := d.Execute(context.Background(), Target{ID: "c1", Name: "agent"}, "hello", Options{History: history(5), ChatID: "chat"})
	require.NoError(t, err)
	require.Equal(t, ModeSync, res.Mode)
	require.NotNil(t, res.Sync)
	assert.Nil(t, res.Async)
	assert.True(t, res.Sync.Success)
	assert.Equal(t, "ok", res.Sync.Output)

	require.Len(t, st.requests, 1)
	assert.Equal(t, "/execute", st.requests[0].Path)
	var body executeBody
	require.NoError(t, json.Unmarshal(st.requests[0].Body, &body))
	assert.Contains(t, body.Prompt, `<message role="assistant">message 1</message>`)
	assert.Contains(t, body.Prompt, "<current_message>\nhello\n</current_message>")
}

func TestExecute_SyncTimeout(t *testing.T) {
	st := &scriptedTransport{responses: []*transport.Response{
		transport.Synthesize("", 408, transport.CodeTimeout, "request timed out"),
	}}
	d := newTestDispatcher(t, &fakeProvider{transport: st}, nil, nil, false)

	res, err := d.Execute(context.Background(), Target{ID: "c1"}, "hello", Options{History: history(5)})
	require.NoError(t, err)
	assert.False(t, res.Sync.Success)
	assert.True(t, res.Sync.IsTimeout)
	assert.True(t, res.Sync.Retryable)
	assert.Len(t, st.requests, 1)
}

func TestExecute_StaleTargetRetriesOnceAfterReresolve(t *testing.T) {
	stale := transport.Synthesize("", 410, transport.CodeStaleTarget, "target is no longer available")
	st := &scriptedTransport{responses: []*transport.Response{stale, ok(`{"stdout":"second"}`)}}
	p := &fakeProvider{transport: st}
	d := newTestDispatcher(t, p, nil, nil, false)

	calls := 0
	res, err := d.Execute(context.Background(), Target{ID: "old", Name: "agent"}, "hi", Options{
		Reresolve: func(ctx context.Context) (Target, error) {
			calls++
			return Target{ID: "new", Name: "agent"}, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Sync.Success)
	assert.Equal(t, "second", res.Sync.Output)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []runtime.Target{{ID: "old", Name: "agent"}, {ID: "new", Name: "agent"}}, p.targets)
}

func TestExecute_StaleTargetRetriesAtMostOnce(t *testing.T) {
	stale := transport.Synthesize("", 410, transport.CodeStaleTarget, "gone")
	st := &scriptedTransport{responses: []*transport.Response{stale}}
	d := newTestDispatcher(t, &fakeProvider{transport: st}, nil, nil, false)

	res, err := d.Execute(context.Background(), Target{ID: "old"}, "hi", Options{
		Reresolve: func(ctx context.Context) (Target, error) { return Target{ID: "new"}, nil },
	})
	require.NoError(t, err)
	assert.False(t, res.Sync.Success)
	assert.True(t, res.Sync.Retryable)
	assert.Len(t, st.requests, 2)
}

func TestExecute_StaleTargetWithoutHookSignalsRetryable(t *testing.T) {
	stale := transport.Synthesize("", 410, transport.CodeStaleTarget, "gone")
	st := &scriptedTransport{responses: []*transport.Response{stale}}
	d := newTestDispatcher(t, &fakeProvider{transport: st}, nil, nil, false)

	res, err := d.Execute(context.Background(), Target{ID: "old"}, "hi", Options{})
	require.NoError(t, err)
	assert.True(t, res.Sync.Retryable)
	assert.False(t, res.Sync.IsTimeout)
	assert.Len(t, st.requests, 1)
}

func TestExecute_NonZeroExitIsFailure(t *testing.T) {
	st := &scriptedTransport{responses: []*transport.Response{ok(`{"stdout":"","stderr":"boom","exitCode":2}`)}}
	d := newTestDispatcher(t, &fakeProvider{transport: st}, nil, nil, false)

	res, err := d.Execute(context.Background(), Target{ID: "c1"}, "hi", Options{})
	require.NoError(t, err)
	assert.False(t, res.Sync.Success)
	assert.Equal(t, "boom", res.Sync.Error)
	require.NotNil(t, res.Sync.ExitCode)
	assert.Equal(t, 2, *res.Sync.ExitCode)
	assert.False(t, res.Sync.Retryable)
}

func TestExecute_StringResultIsDecoded(t *testing.T) {
	cases := map[string]string{
		`"a\nb \"quoted\""`: "a\nb \"quoted\"",
		`42`:                "42",
	}
	for raw, want := range cases {
		st := &scriptedTransport{responses: []*transport.Response{ok(raw)}}
		d := newTestDispatcher(t, &fakeProvider{transport: st}, nil, nil, false)

		res, err := d.Execute(context.Background(), Target{ID: "c1"}, "hi", Options{})
		require.NoError(t, err)
		assert.True(t, res.Sync.Success)
		assert.Equal(t, want, res.Sync.Output, raw)
	}
}

func TestExecute_ValidationRejectedBeforeTransport(t *testing.T) {
	st := &scriptedTransport{responses: []*transport.Response{ok(`{}`)}}
	d := newTestDispatcher(t, &fakeProvider{transport: st}, nil, nil, false)

	_, err := d.Execute(context.Background(), Target{ID: "c1"}, "bad\x1b", Options{})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, st.requests)
}

func newTracker(t *testing.T) *tracker.Tracker {
	t.Helper()
	tr, err := tracker.New(tracker.Config{Dir: t.TempDir()}, nil, logger.Nop())
	require.NoError(t, err)
	return tr
}

func TestExecute_AsyncReturnsHandle(t *testing.T) {
	sessions := &fakeSessions{}
	tr := newTracker(t)
	d := newTestDispatcher(t, &fakeProvider{}, sessions, tr, true)

	res, err := d.Execute(context.Background(), Target{ID: "c1"}, "long task", Options{ChatID: "chat", Workspace: "ws"})
	require.NoError(t, err)
	require.Equal(t, ModeTmux, res.Mode)
	require.NotNil(t, res.Async)
	assert.Nil(t, res.Sync)
	assert.Equal(t, ModeTmux, res.Async.Mode)

	assert.Equal(t, []string{"long task"}, sessions.sent)
	assert.Equal(t, res.Async.RequestID, sessions.meta["request_id"])

	rec, err := tr.GetRequest(res.Async.RequestID)
	require.NoError(t, err)
	assert.Equal(t, tracker.StateProcessing, rec.State)
	assert.Equal(t, "ws", rec.Workspace)
}

func TestExecute_PerCallFlagOverridesMode(t *testing.T) {
	st := &scriptedTransport{responses: []*transport.Response{ok(`{"stdout":"inline"}`)}}
	d := newTestDispatcher(t, &fakeProvider{transport: st}, &fakeSessions{}, newTracker(t), true)

	async := false
	res, err := d.Execute(context.Background(), Target{ID: "c1"}, "hi", Options{Async: &async})
	require.NoError(t, err)
	assert.Equal(t, ModeSync, res.Mode)
	assert.Equal(t, "inline", res.Sync.Output)
}

func TestExecute_AsyncSendFailureMarksError(t *testing.T) {
	sessions := &fakeSessions{sendErr: errors.New("send-keys failed")}
	tr := newTracker(t)
	d := newTestDispatcher(t, &fakeProvider{}, sessions, tr, true)

	_, err := d.Execute(context.Background(), Target{ID: "c1"}, "task", Options{ChatID: "chat", Workspace: "ws"})
	require.Error(t, err)

	recs, err := tr.ListRequests("ws", tracker.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, tracker.StateError, recs[0].State)
}

func TestExecute_AsyncStaleTargetRetriesOnFreshTarget(t *testing.T) {
	sessions := &fakeSessions{createErr: fmt.Errorf("create session: %w", runtime.ErrTargetGone)}
	d := newTestDispatcher(t, &fakeProvider{}, sessions, newTracker(t), true)

	res, err := d.Execute(context.Background(), Target{ID: "old"}, "task", Options{
		ChatID:    "chat",
		Reresolve: func(ctx context.Context) (Target, error) { return Target{ID: "new"}, nil },
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Async.RequestID)
	assert.Equal(t, []string{"old", "new"}, sessions.targets)
}
