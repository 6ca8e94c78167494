package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/dispatch"
	"github.com/kandev/agentgate/internal/events/bus"
	"github.com/kandev/agentgate/internal/gateway"
	"github.com/kandev/agentgate/internal/pool"
	"github.com/kandev/agentgate/internal/runtime"
	"github.com/kandev/agentgate/internal/tracker"
	"github.com/kandev/agentgate/internal/transport"
)

type fakeMessages struct {
	reply     *gateway.Reply
	err       error
	got       gateway.Message
	requestID string
}

func (f *fakeMessages) HandleMessage(ctx context.Context, msg gateway.Message) (*gateway.Reply, error) {
	f.got = msg
	f.requestID = logger.RequestID(ctx)
	return f.reply, f.err
}

type fakePool struct {
	entries map[string]pool.Entry
	active  map[string]int
	prompts []string
	sendErr error
}

func newFakePool() *fakePool {
	return &fakePool{entries: map[string]pool.Entry{}, active: map[string]int{}}
}

func (f *fakePool) ListSessions() []pool.Entry {
	out := make([]pool.Entry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out
}

func (f *fakePool) GetStats() pool.Stats {
	return pool.Stats{TotalSessions: len(f.entries), MaxSessions: 10}
}

func (f *fakePool) GetOrCreateSession(ctx context.Context, workspace string) (pool.Entry, error) {
	if !pool.ValidWorkspace(workspace) {
		return pool.Entry{}, pool.ErrInvalidWorkspace
	}
	e := pool.Entry{Workspace: workspace, SessionName: "ws-" + workspace, Status: pool.StatusIdle}
	f.entries[workspace] = e
	return e, nil
}

func (f *fakePool) SendPrompt(ctx context.Context, workspace, prompt string, meta map[string]string) (pool.Delivery, error) {
	e, err := f.GetOrCreateSession(ctx, workspace)
	if err != nil {
		return pool.Delivery{}, err
	}
	if f.sendErr != nil {
		return pool.Delivery{}, f.sendErr
	}
	f.prompts = append(f.prompts, prompt)
	return pool.Delivery{Entry: e, RequestID: fmt.Sprintf("pool-req-%d", len(f.prompts))}, nil
}

func (f *fakePool) DeleteSession(ctx context.Context, workspace string) error {
	if _, ok := f.entries[workspace]; !ok {
		return fmt.Errorf("%w: %s", pool.ErrNotFound, workspace)
	}
	if f.active[workspace] > 0 {
		return fmt.Errorf("%w: %s", pool.ErrActiveRequests, workspace)
	}
	delete(f.entries, workspace)
	return nil
}

type fakeStats struct{}

func (fakeStats) Stats() []transport.Stat {
	return []transport.Stat{{Target: "agent@c1", Method: "socket", State: transport.CircuitState{State: transport.StateOpen, Failures: 5}}}
}

type testEnv struct {
	router   *gin.Engine
	messages *fakeMessages
	pool     *fakePool
	tracker  *tracker.Tracker
	bus      *bus.MemoryEventBus
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	eventBus := bus.NewMemoryEventBus(logger.Nop())
	t.Cleanup(eventBus.Close)
	tr, err := tracker.New(tracker.Config{Dir: t.TempDir()}, eventBus, logger.Nop())
	require.NoError(t, err)

	env := &testEnv{
		router:   gin.New(),
		messages: &fakeMessages{},
		pool:     newFakePool(),
		tracker:  tr,
		bus:      eventBus,
	}
	RegisterRoutes(env.router, Deps{
		Messages:      env.messages,
		Pool:          env.pool,
		Requests:      tr,
		Transports:    fakeStats{},
		EventBus:      eventBus,
		MaxLineLength: 100,
	}, logger.Nop())
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	env := newEnv(t)
	w := env.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","eventBus":true}`, w.Body.String())
}

func TestPostMessage(t *testing.T) {
	env := newEnv(t)
	env.messages.reply = &gateway.Reply{Text: "ok", Instance: "agent"}

	w := env.do(http.MethodPost, "/api/v1/messages", `{"chatId":"c","text":"hi","history":[{"role":"user","content":"a"}]}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "c", env.messages.got.ChatID)
	require.Len(t, env.messages.got.History, 1)

	env.messages.err = fmt.Errorf("resolve: %w", runtime.ErrTargetGone)
	env.messages.reply = &gateway.Reply{Text: "The agent is not available right now. Please try again shortly."}
	w = env.do(http.MethodPost, "/api/v1/messages", `{"chatId":"c","text":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "not available")

	w = env.do(http.MethodPost, "/api/v1/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestRoutes(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	rec, err := env.tracker.CreateRequest(ctx, "req-1", "chat", "ws1")
	require.NoError(t, err)

	w := env.do(http.MethodGet, "/api/v1/requests/"+rec.RequestID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "null", "absent optional fields are omitted")

	w = env.do(http.MethodPost, "/api/v1/requests/req-1/state", `{"state":"completed","exitCode":0}`)
	require.Equal(t, http.StatusOK, w.Code)
	var got tracker.Request
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, tracker.StateCompleted, got.State)
	require.NotNil(t, got.ExitCode)

	w = env.do(http.MethodPost, "/api/v1/requests/req-1/state", `{"state":"processing"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(http.MethodGet, "/api/v1/workspaces/ws1/requests?state=completed", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []tracker.Request
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = env.do(http.MethodGet, "/api/v1/workspaces/ws1/requests?state=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodDelete, "/api/v1/requests/req-1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(http.MethodGet, "/api/v1/requests/req-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionRoutes(t *testing.T) {
	env := newEnv(t)

	w := env.do(http.MethodPost, "/api/v1/sessions/alpha", "")
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(http.MethodPost, "/api/v1/sessions/bad$name", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/v1/sessions/alpha/prompt", `{"prompt":"run tests"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"run tests"}, env.pool.prompts)
	assert.Contains(t, w.Body.String(), `"requestId":"pool-req-1"`)
	assert.Contains(t, w.Body.String(), `"workspace":"alpha"`)

	w = env.do(http.MethodPost, "/api/v1/sessions/alpha/prompt", `{"prompt":"`+strings.Repeat("x", 101)+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/api/v1/sessions/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"totalSessions":1`)

	w = env.do(http.MethodGet, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sessionName":"ws-alpha"`)

	env.pool.active["alpha"] = 1
	w = env.do(http.MethodDelete, "/api/v1/sessions/alpha", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	env.pool.active["alpha"] = 0
	w = env.do(http.MethodDelete, "/api/v1/sessions/alpha", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(http.MethodDelete, "/api/v1/sessions/alpha", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionRoutes_ErrorsHideInternals(t *testing.T) {
	env := newEnv(t)
	env.pool.sendErr = fmt.Errorf("send to ws-alpha on 3f2a9c1d77e0: %w",
		errors.New("tmux exited 1: can't find pane: ws-alpha"))

	w := env.do(http.MethodPost, "/api/v1/sessions/alpha/prompt", `{"prompt":"run tests"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"failed to send prompt"}`, w.Body.String())

	env.pool.sendErr = fmt.Errorf("send to ws-alpha on 3f2a9c1d77e0: %w", runtime.ErrTargetGone)
	w = env.do(http.MethodPost, "/api/v1/sessions/alpha/prompt", `{"prompt":"run tests"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "3f2a9c1d77e0")

	env.pool.active["alpha"] = 2
	w = env.do(http.MethodDelete, "/api/v1/sessions/alpha", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"error":"workspace session has active requests"}`, w.Body.String())

	w = env.do(http.MethodPost, "/api/v1/sessions/bad$name", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotContains(t, w.Body.String(), "bad$name")
}

func TestListTransports(t *testing.T) {
	env := newEnv(t)
	w := env.do(http.MethodGet, "/api/v1/transports", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"open"`)
}

func TestStreamRelaysStateChanges(t *testing.T) {
	env := newEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/requests/stream?workspace=ws1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	ctx := context.Background()
	_, err = env.tracker.CreateRequest(ctx, "other", "chat", "ws2")
	require.NoError(t, err)
	_, err = env.tracker.UpdateState(ctx, "other", tracker.StateProcessing, tracker.Update{})
	require.NoError(t, err)
	_, err = env.tracker.CreateRequest(ctx, "mine", "chat", "ws1")
	require.NoError(t, err)
	_, err = env.tracker.UpdateState(ctx, "mine", tracker.StateProcessing, tracker.Update{})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event bus.Event
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, "request.state_changed", event.Type)
	assert.Equal(t, "ws1", event.Workspace)
	assert.Equal(t, "mine", event.Data["requestId"])
	assert.Equal(t, "processing", event.Data["state"])
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("x: %w", dispatch.ErrValidation)))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(pool.ErrPoolFull))
	assert.Equal(t, http.StatusNotFound, statusFor(tracker.ErrNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("boom")))
}
