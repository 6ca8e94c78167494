package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentgate/internal/common/config"
	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/gateway"
)

func TestRouter_PropagatesRequestID(t *testing.T) {
	messages := &fakeMessages{reply: &gateway.Reply{Text: "ok"}}
	router := NewRouter(config.LoggingConfig{Level: "info"}, Deps{Messages: messages}, logger.Nop())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(`{"chatId":"c1","text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRequestID, "abc-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc-123", w.Header().Get(HeaderRequestID))
	assert.Equal(t, "abc-123", messages.requestID)
}

func TestRouter_GeneratesRequestID(t *testing.T) {
	router := NewRouter(config.LoggingConfig{Level: "info"}, Deps{Messages: &fakeMessages{}}, logger.Nop())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Header().Get(HeaderRequestID), 36)
}
