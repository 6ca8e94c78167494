// Package api exposes the gateway over HTTP: chat messages, the workspace
// session pool, request records and a websocket stream of state changes.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/dispatch"
	"github.com/kandev/agentgate/internal/events/bus"
	"github.com/kandev/agentgate/internal/gateway"
	"github.com/kandev/agentgate/internal/pool"
	"github.com/kandev/agentgate/internal/runtime"
	"github.com/kandev/agentgate/internal/tmux"
	"github.com/kandev/agentgate/internal/tracker"
	"github.com/kandev/agentgate/internal/transport"
)

// MessageHandler handles chat messages.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg gateway.Message) (*gateway.Reply, error)
}

// SessionPool is the workspace pool surface.
type SessionPool interface {
	ListSessions() []pool.Entry
	GetStats() pool.Stats
	GetOrCreateSession(ctx context.Context, workspace string) (pool.Entry, error)
	SendPrompt(ctx context.Context, workspace, prompt string, meta map[string]string) (pool.Delivery, error)
	DeleteSession(ctx context.Context, workspace string) error
}

// RequestStore is the request tracker surface.
type RequestStore interface {
	GetRequest(requestID string) (*tracker.Request, error)
	ListRequests(workspace string, f tracker.Filter) ([]*tracker.Request, error)
	UpdateState(ctx context.Context, requestID string, state tracker.State, upd tracker.Update) (*tracker.Request, error)
	DeleteRequest(ctx context.Context, requestID string) error
}

// TransportStats reports breaker snapshots.
type TransportStats interface {
	Stats() []transport.Stat
}

// Deps are the services behind the routes. Pool and EventBus may be nil,
// which leaves their routes unregistered.
type Deps struct {
	Messages      MessageHandler
	Pool          SessionPool
	Requests      RequestStore
	Transports    TransportStats
	EventBus      bus.EventBus
	MaxLineLength int
}

// Handler serves the HTTP API.
type Handler struct {
	deps   Deps
	logger *logger.Logger
}

// RegisterRoutes registers every route on router.
func RegisterRoutes(router *gin.Engine, deps Deps, log *logger.Logger) *Handler {
	h := &Handler{deps: deps, logger: log.WithFields(zap.String("component", "api"))}

	router.GET("/health", h.httpHealth)

	api := router.Group("/api/v1")
	api.POST("/messages", h.httpPostMessage)
	api.GET("/transports", h.httpListTransports)

	api.GET("/workspaces/:workspace/requests", h.httpListRequests)
	api.GET("/requests/:id", h.httpGetRequest)
	api.POST("/requests/:id/state", h.httpUpdateRequestState)
	api.DELETE("/requests/:id", h.httpDeleteRequest)

	if deps.Pool != nil {
		api.GET("/sessions", h.httpListSessions)
		api.GET("/sessions/stats", h.httpSessionStats)
		api.POST("/sessions/:workspace", h.httpCreateSession)
		api.POST("/sessions/:workspace/prompt", h.httpSendSessionPrompt)
		api.DELETE("/sessions/:workspace", h.httpDeleteSession)
	}
	if deps.EventBus != nil {
		api.GET("/requests/stream", h.httpStreamRequests)
	}
	return h
}

func (h *Handler) httpHealth(c *gin.Context) {
	status := gin.H{"status": "ok"}
	if h.deps.EventBus != nil {
		status["eventBus"] = h.deps.EventBus.IsConnected()
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) httpPostMessage(c *gin.Context) {
	var msg gateway.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	reply, err := h.deps.Messages.HandleMessage(c.Request.Context(), msg)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Warn("Message handling failed", zap.String("chat_id", msg.ChatID), zap.Error(err))
		c.JSON(statusFor(err), reply)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (h *Handler) httpListTransports(c *gin.Context) {
	if h.deps.Transports == nil {
		c.JSON(http.StatusOK, []transport.Stat{})
		return
	}
	c.JSON(http.StatusOK, h.deps.Transports.Stats())
}

func (h *Handler) httpListRequests(c *gin.Context) {
	f := tracker.Filter{State: tracker.State(c.Query("state")), ChatID: c.Query("chatId")}
	if f.State != "" && !f.State.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state"})
		return
	}
	items, err := h.deps.Requests.ListRequests(c.Param("workspace"), f)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "failed to list requests"})
		return
	}
	if items == nil {
		items = []*tracker.Request{}
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) httpGetRequest(c *gin.Context) {
	rec, err := h.deps.Requests.GetRequest(c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "request not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// UpdateStateRequest is the body of the callback route.
type UpdateStateRequest struct {
	State    tracker.State `json:"state" binding:"required"`
	ExitCode *int          `json:"exitCode"`
}

func (h *Handler) httpUpdateRequestState(c *gin.Context) {
	var req UpdateStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	rec, err := h.deps.Requests.UpdateState(c.Request.Context(), c.Param("id"), req.State, tracker.Update{ExitCode: req.ExitCode})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) httpDeleteRequest(c *gin.Context) {
	if err := h.deps.Requests.DeleteRequest(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": "request not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) httpListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Pool.ListSessions())
}

func (h *Handler) httpSessionStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Pool.GetStats())
}

func (h *Handler) httpCreateSession(c *gin.Context) {
	entry, err := h.deps.Pool.GetOrCreateSession(c.Request.Context(), c.Param("workspace"))
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Warn("Failed to create pool session",
			zap.String("workspace", c.Param("workspace")), zap.Error(err))
		c.JSON(statusFor(err), gin.H{"error": poolErrorMessage(err, "failed to create session")})
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// SessionPromptRequest is the body of the pool prompt route.
type SessionPromptRequest struct {
	Prompt string            `json:"prompt" binding:"required"`
	Meta   map[string]string `json:"meta"`
}

func (h *Handler) httpSendSessionPrompt(c *gin.Context) {
	var req SessionPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := dispatch.ValidatePrompt(req.Prompt, h.deps.MaxLineLength); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	delivery, err := h.deps.Pool.SendPrompt(c.Request.Context(), c.Param("workspace"), req.Prompt, req.Meta)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Warn("Failed to send pool prompt",
			zap.String("workspace", c.Param("workspace")), zap.Error(err))
		c.JSON(statusFor(err), gin.H{"error": poolErrorMessage(err, "failed to send prompt")})
		return
	}
	c.JSON(http.StatusAccepted, delivery)
}

func (h *Handler) httpDeleteSession(c *gin.Context) {
	if err := h.deps.Pool.DeleteSession(c.Request.Context(), c.Param("workspace")); err != nil {
		h.logger.WithContext(c.Request.Context()).Warn("Failed to delete pool session",
			zap.String("workspace", c.Param("workspace")), zap.Error(err))
		c.JSON(statusFor(err), gin.H{"error": poolErrorMessage(err, "failed to delete session")})
		return
	}
	c.Status(http.StatusNoContent)
}

// poolErrorMessage names a pool failure without exposing session names,
// container ids or tmux output.
func poolErrorMessage(err error, fallback string) string {
	switch {
	case errors.Is(err, pool.ErrNotFound):
		return "workspace session not found"
	case errors.Is(err, pool.ErrInvalidWorkspace):
		return "invalid workspace name"
	case errors.Is(err, pool.ErrActiveRequests):
		return "workspace session has active requests"
	case errors.Is(err, pool.ErrTerminating):
		return "workspace session is terminating"
	case errors.Is(err, pool.ErrPoolFull):
		return "session pool is full"
	case errors.Is(err, runtime.ErrTargetGone):
		return "target unavailable"
	case tmux.IsTimeout(err):
		return "timed out delivering prompt"
	default:
		return fallback
	}
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tracker.ErrNotFound), errors.Is(err, pool.ErrNotFound), errors.Is(err, tmux.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrInvalidMessage), errors.Is(err, dispatch.ErrValidation),
		errors.Is(err, pool.ErrInvalidWorkspace), errors.Is(err, tracker.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, tracker.ErrInvalidTransition), errors.Is(err, pool.ErrActiveRequests), errors.Is(err, pool.ErrTerminating):
		return http.StatusConflict
	case errors.Is(err, pool.ErrPoolFull), errors.Is(err, tmux.ErrCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, runtime.ErrTargetGone):
		return http.StatusServiceUnavailable
	case tmux.IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
