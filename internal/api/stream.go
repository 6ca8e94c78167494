package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/events"
	"github.com/kandev/agentgate/internal/events/bus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// The stream is one-way; peers only send control frames.
	maxMessageSize = 4 * 1024

	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamClient relays request state changes to one websocket peer.
type streamClient struct {
	id        string
	conn      *websocket.Conn
	workspace string
	send      chan []byte
	logger    *logger.Logger
}

// httpStreamRequests upgrades to a websocket and relays request.state_changed
// events, optionally only those of ?workspace=.
func (h *Handler) httpStreamRequests(c *gin.Context) {
	client := &streamClient{
		id:        uuid.New().String(),
		workspace: c.Query("workspace"),
		send:      make(chan []byte, sendBuffer),
	}
	client.logger = h.logger.WithFields(zap.String("client_id", client.id))

	// Subscribe before upgrading so no event published after the handshake
	// is missed.
	sub, err := h.deps.EventBus.Subscribe(events.RequestStateChanged, client.deliver)
	if err != nil {
		client.logger.Error("Failed to subscribe to request events", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
		return
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			client.logger.Debug("Unsubscribe failed", zap.Error(err))
		}
	}()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		client.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}
	client.conn = conn
	client.logger.Debug("Request stream connected", zap.String("remote_addr", c.Request.RemoteAddr))

	done := make(chan struct{})
	go client.writePump(done)
	client.readPump()
	close(done)
}

// deliver queues an event for the peer. Slow peers lose events rather than
// blocking the bus.
func (c *streamClient) deliver(_ context.Context, event *bus.Event) error {
	if c.workspace != "" {
		if event.Workspace != c.workspace {
			return nil
		}
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Dropping event for slow client", zap.String("event_id", event.ID))
	}
	return nil
}

// readPump consumes control frames until the peer goes away.
func (c *streamClient) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *streamClient) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
