package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/common/config"
	"github.com/kandev/agentgate/internal/common/logger"
)

// HeaderEventType carries Event.Type so consumers outside this module can
// route without decoding the body.
const HeaderEventType = "Agentgate-Event-Type"

// NATSEventBus publishes events to a NATS cluster. Every subject is placed
// under cfg.SubjectPrefix so several gateway deployments can share a cluster.
type NATSEventBus struct {
	conn   *nats.Conn
	prefix string
	log    *logger.Logger
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

// NewNATSEventBus connects to cfg.URL and keeps reconnecting up to
// cfg.MaxReconnects times.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	log = log.WithFields(zap.String("component", "nats-bus"))

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("NATS async error", fields...)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	log.Info("Connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return &NATSEventBus{conn: conn, prefix: strings.Trim(cfg.SubjectPrefix, "."), log: log}, nil
}

func (b *NATSEventBus) subject(s string) string {
	if b.prefix == "" {
		return s
	}
	return b.prefix + "." + s
}

func (b *NATSEventBus) unprefix(s string) string {
	if b.prefix == "" {
		return s
	}
	return strings.TrimPrefix(s, b.prefix+".")
}

// Publish sends the event as JSON with its type in a header.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	msg := nats.NewMsg(b.subject(subject))
	msg.Header.Set(HeaderEventType, event.Type)
	msg.Data = data
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe decodes each message and hands it to handler. Undecodable
// messages are logged and skipped.
func (b *NATSEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(b.subject(pattern), func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.log.Warn("Dropping undecodable event",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.log.Warn("Event handler failed",
				zap.String("subject", b.unprefix(msg.Subject)),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains subscriptions and pending publishes, then closes.
func (b *NATSEventBus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.log.Warn("NATS drain failed", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected reports the connection state.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn.IsConnected()
}
