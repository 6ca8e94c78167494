package events

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/common/config"
	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/events/bus"
)

// Provide returns the NATS bus when nats.url is set and the in-memory bus
// otherwise, with a cleanup that closes it.
func Provide(cfg config.NATSConfig, log *logger.Logger) (bus.EventBus, func() error, error) {
	var b bus.EventBus
	if strings.TrimSpace(cfg.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("event bus: %w", err)
		}
		b = natsBus
		log.Info("Using NATS event bus", zap.String("subject_prefix", cfg.SubjectPrefix))
	} else {
		b = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	return b, func() error { b.Close(); return nil }, nil
}
