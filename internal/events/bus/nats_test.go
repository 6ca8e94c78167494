package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentgate/internal/common/config"
	"github.com/kandev/agentgate/internal/common/logger"
)

func TestNATSEventBus_Prefix(t *testing.T) {
	b := &NATSEventBus{prefix: "gw1"}
	assert.Equal(t, "gw1.request.state_changed", b.subject("request.state_changed"))
	assert.Equal(t, "request.state_changed", b.unprefix("gw1.request.state_changed"))

	b = &NATSEventBus{}
	assert.Equal(t, "request.>", b.subject("request.>"))
}

func TestNewNATSEventBus_UnreachableServer(t *testing.T) {
	_, err := NewNATSEventBus(config.NATSConfig{URL: "nats://127.0.0.1:1", ClientID: "test"}, logger.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to NATS")
}
