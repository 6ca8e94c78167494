package conversation

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentgate/internal/common/config"
	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/db"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "conv.db")}, logger.Nop())
	require.NoError(t, err)
	s, cleanup, err := Provide(context.Background(), pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })
	return s
}

func TestRecentMessages_OldestFirstAndLimited(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.AppendMessage(ctx, "chat-1", "user", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	_, err := s.AppendMessage(ctx, "chat-2", "user", "other")
	require.NoError(t, err)

	msgs, err := s.RecentMessages(ctx, "chat-1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m2", msgs[0].Content)
	assert.Equal(t, "m4", msgs[2].Content)
	assert.Equal(t, "chat-1", msgs[0].ChatID)

	none, err := s.RecentMessages(ctx, "chat-1", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInstanceAffinity(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.GetInstance(ctx, "chat")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetInstance(ctx, "chat", "agent-a"))
	require.NoError(t, s.SetInstance(ctx, "chat", "agent-b"))
	got, err := s.GetInstance(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, "agent-b", got)

	require.NoError(t, s.ClearInstance(ctx, "chat"))
	_, err = s.GetInstance(ctx, "chat")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProvide_ReopensExistingDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "conv.db")
	cfg := config.DatabaseConfig{Driver: "sqlite", Path: path}

	pool, err := db.Open(ctx, cfg, logger.Nop())
	require.NoError(t, err)
	s, cleanup, err := Provide(ctx, pool)
	require.NoError(t, err)
	require.NoError(t, s.SetInstance(ctx, "chat-1", "agent-a"))
	require.NoError(t, cleanup())

	pool, err = db.Open(ctx, cfg, logger.Nop())
	require.NoError(t, err)
	s, cleanup, err = Provide(ctx, pool)
	require.NoError(t, err)
	defer func() { _ = cleanup() }()

	got, err := s.GetInstance(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", got)
}
