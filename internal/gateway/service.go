// Package gateway turns incoming chat messages into agent executions: it
// looks up the instance serving the chat, resolves it to a runtime target,
// loads history, dispatches, and records the exchange.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/common/constants"
	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/conversation"
	"github.com/kandev/agentgate/internal/dispatch"
	"github.com/kandev/agentgate/internal/runtime"
)

// ErrInvalidMessage is returned for messages missing a chat id or text.
var ErrInvalidMessage = errors.New("invalid message")

// Message is an incoming chat message.
type Message struct {
	ChatID    string             `json:"chatId"`
	Text      string             `json:"text"`
	History   []dispatch.Message `json:"history,omitempty"`
	Workspace string             `json:"workspace,omitempty"`
	Async     *bool              `json:"async,omitempty"`
}

// Reply is what goes back to the chat. Text is always safe to show to the
// user; Result carries the raw outcome for API callers.
type Reply struct {
	Text     string           `json:"text"`
	Instance string           `json:"instance,omitempty"`
	Result   *dispatch.Result `json:"result,omitempty"`
}

// Store is the conversation persistence used by the service.
type Store interface {
	RecentMessages(ctx context.Context, chatID string, limit int) ([]conversation.Message, error)
	AppendMessage(ctx context.Context, chatID, role, content string) (*conversation.Message, error)
	GetInstance(ctx context.Context, chatID string) (string, error)
	SetInstance(ctx context.Context, chatID, instance string) error
}

// TargetResolver maps instance names to runtime targets.
type TargetResolver interface {
	Resolve(ctx context.Context, name string) (runtime.Target, error)
	Refresh(ctx context.Context, name string) (runtime.Target, error)
}

// TransportInvalidator drops cached transports of a target that went away.
type TransportInvalidator interface {
	Invalidate(target runtime.Target)
}

// Executor runs a prompt.
type Executor interface {
	Execute(ctx context.Context, target dispatch.Target, prompt string, opts dispatch.Options) (*dispatch.Result, error)
}

// Config holds gateway settings.
type Config struct {
	DefaultInstance  string
	DefaultWorkspace string
	HistoryLimit     int
}

// Service handles chat messages.
type Service struct {
	cfg        Config
	store      Store
	resolver   TargetResolver
	transports TransportInvalidator
	executor   Executor
	logger     *logger.Logger
}

// NewService creates the chat message service. transports may be nil.
func NewService(cfg Config, store Store, resolver TargetResolver, transports TransportInvalidator, executor Executor, log *logger.Logger) *Service {
	return &Service{
		cfg:        cfg,
		store:      store,
		resolver:   resolver,
		transports: transports,
		executor:   executor,
		logger:     log.WithFields(zap.String("component", "gateway")),
	}
}

// HandleMessage routes one chat message to its agent. The returned Reply is
// set even when err is not nil, so callers can always answer the chat.
func (s *Service) HandleMessage(ctx context.Context, msg Message) (*Reply, error) {
	msg.ChatID = strings.TrimSpace(msg.ChatID)
	if msg.ChatID == "" || strings.TrimSpace(msg.Text) == "" {
		err := fmt.Errorf("%w: chatId and text are required", ErrInvalidMessage)
		return &Reply{Text: UserMessage(nil, err)}, err
	}
	ctx = logger.ContextWithChat(ctx, msg.ChatID)
	log := s.logger.WithContext(ctx)

	instance, err := s.instanceFor(ctx, msg.ChatID)
	if err != nil {
		return &Reply{Text: UserMessage(nil, err)}, err
	}

	resolveCtx, cancel := context.WithTimeout(ctx, constants.TargetResolveTimeout)
	target, err := s.resolver.Resolve(resolveCtx, instance)
	cancel()
	if err != nil {
		log.Warn("Failed to resolve target", zap.String("instance", instance), zap.Error(err))
		return &Reply{Text: UserMessage(nil, err), Instance: instance}, err
	}

	history := msg.History
	if history == nil {
		history, err = s.history(ctx, msg.ChatID)
		if err != nil {
			log.Warn("Failed to load history, continuing without it", zap.Error(err))
		}
	}

	workspace := msg.Workspace
	if workspace == "" {
		workspace = s.cfg.DefaultWorkspace
	}

	result, err := s.executor.Execute(ctx, target, msg.Text, dispatch.Options{
		History:   history,
		ChatID:    msg.ChatID,
		Workspace: workspace,
		Async:     msg.Async,
		Reresolve: s.reresolver(target),
	})
	reply := &Reply{Text: UserMessage(result, err), Instance: instance, Result: result}
	if err != nil {
		log.Warn("Dispatch failed", zap.String("instance", instance), zap.Error(err))
		return reply, err
	}

	s.record(ctx, msg, result)
	return reply, nil
}

func (s *Service) instanceFor(ctx context.Context, chatID string) (string, error) {
	instance, err := s.store.GetInstance(ctx, chatID)
	if err == nil && instance != "" {
		return instance, nil
	}
	if err != nil && !errors.Is(err, conversation.ErrNotFound) {
		return "", fmt.Errorf("lookup instance: %w", err)
	}
	if s.cfg.DefaultInstance == "" {
		return "", fmt.Errorf("%w: no instance assigned to chat", ErrInvalidMessage)
	}
	if err := s.store.SetInstance(ctx, chatID, s.cfg.DefaultInstance); err != nil {
		s.logger.WithContext(ctx).Warn("Failed to persist instance affinity", zap.Error(err))
	}
	return s.cfg.DefaultInstance, nil
}

func (s *Service) history(ctx context.Context, chatID string) ([]dispatch.Message, error) {
	stored, err := s.store.RecentMessages(ctx, chatID, s.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	out := make([]dispatch.Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, dispatch.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

func (s *Service) reresolver(stale runtime.Target) func(ctx context.Context) (dispatch.Target, error) {
	return func(ctx context.Context) (dispatch.Target, error) {
		if s.transports != nil {
			s.transports.Invalidate(stale)
		}
		ctx, cancel := context.WithTimeout(ctx, constants.TargetResolveTimeout)
		defer cancel()
		return s.resolver.Refresh(ctx, stale.Name)
	}
}

// record appends the exchange to the chat history. Async results are
// appended later by whoever ingests the callback.
func (s *Service) record(ctx context.Context, msg Message, result *dispatch.Result) {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.WithContext(ctx)
	if _, err := s.store.AppendMessage(ctx, msg.ChatID, "user", msg.Text); err != nil {
		log.Warn("Failed to store user message", zap.Error(err))
		return
	}
	if result.Sync == nil || !result.Sync.Success {
		return
	}
	if _, err := s.store.AppendMessage(ctx, msg.ChatID, "assistant", result.Sync.Output); err != nil {
		log.Warn("Failed to store agent reply", zap.Error(err))
	}
}
