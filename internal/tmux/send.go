package tmux

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/tracing"
)

var envKeyChars = regexp.MustCompile(`[^A-Z0-9_]+`)

// SendToSession delivers prompt to a session in two steps. The payload is
// piped through the runner's stdin into a 0600 file under the staging dir,
// then a short command that feeds that file to the agent is typed into the
// session. Prompt text never appears on the typed command line. meta is
// exported to the agent as AGENTGATE_<KEY> variables.
//
// The whole send is bounded by timeout, or the configured send timeout when
// timeout is zero; expiry yields a *SessionError of kind timeout.
func (m *Manager) SendToSession(ctx context.Context, target, name, prompt string, meta map[string]string, timeout time.Duration) (err error) {
	if timeout <= 0 {
		timeout = m.cfg.SendTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := tracing.TraceSessionSend(ctx, targetLabel(target), name, len(prompt))
	defer func() {
		tracing.TraceResult(span, err)
		span.End()
	}()

	wrap := func(kind string, cause error) error {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = KindTimeout
			cause = fmt.Errorf("send did not complete within %s: %w", timeout, cause)
		}
		return &SessionError{Kind: kind, Session: name, Err: cause}
	}

	if !m.SessionExists(ctx, target, name) {
		if ctx.Err() != nil {
			return wrap(KindSend, ctx.Err())
		}
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}

	file := path.Join(m.cfg.StagingDir, "prompt-"+uuid.New().String()+".txt")
	stage := fmt.Sprintf("umask 077; mkdir -p %s && cat > %s", ShellQuote(m.cfg.StagingDir), ShellQuote(file))
	res, err := m.runner.Exec(ctx, target, []string{"sh", "-c", stage}, strings.NewReader(prompt))
	if err != nil {
		return wrap(KindStage, err)
	}
	if res.ExitCode != 0 {
		return wrap(KindStage, fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}

	control := m.controlCommand(file, meta)
	if err := m.sendKeys(ctx, target, name, "-l", "--", control); err != nil {
		return wrap(KindSend, err)
	}
	if err := m.sendKeys(ctx, target, name, "Enter"); err != nil {
		return wrap(KindSend, err)
	}

	m.touch(indexKey(target, name))
	m.logger.Debug("Prompt delivered",
		zap.String("session", name),
		zap.Int("prompt_bytes", len(prompt)))
	return nil
}

// controlCommand builds the line typed into the session. The redirect opens
// the staged file before the group runs, so it can be removed up front.
func (m *Manager) controlCommand(file string, meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("{ rm -f ")
	b.WriteString(ShellQuote(file))
	b.WriteString("; ")
	for _, k := range keys {
		key := envKeyChars.ReplaceAllString(strings.ToUpper(k), "_")
		if key == "" {
			continue
		}
		b.WriteString("AGENTGATE_")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(ShellQuote(meta[k]))
		b.WriteString(" ")
	}
	b.WriteString(m.cfg.AgentCommand)
	b.WriteString("; } < ")
	b.WriteString(ShellQuote(file))
	return b.String()
}

func (m *Manager) sendKeys(ctx context.Context, target, name string, args ...string) error {
	cmd := append([]string{"tmux", "send-keys", "-t", name + ":"}, args...)
	res, err := m.runner.Exec(ctx, target, cmd, nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("send-keys exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
