// Package dispatch runs a prompt against an agent target, either inline
// through the transport layer or asynchronously through a tmux session.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/runtime"
	"github.com/kandev/agentgate/internal/tracing"
	"github.com/kandev/agentgate/internal/tracker"
	"github.com/kandev/agentgate/internal/transport"
)

// Execution modes.
const (
	ModeSync = "sync"
	ModeTmux = "tmux"
)

// Target is the resolved execution endpoint.
type Target = runtime.Target

// Options are per-call settings.
type Options struct {
	History   []Message
	ChatID    string
	Workspace string
	// Async overrides the configured mode when set.
	Async *bool
	// Reresolve returns a fresh target after a stale-target failure. Without
	// it a stale target is reported as retryable and not retried.
	Reresolve func(ctx context.Context) (Target, error)
}

// SyncResult is the outcome of an inline execution.
type SyncResult struct {
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	IsTimeout bool   `json:"isTimeout,omitempty"`
}

// AsyncHandle identifies a request delivered to a session.
type AsyncHandle struct {
	RequestID string `json:"requestId"`
	Mode      string `json:"mode"`
}

// Result holds exactly one of Sync or Async, matching Mode.
type Result struct {
	Mode  string       `json:"mode"`
	Sync  *SyncResult  `json:"sync,omitempty"`
	Async *AsyncHandle `json:"async,omitempty"`
}

// TransportProvider hands out the transport for a target.
type TransportProvider interface {
	ForTarget(ctx context.Context, target runtime.Target) (transport.Transport, error)
}

// SessionManager is the tmux session surface used by the async path.
type SessionManager interface {
	GetOrCreateSession(ctx context.Context, target, workspace, chatID string) (string, error)
	SendToSession(ctx context.Context, target, name, prompt string, meta map[string]string, timeout time.Duration) error
}

// RequestTracker records async requests.
type RequestTracker interface {
	CreateRequest(ctx context.Context, requestID, chatID, workspace string) (*tracker.Request, error)
	UpdateState(ctx context.Context, requestID string, state tracker.State, upd tracker.Update) (*tracker.Request, error)
}

// Config holds dispatcher settings.
type Config struct {
	AsyncMode        bool
	MaxPromptLength  int
	MaxLineLength    int
	SyncTimeout      time.Duration
	AsyncTimeout     time.Duration
	DefaultWorkspace string
}

// Dispatcher decides the execution mode and runs the request.
type Dispatcher struct {
	cfg        Config
	transports TransportProvider
	sessions   SessionManager
	tracker    RequestTracker
	logger     *logger.Logger
}

// New creates a dispatcher.
func New(cfg Config, transports TransportProvider, sessions SessionManager, tr RequestTracker, log *logger.Logger) *Dispatcher {
	if cfg.DefaultWorkspace == "" {
		cfg.DefaultWorkspace = "default"
	}
	return &Dispatcher{
		cfg:        cfg,
		transports: transports,
		sessions:   sessions,
		tracker:    tr,
		logger:     log.WithFields(zap.String("component", "dispatcher")),
	}
}

// Execute builds the prompt and runs it in the selected mode. Validation
// failures return an error wrapping ErrValidation. Sync failures are
// reported in SyncResult; async failures are returned as errors after the
// tracker record is marked error.
func (d *Dispatcher) Execute(ctx context.Context, target Target, prompt string, opts Options) (result *Result, err error) {
	mode := ModeSync
	async := d.cfg.AsyncMode
	if opts.Async != nil {
		async = *opts.Async
	}
	if async {
		mode = ModeTmux
	}

	ctx, span := tracing.TraceDispatch(ctx, target.ID, mode)
	defer func() {
		tracing.TraceResult(span, err)
		span.End()
	}()

	built, err := BuildPrompt(prompt, opts.History, d.cfg.MaxPromptLength, d.cfg.MaxLineLength)
	if err != nil {
		return nil, err
	}
	if opts.Workspace == "" {
		opts.Workspace = d.cfg.DefaultWorkspace
	}

	if async {
		handle, err := d.executeAsync(ctx, target, built, opts)
		if err != nil {
			return nil, err
		}
		return &Result{Mode: ModeTmux, Async: handle}, nil
	}
	return &Result{Mode: ModeSync, Sync: d.executeSync(ctx, target, built, opts)}, nil
}

type executeBody struct {
	Prompt    string `json:"prompt"`
	ChatID    string `json:"chatId,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

type executeOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode *int   `json:"exitCode"`
}

func (d *Dispatcher) executeSync(ctx context.Context, target Target, prompt string, opts Options) *SyncResult {
	res := d.callOnce(ctx, target, prompt, opts)
	if !res.stale || opts.Reresolve == nil {
		return res.SyncResult
	}

	fresh, err := opts.Reresolve(ctx)
	if err != nil {
		d.logger.WithContext(ctx).Warn("Target re-resolution failed", zap.String("target", target.Name), zap.Error(err))
		return res.SyncResult
	}
	d.logger.WithContext(ctx).Info("Retrying on re-resolved target",
		zap.String("target", target.Name),
		zap.String("old_id", target.ID),
		zap.String("new_id", fresh.ID))
	return d.callOnce(ctx, fresh, prompt, opts).SyncResult
}

type callResult struct {
	*SyncResult
	stale bool
}

func (d *Dispatcher) callOnce(ctx context.Context, target Target, prompt string, opts Options) callResult {
	t, err := d.transports.ForTarget(ctx, target)
	if err != nil {
		return callResult{SyncResult: &SyncResult{Success: false, Error: err.Error()}}
	}

	req, err := transport.NewRequest(http.MethodPost, "/execute", executeBody{
		Prompt:    prompt,
		ChatID:    opts.ChatID,
		Workspace: opts.Workspace,
		TimeoutMs: d.cfg.SyncTimeout.Milliseconds(),
	})
	if err != nil {
		return callResult{SyncResult: &SyncResult{Success: false, Error: err.Error()}}
	}

	resp, err := t.SendRequest(ctx, req, d.cfg.SyncTimeout)
	if err != nil {
		return callResult{SyncResult: &SyncResult{Success: false, Error: err.Error()}}
	}
	return interpret(resp)
}

// interpret maps a transport response onto a SyncResult.
func interpret(resp *transport.Response) callResult {
	if !resp.OK {
		out := &SyncResult{Success: false, Error: resp.Message()}
		switch {
		case resp.Code() == transport.CodeTimeout || resp.Status == http.StatusRequestTimeout:
			out.IsTimeout = true
			out.Retryable = true
		case resp.Code() == transport.CodeStaleTarget:
			out.Retryable = true
			return callResult{SyncResult: out, stale: true}
		}
		return callResult{SyncResult: out}
	}

	var body executeOutput
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &body); err != nil {
			// A non-object result is the output itself.
			return callResult{SyncResult: &SyncResult{Success: true, Output: plainResult(resp.Result)}}
		}
	}
	out := &SyncResult{Success: true, Output: body.Stdout, ExitCode: body.ExitCode}
	if body.ExitCode != nil && *body.ExitCode != 0 {
		out.Success = false
		out.Error = strings.TrimSpace(body.Stderr)
		if out.Error == "" {
			out.Error = "agent exited with code " + strconv.Itoa(*body.ExitCode)
		}
	}
	return callResult{SyncResult: out}
}

// plainResult decodes a JSON string result, falling back to the raw text.
func plainResult(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}

func (d *Dispatcher) executeAsync(ctx context.Context, target Target, prompt string, opts Options) (*AsyncHandle, error) {
	if d.sessions == nil || d.tracker == nil {
		return nil, errors.New("async mode is not configured")
	}

	rec, err := d.tracker.CreateRequest(ctx, "", opts.ChatID, opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("create request record: %w", err)
	}

	log := d.logger.WithContext(ctx).WithFields(zap.String("async_request_id", rec.RequestID))

	err = d.deliver(ctx, target, prompt, opts, rec.RequestID)
	if err != nil && errors.Is(err, runtime.ErrTargetGone) && opts.Reresolve != nil {
		if fresh, rerr := opts.Reresolve(ctx); rerr == nil {
			err = d.deliver(ctx, fresh, prompt, opts, rec.RequestID)
		}
	}
	if err != nil {
		if _, uerr := d.tracker.UpdateState(context.WithoutCancel(ctx), rec.RequestID, tracker.StateError, tracker.Update{}); uerr != nil {
			log.Warn("Failed to mark request as error", zap.Error(uerr))
		}
		return nil, fmt.Errorf("deliver prompt: %w", err)
	}

	if _, err := d.tracker.UpdateState(ctx, rec.RequestID, tracker.StateProcessing, tracker.Update{}); err != nil {
		log.Warn("Failed to mark request as processing", zap.Error(err))
	}
	log.Debug("Prompt delivered", zap.String("target", target.Name))
	return &AsyncHandle{RequestID: rec.RequestID, Mode: ModeTmux}, nil
}

func (d *Dispatcher) deliver(ctx context.Context, target Target, prompt string, opts Options, requestID string) error {
	name, err := d.sessions.GetOrCreateSession(ctx, target.ID, opts.Workspace, opts.ChatID)
	if err != nil {
		return err
	}
	meta := map[string]string{
		"request_id": requestID,
		"chat_id":    opts.ChatID,
		"workspace":  opts.Workspace,
	}
	if d.cfg.AsyncTimeout > 0 {
		meta["timeout_ms"] = strconv.FormatInt(d.cfg.AsyncTimeout.Milliseconds(), 10)
	}
	return d.sessions.SendToSession(ctx, target.ID, name, prompt, meta, 0)
}
