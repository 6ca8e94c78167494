package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kandev/agentgate/internal/runtime"
)

// execTransport runs the agent command on the target, writes the envelope
// as one JSON line on stdin and reads the reply from stdout.
type execTransport struct {
	runner  runtime.Runner
	target  string
	command []string
}

// NewExecTransport returns the exec fallback backend. It is always available.
func NewExecTransport(runner runtime.Runner, target string, command []string) Transport {
	return &execTransport{runner: runner, target: target, command: command}
}

func (t *execTransport) Method() string { return MethodExec }

func (t *execTransport) IsAvailable(context.Context) bool { return true }

type execReply struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

func (t *execTransport) SendRequest(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	if len(t.command) == 0 {
		return nil, errors.New("exec transport has no agent command")
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	envelope, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	envelope = append(envelope, '\n')

	res, err := t.runner.Exec(ctx, t.target, t.command, bytes.NewReader(envelope))
	if err != nil {
		if errors.Is(err, runtime.ErrTargetGone) {
			return nil, fmt.Errorf("%w: %v", ErrStaleTarget, err)
		}
		return nil, classify(ctx, err)
	}

	reply, ok := lastReply(res.Stdout, req.ID)
	if !ok {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = "no response"
		}
		return nil, fmt.Errorf("agent exited with code %d: %s", res.ExitCode, msg)
	}

	status := reply.Status
	if status == 0 {
		status = 200
		if reply.Error != nil {
			status = 500
		}
	}
	if status >= 200 && status < 300 {
		return &Response{ID: req.ID, Status: status, OK: true, Result: reply.Result}, nil
	}
	if reply.Error != nil && reply.Error.Message != "" {
		return Synthesize(req.ID, status, reply.Error.Code, reply.Error.Message), nil
	}
	return normalize(req.ID, status, reply.Result), nil
}

// lastReply scans stdout for the last well-formed JSON object whose id
// matches. Log lines and replies to other ids are ignored.
func lastReply(stdout, id string) (execReply, bool) {
	var (
		found execReply
		ok    bool
	)
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 64*1024), maxResponseBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var r execReply
		if err := json.Unmarshal(line, &r); err != nil || r.ID != id {
			continue
		}
		found, ok = r, true
	}
	return found, ok
}
