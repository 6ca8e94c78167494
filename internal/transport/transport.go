// Package transport provides a uniform request/response abstraction over the
// channels used to reach an agent process: TCP and Unix sockets, exec into
// the target, loopback and remote HTTP. Every backend handed out by the
// Factory is wrapped in a circuit breaker, so callers always get a Response
// and never a bare error.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Backend method names.
const (
	MethodSocket = "socket"
	MethodUnix   = "unix"
	MethodExec   = "exec"
	MethodLocal  = "local"
	MethodRemote = "remote"
	MethodChain  = "chain"
)

// Error codes carried by synthesized responses.
const (
	CodeTimeout        = "timeout"
	CodeStaleTarget    = "stale_target"
	CodeCircuitOpen    = "circuit_open"
	CodeTransportError = "transport_error"
	CodeUnavailable    = "unavailable"
)

var (
	// ErrTimeout is returned by backends when the call deadline expires.
	ErrTimeout = errors.New("transport timeout")
	// ErrStaleTarget is returned when the target no longer resolves.
	ErrStaleTarget = errors.New("stale target")
)

// Request is the transport-agnostic call envelope.
type Request struct {
	ID   string          `json:"id"`
	Verb string          `json:"verb"`
	Path string          `json:"path"`
	Body json.RawMessage `json:"body,omitempty"`
}

// NewRequest builds a request with a fresh correlation id.
func NewRequest(verb, path string, body interface{}) (*Request, error) {
	req := &Request{ID: uuid.New().String(), Verb: verb, Path: path}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		req.Body = data
	}
	return req, nil
}

// Error describes a failed call.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Response is exactly one of {OK: true, Result} or {OK: false, Error}.
type Response struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Code returns the error code of a failed response, or "".
func (r *Response) Code() string {
	if r == nil || r.Error == nil {
		return ""
	}
	return r.Error.Code
}

// Message returns the error message of a failed response, or "".
func (r *Response) Message() string {
	if r == nil || r.Error == nil {
		return ""
	}
	return r.Error.Message
}

// Transport is implemented by every backend.
type Transport interface {
	// SendRequest performs one call. A zero timeout means no timeout.
	SendRequest(ctx context.Context, req *Request, timeout time.Duration) (*Response, error)
	IsAvailable(ctx context.Context) bool
	Method() string
}

// Synthesize builds a failed response that did not come from the agent.
func Synthesize(id string, status int, code, message string) *Response {
	return &Response{
		ID:     id,
		Status: status,
		OK:     false,
		Error:  &Error{Message: message, Code: code},
	}
}

// withTimeout applies timeout to ctx; zero leaves ctx unbounded.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
