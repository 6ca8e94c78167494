package transport

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/common/logger"
)

// FallbackChain tries backends in order and returns the first OK response.
// A stale-target response ends the chain since the target is gone for every
// backend. A timeout moves on to the next backend; when every backend fails
// and at least one timed out, the last timeout is returned.
type FallbackChain struct {
	transports []Transport
	logger     *logger.Logger
}

// NewFallbackChain composes transports in preference order.
func NewFallbackChain(log *logger.Logger, transports ...Transport) *FallbackChain {
	return &FallbackChain{
		transports: transports,
		logger:     log.WithFields(zap.String("component", "fallback-chain")),
	}
}

func (c *FallbackChain) Method() string {
	methods := make([]string, 0, len(c.transports))
	for _, t := range c.transports {
		methods = append(methods, t.Method())
	}
	return MethodChain + "(" + strings.Join(methods, ",") + ")"
}

// IsAvailable is true when any member is available.
func (c *FallbackChain) IsAvailable(ctx context.Context) bool {
	for _, t := range c.transports {
		if t.IsAvailable(ctx) {
			return true
		}
	}
	return false
}

func (c *FallbackChain) SendRequest(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	lastMessage := "no transports configured"
	var lastTimeout *Response
	for i, t := range c.transports {
		resp, err := t.SendRequest(ctx, req, timeout)
		if err != nil {
			lastMessage = err.Error()
		} else if resp.OK {
			return resp, nil
		} else {
			switch resp.Code() {
			case CodeStaleTarget:
				return resp, nil
			case CodeTimeout:
				lastTimeout = resp
			}
			lastMessage = resp.Message()
		}
		c.logger.Debug("Transport failed, trying next",
			zap.String("method", t.Method()),
			zap.Int("position", i),
			zap.String("request_id", req.ID),
			zap.String("reason", lastMessage))
		if ctx.Err() != nil {
			break
		}
	}
	if lastTimeout != nil {
		return lastTimeout, nil
	}
	return Synthesize(req.ID, http.StatusServiceUnavailable, CodeUnavailable,
		"all transports failed: "+lastMessage), nil
}
