package gateway

import (
	"errors"

	"github.com/kandev/agentgate/internal/dispatch"
	"github.com/kandev/agentgate/internal/pool"
	"github.com/kandev/agentgate/internal/runtime"
	"github.com/kandev/agentgate/internal/tmux"
)

// Chat replies. None of them carry paths, ids or upstream error text.
const (
	replyInvalid     = "Your message could not be processed. Please remove unusual characters or very long lines and try again."
	replyUnavailable = "The agent is not available right now. Please try again shortly."
	replyBusy        = "The agent is busy with other conversations. Please try again in a moment."
	replyTimeout     = "The agent took too long to respond. Please try again."
	replyFailed      = "The agent could not complete your request."
	replyInternal    = "Something went wrong while handling your message."
	replyAccepted    = "Working on it. The answer will follow when the task finishes."
	replyEmpty       = "The agent finished without any output."
)

// UserMessage renders a dispatch outcome as a short chat reply.
func UserMessage(result *dispatch.Result, err error) string {
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrValidation), errors.Is(err, ErrInvalidMessage):
			return replyInvalid
		case errors.Is(err, runtime.ErrTargetGone):
			return replyUnavailable
		case errors.Is(err, tmux.ErrCapacity), errors.Is(err, pool.ErrPoolFull):
			return replyBusy
		case tmux.IsTimeout(err):
			return replyTimeout
		default:
			return replyInternal
		}
	}
	if result == nil {
		return replyInternal
	}
	if result.Async != nil {
		return replyAccepted
	}
	res := result.Sync
	switch {
	case res == nil:
		return replyInternal
	case res.Success && res.Output == "":
		return replyEmpty
	case res.Success:
		return res.Output
	case res.IsTimeout:
		return replyTimeout
	case res.Retryable:
		return replyUnavailable
	default:
		return replyFailed
	}
}
