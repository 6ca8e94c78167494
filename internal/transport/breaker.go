package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/tracing"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// BreakerConfig holds the breaker tunables.
type BreakerConfig struct {
	Threshold       int
	HalfOpenTimeout time.Duration
	ResetTimeout    time.Duration
}

// DefaultBreakerConfig returns threshold 5, half-open after 60s and hard
// reset after 120s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, HalfOpenTimeout: 60 * time.Second, ResetTimeout: 120 * time.Second}
}

// CircuitState is a snapshot of a breaker.
type CircuitState struct {
	Failures        int       `json:"failures"`
	LastFailureTime time.Time `json:"lastFailureTime"`
	State           State     `json:"state"`
}

// CircuitBreaker tracks failures of one backend instance.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu    sync.Mutex
	state CircuitState
}

// NewCircuitBreaker creates a closed breaker. A nil clock uses time.Now.
func NewCircuitBreaker(cfg BreakerConfig, now func() time.Time) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBreakerConfig().Threshold
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{cfg: cfg, now: now, state: CircuitState{State: StateClosed}}
}

// Allow reports whether a call may go through, applying time-based
// transitions first. The hard reset wins over half-open.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state.State != StateOpen
}

func (b *CircuitBreaker) advance() {
	if b.state.State != StateOpen {
		return
	}
	since := b.now().Sub(b.state.LastFailureTime)
	switch {
	case b.cfg.ResetTimeout > 0 && since >= b.cfg.ResetTimeout:
		b.state.State = StateClosed
		b.state.Failures = 0
	case since >= b.cfg.HalfOpenTimeout:
		b.state.State = StateHalfOpen
	}
}

// RecordSuccess decays the failure count while closed and closes a
// half-open breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	switch b.state.State {
	case StateHalfOpen:
		b.state.State = StateClosed
		b.state.Failures = 0
	case StateClosed:
		if b.state.Failures > 0 {
			b.state.Failures--
		}
	}
}

// RecordFailure counts a failure and opens the breaker at the threshold.
// A failed half-open probe reopens it.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	b.state.Failures++
	b.state.LastFailureTime = b.now()
	if b.state.State == StateHalfOpen || b.state.Failures >= b.cfg.Threshold {
		b.state.State = StateOpen
	}
}

// Snapshot returns the current state after time-based transitions.
func (b *CircuitBreaker) Snapshot() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// BreakerTransport wraps a backend with a circuit breaker. It never returns
// a non-nil error: backend errors become synthesized responses.
type BreakerTransport struct {
	inner    Transport
	breaker  *CircuitBreaker
	logger   *logger.Logger
	onChange func(ctx context.Context, from, to State)
}

// WithBreaker wraps t.
func WithBreaker(t Transport, breaker *CircuitBreaker, log *logger.Logger) *BreakerTransport {
	return &BreakerTransport{
		inner:   t,
		breaker: breaker,
		logger:  log.WithFields(zap.String("component", "breaker"), zap.String("method", t.Method())),
	}
}

func (t *BreakerTransport) Method() string { return t.inner.Method() }

// OnStateChange registers fn to run after a call moved the breaker to a new
// state. It must be set before the transport is shared.
func (t *BreakerTransport) OnStateChange(fn func(ctx context.Context, from, to State)) {
	t.onChange = fn
}

// Breaker exposes the wrapped breaker.
func (t *BreakerTransport) Breaker() *CircuitBreaker { return t.breaker }

// IsAvailable is false while the breaker is open.
func (t *BreakerTransport) IsAvailable(ctx context.Context) bool {
	if t.breaker.Snapshot().State == StateOpen {
		return false
	}
	return t.inner.IsAvailable(ctx)
}

func (t *BreakerTransport) SendRequest(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	before := t.breaker.Snapshot().State
	defer t.notify(ctx, before)

	if !t.breaker.Allow() {
		return Synthesize(req.ID, http.StatusServiceUnavailable, CodeCircuitOpen,
			t.inner.Method()+" transport unavailable: circuit open"), nil
	}

	ctx, span := tracing.TraceTransportRequest(ctx, t.inner.Method(), req.Verb, req.Path, req.ID)
	defer span.End()

	resp, err := t.inner.SendRequest(ctx, req, timeout)
	if err != nil {
		t.breaker.RecordFailure()
		resp = synthesizeFailure(req.ID, err)
		t.logger.Warn("Transport call failed",
			zap.String("request_id", req.ID),
			zap.String("code", resp.Code()),
			zap.String("breaker_state", string(t.breaker.Snapshot().State)),
			zap.Error(err))
		tracing.TraceTransportResponse(span, resp.Status, err)
		return resp, nil
	}

	t.breaker.RecordSuccess()
	tracing.TraceTransportResponse(span, resp.Status, nil)
	return resp, nil
}

func (t *BreakerTransport) notify(ctx context.Context, before State) {
	if t.onChange == nil {
		return
	}
	if after := t.breaker.Snapshot().State; after != before {
		t.onChange(ctx, before, after)
	}
}

func synthesizeFailure(id string, err error) *Response {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Synthesize(id, http.StatusRequestTimeout, CodeTimeout, "request timed out")
	case errors.Is(err, ErrStaleTarget):
		return Synthesize(id, http.StatusGone, CodeStaleTarget, "target is no longer available")
	default:
		return Synthesize(id, http.StatusServiceUnavailable, CodeTransportError, err.Error())
	}
}
