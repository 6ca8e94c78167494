package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 16 << 20

// httpBackend is the HTTP framing shared by the socket, unix, local and
// remote backends. Each one supplies its own dialer and base URL.
type httpBackend struct {
	method  string
	baseURL string
	token   string
	client  *http.Client
	probe   func(ctx context.Context) bool
}

func newHTTPBackend(method, baseURL, token string, dial func(ctx context.Context, network, addr string) (net.Conn, error)) *httpBackend {
	tr := &http.Transport{
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if dial != nil {
		tr.DialContext = dial
	} else {
		tr.DialContext = (&net.Dialer{Timeout: 10 * time.Second}).DialContext
		tr.Proxy = http.ProxyFromEnvironment
	}
	return &httpBackend{
		method:  method,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Transport: tr},
	}
}

func (b *httpBackend) Method() string { return b.method }

func (b *httpBackend) IsAvailable(ctx context.Context) bool {
	if b.probe == nil {
		return true
	}
	return b.probe(ctx)
}

// SendRequest posts the request body to baseURL+path. Cancellation or
// timeout aborts the in-flight connection.
func (b *httpBackend) SendRequest(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	verb := req.Verb
	if verb == "" {
		verb = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, verb, b.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", req.ID)
	if b.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("failed to read response: %w", err))
	}
	return normalize(req.ID, resp.StatusCode, data), nil
}

// classify maps deadline errors to ErrTimeout.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// dialProbe reports whether a connection can be opened within timeout.
func dialProbe(network, addr string, timeout time.Duration) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}
