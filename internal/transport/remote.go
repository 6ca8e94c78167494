package transport

import (
	"context"
	"net/http"
	"time"
)

// NewRemoteTransport returns the backend that calls an agent over HTTP(S).
// The token, when set, is sent as a bearer credential.
func NewRemoteTransport(baseURL, token string, probeTimeout time.Duration) Transport {
	b := newHTTPBackend(MethodRemote, baseURL, token, nil)
	b.probe = func(ctx context.Context) bool {
		if b.baseURL == "" {
			return false
		}
		ctx, cancel := withTimeout(ctx, probeTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
		if err != nil {
			return false
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := b.client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode < http.StatusInternalServerError
	}
	return b
}
