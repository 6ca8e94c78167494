package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentgate/internal/runtime"
)

func hostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestNormalize(t *testing.T) {
	resp := normalize("1", 200, []byte(`{"stdout":"ok"}`))
	assert.True(t, resp.OK)
	assert.JSONEq(t, `{"stdout":"ok"}`, string(resp.Result))

	resp = normalize("1", 200, []byte("plain text"))
	assert.True(t, resp.OK)
	assert.JSONEq(t, `{"message":"plain text"}`, string(resp.Result))

	resp = normalize("1", 500, []byte(`{"message":"agent crashed","code":"E1"}`))
	assert.False(t, resp.OK)
	assert.Equal(t, "agent crashed", resp.Message())
	assert.Equal(t, "E1", resp.Code())

	resp = normalize("1", 502, []byte("bad gateway"))
	assert.Equal(t, "bad gateway", resp.Message())

	resp = normalize("1", 404, nil)
	assert.Equal(t, "HTTP 404", resp.Message())
}

func TestSocketTransport_SendRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"prompt":"hi"}`, string(body))
		_, _ = w.Write([]byte(`{"stdout":"ok"}`))
	}))
	defer srv.Close()

	host, port := hostPort(t, srv)
	tr := NewSocketTransport(host, port, time.Second)
	assert.Equal(t, MethodSocket, tr.Method())
	assert.True(t, tr.IsAvailable(context.Background()))

	req, err := NewRequest(http.MethodPost, "/execute", map[string]string{"prompt": "hi"})
	require.NoError(t, err)
	resp, err := tr.SendRequest(context.Background(), req, time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, req.ID, resp.ID)
	assert.JSONEq(t, `{"stdout":"ok"}`, string(resp.Result))
}

func TestSocketTransport_TimeoutIsClassified(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	host, port := hostPort(t, srv)
	tr := NewSocketTransport(host, port, time.Second)
	_, err := tr.SendRequest(context.Background(), &Request{ID: "x", Verb: "POST", Path: "/execute"}, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestSocketTransport_UnavailableWhenNothingListens(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	tr := NewSocketTransport("127.0.0.1", port, 200*time.Millisecond)
	assert.False(t, tr.IsAvailable(context.Background()))
}

func TestUnixTransport(t *testing.T) {
	dir, err := os.MkdirTemp("", "agt")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "a.sock")

	missing := NewUnixTransport(path, time.Second)
	assert.False(t, missing.IsAvailable(context.Background()))

	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad prompt"}`))
	}))
	srv.Listener = l
	srv.Start()
	defer srv.Close()

	tr := NewUnixTransport(path, time.Second)
	assert.True(t, tr.IsAvailable(context.Background()))
	resp, err := tr.SendRequest(context.Background(), &Request{ID: "u1", Verb: "POST", Path: "/execute"}, time.Second)
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "bad prompt", resp.Message())
}

func TestRemoteTransport_BearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"stdout":"remote"}`))
	}))
	defer srv.Close()

	tr := NewRemoteTransport(srv.URL, "s3cret", time.Second)
	assert.Equal(t, MethodRemote, tr.Method())
	assert.True(t, tr.IsAvailable(context.Background()))

	resp, err := tr.SendRequest(context.Background(), &Request{ID: "r1", Verb: "POST", Path: "/execute"}, 0)
	require.NoError(t, err)
	assert.True(t, resp.OK)

	anon := NewRemoteTransport(srv.URL, "", time.Second)
	resp, err = anon.SendRequest(context.Background(), &Request{ID: "r2", Verb: "POST", Path: "/execute"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "HTTP 401", resp.Message())
}

func TestLocalTransport_Loopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	_, port := hostPort(t, srv)

	tr := NewLocalTransport(port, "", time.Second)
	assert.Equal(t, MethodLocal, tr.Method())
	assert.True(t, tr.IsAvailable(context.Background()))
}

type fakeRunner struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
	stdin    string
	target   string
}

func (f *fakeRunner) Exec(ctx context.Context, target string, cmd []string, stdin io.Reader) (*runtime.ExecResult, error) {
	f.target = target
	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		f.stdin = string(data)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &runtime.ExecResult{Stdout: f.stdout, Stderr: f.stderr, ExitCode: f.exitCode}, nil
}

func TestExecTransport_ParsesLastMatchingReply(t *testing.T) {
	req := &Request{ID: "req-1", Verb: "POST", Path: "/execute", Body: json.RawMessage(`{"prompt":"x"}`)}
	runner := &fakeRunner{stdout: strings.Join([]string{
		"starting agent",
		`{"id":"other","status":200,"result":{"stdout":"wrong"}}`,
		`{"id":"req-1","status":200,"result":{"stdout":"first"}}`,
		`{not json`,
		`{"id":"req-1","status":200,"result":{"stdout":"final"}}`,
		"bye",
	}, "\n")}

	tr := NewExecTransport(runner, "c1", []string{"agent", "--json"})
	assert.True(t, tr.IsAvailable(context.Background()))
	resp, err := tr.SendRequest(context.Background(), req, time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.JSONEq(t, `{"stdout":"final"}`, string(resp.Result))
	assert.Equal(t, "c1", runner.target)

	var sent Request
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(runner.stdin)), &sent))
	assert.Equal(t, "req-1", sent.ID)
}

func TestExecTransport_ErrorReply(t *testing.T) {
	runner := &fakeRunner{stdout: `{"id":"e1","status":408,"error":{"message":"agent timed out","code":"timeout"}}`}
	tr := NewExecTransport(runner, "c1", []string{"agent"})
	resp, err := tr.SendRequest(context.Background(), &Request{ID: "e1"}, 0)
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, 408, resp.Status)
	assert.Equal(t, CodeTimeout, resp.Code())
}

func TestExecTransport_NoReplyIsError(t *testing.T) {
	runner := &fakeRunner{stdout: "garbage", stderr: "agent: not found", exitCode: 127}
	tr := NewExecTransport(runner, "c1", []string{"agent"})
	_, err := tr.SendRequest(context.Background(), &Request{ID: "n1"}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127")
}

func TestExecTransport_TargetGoneIsStale(t *testing.T) {
	runner := &fakeRunner{err: runtime.ErrTargetGone}
	tr := NewExecTransport(runner, "c1", []string{"agent"})
	_, err := tr.SendRequest(context.Background(), &Request{ID: "s1"}, 0)
	assert.True(t, errors.Is(err, ErrStaleTarget))
}
