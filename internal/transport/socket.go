package transport

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"
)

// NewSocketTransport returns the direct TCP backend for host:port.
func NewSocketTransport(host string, port int, probeTimeout time.Duration) Transport {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	b := newHTTPBackend(MethodSocket, "http://"+addr, "", nil)
	b.probe = dialProbe("tcp", addr, probeTimeout)
	return b
}

// NewUnixTransport returns the backend that frames HTTP over a Unix socket file.
func NewUnixTransport(path string, probeTimeout time.Duration) Transport {
	b := newHTTPBackend(MethodUnix, "http://unix", "", unixDialer(path))
	socketProbe := dialProbe("unix", path, probeTimeout)
	b.probe = func(ctx context.Context) bool {
		info, err := os.Stat(path)
		if err != nil || info.Mode()&os.ModeSocket == 0 {
			return false
		}
		return socketProbe(ctx)
	}
	return b
}

// NewLocalTransport returns the same-host backend. It binds to loopback over
// TCP when port is set, otherwise it uses the socket file at socketPath.
func NewLocalTransport(port int, socketPath string, probeTimeout time.Duration) Transport {
	if port > 0 {
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
		b := newHTTPBackend(MethodLocal, "http://"+addr, "", nil)
		b.probe = dialProbe("tcp", addr, probeTimeout)
		return b
	}
	b := newHTTPBackend(MethodLocal, "http://localhost", "", unixDialer(socketPath))
	b.probe = dialProbe("unix", socketPath, probeTimeout)
	return b
}

func unixDialer(path string) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
}
