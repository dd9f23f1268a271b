package proxytunnel

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/types"
)

// upstreamHTTPProxy is a minimal CONNECT proxy that records the
// Proxy-Authorization header it receives, then tunnels to the target.
func upstreamHTTPProxy(t *testing.T, gotAuth chan<- string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				req, err := http.ReadRequest(bufio.NewReader(conn))
				if err != nil {
					return
				}
				gotAuth <- req.Header.Get("Proxy-Authorization")

				target, err := net.DialTimeout("tcp", req.Host, time.Second)
				if err != nil {
					io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
					return
				}
				defer target.Close()
				io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")
				relay(conn, target)
			}(conn)
		}
	}()

	return ln.Addr().String()
}

// echoServer answers every connection with a fixed banner.
func echoServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				io.WriteString(conn, "pong\n")
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func TestTunnelForwardsWithCredentials(t *testing.T) {
	gotAuth := make(chan string, 1)
	upstreamAddr := upstreamHTTPProxy(t, gotAuth)
	targetAddr := echoServer(t)

	host, portStr, err := net.SplitHostPort(upstreamAddr)
	require.NoError(t, err)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	manager := NewManager()
	defer manager.Stop()

	tunnel, err := manager.Ensure(&types.ProxyConfig{
		Host:     host,
		Port:     port,
		Username: "alice",
		Password: "s3cret",
		Scheme:   "http",
	})
	require.NoError(t, err)

	// connect through the local unauthenticated endpoint
	conn, err := net.DialTimeout("tcp", tunnel.Addr(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", targetAddr, targetAddr)

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "200")

	// drain the header terminator
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimSpace(line) == "" {
			break
		}
	}

	banner, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "pong\n", banner)

	select {
	case auth := <-gotAuth:
		assert.Equal(t, "Basic "+basicAuth("alice", "s3cret"), auth)
	case <-time.After(time.Second):
		t.Fatal("upstream proxy never saw the request")
	}
}

func TestEnsureIsIdempotentForSameConfig(t *testing.T) {
	gotAuth := make(chan string, 8)
	upstreamAddr := upstreamHTTPProxy(t, gotAuth)

	host, portStr, err := net.SplitHostPort(upstreamAddr)
	require.NoError(t, err)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	cfg := &types.ProxyConfig{Host: host, Port: port, Username: "alice", Password: "x", Scheme: "http"}

	manager := NewManager()
	defer manager.Stop()

	first, err := manager.Ensure(cfg)
	require.NoError(t, err)
	second, err := manager.Ensure(cfg)
	require.NoError(t, err)
	assert.Equal(t, first.Addr(), second.Addr())

	// a different upstream replaces the tunnel
	other := *cfg
	other.Username = "bob"
	third, err := manager.Ensure(&other)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, "bob", third.cfg.Username)
}

func TestStopWithoutTunnel(t *testing.T) {
	manager := NewManager()
	manager.Stop()
	assert.Nil(t, manager.Active())
}
