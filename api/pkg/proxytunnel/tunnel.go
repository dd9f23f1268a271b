// Package proxytunnel runs the local forwarding endpoint that fronts an
// authenticated upstream proxy. The automation engine only ever sees the
// local, unauthenticated endpoint, so upstream credentials never appear in
// browser launch flags or process argv.
package proxytunnel

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/types"
)

const dialTimeout = 15 * time.Second

// Manager owns at most one tunnel per worker process. Ensure is idempotent
// for an unchanged upstream config so repeated logins reuse the listener.
type Manager struct {
	mu     sync.Mutex
	tunnel *Tunnel
}

func NewManager() *Manager {
	return &Manager{}
}

// Ensure starts (or reuses) the tunnel for the given upstream config.
func (m *Manager) Ensure(cfg *types.ProxyConfig) (*Tunnel, error) {
	if cfg == nil {
		return nil, errors.New("nil proxy config")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tunnel != nil {
		if m.tunnel.cfg.Address() == cfg.Address() && m.tunnel.cfg.Username == cfg.Username {
			return m.tunnel, nil
		}
		m.tunnel.close()
		m.tunnel = nil
	}

	tunnel, err := start(cfg)
	if err != nil {
		return nil, err
	}
	m.tunnel = tunnel
	return tunnel, nil
}

// Active returns the running tunnel, or nil.
func (m *Manager) Active() *Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tunnel
}

// Stop tears the tunnel down. Safe to call with none running.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tunnel != nil {
		m.tunnel.close()
		m.tunnel = nil
	}
}

// ExternalIP reports the egress address the upstream proxy presents, by
// asking an echo service through it.
func (m *Manager) ExternalIP(echoURL string) (string, error) {
	m.mu.Lock()
	tunnel := m.tunnel
	m.mu.Unlock()
	if tunnel == nil {
		return "", errors.New("no active proxy tunnel")
	}

	transport := &http.Transport{
		Dial: func(network, addr string) (net.Conn, error) {
			return tunnel.dialUpstream(addr)
		},
	}
	client := &http.Client{Transport: transport, Timeout: 20 * time.Second}

	resp, err := client.Get(echoURL)
	if err != nil {
		return "", fmt.Errorf("external ip probe failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Tunnel is one local listener forwarding to one upstream proxy.
type Tunnel struct {
	cfg  *types.ProxyConfig
	ln   net.Listener
	done chan struct{}
}

func start(cfg *types.ProxyConfig) (*Tunnel, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to bind tunnel listener: %w", err)
	}

	t := &Tunnel{
		cfg:  cfg,
		ln:   ln,
		done: make(chan struct{}),
	}

	go t.acceptLoop()

	log.Info().
		Str("local", t.Addr()).
		Str("upstream", cfg.Address()).
		Str("scheme", t.scheme()).
		Msg("proxy tunnel started")

	return t, nil
}

// Addr returns the local host:port the browser should be pointed at.
func (t *Tunnel) Addr() string {
	return t.ln.Addr().String()
}

// BrowserProxyURL is the value for the browser's proxy-server flag.
func (t *Tunnel) BrowserProxyURL() string {
	return fmt.Sprintf("%s://%s", t.scheme(), t.Addr())
}

func (t *Tunnel) scheme() string {
	if t.cfg.Scheme == "http" {
		return "http"
	}
	return "socks5"
}

func (t *Tunnel) close() {
	select {
	case <-t.done:
		return
	default:
	}
	close(t.done)
	_ = t.ln.Close()
	log.Info().Str("local", t.Addr()).Msg("proxy tunnel stopped")
}

func (t *Tunnel) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			log.Warn().Err(err).Msg("tunnel accept failed")
			return
		}
		go t.handle(conn)
	}
}

func (t *Tunnel) handle(conn net.Conn) {
	defer conn.Close()

	var err error
	if t.scheme() == "http" {
		err = t.handleHTTP(conn)
	} else {
		err = t.handleSOCKS(conn)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		log.Debug().Err(err).Msg("tunnel connection closed")
	}
}

// dialUpstream opens a connection to addr through the upstream proxy,
// presenting the stored credentials.
func (t *Tunnel) dialUpstream(addr string) (net.Conn, error) {
	if t.scheme() == "http" {
		return t.dialUpstreamHTTP(addr)
	}

	var auth *proxy.Auth
	if t.cfg.Username != "" {
		auth = &proxy.Auth{User: t.cfg.Username, Password: t.cfg.Password}
	}
	dialer, err := proxy.SOCKS5("tcp", t.cfg.Address(), auth, &net.Dialer{Timeout: dialTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream socks5 dialer: %w", err)
	}
	return dialer.Dial("tcp", addr)
}

func (t *Tunnel) dialUpstreamHTTP(addr string) (net.Conn, error) {
	upstream, err := net.DialTimeout("tcp", t.cfg.Address(), dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial upstream proxy: %w", err)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if t.cfg.Username != "" {
		req += "Proxy-Authorization: Basic " + basicAuth(t.cfg.Username, t.cfg.Password) + "\r\n"
	}
	req += "\r\n"

	if _, err := upstream.Write([]byte(req)); err != nil {
		upstream.Close()
		return nil, err
	}

	br := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		upstream.Close()
		return nil, fmt.Errorf("failed to read upstream CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		upstream.Close()
		return nil, fmt.Errorf("upstream proxy refused CONNECT: %s", resp.Status)
	}

	return upstream, nil
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// relay copies both directions until either side closes.
func relay(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	a.Close()
	b.Close()
	<-done
}
